package service

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/qemplois/marketplace-server/internal/apperrors"
)

var caPhone = regexp.MustCompile(`^\+?1?[2-9]\d{2}[2-9]\d{6}$`)

// Validator checks request shapes. It is built once and shared.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields under their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Compare decimals numerically in gte/lte rules.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("ca_phone", func(fl validator.FieldLevel) bool {
		return caPhone.MatchString(stripPhone(fl.Field().String()))
	})

	return &Validator{v: v}
}

// Struct validates s and returns every field failure as one validation-error.
func (v *Validator) Struct(s interface{}) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.Wrap(apperrors.ValidationError, err)
	}

	fields := map[string][]string{}
	for _, fe := range fieldErrs {
		fields[fe.Field()] = append(fields[fe.Field()], describe(fe))
	}
	return apperrors.Validation(fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "required"
	case "email":
		return "must be a valid email address"
	case "ca_phone":
		return "must be a Canadian phone number"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return "must be at least " + fe.Param()
	}
	return "invalid"
}

func stripPhone(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, s)
}

// fieldError builds a single-field validation-error.
func fieldError(field, reason string) error {
	return apperrors.Validation(map[string][]string{field: {reason}})
}
