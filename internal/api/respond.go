package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/qemplois/marketplace-server/internal/apperrors"
	"github.com/qemplois/marketplace-server/internal/models"
	"github.com/qemplois/marketplace-server/internal/service"
	"github.com/qemplois/marketplace-server/internal/utils"
)

// language picks the message language from Accept-Language. French unless
// the first preference is English.
func language(c *gin.Context) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(c.GetHeader("Accept-Language"))), "en") {
		return "en"
	}
	return "fr"
}

// classify turns any error into an *apperrors.Error. Errors without a code
// are persistence failures.
func classify(err error) *apperrors.Error {
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}
	return apperrors.Persistence(err)
}

// message is the localized code message, or the error's own detail for
// English callers when it has one.
func message(appErr *apperrors.Error, lang string) string {
	if lang == "en" && appErr.Message != "" {
		return appErr.Message
	}
	return appErr.Code.Message(lang)
}

func logFailure(c *gin.Context, appErr *apperrors.Error) {
	logger := utils.LoggerFrom(c.Request.Context())
	switch appErr.Code {
	case apperrors.PersistenceFailure, apperrors.ScraperFailure, apperrors.Timeout:
		logger.Error("request failed", "code", appErr.Code, "tag", appErr.Tag, "error", appErr.Error())
	default:
		logger.Debug("request rejected", "code", appErr.Code, "error", appErr.Error())
	}
}

func errorBody(c *gin.Context, appErr *apperrors.Error) models.ErrorResponse {
	return models.ErrorResponse{
		Status:  "error",
		Code:    appErr.Code.Wire(),
		Message: message(appErr, language(c)),
		Errors:  appErr.Fields,
	}
}

// respondError writes the error envelope.
func respondError(c *gin.Context, err error) {
	appErr := classify(err)
	logFailure(c, appErr)
	c.JSON(appErr.HTTPStatus(), errorBody(c, appErr))
}

func abortWithError(c *gin.Context, err error) {
	appErr := classify(err)
	logFailure(c, appErr)
	c.AbortWithStatusJSON(appErr.HTTPStatus(), errorBody(c, appErr))
}

// bindJSON decodes the body into req. A malformed body is a validation error.
func bindJSON(c *gin.Context, req any) bool {
	body, err := c.GetRawData()
	if err != nil {
		respondError(c, malformedBody(err, nil, req))
		return false
	}
	if err := binding.JSON.BindBody(body, req); err != nil {
		respondError(c, malformedBody(err, body, req))
		return false
	}
	return true
}

// bindOptionalJSON is bindJSON for routes whose body may be empty.
func bindOptionalJSON(c *gin.Context, req any) bool {
	body, err := c.GetRawData()
	if err != nil {
		respondError(c, malformedBody(err, nil, req))
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := binding.JSON.BindBody(body, req); err != nil {
		respondError(c, malformedBody(err, body, req))
		return false
	}
	return true
}

var bodyValidator = service.NewValidator()

// malformedBody reports a body that failed to decode into req. When the body
// is a JSON object, each top-level member that does not fit its field is
// reported under its own name, and the members that do fit are validated.
func malformedBody(err error, body []byte, req any) error {
	fields := wrongTypeFields(body, req)
	if len(fields) == 0 {
		appErr := apperrors.Validation(map[string][]string{"body": {"must be a valid JSON document"}})
		appErr.Err = err
		return appErr
	}

	if verr, ok := apperrors.As(bodyValidator.Struct(req)); ok {
		for field, reasons := range verr.Fields {
			if _, bad := fields[field]; !bad {
				fields[field] = reasons
			}
		}
	}
	appErr := apperrors.Validation(fields)
	appErr.Err = err
	return appErr
}

// wrongTypeFields decodes body member by member. req ends up holding the
// members that decoded cleanly.
func wrongTypeFields(body []byte, req any) map[string][]string {
	var members map[string]json.RawMessage
	if len(body) == 0 || json.Unmarshal(body, &members) != nil {
		return nil
	}
	target := reflect.ValueOf(req)
	if target.Kind() != reflect.Pointer || target.Elem().Kind() != reflect.Struct {
		return nil
	}
	target = target.Elem()
	target.Set(reflect.Zero(target.Type()))

	fields := map[string][]string{}
	for i := 0; i < target.NumField(); i++ {
		sf := target.Type().Field(i)
		name := strings.SplitN(sf.Tag.Get("json"), ",", 2)[0]
		raw, ok := members[name]
		if !ok || name == "" || name == "-" {
			continue
		}
		v := reflect.New(sf.Type)
		if err := json.Unmarshal(raw, v.Interface()); err != nil {
			fields[name] = []string{"has the wrong type"}
			continue
		}
		target.Field(i).Set(v.Elem())
	}
	return fields
}

// respondBidError writes the bid envelope. Every rejection other than a
// storage outage is a 400.
func respondBidError(c *gin.Context, err error) {
	appErr := classify(err)
	logFailure(c, appErr)

	status := http.StatusBadRequest
	if appErr.Code == apperrors.PersistenceFailure || appErr.Code == apperrors.Unauthorized {
		status = appErr.HTTPStatus()
	}
	c.JSON(status, models.BidResponse{
		Success: false,
		Message: message(appErr, language(c)),
		Code:    appErr.Code.Wire(),
		Errors:  appErr.Fields,
	})
}
