// Package apperrors defines the stable failure codes returned to clients.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a stable, machine-readable failure code.
type Code string

const (
	ValidationError        Code = "validation-error"
	Unauthorized           Code = "unauthorized"
	Forbidden              Code = "forbidden"
	NotFound               Code = "not-found"
	Conflict               Code = "conflict"
	ConsentMissing         Code = "consent-missing"
	LicenceRequiredMissing Code = "licence-required-missing"
	IdentityNotVerified    Code = "identity-not-verified"
	InvalidTransition      Code = "invalid-transition"
	FormatInvalid          Code = "format-invalid"
	Timeout                Code = "timeout"
	ScraperFailure         Code = "scraper-failure"
	PersistenceFailure     Code = "persistence-failure"

	CredentialsInvalid    Code = "credentials-invalid"
	SessionInvalid        Code = "session-invalid"
	EmailInUse            Code = "email-in-use"
	PhoneInUse            Code = "phone-in-use"
	UnknownJob            Code = "unknown-job"
	UnknownPro            Code = "unknown-pro"
	NotLinked             Code = "not-linked"
	AlreadyClaimedByOther Code = "already-claimed-by-other"
)

// ServiceUnavailable is the wire code for failures whose detail stays server side.
const ServiceUnavailable = "service-unavailable"

type descriptor struct {
	status int
	fr     string
	en     string
}

var descriptors = map[Code]descriptor{
	ValidationError:        {http.StatusBadRequest, "Veuillez corriger les erreurs dans le formulaire.", "Please correct the errors in the form."},
	Unauthorized:           {http.StatusUnauthorized, "Authentification requise.", "Authentication required."},
	Forbidden:              {http.StatusForbidden, "Action non autorisée pour votre rôle.", "This action is not allowed for your role."},
	NotFound:               {http.StatusNotFound, "Ressource introuvable.", "Resource not found."},
	Conflict:               {http.StatusConflict, "La ressource a été modifiée entre-temps.", "The resource was modified concurrently."},
	ConsentMissing:         {http.StatusBadRequest, "Le consentement est requis pour créer un compte.", "Consent is required to create an account."},
	LicenceRequiredMissing: {http.StatusBadRequest, "Une licence RBQ valide est requise pour cette catégorie.", "A valid RBQ licence is required for this category."},
	IdentityNotVerified:    {http.StatusBadRequest, "Votre identité doit être vérifiée avant de soumissionner.", "Your identity must be verified before bidding."},
	InvalidTransition:      {http.StatusBadRequest, "Transition de statut invalide.", "Invalid status transition."},
	FormatInvalid:          {http.StatusBadRequest, "Format de licence invalide.", "Invalid licence format."},
	Timeout:                {http.StatusGatewayTimeout, "La vérification a dépassé le délai.", "Verification timed out."},
	ScraperFailure:         {http.StatusServiceUnavailable, "Service temporairement indisponible.", "Service temporarily unavailable."},
	PersistenceFailure:     {http.StatusServiceUnavailable, "Service temporairement indisponible.", "Service temporarily unavailable."},
	CredentialsInvalid:     {http.StatusUnauthorized, "Courriel ou mot de passe invalide.", "Invalid email or password."},
	SessionInvalid:         {http.StatusUnauthorized, "Session invalide ou expirée.", "Invalid or expired session."},
	EmailInUse:             {http.StatusConflict, "Ce courriel est déjà utilisé.", "This email is already in use."},
	PhoneInUse:             {http.StatusConflict, "Ce numéro de téléphone est déjà utilisé.", "This phone number is already in use."},
	UnknownJob:             {http.StatusBadRequest, "Ce projet n'existe pas.", "This job does not exist."},
	UnknownPro:             {http.StatusBadRequest, "Ce professionnel n'existe pas.", "This pro does not exist."},
	NotLinked:              {http.StatusNotFound, "Aucun compte lié.", "No linked account."},
	AlreadyClaimedByOther:  {http.StatusConflict, "Ce lead a déjà été réclamé.", "This lead was already claimed."},
}

// HTTPStatus returns the status code for c.
func (c Code) HTTPStatus() int {
	if d, ok := descriptors[c]; ok {
		return d.status
	}
	return http.StatusInternalServerError
}

// Wire returns the code as sent to clients. Persistence and scraper failures
// are collapsed into service-unavailable.
func (c Code) Wire() string {
	switch c {
	case PersistenceFailure, ScraperFailure:
		return ServiceUnavailable
	}
	return string(c)
}

// Message returns the default message for c in lang ("fr" or "en").
func (c Code) Message(lang string) string {
	d, ok := descriptors[c]
	if !ok {
		d = descriptors[PersistenceFailure]
	}
	if strings.HasPrefix(strings.ToLower(lang), "en") {
		return d.en
	}
	return d.fr
}

// Error is a domain failure carrying a Code.
type Error struct {
	Code    Code
	Message string
	Fields  map[string][]string
	// Tag is a low-cardinality detail such as a scraper error tag.
	Tag    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Message("en")
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the explicit status override or the code's default.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Code.HTTPStatus()
}

// WithStatus overrides the HTTP status for this error.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches code to a lower-level error.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Persistence wraps a storage error.
func Persistence(err error) *Error {
	return Wrap(PersistenceFailure, err)
}

// Validation builds a validation-error with per-field reasons.
func Validation(fields map[string][]string) *Error {
	return &Error{Code: ValidationError, Fields: fields}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns err's code, or persistence-failure for unclassified errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return PersistenceFailure
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}
