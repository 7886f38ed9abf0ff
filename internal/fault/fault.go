package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies an error for propagation and HTTP mapping.
type Category string

const (
	Validation    Category = "VALIDATION"
	NotFound      Category = "NOT_FOUND"
	StateConflict Category = "STATE_CONFLICT"
	Permission    Category = "PERMISSION"
	Security      Category = "SECURITY"
	External      Category = "EXTERNAL"
	Transient     Category = "TRANSIENT"
)

// Machine-readable reason codes surfaced to clients.
const (
	CodeInvalidQR       = "INVALID_QR"
	CodeNotExpected     = "NOT_EXPECTED"
	CodeNotEntered      = "NOT_ENTERED"
	CodeInvalidState    = "INVALID_STATE_TRANSITION"
	CodeNotFound        = "NOT_FOUND"
	CodeInactive        = "INACTIVE"
	CodeExpired         = "EXPIRED"
	CodeExhausted       = "EXHAUSTED"
	CodeOutOfRange      = "OUT_OF_RANGE"
	CodeLocationNeeded  = "LOCATION_REQUIRED"
	CodeLowConfidence   = "LOW_CONFIDENCE"
	CodeUserCancelled   = "USER_CANCELLED"
	CodeUnsupported     = "DEVICE_UNSUPPORTED"
	CodeInsecureContext = "INSECURE_CONTEXT"
	CodeNoCredential    = "CREDENTIAL_NOT_FOUND"
	CodeTimeout         = "TIMEOUT"
	CodeNotAuthorized   = "NOT_AUTHORIZED"
	CodeBadInput        = "BAD_INPUT"
	CodeUnavailable     = "UNAVAILABLE"
)

// Error carries a category, a reason code, and a human-readable message.
type Error struct {
	Category Category
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Category, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error with a formatted message.
func New(cat Category, code, format string, args ...any) *Error {
	return &Error{Category: cat, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches category and code to an underlying cause.
func Wrap(cat Category, code string, err error, format string, args ...any) *Error {
	return &Error{Category: cat, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// As extracts a *Error from an error chain, or nil.
func As(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

// CodeOf returns the reason code, or empty when err is not a fault.
func CodeOf(err error) string {
	if fe := As(err); fe != nil {
		return fe.Code
	}
	return ""
}

// Retryable reports whether the caller may retry with backoff.
func Retryable(err error) bool {
	fe := As(err)
	return fe != nil && fe.Category == Transient
}

// HTTPStatus maps a fault category to a response status.
// Unclassified errors are treated as internal.
func HTTPStatus(err error) int {
	fe := As(err)
	if fe == nil {
		return http.StatusInternalServerError
	}
	switch fe.Category {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case StateConflict:
		return http.StatusConflict
	case Permission, Security:
		return http.StatusForbidden
	case External:
		return http.StatusBadGateway
	case Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
