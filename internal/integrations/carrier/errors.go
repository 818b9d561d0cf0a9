package carrier

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error codes returned by adapters.
const (
	CodeTrackingNotFound      = "TRACKING_NOT_FOUND"
	CodeInvalidTrackingNumber = "INVALID_TRACKING_NUMBER"
	CodeRateLimited           = "RATE_LIMITED"
	CodeAuthFailed            = "AUTH_FAILED"
	CodeAPIError              = "API_ERROR"
	CodeNetworkError          = "NETWORK_ERROR"
	CodeParseError            = "PARSE_ERROR"
)

// Error — классифицированная ошибка перевозчика. Retryable решает, будет
// ли внешняя джоба повторять попытку.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

func NotFound(msg string) *Error    { return NewError(CodeTrackingNotFound, msg, false) }
func RateLimited(msg string) *Error { return NewError(CodeRateLimited, msg, true) }
func AuthFailed(msg string) *Error  { return NewError(CodeAuthFailed, msg, true) }
func ParseError(msg string) *Error  { return NewError(CodeParseError, msg, false) }

func NetworkError(err error) *Error {
	return NewError(CodeNetworkError, err.Error(), true)
}

// APIError: 5xx — retryable, прочие 4xx — нет.
func APIError(status int) *Error {
	return NewError(CodeAPIError, fmt.Sprintf("carrier http %d", status), status >= 500)
}

// FromHTTPStatus maps a non-2xx status to the shared taxonomy. 401 handling
// (token eviction) stays in the adapters.
func FromHTTPStatus(status int) *Error {
	switch {
	case status == 401 || status == 403:
		return AuthFailed(fmt.Sprintf("carrier http %d", status))
	case status == 404:
		return NotFound(fmt.Sprintf("carrier http %d", status))
	case status == 429:
		return RateLimited("carrier http 429")
	default:
		return APIError(status)
	}
}

// AsError classifies an arbitrary error: typed errors pass through,
// anything else is a transport failure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return NetworkError(err)
}
