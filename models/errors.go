package models

import "fmt"

// Error codes used in API responses and internal error handling.
const (
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeBlocked       = "SITE_BLOCKED"
	ErrCodeTransient     = "TRANSIENT_ERROR"
	ErrCodeExhausted     = "ATTEMPTS_EXHAUSTED"
	ErrCodeParse         = "PARSE_ERROR"
	ErrCodeCancelled     = "RUN_CANCELLED"
	ErrCodeRunInProgress = "RUN_IN_PROGRESS"
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// ErrConfiguration matches any configuration ScrapeError under errors.Is.
var ErrConfiguration = &ScrapeError{Code: ErrCodeConfiguration}

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ScrapeError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type ScrapeError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *ScrapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ScrapeError with the same code, so callers
// can test for a class of failure without caring about the message.
func (e *ScrapeError) Is(target error) bool {
	t, ok := target.(*ScrapeError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewScrapeError creates a new ScrapeError.
func NewScrapeError(code, message string, err error) *ScrapeError {
	return &ScrapeError{Code: code, Message: message, Err: err}
}

// ConfigError is shorthand for a CONFIGURATION_ERROR with a formatted message.
func ConfigError(format string, args ...any) *ScrapeError {
	return &ScrapeError{Code: ErrCodeConfiguration, Message: fmt.Sprintf(format, args...)}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *ScrapeError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}
