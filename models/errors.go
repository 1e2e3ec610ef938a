package models

import (
	"errors"
	"fmt"
)

// Error codes used in RPC responses and internal error handling.
// Fetch-layer failures: NETWORK, TIMEOUT, HTTP_STATUS. Render-layer
// failures: NAVIGATION_TIMEOUT, SCRIPT_ERROR, CRASHED, POOL_EXHAUSTED.
// Policy decisions: CIRCUIT_OPEN, RATE_LIMITED, PERMANENT_CLIENT.
const (
	ErrCodeNetwork         = "NETWORK"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeHTTPStatus      = "HTTP_STATUS"
	ErrCodeNavTimeout      = "NAVIGATION_TIMEOUT"
	ErrCodeScriptError     = "SCRIPT_ERROR"
	ErrCodeCrashed         = "CRASHED"
	ErrCodePoolExhausted   = "POOL_EXHAUSTED"
	ErrCodeCircuitOpen     = "CIRCUIT_OPEN"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodePermanentClient = "PERMANENT_CLIENT"
	ErrCodeSchemaMismatch  = "SCHEMA_MISMATCH"
	ErrCodeProtocol        = "PROTOCOL_ERROR"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error carried in RPC error data and
// batch item results.
type ErrorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

// ScrapeError is the internal error type carrying a taxonomy code.
// It implements the error interface and supports wrapping via Unwrap.
type ScrapeError struct {
	Code     string
	Message  string
	Status   int   // HTTP status for HTTP_STATUS and RATE_LIMITED errors
	Attempts int   // fetch attempts made before giving up, 0 if none
	Err      error // wrapped original error
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

// NewScrapeError creates a new ScrapeError.
func NewScrapeError(code, message string, err error) *ScrapeError {
	return &ScrapeError{Code: code, Message: message, Err: err}
}

// NewHTTPStatusError creates the typed failure for a non-success HTTP
// response. 429 is reported as RATE_LIMITED, everything else as
// HTTP_STATUS with the status retained for classification.
func NewHTTPStatusError(status int, url string) *ScrapeError {
	code := ErrCodeHTTPStatus
	if status == 429 {
		code = ErrCodeRateLimited
	}
	return &ScrapeError{
		Code:    code,
		Message: fmt.Sprintf("fetch %s returned HTTP %d", url, status),
		Status:  status,
	}
}

// ToDetail converts an internal error to a caller-facing ErrorDetail.
func (e *ScrapeError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message, Attempts: e.Attempts}
}

// WithAttempts annotates err's ScrapeError with the number of fetch
// attempts made before the job gave up. Errors raised before any fetch
// keep zero. The error is returned unchanged when no ScrapeError is in
// its chain.
func WithAttempts(err error, attempts int) error {
	var se *ScrapeError
	if errors.As(err, &se) {
		se.Attempts = attempts
	}
	return err
}

// CodeOf returns the taxonomy code of err, or INTERNAL_ERROR when err
// carries no ScrapeError in its chain.
func CodeOf(err error) string {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// StatusOf returns the HTTP status embedded in err's chain, or 0.
func StatusOf(err error) int {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// AsDetail converts any error into an ErrorDetail, preserving the
// taxonomy code when present.
func AsDetail(err error) *ErrorDetail {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.ToDetail()
	}
	return &ErrorDetail{Code: ErrCodeInternal, Message: err.Error()}
}
