package engine

import "fmt"

// Request-surface error codes, stable across the API.
const (
	ErrCodeNoMessage      = 411
	ErrCodeInvalidJSON    = 412
	ErrCodeInvalidRequest = 413
	ErrCodeInvalidElement = 414
	ErrCodeMissingElement = 415
	ErrCodeNotFound       = 416
	ErrCodeInvalidCapture = 417
	ErrCodeInvalidState   = 418
	ErrCodeInvalidSDP     = 419
	ErrCodeCaptureExists  = 420
	ErrCodeUnknown        = 499
)

// RequestError is a protocol-level failure answered to the client as an
// error event with its numeric code.
type RequestError struct {
	Code  int
	Cause string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("engine: request error %d: %s", e.Code, e.Cause)
}

func reqErrorf(code int, format string, args ...any) *RequestError {
	return &RequestError{Code: code, Cause: fmt.Sprintf(format, args...)}
}

// errorEvent wraps a RequestError into the wire envelope.
func errorEvent(err *RequestError) *Event {
	return &Event{
		Transcode: "event",
		ErrorCode: err.Code,
		Error:     err.Cause,
	}
}
