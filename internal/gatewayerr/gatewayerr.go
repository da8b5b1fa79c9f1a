// Package gatewayerr defines the typed error taxonomy shared across the
// gateway: every fallible operation returns one of these codes instead of
// panicking or returning an opaque error.
package gatewayerr

import "fmt"

// Code enumerates the gateway-wide error taxonomy.
type Code string

const (
	ConfigurationError  Code = "CONFIGURATION_ERROR"
	ValidationError     Code = "VALIDATION_ERROR"
	AudioProcessingError Code = "AUDIO_PROCESSING_ERROR"
	VADError            Code = "VAD_ERROR"
	ASRProviderError     Code = "ASR_PROVIDER_ERROR"
	LLMProviderError     Code = "LLM_PROVIDER_ERROR"
	StreamingError       Code = "STREAMING_ERROR"
	AtCapacity           Code = "AT_CAPACITY"
	InternalError        Code = "INTERNAL_ERROR"
)

// Recoverable reports whether a session should remain alive after an error
// with this code is reported to the client.
func (c Code) Recoverable() bool {
	switch c {
	case ConfigurationError, StreamingError:
		return false
	default:
		return true
	}
}

// Error is the single error type used at every component boundary in the
// gateway. It carries a Code from the taxonomy plus optional structured
// Details for logging/wire-serialization.
type Error struct {
	Code    Code
	Message string
	Details map[string]any

	// Status is the upstream HTTP status code, when this error wraps a
	// provider response (ASR_PROVIDER_ERROR / LLM_PROVIDER_ERROR).
	Status int
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error with the given code wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetails attaches structured details and returns the receiver for
// chaining at the call site.
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// WithStatus attaches an upstream HTTP status code.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, otherwise
// returns INTERNAL_ERROR.
func CodeOf(err error) Code {
	var ge *Error
	if asError(err, &ge) {
		return ge.Code
	}
	return InternalError
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
