package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a failure class in the proxy pipeline.
type ErrorCode string

const (
	CodeProviderUnavailable  ErrorCode = "provider_unavailable"
	CodeHTTPError            ErrorCode = "http_error"
	CodeTransportError       ErrorCode = "transport_error"
	CodeCircuitOpen          ErrorCode = "circuit_open"
	CodePolicyDenied         ErrorCode = "policy_denied"
	CodeToolLoopDetected     ErrorCode = "tool_call_loop_detected"
	CodeMaxStepsExceeded     ErrorCode = "max_steps_exceeded"
	CodeMaxToolCallsExceeded ErrorCode = "max_tool_calls_exceeded"
	CodeMalformedResponse    ErrorCode = "malformed_response"
	CodeSchemaError          ErrorCode = "schema_error"
	CodeShutdown             ErrorCode = "service_unavailable"
	CodeInvalidRequest       ErrorCode = "invalid_request_error"
	CodeInternal             ErrorCode = "internal_error"
)

// AppError is the error type carried across the proxy pipeline.
// Status is the HTTP status to surface to the caller; UpstreamStatus and
// UpstreamBody are populated for CodeHTTPError so the dispatcher can relay
// the upstream failure verbatim.
type AppError struct {
	Code           ErrorCode
	Message        string
	Status         int
	RetryAfter     time.Duration // set for CodeCircuitOpen
	UpstreamStatus int
	UpstreamBody   string
	Err            error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status to report to the caller, defaulting to 500.
func (e *AppError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case CodeCircuitOpen, CodeShutdown, CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case CodeMaxStepsExceeded:
		return http.StatusGatewayTimeout
	case CodeSchemaError:
		// A body that is not JSON at all is a gateway-level failure.
		return http.StatusBadGateway
	case CodeMalformedResponse:
		// The body decoded but carries no usable message; the upstream
		// status is relayed when known.
		if e.UpstreamStatus != 0 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeHTTPError:
		if e.UpstreamStatus != 0 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Body renders the Anthropic-style error envelope returned to clients.
func (e *AppError) Body() map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    string(e.Code),
			"message": e.Message,
		},
	}
}

// New creates an AppError with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError that wraps a cause.
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// NewProviderUnavailable reports a provider that is not configured.
func NewProviderUnavailable(provider string) *AppError {
	return &AppError{
		Code:    CodeProviderUnavailable,
		Message: fmt.Sprintf("provider %q is not configured", provider),
	}
}

// NewHTTPError wraps a non-2xx upstream response.
func NewHTTPError(status int, body string) *AppError {
	return &AppError{
		Code:           CodeHTTPError,
		Message:        fmt.Sprintf("upstream returned status %d", status),
		UpstreamStatus: status,
		UpstreamBody:   body,
	}
}

// NewTransportError wraps a socket/DNS level failure.
func NewTransportError(cause error) *AppError {
	return &AppError{
		Code:    CodeTransportError,
		Message: "upstream request failed",
		Err:     cause,
	}
}

// NewCircuitOpen reports a rejected call with the time until the next probe.
func NewCircuitOpen(provider string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       CodeCircuitOpen,
		Message:    fmt.Sprintf("circuit breaker open for provider %q", provider),
		RetryAfter: retryAfter,
	}
}

// NewMalformedResponse reports a body that decoded as JSON but carries no
// usable message. upstreamStatus is the status the upstream answered with,
// or zero when the dialect has no HTTP status to relay.
func NewMalformedResponse(provider string, upstreamStatus int, detail string) *AppError {
	return &AppError{
		Code:           CodeMalformedResponse,
		Message:        fmt.Sprintf("malformed response from provider %q: %s", provider, detail),
		UpstreamStatus: upstreamStatus,
	}
}

// NewSchemaError reports an unrecognised upstream payload shape.
func NewSchemaError(provider string, cause error) *AppError {
	return &AppError{
		Code:    CodeSchemaError,
		Message: fmt.Sprintf("unrecognised response shape from provider %q", provider),
		Err:     cause,
	}
}

// CodeOf extracts the ErrorCode from err, or CodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// As unwraps err into an *AppError when possible.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

func is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsCircuitOpen reports whether err is a circuit-open rejection.
func IsCircuitOpen(err error) bool { return is(err, CodeCircuitOpen) }

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool { return is(err, CodeTransportError) }

// IsProviderUnavailable reports whether err means the provider is not configured.
func IsProviderUnavailable(err error) bool { return is(err, CodeProviderUnavailable) }

// IsHTTPError reports whether err wraps a non-2xx upstream response.
func IsHTTPError(err error) bool { return is(err, CodeHTTPError) }
