package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// GatewayError is an error that is returned to clients as JSON.
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Reason     string `json:"reason,omitempty"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

// Machine-readable reasons carried in the "reason" field.
const (
	ReasonNoRoute            = "no_route"
	ReasonNotRegistered      = "not_registered"
	ReasonUnhealthy          = "unhealthy"
	ReasonInvalidKey         = "invalid_upstream_key"
	ReasonConnectFailed      = "connect_failed"
	ReasonUpstreamError      = "upstream_error"
	ReasonUpstreamTimeout    = "upstream_timeout"
	ReasonHandshakeFailed    = "handshake_failed"
	ReasonRateLimited        = "rate_limited"
	ReasonForbidden          = "forbidden"
	ReasonUnauthenticated    = "unauthenticated"
	ReasonMalformedRequest   = "malformed_request"
	ReasonOriginNotAllowed   = "origin_not_allowed"
	ReasonUpgradeUnsupported = "upgrade_unsupported"
)

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	if e.Reason != "" {
		return e.Message + " (" + e.Reason + ")"
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors without reason, details or request id use pre-serialized bytes.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrRequestHeaderFieldsTooLarge = &GatewayError{
		Code:    http.StatusRequestHeaderFieldsTooLarge,
		Message: "Request Header Fields Too Large",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotFound, ErrUnauthorized, ErrForbidden, ErrTooManyRequests,
		ErrBadGateway, ErrServiceUnavailable, ErrGatewayTimeout,
		ErrBadRequest, ErrInternalServer, ErrRequestHeaderFieldsTooLarge,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(code int, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

func (e *GatewayError) clone() *GatewayError {
	c := *e
	return &c
}

// WithReason sets the machine-readable reason
func (e *GatewayError) WithReason(reason string) *GatewayError {
	c := e.clone()
	c.Reason = reason
	return c
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	c := e.clone()
	c.Details = details
	return c
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	c := e.clone()
	c.RequestID = requestID
	return c
}

// WithCause attaches an underlying error that is never sent to clients.
func (e *GatewayError) WithCause(err error) *GatewayError {
	c := e.clone()
	c.underlying = err
	return c
}

// As extracts a *GatewayError from err's chain.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
