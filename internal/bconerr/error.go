// Package bconerr implements the broker's error taxonomy: a small set of
// typed kinds, a stable error-code string per kind, and a peer-visible
// JSON envelope for reporting client-facing failures over the wire.
package bconerr

import (
	"fmt"
	"time"
)

// Kind classifies an error for both logging and wire-level reporting.
type Kind string

const (
	Authentication     Kind = "AUTH_ERROR"
	RateLimit          Kind = "RATE_LIMIT_ERROR"
	Storage            Kind = "STORAGE_ERROR"
	WebSocket          Kind = "WEBSOCKET_ERROR"
	JSONKind           Kind = "JSON_ERROR"
	IO                 Kind = "IO_ERROR"
	Config             Kind = "CONFIG_ERROR"
	Connection         Kind = "CONNECTION_ERROR"
	MessageRouting     Kind = "ROUTING_ERROR"
	Server             Kind = "SERVER_ERROR"
	InvalidMessage     Kind = "INVALID_MESSAGE"
	ConnectionNotFound Kind = "CONNECTION_NOT_FOUND"
	PermissionDenied   Kind = "PERMISSION_DENIED"
	NotFound           Kind = "NOT_FOUND"
	Internal           Kind = "INTERNAL_ERROR"
)

// clientFacing holds the kinds that are reported to the peer with the
// connection preserved; everything else is a server error that is
// logged and may tear the connection down.
var clientFacing = map[Kind]bool{
	Authentication:   true,
	InvalidMessage:   true,
	PermissionDenied: true,
	NotFound:         true,
	RateLimit:        true,
}

// Error is the broker's single error type. Every component returns
// *Error (or wraps one) rather than ad-hoc error strings, so the
// router and listeners can classify and render it uniformly.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Code returns the stable wire identifier for this error's kind.
func (e *Error) Code() string { return string(e.Kind) }

// IsClientError reports whether this error should be surfaced to the
// peer with the connection kept open.
func (e *Error) IsClientError() bool { return clientFacing[e.Kind] }

// IsServerError is the complement of IsClientError.
func (e *Error) IsServerError() bool { return !e.IsClientError() }

// Envelope is the peer-visible error shape described by the wire
// contract: {"error":true,"code":"...","message":"...","timestamp":...}.
type Envelope struct {
	Error     bool   `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp uint64 `json:"timestamp"`
}

// ToEnvelope renders this error as the peer-visible JSON shape.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{
		Error:     true,
		Code:      e.Code(),
		Message:   e.Error(),
		Timestamp: uint64(time.Now().Unix()),
	}
}

func new_(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func AuthenticationErr(msg string, cause error) *Error { return new_(Authentication, msg, cause) }
func RateLimitErr(msg string) *Error                   { return new_(RateLimit, msg, nil) }
func StorageErr(msg string, cause error) *Error        { return new_(Storage, msg, cause) }
func WebSocketErr(msg string, cause error) *Error      { return new_(WebSocket, msg, cause) }
func JSONErr(msg string, cause error) *Error           { return new_(JSONKind, msg, cause) }
func IOErr(msg string, cause error) *Error             { return new_(IO, msg, cause) }
func ConfigErr(msg string) *Error                      { return new_(Config, msg, nil) }
func ConnectionErr(msg string) *Error                  { return new_(Connection, msg, nil) }
func MessageRoutingErr(msg string) *Error              { return new_(MessageRouting, msg, nil) }
func ServerErr(msg string) *Error                      { return new_(Server, msg, nil) }
func InvalidMessageErr(msg string) *Error              { return new_(InvalidMessage, msg, nil) }
func ConnectionNotFoundErr(id string) *Error {
	return new_(ConnectionNotFound, "connection not found: "+id, nil)
}
func PermissionDeniedErr(msg string) *Error { return new_(PermissionDenied, msg, nil) }
func NotFoundErr(msg string) *Error         { return new_(NotFound, msg, nil) }
func InternalErr(msg string, cause error) *Error { return new_(Internal, msg, cause) }
