// Package protocol holds the Chrome DevTools Protocol error taxonomy and
// the wire-level error code dispatch table.
package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// Well-known CDP error codes (section 6 of the spec).
const (
	CodeIDNotFound        = -32000
	CodeMethodNotFound    = -32601
	CodeInvalidParameters = -32602
)

// Error is a fixed sentinel, mirroring the teacher's small string-const
// error type for the handful of conditions that carry no payload.
type Error string

// Error satisfies the error interface.
func (e Error) Error() string { return string(e) }

const (
	// ErrConnectionClosed is raised from any waiter once the transport has
	// been torn down.
	ErrConnectionClosed Error = "connection closed"

	// ErrTimeout is raised when a poll budget is exhausted.
	ErrTimeout Error = "timeout"

	// ErrMessageNotHandled signals that a handler could not process a
	// notification yet; the dispatch loop retries it later.
	ErrMessageNotHandled Error = "message not handled"

	// ErrMalformedResponse is raised when a response carries neither
	// result nor error.
	ErrMalformedResponse Error = "malformed response"
)

// ProtocolError is the base wire-level CDP error: {code, message, data}.
type ProtocolError struct {
	Code    int64
	Message string
	Data    string
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// IDNotFoundError (-32000) signals that some referenced entity (an
// execution context, a DOM node, an object id) has since been evicted.
// Callers that see this may legitimately retry after re-resolving the id.
type IDNotFoundError struct{ ProtocolError }

// MethodNotFoundError (-32601) signals the remote peer doesn't implement
// this method at all; callers use it to downgrade optional functionality.
type MethodNotFoundError struct{ ProtocolError }

// InvalidParametersError (-32602) signals a caller bug; treated as fatal.
type InvalidParametersError struct{ ProtocolError }

// NodeNotFoundError is an alias used at DOM call sites; it is always an
// IDNotFoundError under the hood, kept as a distinct type so DOM call sites
// read naturally.
type NodeNotFoundError struct{ ProtocolError }

// Unwrap exposes the underlying IDNotFoundError, so IsIDNotFound and
// errors.As report a NodeNotFoundError as one.
func (e *NodeNotFoundError) Unwrap() error { return &IDNotFoundError{e.ProtocolError} }

// factories maps a wire error code to the constructor of its typed Go
// subclass, replacing the original's "scan every subclass for a matching
// .code" runtime dispatch with a small lookup table (DESIGN NOTES item:
// "Error-class dispatch by numeric code ... becomes a small code->factory
// table").
var factories = map[int64]func(ProtocolError) error{
	CodeIDNotFound:        func(p ProtocolError) error { return &IDNotFoundError{p} },
	CodeMethodNotFound:    func(p ProtocolError) error { return &MethodNotFoundError{p} },
	CodeInvalidParameters: func(p ProtocolError) error { return &InvalidParametersError{p} },
}

// NewProtocolError constructs the most specific known error type for the
// wire {code, message, data} tuple, falling back to the bare ProtocolError
// for unrecognized codes.
func NewProtocolError(code int64, message, data string) error {
	p := ProtocolError{Code: code, Message: message, Data: data}
	if f, ok := factories[code]; ok {
		return f(p)
	}
	return &p
}

// JavaScriptError is raised when user script evaluated via Runtime.evaluate
// throws; it carries the frame it ran in and the formatted V8 stack.
type JavaScriptError struct {
	FrameID string
	Message string
}

func (e *JavaScriptError) Error() string {
	return fmt.Sprintf("[%s] %s", e.FrameID, e.Message)
}

// Wrap attaches call-site context to err without losing errors.As/Is
// compatibility with the taxonomy above.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// IsMethodNotFound reports whether err is, or wraps, a MethodNotFoundError.
func IsMethodNotFound(err error) bool {
	var m *MethodNotFoundError
	return errors.As(err, &m)
}

// IsIDNotFound reports whether err is, or wraps, an IDNotFoundError.
func IsIDNotFound(err error) bool {
	var m *IDNotFoundError
	return errors.As(err, &m)
}

// AsNodeNotFound re-labels an IDNotFoundError as a NodeNotFoundError for DOM
// call sites, per spec: "NodeNotFound — alias of IDNotFound for DOM call
// sites". Non-IDNotFoundError values pass through unchanged.
func AsNodeNotFound(err error) error {
	var m *IDNotFoundError
	if errors.As(err, &m) {
		return &NodeNotFoundError{m.ProtocolError}
	}
	return err
}
