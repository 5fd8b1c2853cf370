// Package fault defines the error kinds shared by every gatekeeper subsystem.
//
// Environmental outcomes (denials, timeouts, dead sessions, remote tool
// failures) are expected in normal operation and are folded into results by
// the capability layer. Programmer errors (unknown ids, unknown operations)
// indicate a caller defect.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Internal is an unexpected failure with no better classification.
	Internal Kind = iota
	// Validation means the input was malformed; no side effect happened.
	Validation
	// PermissionDenied means policy refused the request.
	PermissionDenied
	// TimedOut means a bounded wait was exceeded.
	TimedOut
	// SessionDead means the shell process behind a session is gone.
	SessionDead
	// ServerNotConnected means the owning tool server is not connected.
	ServerNotConnected
	// InvalidSpec means a tool-server launch spec is incomplete.
	InvalidSpec
	// RemoteToolError carries a diagnostic returned by a tool server.
	RemoteToolError
	// UnknownOperation means dispatch was asked for an unrecognized operation.
	UnknownOperation
	// UnknownServer means no tool server is registered under the given id.
	UnknownServer
	// UnknownSession means no shell session exists under the given id.
	UnknownSession
)

var kindNames = map[Kind]string{
	Internal:           "internal",
	Validation:         "validation_error",
	PermissionDenied:   "permission_denied",
	TimedOut:           "timed_out",
	SessionDead:        "session_dead",
	ServerNotConnected: "server_not_connected",
	InvalidSpec:        "invalid_spec",
	RemoteToolError:    "remote_tool_error",
	UnknownOperation:   "unknown_operation",
	UnknownServer:      "unknown_server",
	UnknownSession:     "unknown_session",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText renders the kind by name so JSON results stay readable.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is the concrete error type returned by gatekeeper subsystems.
type Error struct {
	Kind          Kind   `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Message       string `json:"message"`
	Cause         error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		if msg == "" {
			msg = e.Cause.Error()
		} else {
			msg = msg + ": " + e.Cause.Error()
		}
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error of the given kind.
func New(kind Kind, correlationID, message string) *Error {
	return &Error{Kind: kind, CorrelationID: correlationID, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, correlationID, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, CorrelationID: correlationID, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and correlation id to an underlying error.
func Wrap(kind Kind, correlationID string, cause error, message string) *Error {
	return &Error{Kind: kind, CorrelationID: correlationID, Message: message, Cause: cause}
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or Internal when err carries none.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	fe, ok := As(err)
	return ok && fe.Kind == kind
}

// IsProgrammerError reports whether err indicates a caller defect rather
// than an environmental condition.
func IsProgrammerError(err error) bool {
	switch KindOf(err) {
	case UnknownOperation, UnknownServer, UnknownSession:
		return true
	default:
		return false
	}
}

// Normalize returns err as an *Error, wrapping foreign errors as Internal and
// filling in the correlation id when the error has none.
func Normalize(err error, correlationID string) *Error {
	if err == nil {
		return nil
	}
	fe, ok := As(err)
	if !ok {
		return Wrap(Internal, correlationID, err, "")
	}
	if fe.CorrelationID == "" {
		cp := *fe
		cp.CorrelationID = correlationID
		return &cp
	}
	return fe
}
