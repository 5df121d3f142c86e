package codex

import (
	"errors"
	"fmt"
)

var (
	// ErrClientClosed is returned for requests pending or issued after the
	// app-server connection ended.
	ErrClientClosed = errors.New("codex client closed")

	// ErrRequestTimeout is returned when the app-server does not answer a
	// request within the configured timeout.
	ErrRequestTimeout = errors.New("codex request timed out")

	// ErrEmptyID is returned when thread/start or turn/start answers without
	// an id.
	ErrEmptyID = errors.New("codex returned an empty id")
)

// RPCError is a JSON-RPC error returned by the app-server.
type RPCError struct {
	Method  string
	Message string
	Code    int
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

// ProcessError reports an app-server process failure.
type ProcessError struct {
	Cause    error
	Message  string
	ExitCode int
}

func (e *ProcessError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.ExitCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// ProtocolError reports a malformed message from the app-server.
type ProtocolError struct {
	Cause   error
	Message string
	Line    string
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}
