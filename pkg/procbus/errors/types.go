// Package errors defines the error taxonomy shared by every procbus component.
//
// Errors fall into a few categories:
//   - Remote: a handler in another process failed; carried over the wire as RemoteError
//   - Routing: the requested target process or action does not exist
//   - Protocol: an envelope was malformed or spoke a different protocol version
//   - Cancelled: the dispatcher was torn down or the caller's context expired
//   - Config: programmer errors such as duplicate registration
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Use errors.Is to match them; the typed errors below
// unwrap to the appropriate sentinel.
var (
	// ErrActionRequired indicates an exec call with an empty action name.
	ErrActionRequired = errors.New("action parameter must be set")

	// ErrActionNotSet indicates the action has no registered handler.
	ErrActionNotSet = errors.New("action not set")

	// ErrTargetNotFound indicates the target process is not registered with the hub.
	ErrTargetNotFound = errors.New("target not found")

	// ErrAlreadyRegistered indicates a process name is already taken.
	ErrAlreadyRegistered = errors.New("process already registered")

	// ErrNotRegistered indicates a process name was never registered.
	ErrNotRegistered = errors.New("process not registered")

	// ErrDispatcherClosed indicates the dispatcher was destroyed while the call was pending.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrNotInitialized indicates a component was used without an underlying channel.
	ErrNotInitialized = errors.New("channel not initialized")

	// ErrSelfTarget indicates a hub-side dispatcher was asked to route to a named target.
	ErrSelfTarget = errors.New("target cannot be set in hub context")

	// ErrInvalidParams indicates missing or malformed arguments.
	ErrInvalidParams = errors.New("invalid parameters")

	// ErrChannelClosed indicates a send on a closed channel.
	ErrChannelClosed = errors.New("channel closed")
)

// Wire codes carried in RemoteError.Code so a caller can match sentinels
// across the process boundary.
const (
	CodeHandler        = "handler_error"
	CodePanic          = "panic"
	CodeTargetNotFound = "target_not_found"
	CodeActionNotSet   = "action_not_set"
	CodeProtocol       = "protocol_error"
	CodeCancelled      = "cancelled"
)

// RemoteError is the structured error carried by a response envelope.
// It preserves the name, message and stack of the failure in the remote process.
type RemoteError struct {
	Name    string `json:"name,omitempty" cbor:"name,omitempty"`
	Message string `json:"message" cbor:"message"`
	Stack   string `json:"stack,omitempty" cbor:"stack,omitempty"`
	Code    string `json:"code,omitempty" cbor:"code,omitempty"`
}

// Error implements the error interface. Name is reported only when the
// remote side sent no message.
func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Message
}

// Is matches the sentinel that corresponds to the wire code.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeTargetNotFound:
		return target == ErrTargetNotFound
	case CodeActionNotSet:
		return target == ErrActionNotSet
	case CodeCancelled:
		return target == ErrDispatcherClosed
	}
	return false
}

// FromError converts any error into a RemoteError suitable for the wire.
// An existing RemoteError anywhere in the chain is copied unchanged so that
// relayed failures keep their original name, message and stack.
func FromError(err error) *RemoteError {
	if err == nil {
		return nil
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		clone := *remote
		return &clone
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return &RemoteError{
			Name:    "panic",
			Message: panicErr.Error(),
			Stack:   panicErr.Stack,
			Code:    CodePanic,
		}
	}

	re := &RemoteError{Name: typeName(err), Message: err.Error(), Code: CodeHandler}
	switch {
	case errors.Is(err, ErrTargetNotFound):
		re.Code = CodeTargetNotFound
	case errors.Is(err, ErrActionNotSet):
		re.Code = CodeActionNotSet
	case errors.Is(err, ErrDispatcherClosed):
		re.Code = CodeCancelled
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		re.Name = "ProtocolError"
		re.Code = CodeProtocol
	}
	return re
}

// typeName names the concrete type of err, looking through fmt wrapping.
func typeName(err error) string {
	for {
		name := fmt.Sprintf("%T", err)
		if !strings.HasPrefix(name, "*fmt.wrap") {
			return name
		}
		next := errors.Unwrap(err)
		if next == nil {
			return name
		}
		err = next
	}
}

// TargetError reports a call to a process that is not registered with the hub.
type TargetError struct {
	Target string
}

// Error implements the error interface.
func (e *TargetError) Error() string {
	return fmt.Sprintf("target process %q not found", e.Target)
}

// Unwrap returns ErrTargetNotFound for errors.Is support.
func (e *TargetError) Unwrap() error {
	return ErrTargetNotFound
}

// ActionError reports a strict local exec of an unregistered action.
type ActionError struct {
	Action string
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	return fmt.Sprintf("action %q not set", e.Action)
}

// Unwrap returns ErrActionNotSet for errors.Is support.
func (e *ActionError) Unwrap() error {
	return ErrActionNotSet
}

// RegistrationError reports a duplicate or missing process registration.
type RegistrationError struct {
	Name string
	Err  error
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	return fmt.Sprintf("process %q: %v", e.Name, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// VersionError reports an envelope whose protocol version differs from ours.
type VersionError struct {
	Got  string
	Want string
}

// Error implements the error interface.
func (e *VersionError) Error() string {
	return fmt.Sprintf("ipc message version %q is different than expected %q; "+
		"be sure the procbus versions used across processes are the same or compatible", e.Got, e.Want)
}

// ProtocolError reports a malformed envelope.
type ProtocolError struct {
	Type   string
	Reason string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error on %s: %s", e.Type, e.Reason)
}

// PanicError captures a recovered panic from a handler or listener.
type PanicError struct {
	Value any
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
