package domain

import "errors"

var (
	// ErrInvalidState is returned when an operation is not allowed in the session's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRunNotFound is returned for an unknown or stale run handle.
	ErrRunNotFound = errors.New("run not found")
	// ErrUnknownInterrupt is returned when no interrupt with the id was ever raised.
	ErrUnknownInterrupt = errors.New("unknown interrupt")
	// ErrAlreadyResolved is returned when an interrupt was already answered, expired, or cancelled.
	ErrAlreadyResolved = errors.New("interrupt already resolved")
	// ErrMessageClosed is returned when appending to an ended message.
	ErrMessageClosed = errors.New("message closed")
	// ErrUnknownMessage is returned for an unknown message id.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrInvalidTransition is returned for an out-of-order tool call transition.
	ErrInvalidTransition = errors.New("invalid tool call transition")
	// ErrUnknownToolCall is returned for an unknown call id.
	ErrUnknownToolCall = errors.New("unknown tool call")
	// ErrMalformedArguments is returned when accumulated tool arguments are not valid.
	ErrMalformedArguments = errors.New("malformed arguments")
	// ErrSessionClosed is returned when a session no longer accepts commands.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidInput is returned for a missing or malformed request field.
	ErrInvalidInput = errors.New("invalid input")
)

// TransitionError reports a tool call transition attempted from the wrong status.
type TransitionError struct {
	CallID string
	From   ToolCallStatus
	To     ToolCallStatus
}

func (e *TransitionError) Error() string {
	return "tool call " + e.CallID + ": cannot move from " + string(e.From) + " to " + string(e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// StateError reports an operation rejected because of the session status.
type StateError struct {
	Op     string
	Status SessionStatus
}

func (e *StateError) Error() string {
	return e.Op + ": session is " + string(e.Status)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}
