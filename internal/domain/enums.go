// Package domain defines the core domain models for the agent-ui streaming service.
package domain

// SessionStatus represents the status of a session.
type SessionStatus string

const (
	SessionStatusIdle          SessionStatus = "idle"
	SessionStatusRunning       SessionStatus = "running"
	SessionStatusAwaitingInput SessionStatus = "awaiting_input"
	SessionStatusFinished      SessionStatus = "finished"
	SessionStatusErrored       SessionStatus = "errored"
)

// Active reports whether a run is in progress for the status.
func (s SessionStatus) Active() bool {
	return s == SessionStatusRunning || s == SessionStatusAwaitingInput
}

// EventType represents the type of a wire event.
type EventType string

const (
	EventTypeRunStarted        EventType = "run_started"
	EventTypeMessageStart      EventType = "message_start"
	EventTypeTextDelta         EventType = "text_delta"
	EventTypeMessageEnd        EventType = "message_end"
	EventTypeMessagesSnapshot  EventType = "messages_snapshot"
	EventTypeStateSnapshot     EventType = "state_snapshot"
	EventTypeStateDelta        EventType = "state_delta"
	EventTypeToolCallStart     EventType = "tool_call_start"
	EventTypeToolCallArgsDelta EventType = "tool_call_args_delta"
	EventTypeToolCallEnd       EventType = "tool_call_end"
	EventTypeToolCallResult    EventType = "tool_call_result"
	EventTypeInterrupt         EventType = "interrupt"
	EventTypeRunFinished       EventType = "run_finished"
	EventTypeRunError          EventType = "run_error"
)

// Terminal reports whether the event type ends a run.
func (t EventType) Terminal() bool {
	return t == EventTypeRunFinished || t == EventTypeRunError
}

// MessageRole represents the author of a message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// MessageStatus represents the status of a message.
type MessageStatus string

const (
	MessageStatusStreaming MessageStatus = "streaming"
	MessageStatusComplete  MessageStatus = "complete"
)

// ToolCallStatus represents the status of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusStarted       ToolCallStatus = "started"
	ToolCallStatusArgsStreaming ToolCallStatus = "args_streaming"
	ToolCallStatusExecuting     ToolCallStatus = "executing"
	ToolCallStatusSucceeded     ToolCallStatus = "succeeded"
	ToolCallStatusFailed        ToolCallStatus = "failed"
)

// Terminal reports whether the tool call has finished.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallStatusSucceeded || s == ToolCallStatusFailed
}

// RunOutcome marks how a finished run ended.
type RunOutcome string

const (
	RunOutcomeCompleted RunOutcome = "completed"
	RunOutcomeCancelled RunOutcome = "cancelled"
	RunOutcomeInterrupt RunOutcome = "interrupt"
)

// ReasonCode is a machine-readable run_error reason.
type ReasonCode string

const (
	ReasonAgentStreamFailed  ReasonCode = "agent_stream_failed"
	ReasonAgentError         ReasonCode = "agent_error"
	ReasonInterruptTimeout   ReasonCode = "interrupt_timeout"
	ReasonMalformedArguments ReasonCode = "malformed_arguments"
	ReasonMaxTurnsExceeded   ReasonCode = "max_turns_exceeded"
	ReasonInternalError      ReasonCode = "internal_error"
)

// Tool error codes reported in tool_call_result payloads.
const (
	ToolErrorMalformedArguments = "malformed_arguments"
	ToolErrorUnknownTool        = "unknown_tool"
	ToolErrorBlocked            = "blocked"
	ToolErrorRejected           = "rejected"
	ToolErrorExecutionFailed    = "execution_failed"
	ToolErrorTimeout            = "timeout"
	ToolErrorCancelled          = "cancelled"
	ToolErrorStreamInterrupted  = "stream_interrupted"
)

// InterruptKind distinguishes why a run was suspended.
type InterruptKind string

const (
	InterruptKindToolApproval InterruptKind = "tool_approval"
	InterruptKindAgentPrompt  InterruptKind = "agent_prompt"
)

// ToolKind represents the kind of a tool.
type ToolKind string

const (
	ToolKindServer ToolKind = "server"
	ToolKindClient ToolKind = "client"
)
