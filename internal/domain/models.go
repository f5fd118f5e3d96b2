package domain

import (
	"encoding/json"
	"time"
)

// Message is one conversational message, possibly still streaming.
type Message struct {
	MessageID       string        `json:"message_id"`
	Role            MessageRole   `json:"role"`
	Status          MessageStatus `json:"status"`
	AccumulatedText string        `json:"accumulated_text"`
	RunID           string        `json:"run_id,omitempty"`
}

// ToolError describes why a tool call failed.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// ToolCall is one agent-initiated tool invocation.
type ToolCall struct {
	CallID          string          `json:"call_id"`
	Name            string          `json:"name"`
	RunID           string          `json:"run_id,omitempty"`
	ParentMessageID string          `json:"parent_message_id,omitempty"`
	ArgsAccumulated string          `json:"args_accumulated"`
	Args            json.RawMessage `json:"args,omitempty"`
	Status          ToolCallStatus  `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *ToolError      `json:"error,omitempty"`
}

// InterruptRequest is a pending request for external input.
type InterruptRequest struct {
	InterruptID string          `json:"interrupt_id"`
	SessionID   string          `json:"session_id"`
	RunID       string          `json:"run_id"`
	Kind        InterruptKind   `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Resolved    bool            `json:"resolved"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ApprovalAnswer is the expected answer shape for tool_approval interrupts.
type ApprovalAnswer struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Session is the archived view of a session.
type Session struct {
	SessionID string          `json:"session_id"`
	Status    SessionStatus   `json:"status"`
	LastSeq   int64           `json:"last_seq"`
	State     json.RawMessage `json:"state,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// Run is the archived view of a run.
type Run struct {
	RunID     string        `json:"run_id"`
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Outcome   RunOutcome    `json:"outcome,omitempty"`
	ErrorCode ReasonCode    `json:"error_code,omitempty"`
	Input     string        `json:"input"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// SessionInfo is the live view of a session returned by the API.
type SessionInfo struct {
	SessionID    string                 `json:"session_id"`
	Status       SessionStatus          `json:"status"`
	CurrentRunID string                 `json:"current_run_id,omitempty"`
	LastSeq      int64                  `json:"last_seq"`
	State        map[string]interface{} `json:"state"`
}

// RunHandle identifies one run of a session.
type RunHandle struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
}
