package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/agui/internal/statetree"
)

// Event is the sequenced wire envelope. Seq is the only ordering authority;
// Timestamp is informational.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent builds an event with a marshaled payload.
func NewEvent(sessionID string, seq int64, eventType EventType, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &Event{
		SessionID: sessionID,
		Seq:       seq,
		Type:      eventType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// RunStartedPayload is the payload for run_started events.
type RunStartedPayload struct {
	RunID string `json:"run_id"`
	Input string `json:"input"`
}

// MessageStartPayload is the payload for message_start events.
type MessageStartPayload struct {
	MessageID string      `json:"message_id"`
	Role      MessageRole `json:"role"`
	RunID     string      `json:"run_id,omitempty"`
}

// TextDeltaPayload is the payload for text_delta events.
type TextDeltaPayload struct {
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
}

// MessageEndPayload is the payload for message_end events.
type MessageEndPayload struct {
	MessageID string `json:"message_id"`
}

// MessagesSnapshotPayload is the payload for messages_snapshot events.
type MessagesSnapshotPayload struct {
	Messages []Message `json:"messages"`
}

// StateSnapshotPayload is the payload for state_snapshot events.
type StateSnapshotPayload struct {
	State map[string]interface{} `json:"state"`
}

// StateDeltaPayload is the payload for state_delta events.
type StateDeltaPayload struct {
	Operations []statetree.Operation `json:"operations"`
}

// ToolCallStartPayload is the payload for tool_call_start events.
type ToolCallStartPayload struct {
	CallID          string `json:"call_id"`
	Name            string `json:"name"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
	RunID           string `json:"run_id,omitempty"`
}

// ToolCallArgsDeltaPayload is the payload for tool_call_args_delta events.
type ToolCallArgsDeltaPayload struct {
	CallID string `json:"call_id"`
	Delta  string `json:"delta"`
}

// ToolCallEndPayload is the payload for tool_call_end events.
type ToolCallEndPayload struct {
	CallID string          `json:"call_id"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ToolCallResultPayload is the payload for tool_call_result events.
type ToolCallResultPayload struct {
	CallID string          `json:"call_id"`
	Status ToolCallStatus  `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ToolError      `json:"error,omitempty"`
}

// InterruptPayload is the payload for interrupt events.
type InterruptPayload struct {
	InterruptID string          `json:"interrupt_id"`
	RunID       string          `json:"run_id"`
	Kind        InterruptKind   `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	DeadlineTs  int64           `json:"deadline_ts,omitempty"`
}

// RunFinishedPayload is the payload for run_finished events.
type RunFinishedPayload struct {
	RunID       string     `json:"run_id"`
	Outcome     RunOutcome `json:"outcome"`
	InterruptID string     `json:"interrupt_id,omitempty"`
}

// RunErrorPayload is the payload for run_error events.
type RunErrorPayload struct {
	RunID   string     `json:"run_id"`
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
}
