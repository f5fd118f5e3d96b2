// Package protocol defines the frames exchanged with clients over the
// bidirectional transport.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types from client to server
const (
	TypeHello           = "hello"
	TypeSubmitInput     = "submit_input"
	TypeInterruptAnswer = "interrupt_answer"
	TypeCancelRun       = "cancel_run"
	TypeResume          = "resume"
	TypeEndSession      = "end_session"
)

// Control frame types from server to client. Control frames carry no seq and
// are never journaled; session events use the domain.Event envelope.
const (
	TypeHelloAck = "hello_ack"
	TypeAck      = "ack"
	TypeError    = "error"
)

// BaseMessage contains common fields for all frames.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// HelloMessage binds a connection to a session. LastSeenSeq, when set,
// resumes the stream from that point.
type HelloMessage struct {
	BaseMessage
	LastSeenSeq int64  `json:"last_seen_seq,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
}

// HelloAckMessage is sent after a successful hello.
type HelloAckMessage struct {
	BaseMessage
	Mode    string `json:"mode"`
	FromSeq int64  `json:"from_seq"`
}

// SubmitInputMessage starts a run with user text.
type SubmitInputMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// InterruptAnswerMessage answers a pending interrupt.
type InterruptAnswerMessage struct {
	BaseMessage
	InterruptID string          `json:"interrupt_id"`
	Answer      json.RawMessage `json:"answer"`
}

// CancelRunMessage cancels a run.
type CancelRunMessage struct {
	BaseMessage
	RunID string `json:"run_id"`
}

// ResumeMessage re-subscribes the connection from a last seen seq.
type ResumeMessage struct {
	BaseMessage
	LastSeenSeq int64 `json:"last_seen_seq"`
}

// EndSessionMessage ends the bound session.
type EndSessionMessage struct {
	BaseMessage
}

// AckMessage acknowledges a request. Status carries explicit race outcomes
// such as no_pending_interrupt.
type AckMessage struct {
	BaseMessage
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
}

// ErrorMessage is sent when a request is rejected.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage   = "invalid_message"
	ErrorCodeUnauthorized     = "unauthorized"
	ErrorCodeSessionRequired  = "session_required"
	ErrorCodeSessionNotFound  = "session_not_found"
	ErrorCodeInvalidState     = "invalid_state"
	ErrorCodeUnknownInterrupt = "unknown_interrupt"
	ErrorCodeAlreadyResolved  = "already_resolved"
	ErrorCodeRunNotFound      = "run_not_found"
	ErrorCodeRateLimited      = "rate_limited"
	ErrorCodeInternalError    = "internal_error"
)

// Ack statuses
const (
	StatusAccepted = "accepted"
	StatusOK       = "ok"
)

// Decode parses a client frame into its typed form.
func Decode(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON frame: %w", err)
	}

	var msg interface{}
	switch base.Type {
	case TypeHello:
		msg = &HelloMessage{}
	case TypeSubmitInput:
		msg = &SubmitInputMessage{}
	case TypeInterruptAnswer:
		msg = &InterruptAnswerMessage{}
	case TypeCancelRun:
		msg = &CancelRunMessage{}
	case TypeResume:
		msg = &ResumeMessage{}
	case TypeEndSession:
		msg = &EndSessionMessage{}
	case "":
		return nil, fmt.Errorf("frame type is required")
	default:
		return nil, fmt.Errorf("unknown frame type: %s", base.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", base.Type, err)
	}
	return msg, nil
}

// NewError builds an error frame.
func NewError(sessionID, requestID, code, message string) ErrorMessage {
	return ErrorMessage{
		BaseMessage: BaseMessage{
			Type:      TypeError,
			Ts:        time.Now().UnixMilli(),
			RequestID: requestID,
			SessionID: sessionID,
		},
		Code:    code,
		Message: message,
	}
}

// NewAck builds an ack frame.
func NewAck(sessionID, requestID, status string) AckMessage {
	return AckMessage{
		BaseMessage: BaseMessage{
			Type:      TypeAck,
			Ts:        time.Now().UnixMilli(),
			RequestID: requestID,
			SessionID: sessionID,
		},
		Status: status,
	}
}
