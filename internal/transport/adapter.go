// Package transport holds what the push-only (HTTP + SSE) and bidirectional
// (WebSocket) adapters share: event forwarding from a session subscription
// and the handling of inbound client requests.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/interrupt"
	"github.com/xiaot623/gogo/agui/internal/protocol"
	"github.com/xiaot623/gogo/agui/internal/stream"
)

// Sender delivers sequenced events to one client connection. Send must not
// reorder events.
type Sender interface {
	Send(ev *domain.Event) error
}

// Backend is the orchestrator surface the adapters drive.
type Backend interface {
	CreateSession(ctx context.Context, sessionID string) (string, error)
	StartRun(ctx context.Context, sessionID, input string) (*domain.RunHandle, error)
	CancelRun(ctx context.Context, handle domain.RunHandle) error
	SubmitInterruptAnswer(sessionID, interruptID string, answer json.RawMessage) interrupt.SubmitResult
	EndSession(ctx context.Context, sessionID string) error
	Subscribe(sessionID string, lastSeen int64) (*stream.Subscription, error)
}

// Forward copies events from sub to out in seq order until ctx is done, the
// subscription ends, or Send fails. It returns stream.ErrStreamClosed when
// the session ended and stream.ErrSlowConsumer when the subscriber was
// dropped.
func Forward(ctx context.Context, sub *stream.Subscription, out Sender) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := out.Send(ev); err != nil {
			return fmt.Errorf("failed to send event %d: %w", ev.Seq, err)
		}
	}
}

// Reply is the outcome of one inbound request.
type Reply struct {
	Status      string               `json:"status"`
	SessionID   string               `json:"session_id,omitempty"`
	RunID       string               `json:"run_id,omitempty"`
	InterruptID string               `json:"interrupt_id,omitempty"`
	Resolution  interrupt.Resolution `json:"resolution,omitempty"`
}

// Inbound applies client requests to the backend. Both adapters route every
// request through OnReceive so they behave the same.
type Inbound struct {
	backend Backend
}

// NewInbound creates an Inbound for backend.
func NewInbound(backend Backend) *Inbound {
	return &Inbound{backend: backend}
}

// OnReceive handles one decoded client frame for sessionID. Connection-level
// frames (hello, resume) are the adapter's business and are rejected here.
func (in *Inbound) OnReceive(ctx context.Context, sessionID string, msg interface{}) (*Reply, error) {
	reply, err := in.dispatch(ctx, sessionID, msg)
	if errors.Is(err, domain.ErrInvalidState) {
		log.Printf("WARN: rejected request for session %s: %v", sessionID, err)
	}
	return reply, err
}

func (in *Inbound) dispatch(ctx context.Context, sessionID string, msg interface{}) (*Reply, error) {
	switch m := msg.(type) {
	case *protocol.SubmitInputMessage:
		handle, err := in.backend.StartRun(ctx, sessionID, m.Text)
		if err != nil {
			return nil, err
		}
		return &Reply{Status: protocol.StatusAccepted, SessionID: handle.SessionID, RunID: handle.RunID}, nil

	case *protocol.InterruptAnswerMessage:
		if m.InterruptID == "" {
			return nil, fmt.Errorf("interrupt_id is required: %w", domain.ErrInvalidInput)
		}
		// Answering a resolved or unknown interrupt is a race, not a failure.
		res := in.backend.SubmitInterruptAnswer(sessionID, m.InterruptID, m.Answer)
		return &Reply{
			Status:      string(res.Status),
			SessionID:   sessionID,
			InterruptID: m.InterruptID,
			Resolution:  res.Resolution,
		}, nil

	case *protocol.CancelRunMessage:
		if m.RunID == "" {
			return nil, fmt.Errorf("run_id is required: %w", domain.ErrInvalidInput)
		}
		if err := in.backend.CancelRun(ctx, domain.RunHandle{SessionID: sessionID, RunID: m.RunID}); err != nil {
			return nil, err
		}
		return &Reply{Status: protocol.StatusOK, SessionID: sessionID, RunID: m.RunID}, nil

	case *protocol.EndSessionMessage:
		if err := in.backend.EndSession(ctx, sessionID); err != nil {
			return nil, err
		}
		return &Reply{Status: protocol.StatusOK, SessionID: sessionID}, nil
	}
	return nil, fmt.Errorf("unsupported request %T: %w", msg, domain.ErrInvalidInput)
}

// ErrorCode maps an orchestrator error onto a protocol error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return protocol.ErrorCodeSessionNotFound
	case errors.Is(err, domain.ErrRunNotFound):
		return protocol.ErrorCodeRunNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrSessionClosed):
		return protocol.ErrorCodeInvalidState
	case errors.Is(err, domain.ErrUnknownInterrupt):
		return protocol.ErrorCodeUnknownInterrupt
	case errors.Is(err, domain.ErrAlreadyResolved):
		return protocol.ErrorCodeAlreadyResolved
	case errors.Is(err, domain.ErrInvalidInput):
		return protocol.ErrorCodeInvalidMessage
	}
	return protocol.ErrorCodeInternalError
}
