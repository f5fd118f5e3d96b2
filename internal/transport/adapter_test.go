package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/interrupt"
	"github.com/xiaot623/gogo/agui/internal/protocol"
	"github.com/xiaot623/gogo/agui/internal/stream"
)

type fakeBackend struct {
	startErr  error
	cancelled []domain.RunHandle
	ended     []string
	answers   map[string]interrupt.SubmitResult
}

func (f *fakeBackend) CreateSession(_ context.Context, id string) (string, error) {
	return id, nil
}

func (f *fakeBackend) StartRun(_ context.Context, sessionID, input string) (*domain.RunHandle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &domain.RunHandle{SessionID: sessionID, RunID: "run_" + input}, nil
}

func (f *fakeBackend) CancelRun(_ context.Context, handle domain.RunHandle) error {
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func (f *fakeBackend) SubmitInterruptAnswer(sessionID, interruptID string, _ json.RawMessage) interrupt.SubmitResult {
	if res, ok := f.answers[interruptID]; ok {
		return res
	}
	return interrupt.SubmitResult{Status: interrupt.SubmitNoPendingInterrupt, SessionID: sessionID, InterruptID: interruptID, Err: domain.ErrUnknownInterrupt}
}

func (f *fakeBackend) EndSession(_ context.Context, sessionID string) error {
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeBackend) Subscribe(string, int64) (*stream.Subscription, error) {
	return nil, domain.ErrSessionNotFound
}

func TestOnReceiveDispatch(t *testing.T) {
	backend := &fakeBackend{answers: map[string]interrupt.SubmitResult{
		"int_1": {Status: interrupt.SubmitDelivered, Resolution: interrupt.ResolutionAnswered},
	}}
	in := NewInbound(backend)
	ctx := context.Background()

	reply, err := in.OnReceive(ctx, "sess_1", &protocol.SubmitInputMessage{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAccepted, reply.Status)
	assert.Equal(t, "run_hi", reply.RunID)

	reply, err = in.OnReceive(ctx, "sess_1", &protocol.InterruptAnswerMessage{InterruptID: "int_1", Answer: json.RawMessage(`true`)})
	require.NoError(t, err)
	assert.Equal(t, string(interrupt.SubmitDelivered), reply.Status)
	assert.Equal(t, interrupt.ResolutionAnswered, reply.Resolution)

	// Unknown interrupts report no_pending_interrupt instead of failing.
	reply, err = in.OnReceive(ctx, "sess_1", &protocol.InterruptAnswerMessage{InterruptID: "int_stale"})
	require.NoError(t, err)
	assert.Equal(t, string(interrupt.SubmitNoPendingInterrupt), reply.Status)

	reply, err = in.OnReceive(ctx, "sess_1", &protocol.CancelRunMessage{RunID: "run_x"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, []domain.RunHandle{{SessionID: "sess_1", RunID: "run_x"}}, backend.cancelled)

	_, err = in.OnReceive(ctx, "sess_1", &protocol.EndSessionMessage{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sess_1"}, backend.ended)
}

func TestOnReceiveRejects(t *testing.T) {
	backend := &fakeBackend{startErr: &domain.StateError{Op: "start_run", Status: domain.SessionStatusRunning}}
	in := NewInbound(backend)
	ctx := context.Background()

	_, err := in.OnReceive(ctx, "sess_1", &protocol.SubmitInputMessage{Text: "hi"})
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, protocol.ErrorCodeInvalidState, ErrorCode(err))

	_, err = in.OnReceive(ctx, "sess_1", &protocol.InterruptAnswerMessage{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = in.OnReceive(ctx, "sess_1", &protocol.CancelRunMessage{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = in.OnReceive(ctx, "sess_1", &protocol.HelloMessage{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestErrorCode(t *testing.T) {
	cases := map[error]string{
		domain.ErrSessionNotFound:  protocol.ErrorCodeSessionNotFound,
		domain.ErrRunNotFound:      protocol.ErrorCodeRunNotFound,
		domain.ErrSessionClosed:    protocol.ErrorCodeInvalidState,
		domain.ErrUnknownInterrupt: protocol.ErrorCodeUnknownInterrupt,
		domain.ErrAlreadyResolved:  protocol.ErrorCodeAlreadyResolved,
		domain.ErrInvalidInput:     protocol.ErrorCodeInvalidMessage,
		errors.New("boom"):         protocol.ErrorCodeInternalError,
	}
	for err, want := range cases {
		assert.Equal(t, want, ErrorCode(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}

type sliceSender struct {
	events []*domain.Event
	failAt int64
}

func (s *sliceSender) Send(ev *domain.Event) error {
	if s.failAt != 0 && ev.Seq == s.failAt {
		return errors.New("write failed")
	}
	s.events = append(s.events, ev)
	return nil
}

func publish(t *testing.T, st *stream.Stream, seq int64) {
	t.Helper()
	ev, err := domain.NewEvent(st.SessionID(), seq, domain.EventTypeRunStarted, domain.RunStartedPayload{RunID: "run_1"})
	require.NoError(t, err)
	require.NoError(t, st.Publish(context.Background(), stream.Item{Event: ev, State: map[string]interface{}{}}))
}

func TestForward(t *testing.T) {
	st := stream.NewStream("sess_1", stream.Options{ReplayBufferSize: 16, EventChannelSize: 16, SubscriberBufferSize: 16}, nil)
	sub, err := st.Subscribe(0)
	require.NoError(t, err)

	for seq := int64(1); seq <= 3; seq++ {
		publish(t, st, seq)
	}
	st.Close()

	out := &sliceSender{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = Forward(ctx, sub, out)
	require.ErrorIs(t, err, stream.ErrStreamClosed)
	require.Len(t, out.events, 3)
	for i, ev := range out.events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestForwardStopsOnSendError(t *testing.T) {
	st := stream.NewStream("sess_1", stream.Options{ReplayBufferSize: 16, EventChannelSize: 16, SubscriberBufferSize: 16}, nil)
	defer st.Close()
	sub, err := st.Subscribe(0)
	require.NoError(t, err)
	publish(t, st, 1)
	publish(t, st, 2)

	out := &sliceSender{failAt: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = Forward(ctx, sub, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event 2")
	assert.Len(t, out.events, 1)
}
