// Package replica rebuilds a session's state tree and message list on the
// client side from the sequenced event stream.
package replica

import (
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/statetree"
)

// maxPending bounds how many out-of-order events are held while waiting for
// a gap to fill.
const maxPending = 4096

// ErrGap is returned when too many events are waiting on a missing seq; the
// client should resume with LastSeq.
var ErrGap = errors.New("sequence gap too large, resume required")

// Replica is a client-side copy of one session.
type Replica struct {
	applied  int64
	state    map[string]interface{}
	messages map[string]*domain.Message
	order    []string
	pending  map[int64]*domain.Event

	// OnEvent, when set, is called for every event in the order it is applied.
	OnEvent func(ev *domain.Event)
}

// New creates an empty replica that expects the stream to start at seq 1 or
// with a snapshot.
func New() *Replica {
	return &Replica{
		state:    map[string]interface{}{},
		messages: make(map[string]*domain.Message),
		pending:  make(map[int64]*domain.Event),
	}
}

// Apply feeds one received event. Duplicates are ignored, events ahead of a
// gap are held until the gap fills, and snapshots replace local state.
func (r *Replica) Apply(ev *domain.Event) error {
	if isSnapshot(ev.Type) {
		if ev.Seq < r.applied {
			return nil
		}
		if err := r.applyOne(ev); err != nil {
			return err
		}
		r.applied = ev.Seq
		for seq := range r.pending {
			if seq <= r.applied {
				delete(r.pending, seq)
			}
		}
		return r.flush()
	}

	switch {
	case ev.Seq <= r.applied:
		return nil
	case ev.Seq > r.applied+1:
		if _, held := r.pending[ev.Seq]; !held {
			if len(r.pending) >= maxPending {
				return ErrGap
			}
			r.pending[ev.Seq] = ev
		}
		return nil
	}

	if err := r.applyOne(ev); err != nil {
		return err
	}
	r.applied = ev.Seq
	return r.flush()
}

func (r *Replica) flush() error {
	for {
		ev, ok := r.pending[r.applied+1]
		if !ok {
			return nil
		}
		delete(r.pending, ev.Seq)
		if err := r.applyOne(ev); err != nil {
			return err
		}
		r.applied = ev.Seq
	}
}

func isSnapshot(t domain.EventType) bool {
	return t == domain.EventTypeStateSnapshot || t == domain.EventTypeMessagesSnapshot
}

func (r *Replica) applyOne(ev *domain.Event) error {
	switch ev.Type {
	case domain.EventTypeStateSnapshot:
		var p domain.StateSnapshotPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		r.state = statetree.Snapshot(p.State)

	case domain.EventTypeStateDelta:
		var p domain.StateDeltaPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		next, err := statetree.Apply(r.state, p.Operations)
		if err != nil {
			return fmt.Errorf("seq %d: %w", ev.Seq, err)
		}
		r.state = next

	case domain.EventTypeMessagesSnapshot:
		var p domain.MessagesSnapshotPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		r.messages = make(map[string]*domain.Message, len(p.Messages))
		r.order = r.order[:0]
		for i := range p.Messages {
			m := p.Messages[i]
			r.messages[m.MessageID] = &m
			r.order = append(r.order, m.MessageID)
		}

	case domain.EventTypeMessageStart:
		var p domain.MessageStartPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		if _, exists := r.messages[p.MessageID]; !exists {
			r.messages[p.MessageID] = &domain.Message{
				MessageID: p.MessageID,
				Role:      p.Role,
				Status:    domain.MessageStatusStreaming,
				RunID:     p.RunID,
			}
			r.order = append(r.order, p.MessageID)
		}

	case domain.EventTypeTextDelta:
		var p domain.TextDeltaPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		if m, ok := r.messages[p.MessageID]; ok && m.Status == domain.MessageStatusStreaming {
			m.AccumulatedText += p.Delta
		}

	case domain.EventTypeMessageEnd:
		var p domain.MessageEndPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		if m, ok := r.messages[p.MessageID]; ok {
			m.Status = domain.MessageStatusComplete
		}
	}

	if r.OnEvent != nil {
		r.OnEvent(ev)
	}
	return nil
}

// LastSeq returns the highest seq applied without gaps.
func (r *Replica) LastSeq() int64 {
	return r.applied
}

// PendingCount returns how many events are held behind a gap.
func (r *Replica) PendingCount() int {
	return len(r.pending)
}

// State returns a copy of the reconstructed state tree.
func (r *Replica) State() map[string]interface{} {
	return statetree.Snapshot(r.state)
}

// Messages returns copies of the reconstructed messages in arrival order.
func (r *Replica) Messages() []domain.Message {
	out := make([]domain.Message, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.messages[id])
	}
	return out
}
