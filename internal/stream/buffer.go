// Package stream carries sequenced session events from the orchestrator to
// connected clients: a bounded producer channel per session, a replay buffer
// for resume, and per-connection subscriber queues.
package stream

import (
	"sync"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

// DefaultReplayBufferSize is the number of events kept per session for resume.
const DefaultReplayBufferSize = 1024

// ReplayBuffer is a fixed-capacity ring of the most recent events of a
// session, indexed by seq.
//
//	events[head] holds the oldest buffered event; seqs are contiguous from
//	oldest to newest, so an event's slot is (head + seq - oldest) % cap.
type ReplayBuffer struct {
	mu      sync.RWMutex
	events  []*domain.Event
	head    int
	size    int
	lastSeq int64
	dropped int64
}

// NewReplayBuffer creates a buffer that retains up to capacity events.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayBufferSize
	}
	return &ReplayBuffer{events: make([]*domain.Event, capacity)}
}

// Append adds the next event. Events must arrive in seq order without gaps.
func (b *ReplayBuffer) Append(ev *domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size > 0 && ev.Seq != b.lastSeq+1 {
		// A gap makes older entries unusable for contiguous replay.
		b.head, b.size = 0, 0
	}
	if b.size == len(b.events) {
		b.events[b.head] = nil
		b.head = (b.head + 1) % len(b.events)
		b.size--
		b.dropped++
	}
	b.events[(b.head+b.size)%len(b.events)] = ev
	b.size++
	b.lastSeq = ev.Seq
}

// After returns every buffered event with seq > lastSeen. ok is false when
// the buffer cannot produce the complete sequence: the client has seen
// nothing, asked for events already evicted, or claims a seq the buffer never
// issued.
func (b *ReplayBuffer) After(lastSeen int64) (events []*domain.Event, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if lastSeen <= 0 || lastSeen > b.lastSeq {
		return nil, false
	}
	if lastSeen == b.lastSeq {
		return []*domain.Event{}, true
	}
	if b.size == 0 {
		return nil, false
	}
	oldest := b.events[b.head].Seq
	if lastSeen+1 < oldest {
		return nil, false
	}
	start := int(lastSeen + 1 - oldest)
	out := make([]*domain.Event, 0, b.size-start)
	for i := start; i < b.size; i++ {
		out = append(out, b.events[(b.head+i)%len(b.events)])
	}
	return out, true
}

// OldestSeq returns the seq of the oldest buffered event, or 0 when empty.
func (b *ReplayBuffer) OldestSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return 0
	}
	return b.events[b.head].Seq
}

// LastSeq returns the seq of the newest appended event.
func (b *ReplayBuffer) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq
}

// Len returns the number of buffered events.
func (b *ReplayBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Dropped returns how many events were evicted.
func (b *ReplayBuffer) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
