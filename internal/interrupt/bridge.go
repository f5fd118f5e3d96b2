// Package interrupt provides the store that parks runs waiting on external
// input and delivers answers to them. Pending interrupts live in process
// memory only: they survive transport reconnects within a session's lifetime
// but not a process restart.
package interrupt

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

// SubmitStatus is the outcome of an answer submission.
type SubmitStatus string

const (
	SubmitDelivered          SubmitStatus = "delivered"
	SubmitNoPendingInterrupt SubmitStatus = "no_pending_interrupt"
)

// Resolution records how an interrupt stopped being pending.
type Resolution string

const (
	ResolutionAnswered  Resolution = "answered"
	ResolutionExpired   Resolution = "expired"
	ResolutionCancelled Resolution = "cancelled"
)

// SubmitResult reports what happened to a submitted answer. Err is
// domain.ErrUnknownInterrupt or domain.ErrAlreadyResolved when nothing was
// delivered.
type SubmitResult struct {
	Status      SubmitStatus `json:"status"`
	SessionID   string       `json:"session_id,omitempty"`
	InterruptID string       `json:"interrupt_id"`
	Resolution  Resolution   `json:"resolution,omitempty"`
	Err         error        `json:"-"`
}

// maxResolved bounds how many resolved ids a session remembers. Older ones
// are forgotten and answers to them report ErrUnknownInterrupt.
const maxResolved = 256

type entry struct {
	req    domain.InterruptRequest
	answer chan json.RawMessage
}

type sessionStore struct {
	pending  map[string]*entry
	order    []string
	resolved map[string]Resolution
	history  []string
}

// Bridge holds pending interrupts per session.
type Bridge struct {
	mu       sync.Mutex
	sessions map[string]*sessionStore
	index    map[string]string
}

// NewBridge creates an empty bridge.
func NewBridge() *Bridge {
	return &Bridge{
		sessions: make(map[string]*sessionStore),
		index:    make(map[string]string),
	}
}

func (b *Bridge) store(sessionID string) *sessionStore {
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &sessionStore{
			pending:  make(map[string]*entry),
			resolved: make(map[string]Resolution),
		}
		b.sessions[sessionID] = s
	}
	return s
}

// Enqueue stores a pending interrupt and returns the channel its answer will
// be delivered on. The channel receives at most one value.
func (b *Bridge) Enqueue(req domain.InterruptRequest) (<-chan json.RawMessage, error) {
	if req.SessionID == "" || req.InterruptID == "" {
		return nil, fmt.Errorf("session_id and interrupt_id are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if owner, exists := b.index[req.InterruptID]; exists {
		return nil, fmt.Errorf("interrupt %s already registered for session %s", req.InterruptID, owner)
	}
	s := b.store(req.SessionID)
	e := &entry{req: req, answer: make(chan json.RawMessage, 1)}
	s.pending[req.InterruptID] = e
	s.order = append(s.order, req.InterruptID)
	b.index[req.InterruptID] = req.SessionID
	return e.answer, nil
}

// SubmitAnswer delivers answer to the run parked on interruptID. An empty
// sessionID matches any session. Exactly one submission per interrupt is
// delivered; the rest report SubmitNoPendingInterrupt.
func (b *Bridge) SubmitAnswer(sessionID, interruptID string, answer json.RawMessage) SubmitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := SubmitResult{Status: SubmitNoPendingInterrupt, SessionID: sessionID, InterruptID: interruptID}
	owner, ok := b.index[interruptID]
	if !ok || (sessionID != "" && owner != sessionID) {
		result.Err = domain.ErrUnknownInterrupt
		return result
	}
	result.SessionID = owner
	s := b.sessions[owner]
	e, pending := s.pending[interruptID]
	if !pending {
		result.Resolution = s.resolved[interruptID]
		result.Err = domain.ErrAlreadyResolved
		return result
	}

	b.resolveLocked(s, interruptID, ResolutionAnswered)
	if answer == nil {
		answer = json.RawMessage(`null`)
	}
	e.answer <- answer
	result.Status = SubmitDelivered
	result.Resolution = ResolutionAnswered
	return result
}

// Resolve marks a pending interrupt as no longer answerable without
// delivering anything. It reports false when the interrupt was not pending.
func (b *Bridge) Resolve(interruptID string, how Resolution) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	owner, ok := b.index[interruptID]
	if !ok {
		return false
	}
	s := b.sessions[owner]
	if _, pending := s.pending[interruptID]; !pending {
		return false
	}
	b.resolveLocked(s, interruptID, how)
	return true
}

func (b *Bridge) resolveLocked(s *sessionStore, interruptID string, how Resolution) {
	delete(s.pending, interruptID)
	s.resolved[interruptID] = how
	s.history = append(s.history, interruptID)
	if len(s.history) > maxResolved {
		oldest := s.history[0]
		s.history = s.history[1:]
		delete(s.resolved, oldest)
		delete(b.index, oldest)
	}
	for i, id := range s.order {
		if id == interruptID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Pending returns the session's unresolved interrupts, oldest first.
func (b *Bridge) Pending(sessionID string) []domain.InterruptRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]domain.InterruptRequest, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.pending[id].req)
	}
	return out
}

// DropSession forgets every interrupt of a session. Pending ones are
// cancelled without delivery.
func (b *Bridge) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	for id := range s.pending {
		delete(b.index, id)
	}
	for id := range s.resolved {
		delete(b.index, id)
	}
	delete(b.sessions, sessionID)
}
