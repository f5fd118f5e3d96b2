package service

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/stream"
	"github.com/xiaot623/gogo/agui/internal/tracker"
)

// session is the single writer of one session's state. Everything below the
// inbox fields is touched only by loop.
type session struct {
	id     string
	svc    *Service
	stream *stream.Stream
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	inboxMu sync.Mutex
	inbox   []func()
	wake    chan struct{}
	closing bool

	seq      int64
	status   domain.SessionStatus
	tree     map[string]interface{}
	messages *tracker.MessageTracker
	calls    *tracker.ToolCallTracker
	run      *runState
	lastRun  *runSummary
	created  time.Time
	ended    bool

	// Messages of failed agent attempts, kept on screen but not sent back
	// to the agent.
	discarded map[string]bool

	// Read by other goroutines.
	viewMu     sync.RWMutex
	view       domain.SessionInfo
	active     *runState
	pastRuns   map[string]bool
	lastActive time.Time
}

// runSummary is the run entry of the state tree. It outlives the run so the
// tree keeps showing how the last run ended.
type runSummary struct {
	RunID   string
	Status  domain.SessionStatus
	Outcome domain.RunOutcome
	Code    domain.ReasonCode
	Message string
	Turn    int
}

func newSession(svc *Service, id string, st *stream.Stream) *session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	sess := &session{
		id:         id,
		svc:        svc,
		stream:     st,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
		status:     domain.SessionStatusIdle,
		tree:       map[string]interface{}{},
		messages:   tracker.NewMessageTracker(),
		calls:      tracker.NewToolCallTracker(),
		created:    now,
		discarded:  make(map[string]bool),
		pastRuns:   make(map[string]bool),
		lastActive: now,
	}
	sess.view = domain.SessionInfo{SessionID: id, Status: sess.status, State: sess.tree}
	return sess
}

// post queues fn for the session goroutine. It never blocks.
func (s *session) post(fn func()) error {
	s.inboxMu.Lock()
	if s.closing {
		s.inboxMu.Unlock()
		return domain.ErrSessionClosed
	}
	s.inbox = append(s.inbox, fn)
	s.inboxMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// call runs fn on the session goroutine and waits for its result.
func (s *session) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if err := s.post(func() { res <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		select {
		case err := <-res:
			return err
		default:
			return domain.ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) next() (func(), bool) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if len(s.inbox) == 0 {
		return nil, false
	}
	fn := s.inbox[0]
	s.inbox[0] = nil
	s.inbox = s.inbox[1:]
	return fn, true
}

func (s *session) loop() {
	defer close(s.done)
	for range s.wake {
		for {
			fn, ok := s.next()
			if !ok {
				break
			}
			fn()
			s.publishView()
			if s.ended {
				s.inboxMu.Lock()
				s.closing = true
				s.inbox = nil
				s.inboxMu.Unlock()
				return
			}
		}
	}
}

// initialize emits the first event of the session: the state tree built from
// an empty document.
func (s *session) initialize() {
	s.syncState()
}

func (s *session) publishView() {
	var runID string
	if s.run != nil {
		runID = s.run.id
	}
	s.viewMu.Lock()
	s.view = domain.SessionInfo{
		SessionID:    s.id,
		Status:       s.status,
		CurrentRunID: runID,
		LastSeq:      s.seq,
		State:        s.tree,
	}
	s.lastActive = time.Now()
	s.viewMu.Unlock()
}

func (s *session) info() domain.SessionInfo {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

func (s *session) idleSince() time.Time {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.lastActive
}

func (s *session) setActive(run *runState) {
	s.viewMu.Lock()
	s.active = run
	s.viewMu.Unlock()
}

func (s *session) clearActive(run *runState) {
	s.viewMu.Lock()
	if s.active == run {
		s.active = nil
	}
	s.pastRuns[run.id] = true
	s.viewMu.Unlock()
}

// activeRun returns the run in progress and whether runID belongs to a run
// that already terminated.
func (s *session) activeRun(runID string) (*runState, bool) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.active, s.pastRuns[runID]
}

// end terminates the active run and archives the session.
func (s *session) end() {
	if s.ended {
		return
	}
	if run := s.run; run != nil {
		if s.status == domain.SessionStatusAwaitingInput && run.interrupt != nil {
			s.endRun(run, runEnd{
				status:      domain.SessionStatusFinished,
				outcome:     domain.RunOutcomeInterrupt,
				interruptID: run.interrupt.id,
			})
		} else {
			s.endRun(run, runEnd{
				status:  domain.SessionStatusFinished,
				outcome: domain.RunOutcomeCancelled,
			})
		}
	}
	s.ended = true
	s.archive(true)
	s.cancel()
	s.svc.bridge.DropSession(s.id)
	s.svc.hub.Remove(s.id)
}

func (s *session) archive(ended bool) {
	state, err := json.Marshal(s.tree)
	if err != nil {
		log.Printf("WARN: failed to encode state of session %s: %v", s.id, err)
	}
	now := time.Now()
	rec := &domain.Session{
		SessionID: s.id,
		Status:    s.status,
		LastSeq:   s.seq,
		State:     state,
		CreatedAt: s.created,
		UpdatedAt: now,
	}
	if ended {
		rec.EndedAt = &now
	}
	ctx, cancel := s.svc.storeContext()
	defer cancel()
	if err := s.svc.store.UpsertSession(ctx, rec); err != nil {
		log.Printf("WARN: failed to archive session %s: %v", s.id, err)
	}
}
