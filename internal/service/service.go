// Package service is the run orchestrator. Every session is driven by one
// goroutine that owns its trackers, state tree and seq counter; public
// methods post commands to that goroutine and agent output, tool results and
// interrupt answers arrive the same way.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agui/internal/adapter/agent"
	"github.com/xiaot623/gogo/agui/internal/config"
	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/interrupt"
	"github.com/xiaot623/gogo/agui/internal/metrics"
	"github.com/xiaot623/gogo/agui/internal/policy"
	"github.com/xiaot623/gogo/agui/internal/repository"
	"github.com/xiaot623/gogo/agui/internal/stream"
	"github.com/xiaot623/gogo/agui/internal/tools"
)

type Service struct {
	store  repository.Store
	hub    *stream.Hub
	bridge *interrupt.Bridge
	agent  agent.Agent
	tools  *tools.Registry
	policy policy.Evaluator
	config *config.Config

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

func New(store repository.Store, hub *stream.Hub, bridge *interrupt.Bridge, ag agent.Agent, registry *tools.Registry, pol policy.Evaluator, cfg *config.Config) *Service {
	if pol == nil {
		pol = policy.AllowAll{}
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Service{
		store:    store,
		hub:      hub,
		bridge:   bridge,
		agent:    ag,
		tools:    registry,
		policy:   pol,
		config:   cfg,
		sessions: make(map[string]*session),
	}
}

// CreateSession opens a live session. An empty id gets a generated one; an
// id that is already live is returned unchanged.
func (s *Service) CreateSession(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return sess.id, nil
}

func (s *Service) openSession(ctx context.Context, sessionID string) (*session, error) {
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:8]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrSessionClosed
	}
	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}

	// Ended sessions are archived and cannot be reopened.
	if archived, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	} else if archived != nil && archived.EndedAt != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionClosed)
	}

	now := time.Now()
	if err := s.store.UpsertSession(ctx, &domain.Session{
		SessionID: sessionID,
		Status:    domain.SessionStatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	sess := newSession(s, sessionID, s.hub.Open(sessionID))
	s.sessions[sessionID] = sess
	metrics.ActiveSessions.Inc()
	go sess.loop()
	_ = sess.post(sess.initialize)

	log.Printf("Session created: %s", sessionID)
	return sess, nil
}

func (s *Service) lookup(sessionID string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	return sess, nil
}

func (s *Service) forget(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
		metrics.ActiveSessions.Dec()
	}
}

// EndSession finishes any active run, archives the session and closes its
// stream once the final events are delivered.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	err = sess.call(ctx, func() error {
		sess.end()
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrSessionClosed) {
		return err
	}
	select {
	case <-sess.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.forget(sess)
	select {
	case <-sess.stream.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Printf("Session ended: %s", sessionID)
	return nil
}

// Shutdown ends every live session and refuses new ones.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.EndSession(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Service) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}
