package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/stream"
)

// GetSession returns the live view of a session, falling back to the
// archive for ended sessions.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.SessionInfo, error) {
	if sess, err := s.lookup(sessionID); err == nil {
		info := sess.info()
		return &info, nil
	}

	archived, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if archived == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	info := &domain.SessionInfo{
		SessionID: archived.SessionID,
		Status:    archived.Status,
		LastSeq:   archived.LastSeq,
	}
	if len(archived.State) > 0 {
		if err := json.Unmarshal(archived.State, &info.State); err != nil {
			return nil, fmt.Errorf("failed to decode archived state: %w", err)
		}
	}
	return info, nil
}

// Subscribe attaches to a live session's event stream, resuming after
// lastSeen.
func (s *Service) Subscribe(sessionID string, lastSeen int64) (*stream.Subscription, error) {
	if _, err := s.lookup(sessionID); err != nil {
		return nil, err
	}
	sub, err := s.hub.Subscribe(sessionID, lastSeen)
	if errors.Is(err, stream.ErrStreamClosed) {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionClosed)
	}
	return sub, err
}

// ListEvents pages through the persisted event journal of a session.
func (s *Service) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Event, error) {
	return s.store.ListEvents(ctx, sessionID, afterSeq, limit)
}

// ListRuns returns the archived runs of a session.
func (s *Service) ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error) {
	return s.store.ListRuns(ctx, sessionID)
}

// ListToolCalls returns the archived tool calls of a run.
func (s *Service) ListToolCalls(ctx context.Context, runID string) ([]domain.ToolCall, error) {
	return s.store.ListToolCalls(ctx, runID)
}

// Tools lists the tools advertised to the agent.
func (s *Service) Tools() []domain.ToolDefinition {
	return s.tools.Definitions()
}
