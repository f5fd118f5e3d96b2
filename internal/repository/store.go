// Package repository archives sessions, runs, tool calls and the event
// journal.
package repository

import (
	"context"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Session operations
	UpsertSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error)
	FinishRun(ctx context.Context, runID string, status domain.SessionStatus, outcome domain.RunOutcome, code domain.ReasonCode) error

	// Tool call operations
	SaveToolCall(ctx context.Context, sessionID string, call *domain.ToolCall) error
	ListToolCalls(ctx context.Context, runID string) ([]domain.ToolCall, error)

	// Event journal
	AppendEvent(ctx context.Context, event *domain.Event) error
	ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Event, error)

	// Lifecycle
	Close() error
}
