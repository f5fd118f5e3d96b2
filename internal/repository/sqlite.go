package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

// maxEventPage caps one ListEvents page.
const maxEventPage = 1000

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_seq INTEGER NOT NULL DEFAULT 0,
			state TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			outcome TEXT,
			error_code TEXT,
			input TEXT NOT NULL,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			call_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			status TEXT NOT NULL,
			args TEXT,
			result TEXT,
			error TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			PRIMARY KEY (session_id, seq)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertSession creates a session row or updates its status, last seq and state.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	var endedAt sql.NullTime
	if session.EndedAt != nil {
		endedAt = sql.NullTime{Time: *session.EndedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, status, last_seq, state, created_at, updated_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			last_seq = excluded.last_seq,
			state = COALESCE(excluded.state, sessions.state),
			updated_at = excluded.updated_at,
			ended_at = excluded.ended_at`,
		session.SessionID, session.Status, session.LastSeq, nullStringBytes(session.State),
		session.CreatedAt, session.UpdatedAt, endedAt)
	return err
}

// GetSession retrieves a session by ID. It returns nil when none exists.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var state sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, status, last_seq, state, created_at, updated_at, ended_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.Status, &session.LastSeq, &state, &session.CreatedAt, &session.UpdatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if state.Valid {
		session.State = json.RawMessage(state.String)
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	return &session, nil
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, session_id, status, input, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.SessionID, run.Status, run.Input, run.StartedAt)
	return err
}

const runColumns = `run_id, session_id, status, outcome, error_code, input, started_at, ended_at`

func scanRun(scan func(dest ...interface{}) error) (*domain.Run, error) {
	var run domain.Run
	var outcome, code sql.NullString
	var endedAt sql.NullTime
	if err := scan(&run.RunID, &run.SessionID, &run.Status, &outcome, &code, &run.Input, &run.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	run.Outcome = domain.RunOutcome(outcome.String)
	run.ErrorCode = domain.ReasonCode(code.String)
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// GetRun retrieves a run by ID. It returns nil when none exists.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a session's runs, oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, sessionID string) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE session_id = ? ORDER BY started_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// FinishRun records a run's terminal status.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status domain.SessionStatus, outcome domain.RunOutcome, code domain.ReasonCode) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, outcome = ?, error_code = ?, ended_at = ? WHERE run_id = ?`,
		status, nullString(string(outcome)), nullString(string(code)), time.Now(), runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, domain.ErrRunNotFound)
	}
	return nil
}

// SaveToolCall inserts or updates a tool call record.
func (s *SQLiteStore) SaveToolCall(ctx context.Context, sessionID string, call *domain.ToolCall) error {
	var errData []byte
	if call.Error != nil {
		var err error
		if errData, err = json.Marshal(call.Error); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (call_id, run_id, session_id, tool_name, status, args, result, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			status = excluded.status,
			args = excluded.args,
			result = excluded.result,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		call.CallID, call.RunID, sessionID, call.Name, call.Status,
		nullStringBytes(call.Args), nullStringBytes(call.Result), nullStringBytes(errData), time.Now())
	return err
}

// ListToolCalls returns the recorded calls of a run.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, runID string) ([]domain.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, run_id, tool_name, status, args, result, error FROM tool_calls WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []domain.ToolCall
	for rows.Next() {
		var call domain.ToolCall
		var args, result, errData sql.NullString
		if err := rows.Scan(&call.CallID, &call.RunID, &call.Name, &call.Status, &args, &result, &errData); err != nil {
			return nil, err
		}
		if args.Valid {
			call.Args = json.RawMessage(args.String)
			call.ArgsAccumulated = args.String
		}
		if result.Valid {
			call.Result = json.RawMessage(result.String)
		}
		if errData.Valid {
			var te domain.ToolError
			if err := json.Unmarshal([]byte(errData.String), &te); err != nil {
				return nil, fmt.Errorf("failed to decode tool error of %s: %w", call.CallID, err)
			}
			call.Error = &te
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

// AppendEvent journals one event. Re-journaling the same seq is a no-op.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (session_id, seq, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.SessionID, event.Seq, event.Timestamp, event.Type, nullStringBytes(event.Payload))
	return err
}

// ListEvents returns journaled events with seq > afterSeq in seq order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, ts, type, payload FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var ev domain.Event
		var payload sql.NullString
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.Timestamp, &ev.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
