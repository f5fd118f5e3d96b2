package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreSessionUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	session := &domain.Session{SessionID: "s1", Status: domain.SessionStatusIdle}
	if err := store.UpsertSession(ctx, session); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || got.Status != domain.SessionStatusIdle || got.EndedAt != nil {
		t.Fatalf("unexpected session: %+v", got)
	}

	ended := time.Now()
	session.Status = domain.SessionStatusFinished
	session.LastSeq = 12
	session.State = json.RawMessage(`{"status":"finished"}`)
	session.EndedAt = &ended
	if err := store.UpsertSession(ctx, session); err != nil {
		t.Fatalf("UpsertSession update failed: %v", err)
	}

	got, err = store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != domain.SessionStatusFinished || got.LastSeq != 12 || got.EndedAt == nil {
		t.Fatalf("session not updated: %+v", got)
	}
	if string(got.State) != `{"status":"finished"}` {
		t.Fatalf("unexpected state: %s", got.State)
	}

	missing, err := store.GetSession(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil session, got %+v, %v", missing, err)
	}
}

func TestSQLiteStoreRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpsertSession(ctx, &domain.Session{SessionID: "s1", Status: domain.SessionStatusRunning}); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	run := &domain.Run{RunID: "run_1", SessionID: "s1", Status: domain.SessionStatusRunning, Input: "hi"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := store.FinishRun(ctx, "run_1", domain.SessionStatusErrored, "", domain.ReasonInterruptTimeout); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	got, err := store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.SessionStatusErrored || got.ErrorCode != domain.ReasonInterruptTimeout || got.Outcome != "" || got.EndedAt == nil {
		t.Fatalf("unexpected run: %+v", got)
	}

	runs, err := store.ListRuns(ctx, "s1")
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Input != "hi" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	if err := store.FinishRun(ctx, "run_missing", domain.SessionStatusFinished, domain.RunOutcomeCompleted, ""); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := store.CreateRun(ctx, &domain.Run{RunID: "run_2", SessionID: "ghost", Status: domain.SessionStatusRunning}); err == nil {
		t.Fatalf("expected foreign key failure for unknown session")
	}
}

func TestSQLiteStoreToolCalls(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	call := &domain.ToolCall{CallID: "tc_1", Name: "dictionary.lookup", RunID: "run_1", Status: domain.ToolCallStatusExecuting, Args: json.RawMessage(`{"word":"run"}`)}
	if err := store.SaveToolCall(ctx, "s1", call); err != nil {
		t.Fatalf("SaveToolCall failed: %v", err)
	}
	call.Status = domain.ToolCallStatusFailed
	call.Error = &domain.ToolError{Code: domain.ToolErrorTimeout, Message: "took too long"}
	if err := store.SaveToolCall(ctx, "s1", call); err != nil {
		t.Fatalf("SaveToolCall update failed: %v", err)
	}

	calls, err := store.ListToolCalls(ctx, "run_1")
	if err != nil {
		t.Fatalf("ListToolCalls failed: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Status != domain.ToolCallStatusFailed || calls[0].Error == nil || calls[0].Error.Code != domain.ToolErrorTimeout {
		t.Fatalf("unexpected call: %+v", calls[0])
	}
	if string(calls[0].Args) != `{"word":"run"}` {
		t.Fatalf("unexpected args: %s", calls[0].Args)
	}
}

func TestSQLiteStoreEventJournal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for seq := int64(1); seq <= 5; seq++ {
		ev, err := domain.NewEvent("s1", seq, domain.EventTypeTextDelta, domain.TextDeltaPayload{MessageID: "m1", Delta: "x"})
		if err != nil {
			t.Fatalf("NewEvent failed: %v", err)
		}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		// Journaling is at-least-once.
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent duplicate failed: %v", err)
		}
	}
	other, _ := domain.NewEvent("s2", 1, domain.EventTypeRunStarted, domain.RunStartedPayload{RunID: "run_x"})
	if err := store.AppendEvent(ctx, other); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	events, err := store.ListEvents(ctx, "s1", 2, 2)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 3 || events[1].Seq != 4 {
		t.Fatalf("unexpected page: %+v", events)
	}
	var p domain.TextDeltaPayload
	if err := events[0].DecodePayload(&p); err != nil || p.Delta != "x" {
		t.Fatalf("unexpected payload %+v: %v", p, err)
	}

	all, err := store.ListEvents(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}

	none, err := store.ListEvents(ctx, "s1", 5, 10)
	if err != nil || len(none) != 0 || none == nil {
		t.Fatalf("expected empty non-nil page, got %+v, %v", none, err)
	}
}
