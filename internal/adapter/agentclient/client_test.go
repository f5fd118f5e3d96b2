package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

func TestClientStreamTranslatesEvents(t *testing.T) {
	var gotHeaders http.Header
	var gotReq domain.AgentRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoke" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: delta\ndata: {\"key\":\"m\",\"text\":\"hi\"}\n\n")
		fmt.Fprint(w, "event: delta_end\ndata: {\"key\":\"m\"}\n\n")
		fmt.Fprint(w, "event: tool_call\ndata: {\"key\":\"c\",\"name\":\"dictionary.lookup\",\"args_delta\":\"{\\\"word\\\":\\\"run\\\"}\"}\n\n")
		fmt.Fprint(w, "event: tool_call_end\ndata: {\"key\":\"c\"}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req := &domain.AgentRequest{SessionID: "sess-1", RunID: "run-1", Input: "hello"}
	var chunks []domain.AgentChunk
	err := client.Stream(ctx, req, func(c domain.AgentChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	if gotReq.SessionID != req.SessionID || gotReq.RunID != req.RunID || gotReq.Input != "hello" {
		t.Fatalf("unexpected request payload: %+v", gotReq)
	}
	if gotHeaders.Get("X-Session-ID") != req.SessionID || gotHeaders.Get("X-Run-ID") != req.RunID {
		t.Fatalf("missing session headers: %v", gotHeaders)
	}

	kinds := make([]domain.ChunkKind, 0, len(chunks))
	for _, c := range chunks {
		kinds = append(kinds, c.Kind)
	}
	want := []domain.ChunkKind{
		domain.ChunkKindText, domain.ChunkKindTextEnd,
		domain.ChunkKindToolCall, domain.ChunkKindToolCallEnd,
		domain.ChunkKindRunComplete,
	}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("unexpected chunk kinds: %v", kinds)
	}
	if chunks[2].ToolName != "dictionary.lookup" || chunks[2].ArgsDelta != `{"word":"run"}` {
		t.Fatalf("unexpected tool call chunk: %+v", chunks[2])
	}
}

func TestClientStreamWithoutDoneFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: delta\ndata: {\"key\":\"m\",\"text\":\"hi\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	err := client.Stream(context.Background(), &domain.AgentRequest{}, func(domain.AgentChunk) error { return nil })
	if err == nil {
		t.Fatalf("expected error for truncated stream")
	}
}

func TestClientStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	err := client.Stream(context.Background(), &domain.AgentRequest{}, func(domain.AgentChunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestParseSSEMultilineData(t *testing.T) {
	input := "event: delta\n" +
		"data: first line\n" +
		"data: second line\n\n"

	var events []SSEEvent
	client := &Client{}
	if err := client.parseSSE(strings.NewReader(input), func(event SSEEvent) error {
		events = append(events, event)
		return nil
	}); err != nil {
		t.Fatalf("parseSSE failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Data != "first line\nsecond line" {
		t.Fatalf("unexpected data: %q", events[0].Data)
	}
}

func TestToChunk(t *testing.T) {
	c, err := ToChunk(SSEEvent{Event: EventError, Data: `{"code":"boom","message":"bad"}`})
	if err != nil {
		t.Fatalf("ToChunk failed: %v", err)
	}
	if c.Kind != domain.ChunkKindRunError || c.ErrorCode != "boom" {
		t.Fatalf("unexpected error chunk: %+v", c)
	}

	c, err = ToChunk(SSEEvent{Event: EventInterrupt, Data: `{"key":"q","payload":{"question":"which sense?"}}`})
	if err != nil {
		t.Fatalf("ToChunk failed: %v", err)
	}
	if c.Kind != domain.ChunkKindInterrupt || string(c.Payload) != `{"question":"which sense?"}` {
		t.Fatalf("unexpected interrupt chunk: %+v", c)
	}

	if c, err := ToChunk(SSEEvent{Event: "heartbeat", Data: "{}"}); err != nil || c != nil {
		t.Fatalf("expected unknown event to be skipped, got %+v, %v", c, err)
	}
	for _, name := range []string{EventDelta, EventToolCall, EventInterrupt, EventError} {
		if _, err := ToChunk(SSEEvent{Event: name, Data: "nope"}); err == nil {
			t.Fatalf("expected error for invalid %s data", name)
		}
	}
}
