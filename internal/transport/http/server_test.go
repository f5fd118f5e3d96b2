package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agui/internal/adapter/mock"
	"github.com/xiaot623/gogo/agui/internal/config"
	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/interrupt"
	"github.com/xiaot623/gogo/agui/internal/replica"
	"github.com/xiaot623/gogo/agui/internal/service"
	"github.com/xiaot623/gogo/agui/internal/stream"
	"github.com/xiaot623/gogo/agui/internal/testhelpers"
	"github.com/xiaot623/gogo/agui/internal/tools"
	"github.com/xiaot623/gogo/agui/internal/transport"
	"github.com/xiaot623/gogo/agui/internal/transport/ratelimit"
)

const waitTimeout = 5 * time.Second

type testEnv struct {
	srv *Server
	svc *service.Service
	url string
}

func newTestEnv(t *testing.T, configure func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.InterruptTimeout = waitTimeout
	if configure != nil {
		configure(cfg)
	}
	store := testhelpers.NewTestSQLiteStore(t)
	hub := stream.NewHub(stream.Options{
		ReplayBufferSize:     cfg.ReplayBufferSize,
		EventChannelSize:     cfg.EventChannelSize,
		SubscriberBufferSize: cfg.SubscriberBufferSize,
	}, store)
	svc := service.New(store, hub, interrupt.NewBridge(), mock.NewAgent(mock.Demo), tools.NewDefaultRegistry(), nil, cfg)
	srv := NewServer(cfg, svc, hub, ratelimit.New(cfg.InboundRate, cfg.InboundBurst))
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = svc.Shutdown(ctx)
		ts.Close()
	})
	return &testEnv{srv: srv, svc: svc, url: ts.URL}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec.Code, rec.Body.Bytes()
}

func decodeReply(t *testing.T, body []byte) transport.Reply {
	t.Helper()
	var reply transport.Reply
	require.NoError(t, json.Unmarshal(body, &reply))
	return reply
}

// sseStream reads server-sent events from a live stream.
type sseStream struct {
	t      *testing.T
	res    *http.Response
	reader *bufio.Reader
}

func openStream(t *testing.T, url string, lastEventID string) *sseStream {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	client := &http.Client{Timeout: waitTimeout}
	res, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))
	return &sseStream{t: t, res: res, reader: bufio.NewReader(res.Body)}
}

// next returns the next event, its SSE id and name.
func (s *sseStream) next() (*domain.Event, string, string) {
	s.t.Helper()
	var id, name, data string
	for {
		line, err := s.reader.ReadString('\n')
		require.NoError(s.t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if data == "" {
				continue
			}
			if name == "end" {
				return nil, id, name
			}
			var ev domain.Event
			require.NoError(s.t, json.Unmarshal([]byte(data), &ev))
			return &ev, id, name
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func (s *sseStream) until(typ domain.EventType, r *replica.Replica) *domain.Event {
	s.t.Helper()
	for {
		ev, _, _ := s.next()
		require.NotNil(s.t, ev, "stream ended before %s", typ)
		if r != nil {
			require.NoError(s.t, r.Apply(ev))
		}
		if ev.Type == typ {
			return ev
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"healthy"`)

	code, body = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "agui_active_sessions")

	code, body = env.do(t, http.MethodGet, "/v1/tools", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "dictionary.lookup")
}

func TestCreateAndGetSession(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{SessionID: "sess_web"})
	require.Equal(t, http.StatusCreated, code)
	assert.JSONEq(t, `{"session_id":"sess_web"}`, string(body))

	code, body = env.do(t, http.MethodGet, "/v1/sessions/sess_web", nil)
	require.Equal(t, http.StatusOK, code)
	var info domain.SessionInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, domain.SessionStatusIdle, info.Status)

	code, body = env.do(t, http.MethodGet, "/v1/sessions/sess_nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, string(body), "session_not_found")
}

func TestSubmitInputAndStream(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/v1/sessions/sess_1/input", SubmitInputRequest{Text: "define run"})
	require.Equal(t, http.StatusAccepted, code)
	reply := decodeReply(t, body)
	assert.Equal(t, "accepted", reply.Status)
	assert.NotEmpty(t, reply.RunID)

	r := replica.New()
	s := openStream(t, env.url+"/v1/sessions/sess_1/events/stream?last_seen_seq=0", "")
	assert.Equal(t, string(stream.ModeReplay), s.res.Header.Get("X-Stream-Mode"))

	var lastID string
	for {
		ev, id, name := s.next()
		require.NotNil(t, ev)
		require.NoError(t, r.Apply(ev))
		assert.Equal(t, string(ev.Type), name)
		lastID = id
		if ev.Type == domain.EventTypeRunFinished {
			break
		}
	}
	assert.Equal(t, lastID, jsonNumber(r.LastSeq()))

	calls := r.State()["tool_calls"].(map[string]interface{})
	require.Len(t, calls, 1)
	for _, raw := range calls {
		call := raw.(map[string]interface{})
		assert.Equal(t, "dictionary.lookup", call["name"])
		assert.Equal(t, "succeeded", call["status"])
	}

	code, body = env.do(t, http.MethodGet, "/v1/sessions/sess_1/runs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), reply.RunID)

	code, body = env.do(t, http.MethodGet, "/v1/runs/"+reply.RunID+"/tool_calls", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "dictionary.lookup")
}

func jsonNumber(n int64) string {
	data, _ := json.Marshal(n)
	return string(data)
}

func TestSubmitInputRejects(t *testing.T) {
	env := newTestEnv(t, nil)

	code, _ := env.do(t, http.MethodPost, "/v1/sessions/sess_1/input", SubmitInputRequest{Text: "  "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/v1/sessions/sess_1/input", SubmitInputRequest{Text: "ask"})
	require.Equal(t, http.StatusAccepted, code)
	require.Eventually(t, func() bool {
		return len(env.svc.PendingInterrupts("sess_1")) == 1
	}, waitTimeout, 10*time.Millisecond)

	code, body := env.do(t, http.MethodPost, "/v1/sessions/sess_1/input", SubmitInputRequest{Text: "again"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, string(body), "invalid_state")

	code, _ = env.do(t, http.MethodPost, "/v1/sessions/sess_1/runs/run_missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAnswerInterruptOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	code, _ := env.do(t, http.MethodPost, "/v1/sessions/sess_1/input", SubmitInputRequest{Text: "ask"})
	require.Equal(t, http.StatusAccepted, code)
	require.Eventually(t, func() bool {
		return len(env.svc.PendingInterrupts("sess_1")) == 1
	}, waitTimeout, 10*time.Millisecond)

	code, body := env.do(t, http.MethodGet, "/v1/sessions/sess_1/interrupts", nil)
	require.Equal(t, http.StatusOK, code)
	var pending struct {
		Interrupts []domain.InterruptRequest `json:"interrupts"`
	}
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending.Interrupts, 1)
	interruptID := pending.Interrupts[0].InterruptID

	s := openStream(t, env.url+"/v1/sessions/sess_1/events/stream", "")

	path := "/v1/sessions/sess_1/interrupts/" + interruptID + "/answer"
	code, body = env.do(t, http.MethodPost, path, AnswerRequest{Answer: json.RawMessage(`"idioms"`)})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(interrupt.SubmitDelivered), decodeReply(t, body).Status)

	// The second answer loses the race but is not an error.
	code, body = env.do(t, http.MethodPost, path, AnswerRequest{Answer: json.RawMessage(`"verbs"`)})
	require.Equal(t, http.StatusOK, code)
	reply := decodeReply(t, body)
	assert.Equal(t, string(interrupt.SubmitNoPendingInterrupt), reply.Status)
	assert.Equal(t, interrupt.ResolutionAnswered, reply.Resolution)

	end := s.until(domain.EventTypeRunFinished, nil)
	var fin domain.RunFinishedPayload
	require.NoError(t, json.Unmarshal(end.Payload, &fin))
	assert.Equal(t, domain.RunOutcomeCompleted, fin.Outcome)
}

func TestStreamResumeFallsBackToSnapshot(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.ReplayBufferSize = 4 })

	code, _ := env.do(t, http.MethodPost, "/v1/sessions/sess_1/input", SubmitInputRequest{Text: "one two three four"})
	require.Equal(t, http.StatusAccepted, code)
	require.Eventually(t, func() bool {
		info, err := env.svc.GetSession(context.Background(), "sess_1")
		return err == nil && info.Status == domain.SessionStatusFinished
	}, waitTimeout, 10*time.Millisecond)

	s := openStream(t, env.url+"/v1/sessions/sess_1/events/stream", "1")
	assert.Equal(t, string(stream.ModeSnapshot), s.res.Header.Get("X-Stream-Mode"))
	ev, _, _ := s.next()
	require.NotNil(t, ev)
	assert.Equal(t, domain.EventTypeStateSnapshot, ev.Type)
	ev, _, _ = s.next()
	require.NotNil(t, ev)
	assert.Equal(t, domain.EventTypeMessagesSnapshot, ev.Type)

	code, _ = env.do(t, http.MethodGet, "/v1/sessions/sess_1/events/stream?last_seen_seq=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEndSessionAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)

	code, _ := env.do(t, http.MethodPost, "/v1/sessions/sess_1/input", SubmitInputRequest{Text: "hello"})
	require.Equal(t, http.StatusAccepted, code)
	s := openStream(t, env.url+"/v1/sessions/sess_1/events/stream", "")
	s.until(domain.EventTypeRunFinished, nil)

	code, body := env.do(t, http.MethodDelete, "/v1/sessions/sess_1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", decodeReply(t, body).Status)

	// The stream ends after the final events.
	ev, _, name := s.next()
	assert.Nil(t, ev)
	assert.Equal(t, "end", name)

	code, body = env.do(t, http.MethodGet, "/v1/sessions/sess_1/events?after_seq=0&limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Events  []domain.Event `json:"events"`
		HasMore bool           `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(1), page.Events[0].Seq)
	assert.True(t, page.HasMore)

	code, _ = env.do(t, http.MethodPost, "/v1/sessions/sess_1/input", SubmitInputRequest{Text: "again"})
	assert.Equal(t, http.StatusConflict, code)
	code, _ = env.do(t, http.MethodGet, "/v1/sessions/sess_1/events/stream", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.APIKey = "secret" })

	code, _ := env.do(t, http.MethodPost, "/v1/sessions", nil, apiKeyHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = env.do(t, http.MethodPost, "/v1/sessions", nil, apiKeyHeader, "secret")
	assert.Equal(t, http.StatusCreated, code)

	// Health stays public.
	code, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestExternalAgentOutputAndInterrupt(t *testing.T) {
	env := newTestEnv(t, nil)

	code, _ := env.do(t, http.MethodPost, "/v1/sessions/sess_1/runs/run_x/output", domain.AgentChunk{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/v1/sessions/sess_1/runs/run_x/output", domain.AgentChunk{Kind: domain.ChunkKindRunComplete})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPost, "/v1/sessions/sess_1/runs/run_x/interrupts", RequestInterruptRequest{})
	assert.Equal(t, http.StatusNotFound, code)
}
