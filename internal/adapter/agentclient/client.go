// Package agentclient invokes a remote agent over HTTP and translates its
// SSE event stream into agent chunks.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

// SSE event names sent by remote agents.
const (
	EventDelta       = "delta"
	EventDeltaEnd    = "delta_end"
	EventToolCall    = "tool_call"
	EventToolCallEnd = "tool_call_end"
	EventInterrupt   = "interrupt"
	EventDone        = "done"
	EventError       = "error"
)

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// EventHandler is called for each SSE event from the agent.
type EventHandler func(event SSEEvent) error

// DeltaEventData is the data of delta and delta_end events.
type DeltaEventData struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// ToolCallEventData is the data of tool_call and tool_call_end events.
type ToolCallEventData struct {
	Key       string `json:"key"`
	Name      string `json:"name,omitempty"`
	ArgsDelta string `json:"args_delta,omitempty"`
}

// InterruptEventData is the data of an interrupt event.
type InterruptEventData struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorEventData is the data of an error event.
type ErrorEventData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client is an HTTP client for invoking a remote agent.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a new agent client.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Invoke calls the agent's /invoke endpoint and streams SSE events.
func (c *Client) Invoke(ctx context.Context, req *domain.AgentRequest, handler EventHandler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Session-ID", req.SessionID)
	httpReq.Header.Set("X-Run-ID", req.RunID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to invoke agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return c.parseSSE(resp.Body, handler)
}

// Stream runs one agent turn, emitting a chunk per SSE event. A stream that
// ends without done or error is reported as a failure.
func (c *Client) Stream(ctx context.Context, req *domain.AgentRequest, emit func(domain.AgentChunk) error) error {
	terminated := false
	err := c.Invoke(ctx, req, func(event SSEEvent) error {
		if terminated {
			return nil
		}
		chunk, err := ToChunk(event)
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		if chunk.Kind == domain.ChunkKindRunComplete || chunk.Kind == domain.ChunkKindRunError {
			terminated = true
		}
		return emit(*chunk)
	})
	if err != nil {
		return err
	}
	if !terminated {
		return fmt.Errorf("agent stream ended without done event")
	}
	return nil
}

// ToChunk converts one SSE event. Unknown events yield nil.
func ToChunk(event SSEEvent) (*domain.AgentChunk, error) {
	switch event.Event {
	case EventDelta, EventDeltaEnd:
		var d DeltaEventData
		if err := json.Unmarshal([]byte(event.Data), &d); err != nil {
			return nil, fmt.Errorf("failed to parse %s event: %w", event.Event, err)
		}
		if event.Event == EventDeltaEnd {
			return &domain.AgentChunk{Kind: domain.ChunkKindTextEnd, Key: d.Key}, nil
		}
		return &domain.AgentChunk{Kind: domain.ChunkKindText, Key: d.Key, Text: d.Text}, nil

	case EventToolCall, EventToolCallEnd:
		var d ToolCallEventData
		if err := json.Unmarshal([]byte(event.Data), &d); err != nil {
			return nil, fmt.Errorf("failed to parse %s event: %w", event.Event, err)
		}
		if event.Event == EventToolCallEnd {
			return &domain.AgentChunk{Kind: domain.ChunkKindToolCallEnd, Key: d.Key}, nil
		}
		return &domain.AgentChunk{Kind: domain.ChunkKindToolCall, Key: d.Key, ToolName: d.Name, ArgsDelta: d.ArgsDelta}, nil

	case EventInterrupt:
		var d InterruptEventData
		if err := json.Unmarshal([]byte(event.Data), &d); err != nil {
			return nil, fmt.Errorf("failed to parse interrupt event: %w", err)
		}
		return &domain.AgentChunk{Kind: domain.ChunkKindInterrupt, Key: d.Key, Payload: d.Payload}, nil

	case EventDone:
		return &domain.AgentChunk{Kind: domain.ChunkKindRunComplete}, nil

	case EventError:
		var d ErrorEventData
		if err := json.Unmarshal([]byte(event.Data), &d); err != nil {
			return nil, fmt.Errorf("failed to parse error event: %w", err)
		}
		return &domain.AgentChunk{Kind: domain.ChunkKindRunError, ErrorCode: d.Code, ErrorMessage: d.Message}, nil
	}
	return nil, nil
}

// parseSSE parses an SSE stream and calls the handler for each event.
func (c *Client) parseSSE(reader io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
