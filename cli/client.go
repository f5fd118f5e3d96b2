package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/interrupt"
	"github.com/xiaot623/gogo/agui/internal/protocol"
	"github.com/xiaot623/gogo/agui/internal/replica"
)

// frame is either a control frame or a sequenced event.
type frame struct {
	Type      string `json:"type"`
	Seq       int64  `json:"seq"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	RunID     string `json:"run_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Mode      string `json:"mode"`
	FromSeq   int64  `json:"from_seq"`
}

// Client is a WebSocket client bound to one session.
type Client struct {
	conn      *websocket.Conn
	out       io.Writer
	sessionID string

	mu        sync.Mutex
	replica   *replica.Replica
	interrupt string
	requests  int
}

// NewClient connects to the server.
func NewClient(addr string, out io.Writer) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn, out: out, replica: replica.New()}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Hello binds the connection to sessionID, or to a new session when empty,
// and waits for hello_ack.
func (c *Client) Hello(sessionID, apiKey string, lastSeen int64) (*frame, error) {
	msg := protocol.HelloMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHello,
			Ts:        time.Now().UnixMilli(),
			SessionID: sessionID,
		},
		LastSeenSeq: lastSeen,
		APIKey:      apiKey,
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello_ack: %w", err)
	}
	var ack frame
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	if ack.Type == protocol.TypeError {
		return nil, fmt.Errorf("hello failed: %s - %s", ack.Code, ack.Message)
	}
	if ack.Type != protocol.TypeHelloAck {
		return nil, fmt.Errorf("expected hello_ack, got: %s", ack.Type)
	}

	c.sessionID = ack.SessionID
	return &ack, nil
}

func (c *Client) nextRequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	return fmt.Sprintf("req_%d", c.requests)
}

func (c *Client) base(typ string) protocol.BaseMessage {
	return protocol.BaseMessage{
		Type:      typ,
		Ts:        time.Now().UnixMilli(),
		RequestID: c.nextRequestID(),
		SessionID: c.sessionID,
	}
}

// SubmitInput starts a run with text.
func (c *Client) SubmitInput(text string) error {
	return c.conn.WriteJSON(protocol.SubmitInputMessage{BaseMessage: c.base(protocol.TypeSubmitInput), Text: text})
}

// Answer answers the pending interrupt. Text that is not valid JSON is sent
// as a JSON string.
func (c *Client) Answer(text string) error {
	c.mu.Lock()
	id := c.interrupt
	c.mu.Unlock()
	if id == "" {
		return fmt.Errorf("no pending interrupt")
	}

	answer := json.RawMessage(text)
	if !json.Valid(answer) {
		quoted, err := json.Marshal(text)
		if err != nil {
			return err
		}
		answer = quoted
	}
	return c.conn.WriteJSON(protocol.InterruptAnswerMessage{
		BaseMessage: c.base(protocol.TypeInterruptAnswer),
		InterruptID: id,
		Answer:      answer,
	})
}

// CancelRun cancels the active run.
func (c *Client) CancelRun() error {
	run, _ := c.state()["run"].(map[string]interface{})
	runID, _ := run["run_id"].(string)
	if runID == "" {
		return fmt.Errorf("no active run")
	}
	return c.conn.WriteJSON(protocol.CancelRunMessage{BaseMessage: c.base(protocol.TypeCancelRun), RunID: runID})
}

// Resume re-subscribes from the last applied seq.
func (c *Client) Resume() error {
	c.mu.Lock()
	seen := c.replica.LastSeq()
	c.mu.Unlock()
	return c.conn.WriteJSON(protocol.ResumeMessage{BaseMessage: c.base(protocol.TypeResume), LastSeenSeq: seen})
}

// EndSession ends the bound session.
func (c *Client) EndSession() error {
	return c.conn.WriteJSON(protocol.EndSessionMessage{BaseMessage: c.base(protocol.TypeEndSession)})
}

// PendingInterrupt returns the interrupt waiting for an answer, if any.
func (c *Client) PendingInterrupt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupt
}

func (c *Client) state() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.State()
}

// ReadMessages reads frames until the connection closes, keeping the
// replica current and rendering what arrives.
func (c *Client) ReadMessages() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("Read error: %v", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("Unmarshal error: %v", err)
			continue
		}

		switch f.Type {
		case protocol.TypeHelloAck:
			fmt.Fprintf(c.out, "[resumed: %s from seq %d]\n", f.Mode, f.FromSeq)
		case protocol.TypeAck:
			if f.Status != protocol.StatusAccepted && f.Status != protocol.StatusOK && f.Status != string(interrupt.SubmitDelivered) {
				fmt.Fprintf(c.out, "[%s: %s]\n", f.RequestID, f.Status)
			}
		case protocol.TypeError:
			fmt.Fprintf(c.out, "[error %s: %s]\n", f.Code, f.Message)
		default:
			if f.Seq == 0 {
				continue
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("Unmarshal error: %v", err)
				continue
			}
			c.apply(&ev)
		}
	}
}

func (c *Client) apply(ev *domain.Event) {
	c.mu.Lock()
	err := c.replica.Apply(ev)
	c.mu.Unlock()
	if err != nil {
		log.Printf("WARN: replica rejected event %d: %v", ev.Seq, err)
		return
	}
	c.render(ev)
}

// render prints one event for a human.
func (c *Client) render(ev *domain.Event) {
	switch ev.Type {
	case domain.EventTypeMessageStart:
		var p domain.MessageStartPayload
		if ev.DecodePayload(&p) == nil && p.Role == domain.MessageRoleAssistant {
			fmt.Fprint(c.out, "\nassistant: ")
		}
	case domain.EventTypeTextDelta:
		var p domain.TextDeltaPayload
		if ev.DecodePayload(&p) == nil && c.isAssistant(p.MessageID) {
			fmt.Fprint(c.out, p.Delta)
		}
	case domain.EventTypeMessageEnd:
		var p domain.MessageEndPayload
		if ev.DecodePayload(&p) == nil && c.isAssistant(p.MessageID) {
			fmt.Fprintln(c.out)
		}
	case domain.EventTypeMessagesSnapshot:
		for _, m := range c.messages() {
			fmt.Fprintf(c.out, "%s: %s\n", m.Role, m.AccumulatedText)
		}
	case domain.EventTypeToolCallEnd:
		var p domain.ToolCallEndPayload
		if ev.DecodePayload(&p) == nil {
			fmt.Fprintf(c.out, "[tool %s args %s]\n", p.CallID, string(p.Args))
		}
	case domain.EventTypeToolCallResult:
		var p domain.ToolCallResultPayload
		if ev.DecodePayload(&p) == nil {
			if p.Error != nil {
				fmt.Fprintf(c.out, "[tool %s %s: %s]\n", p.CallID, p.Status, p.Error)
			} else {
				fmt.Fprintf(c.out, "[tool %s %s: %s]\n", p.CallID, p.Status, string(p.Result))
			}
		}
	case domain.EventTypeInterrupt:
		var p domain.InterruptPayload
		if ev.DecodePayload(&p) == nil {
			c.mu.Lock()
			c.interrupt = p.InterruptID
			c.mu.Unlock()
			fmt.Fprintf(c.out, "\n[%s] %s\nanswer> ", p.Kind, string(p.Payload))
		}
	case domain.EventTypeRunFinished:
		var p domain.RunFinishedPayload
		if ev.DecodePayload(&p) == nil {
			c.clearInterrupt(p.Outcome)
			fmt.Fprintf(c.out, "[run %s %s]\n", p.RunID, p.Outcome)
		}
	case domain.EventTypeRunError:
		var p domain.RunErrorPayload
		if ev.DecodePayload(&p) == nil {
			c.clearInterrupt("")
			fmt.Fprintf(c.out, "[run %s failed: %s %s]\n", p.RunID, p.Code, p.Message)
		}
	}
}

func (c *Client) clearInterrupt(outcome domain.RunOutcome) {
	if outcome == domain.RunOutcomeInterrupt {
		return
	}
	c.mu.Lock()
	c.interrupt = ""
	c.mu.Unlock()
}

func (c *Client) isAssistant(messageID string) bool {
	for _, m := range c.messages() {
		if m.MessageID == messageID {
			return m.Role == domain.MessageRoleAssistant
		}
	}
	return false
}

func (c *Client) messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Messages()
}

// fetchHistory pages through the event journal of a session over HTTP.
func fetchHistory(baseURL, apiKey, sessionID string) ([]*domain.Event, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	var all []*domain.Event
	afterSeq := int64(0)
	for {
		url := fmt.Sprintf("%s/v1/sessions/%s/events?after_seq=%d&limit=500", strings.TrimRight(baseURL, "/"), sessionID, afterSeq)
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch events: %w", err)
		}
		var page struct {
			Events  []*domain.Event `json:"events"`
			HasMore bool            `json:"has_more"`
			Error   string          `json:"error"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode events: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, page.Error)
		}

		all = append(all, page.Events...)
		if !page.HasMore || len(page.Events) == 0 {
			return all, nil
		}
		afterSeq = page.Events[len(page.Events)-1].Seq
	}
}
