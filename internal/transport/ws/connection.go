package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/stream"
)

var errConnectionClosed = errors.New("connection closed")

// connection is one WebSocket client. writePump is the only writer of ws;
// everything else queues frames on send.
type connection struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// Guarded by mu
	mu        sync.Mutex
	sessionID string
	sub       *stream.Subscription
	stopPump  context.CancelFunc
	pumpDone  chan struct{}
}

func newConnection(ws *websocket.Conn, queueSize int) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:     "conn_" + uuid.New().String()[:8],
		ws:     ws,
		send:   make(chan []byte, queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Send queues a sequenced event. It blocks while the outbound queue is full;
// the session stream drops the subscription if that lasts.
func (c *connection) Send(ev *domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.queue(data)
}

func (c *connection) sendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.queue(data)
}

func (c *connection) queue(data []byte) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnectionClosed
	}
}

func (c *connection) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// bind attaches sub as the connection's event source, stopping the previous
// pump first so no event of the old subscription follows later frames.
func (c *connection) bind(sessionID string, sub *stream.Subscription) (context.Context, chan struct{}) {
	c.detach()

	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.sessionID = sessionID
	c.sub = sub
	c.stopPump = cancel
	c.pumpDone = done
	c.mu.Unlock()
	return ctx, done
}

func (c *connection) detach() {
	c.mu.Lock()
	sub, stop, done := c.sub, c.stopPump, c.pumpDone
	c.sub, c.stopPump, c.pumpDone = nil, nil, nil
	c.mu.Unlock()

	if sub == nil {
		return
	}
	stop()
	sub.Close()
	<-done
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
	})
}

func (c *connection) setReadDeadline(d time.Duration) {
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
}
