// Package ws provides the bidirectional WebSocket transport: clients receive
// session events and send inputs, interrupt answers and resume requests on
// the same connection.
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/agui/internal/config"
	"github.com/xiaot623/gogo/agui/internal/metrics"
	"github.com/xiaot623/gogo/agui/internal/protocol"
	"github.com/xiaot623/gogo/agui/internal/stream"
	"github.com/xiaot623/gogo/agui/internal/transport"
	"github.com/xiaot623/gogo/agui/internal/transport/ratelimit"
)

const requestTimeout = 30 * time.Second

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	backend  transport.Backend
	inbound  *transport.Inbound
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*connection
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, backend transport.Backend, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:     cfg,
		backend: backend,
		inbound: transport.NewInbound(backend),
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*connection),
	}
}

// RegisterRoutes mounts the endpoint on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := newConnection(ws, s.cfg.SubscriberBufferSize)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	log.Printf("Connection opened: %s", conn.id)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// Shutdown waits for every connection to forward the final events of its
// session, then disconnects it. Sessions must have ended before.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		done := c.pumpDone
		c.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
		c.close()
	}
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// readPump reads frames from the connection until it fails or closes.
func (s *Server) readPump(conn *connection) {
	defer func() {
		conn.close()
		conn.detach()
		s.limiter.Forget(conn.id)
		s.mu.Lock()
		delete(s.conns, conn.id)
		s.mu.Unlock()
		log.Printf("Connection closed: %s", conn.id)
	}()

	conn.setReadDeadline(s.cfg.ReadTimeout)
	conn.ws.SetPongHandler(func(string) error {
		conn.setReadDeadline(s.cfg.ReadTimeout)
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		conn.setReadDeadline(s.cfg.ReadTimeout)

		if !s.limiter.Allow(conn.id) {
			metrics.RecordInboundRejected("ws")
			s.sendError(conn, "", protocol.ErrorCodeRateLimited, "too many requests")
			continue
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes queued frames and keepalive pings to the connection.
func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.close()
		conn.ws.Close()
	}()

	for {
		select {
		case message := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write to %s: %v", conn.id, err)
				return
			}

		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-conn.done:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			for drained := false; !drained; {
				select {
				case message := <-conn.send:
					if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			_ = conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage dispatches one client frame.
func (s *Server) handleMessage(conn *connection, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, err.Error())
		return
	}

	switch m := msg.(type) {
	case *protocol.HelloMessage:
		s.handleHello(conn, m)
	case *protocol.ResumeMessage:
		s.handleResume(conn, m)
	default:
		s.handleRequest(conn, msg)
	}
}

// handleHello authenticates the client and binds it to a session, creating
// the session when needed.
func (s *Server) handleHello(conn *connection, msg *protocol.HelloMessage) {
	if s.cfg.APIKey != "" && msg.APIKey != s.cfg.APIKey {
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeUnauthorized, "invalid api_key")
		return
	}

	ctx, cancel := context.WithTimeout(conn.ctx, requestTimeout)
	defer cancel()
	sessionID, err := s.backend.CreateSession(ctx, msg.SessionID)
	if err != nil {
		s.sendError(conn, msg.RequestID, transport.ErrorCode(err), err.Error())
		return
	}

	if err := s.attach(conn, sessionID, msg.LastSeenSeq, msg.RequestID); err != nil {
		s.sendError(conn, msg.RequestID, transport.ErrorCode(err), err.Error())
		return
	}
	log.Printf("Hello handshake completed for session %s on %s", sessionID, conn.id)
}

// handleResume re-subscribes the bound session from the client's last seen
// seq.
func (s *Server) handleResume(conn *connection, msg *protocol.ResumeMessage) {
	sessionID := conn.session()
	if sessionID == "" {
		s.sendError(conn, msg.RequestID, protocol.ErrorCodeSessionRequired, "must send hello first")
		return
	}
	if err := s.attach(conn, sessionID, msg.LastSeenSeq, msg.RequestID); err != nil {
		s.sendError(conn, msg.RequestID, transport.ErrorCode(err), err.Error())
	}
}

// attach subscribes the connection to sessionID and acknowledges before any
// event of the new subscription is written.
func (s *Server) attach(conn *connection, sessionID string, lastSeen int64, requestID string) error {
	sub, err := s.backend.Subscribe(sessionID, lastSeen)
	if err != nil {
		return err
	}
	ctx, done := conn.bind(sessionID, sub)

	ack := protocol.HelloAckMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHelloAck,
			Ts:        time.Now().UnixMilli(),
			RequestID: requestID,
			SessionID: sessionID,
		},
		Mode:    string(sub.Mode),
		FromSeq: sub.FromSeq,
	}
	if err := conn.sendJSON(ack); err != nil {
		log.Printf("WARN: failed to ack %s: %v", conn.id, err)
	}

	go s.pump(ctx, conn, sub, done)
	return nil
}

// pump forwards session events to the connection.
func (s *Server) pump(ctx context.Context, conn *connection, sub *stream.Subscription, done chan struct{}) {
	defer close(done)

	err := transport.Forward(ctx, sub, conn)
	switch {
	case errors.Is(err, stream.ErrSlowConsumer):
		log.Printf("WARN: connection %s fell behind session %s, closing", conn.id, sub.SessionID)
		conn.close()
	case errors.Is(err, stream.ErrStreamClosed):
		log.Printf("Session %s stream ended for %s", sub.SessionID, conn.id)
	}
}

// handleRequest applies a session request and acknowledges it.
func (s *Server) handleRequest(conn *connection, msg interface{}) {
	base := baseOf(msg)
	sessionID := conn.session()
	if sessionID == "" {
		s.sendError(conn, base.RequestID, protocol.ErrorCodeSessionRequired, "must send hello first")
		return
	}

	ctx, cancel := context.WithTimeout(conn.ctx, requestTimeout)
	defer cancel()
	reply, err := s.inbound.OnReceive(ctx, sessionID, msg)
	if err != nil {
		s.sendError(conn, base.RequestID, transport.ErrorCode(err), err.Error())
		return
	}

	ack := protocol.NewAck(sessionID, base.RequestID, reply.Status)
	ack.RunID = reply.RunID
	if err := conn.sendJSON(ack); err != nil {
		log.Printf("WARN: failed to ack %s: %v", conn.id, err)
	}
}

// sendError sends an error frame to a connection.
func (s *Server) sendError(conn *connection, requestID, code, message string) {
	if err := conn.sendJSON(protocol.NewError(conn.session(), requestID, code, message)); err != nil {
		log.Printf("WARN: failed to send error to %s: %v", conn.id, err)
	}
}

func baseOf(msg interface{}) protocol.BaseMessage {
	switch m := msg.(type) {
	case *protocol.SubmitInputMessage:
		return m.BaseMessage
	case *protocol.InterruptAnswerMessage:
		return m.BaseMessage
	case *protocol.CancelRunMessage:
		return m.BaseMessage
	case *protocol.EndSessionMessage:
		return m.BaseMessage
	}
	return protocol.BaseMessage{}
}
