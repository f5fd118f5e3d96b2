package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/protocol"
)

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	SessionID string `json:"session_id"`
}

// SubmitInputRequest is the body of POST /v1/sessions/:session_id/input.
type SubmitInputRequest struct {
	Text string `json:"text"`
}

// AnswerRequest is the body of POST .../interrupts/:interrupt_id/answer.
type AnswerRequest struct {
	Answer json.RawMessage `json:"answer"`
}

// RequestInterruptRequest is the body of POST .../runs/:run_id/interrupts.
type RequestInterruptRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// handleCreateSession creates a session, or returns an existing live one.
// POST /v1/sessions
func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}

	sessionID, err := s.svc.CreateSession(c.Request().Context(), req.SessionID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"session_id": sessionID})
}

// handleGetSession returns status, last seq and the current state tree.
// GET /v1/sessions/:session_id
func (s *Server) handleGetSession(c echo.Context) error {
	info, err := s.svc.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// handleEndSession ends a session after emitting the terminal event of its
// active run.
// DELETE /v1/sessions/:session_id
func (s *Server) handleEndSession(c echo.Context) error {
	reply, err := s.inbound.OnReceive(c.Request().Context(), c.Param("session_id"), &protocol.EndSessionMessage{})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, reply)
}

// handleSubmitInput starts a run, creating the session on first input.
// POST /v1/sessions/:session_id/input
func (s *Server) handleSubmitInput(c echo.Context) error {
	var req SubmitInputRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	reply, err := s.inbound.OnReceive(c.Request().Context(), c.Param("session_id"), &protocol.SubmitInputMessage{Text: req.Text})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, reply)
}

// handleCancelRun requests cooperative cancellation of a run.
// POST /v1/sessions/:session_id/runs/:run_id/cancel
func (s *Server) handleCancelRun(c echo.Context) error {
	reply, err := s.inbound.OnReceive(c.Request().Context(), c.Param("session_id"), &protocol.CancelRunMessage{RunID: c.Param("run_id")})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, reply)
}

// handleAnswerInterrupt delivers an answer. Stale or duplicate answers get
// 200 with status no_pending_interrupt.
// POST /v1/sessions/:session_id/interrupts/:interrupt_id/answer
func (s *Server) handleAnswerInterrupt(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	msg := &protocol.InterruptAnswerMessage{InterruptID: c.Param("interrupt_id"), Answer: req.Answer}
	reply, err := s.inbound.OnReceive(c.Request().Context(), c.Param("session_id"), msg)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, reply)
}

// handlePendingInterrupts lists the unresolved interrupts of a session.
// GET /v1/sessions/:session_id/interrupts
func (s *Server) handlePendingInterrupts(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"interrupts": s.svc.PendingInterrupts(c.Param("session_id")),
	})
}

// handleRequestInterrupt parks a running run on an externally raised
// interrupt.
// POST /v1/sessions/:session_id/runs/:run_id/interrupts
func (s *Server) handleRequestInterrupt(c echo.Context) error {
	var req RequestInterruptRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	handle := domain.RunHandle{SessionID: c.Param("session_id"), RunID: c.Param("run_id")}
	interruptID, err := s.svc.RequestInterrupt(c.Request().Context(), handle, req.Payload)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"interrupt_id": interruptID})
}

// handleAgentOutput feeds one agent output item to a run, for agents that
// push their output instead of being streamed from.
// POST /v1/sessions/:session_id/runs/:run_id/output
func (s *Server) handleAgentOutput(c echo.Context) error {
	var chunk domain.AgentChunk
	if err := c.Bind(&chunk); err != nil || chunk.Kind == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid agent chunk"})
	}

	handle := domain.RunHandle{SessionID: c.Param("session_id"), RunID: c.Param("run_id")}
	if err := s.svc.HandleAgentOutput(handle, chunk); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// handleListEvents pages through the event journal.
// GET /v1/sessions/:session_id/events?after_seq=&limit=
func (s *Server) handleListEvents(c echo.Context) error {
	afterSeq := int64(0)
	if v := c.QueryParam("after_seq"); v != "" {
		if val, err := strconv.ParseInt(v, 10, 64); err == nil {
			afterSeq = val
		}
	}
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	events, err := s.svc.ListEvents(c.Request().Context(), c.Param("session_id"), afterSeq, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events":   events,
		"has_more": len(events) == limit,
	})
}

// handleListRuns lists the archived runs of a session.
// GET /v1/sessions/:session_id/runs
func (s *Server) handleListRuns(c echo.Context) error {
	runs, err := s.svc.ListRuns(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleListToolCalls lists the archived tool calls of a run.
// GET /v1/runs/:run_id/tool_calls
func (s *Server) handleListToolCalls(c echo.Context) error {
	calls, err := s.svc.ListToolCalls(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tool_calls": calls})
}

// handleListTools lists the tools offered to the agent.
// GET /v1/tools
func (s *Server) handleListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"tools": s.svc.Tools()})
}
