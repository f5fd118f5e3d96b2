package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/stream"
	"github.com/xiaot623/gogo/agui/internal/transport"
)

// sseSender writes events as server-sent events with id = seq, so a browser
// EventSource resumes with Last-Event-ID on its own.
type sseSender struct {
	res *echo.Response
}

func (w *sseSender) Send(ev *domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.res, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
		return err
	}
	w.res.Flush()
	return nil
}

// lastSeenSeq reads the resume point from Last-Event-ID or the last_seen_seq
// query parameter; the header wins.
func lastSeenSeq(c echo.Context) (int64, error) {
	v := c.Request().Header.Get("Last-Event-ID")
	if v == "" {
		v = c.QueryParam("last_seen_seq")
	}
	if v == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid last seen seq %q: %w", v, domain.ErrInvalidInput)
	}
	return seq, nil
}

// handleStream streams session events. The first events are either the
// buffered events after the resume point or a state and messages snapshot.
// GET /v1/sessions/:session_id/events/stream
func (s *Server) handleStream(c echo.Context) error {
	sessionID := c.Param("session_id")
	lastSeen, err := lastSeenSeq(c)
	if err != nil {
		return writeError(c, err)
	}

	sub, err := s.svc.Subscribe(sessionID, lastSeen)
	if err != nil {
		return writeError(c, err)
	}
	defer sub.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Stream-Mode", string(sub.Mode))
	res.WriteHeader(http.StatusOK)
	res.Flush()

	err = transport.Forward(c.Request().Context(), sub, &sseSender{res: res})
	switch {
	case errors.Is(err, stream.ErrSlowConsumer):
		log.Printf("WARN: SSE client of session %s fell behind, closing", sessionID)
	case errors.Is(err, stream.ErrStreamClosed):
		_, _ = fmt.Fprint(res, "event: end\ndata: {}\n\n")
		res.Flush()
	}
	return nil
}
