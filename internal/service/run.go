package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/metrics"
	"github.com/xiaot623/gogo/agui/internal/tools"
)

// runState is everything the session goroutine tracks for the active run.
type runState struct {
	id        string
	input     string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	// Set from outside the session goroutine by CancelRun.
	cancelRequested atomic.Bool

	turn      int
	attempt   int
	streaming bool
	agentDone bool
	// activity is set when the turn produced tool results or answers that
	// the agent has to see in a further turn.
	activity   bool
	retryTimer *time.Timer

	// Per attempt: agent keys to message and call ids.
	textKeys  map[string]string
	callKeys  map[string]string
	lastText  string
	argsEnded map[string]bool
	msgIDs    []string
	callIDs   []string

	handlers  map[string]*tools.Handler
	inflight  map[string]context.CancelFunc
	results   []domain.ToolResult
	answers   []domain.InterruptAnswer
	resultsAt int
	answersAt int
	malformed int

	interrupt *pendingInterrupt
	queue     []interruptSpec
}

type attemptTag struct {
	runID   string
	turn    int
	attempt int
}

func (r *runState) tag() attemptTag {
	return attemptTag{runID: r.id, turn: r.turn, attempt: r.attempt}
}

// runEnd describes how a run terminates.
type runEnd struct {
	status      domain.SessionStatus
	outcome     domain.RunOutcome
	code        domain.ReasonCode
	message     string
	interruptID string
}

// StartRun starts a run with the user's input. The session is created on
// first input. A run may start when no other run is active: from idle, and
// also from finished or errored so one session carries many runs.
func (s *Service) StartRun(ctx context.Context, sessionID, input string) (*domain.RunHandle, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input is required: %w", domain.ErrInvalidInput)
	}
	sess, err := s.openSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var handle *domain.RunHandle
	err = sess.call(ctx, func() error {
		h, err := sess.startRun(input)
		handle = h
		return err
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (s *session) startRun(input string) (*domain.RunHandle, error) {
	if s.status.Active() {
		return nil, &domain.StateError{Op: "start_run", Status: s.status}
	}

	ctx, cancel := context.WithCancel(s.ctx)
	run := &runState{
		id:        "run_" + uuid.New().String()[:8],
		input:     input,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		handlers:  make(map[string]*tools.Handler),
		inflight:  make(map[string]context.CancelFunc),
	}
	s.run = run
	s.setActive(run)
	s.status = domain.SessionStatusRunning
	s.lastRun = &runSummary{RunID: run.id, Status: domain.SessionStatusRunning}

	storeCtx, storeCancel := s.svc.storeContext()
	if err := s.svc.store.CreateRun(storeCtx, &domain.Run{
		RunID:     run.id,
		SessionID: s.id,
		Status:    domain.SessionStatusRunning,
		Input:     input,
		StartedAt: run.startedAt,
	}); err != nil {
		log.Printf("WARN: failed to record run %s: %v", run.id, err)
	}
	storeCancel()

	s.emit(domain.EventTypeRunStarted, domain.RunStartedPayload{RunID: run.id, Input: input})

	msgID := s.messages.Start(domain.MessageRoleUser, run.id)
	s.emit(domain.EventTypeMessageStart, domain.MessageStartPayload{MessageID: msgID, Role: domain.MessageRoleUser, RunID: run.id})
	if err := s.messages.AppendDelta(msgID, input); err == nil {
		s.emit(domain.EventTypeTextDelta, domain.TextDeltaPayload{MessageID: msgID, Delta: input})
	}
	if changed, _ := s.messages.End(msgID); changed {
		s.emit(domain.EventTypeMessageEnd, domain.MessageEndPayload{MessageID: msgID})
	}
	s.syncState()

	log.Printf("Run started: session=%s run=%s", s.id, run.id)
	s.startTurn(run)
	return &domain.RunHandle{SessionID: s.id, RunID: run.id}, nil
}

func (s *session) startTurn(run *runState) {
	run.turn++
	run.attempt = 0
	s.lastRun.Turn = run.turn
	s.startAttempt(run)
	s.syncState()
}

// startAttempt calls the agent for the current turn. Output is tagged with
// the attempt so a retried or superseded stream is ignored.
func (s *session) startAttempt(run *runState) {
	run.attempt++
	run.streaming = true
	run.agentDone = false
	run.activity = false
	run.textKeys = make(map[string]string)
	run.callKeys = make(map[string]string)
	run.argsEnded = make(map[string]bool)
	run.lastText = ""
	run.msgIDs = nil
	run.callIDs = nil
	run.resultsAt = len(run.results)
	run.answersAt = len(run.answers)

	req := &domain.AgentRequest{
		SessionID:   s.id,
		RunID:       run.id,
		Turn:        run.turn,
		Input:       run.input,
		History:     s.history(),
		ToolResults: append([]domain.ToolResult(nil), run.results...),
		Answers:     append([]domain.InterruptAnswer(nil), run.answers...),
		Tools:       s.svc.tools.Definitions(),
	}
	tag := run.tag()
	ctx, cancel := context.WithTimeout(run.ctx, s.svc.config.AgentTimeout)

	go func() {
		defer cancel()
		err := s.svc.agent.Stream(ctx, req, func(chunk domain.AgentChunk) error {
			return s.post(func() { s.handleChunk(tag, chunk) })
		})
		_ = s.post(func() { s.agentStreamEnded(tag, err) })
	}()
}

// history returns the completed messages of the session in order.
func (s *session) history() []domain.Message {
	var out []domain.Message
	for _, m := range s.messages.Messages() {
		if m.Status == domain.MessageStatusComplete && !s.discarded[m.MessageID] {
			out = append(out, m)
		}
	}
	return out
}

// current returns the run when tag still names its streaming attempt. A
// pending cancellation is applied first.
func (s *session) current(tag attemptTag) *runState {
	run := s.run
	if run == nil || run.id != tag.runID {
		return nil
	}
	if run.cancelRequested.Load() {
		s.applyCancel(run)
		return nil
	}
	if run.turn != tag.turn || run.attempt != tag.attempt || !run.streaming {
		return nil
	}
	return run
}

func (s *session) agentStreamEnded(tag attemptTag, err error) {
	run := s.current(tag)
	if run == nil {
		return
	}
	run.streaming = false

	if err == nil {
		if !run.agentDone {
			s.completeTurn(run)
		}
		return
	}
	if run.agentDone {
		log.Printf("WARN: agent stream for run %s failed after completion: %v", run.id, err)
		return
	}

	if run.attempt >= 2 {
		s.failRun(run, domain.ReasonAgentStreamFailed, err.Error())
		return
	}

	log.Printf("WARN: agent stream for run %s turn %d failed, retrying: %v", run.id, run.turn, err)
	s.abortAttempt(run)
	next := run.tag()
	run.retryTimer = time.AfterFunc(s.svc.config.AgentRetryBackoff, func() {
		_ = s.post(func() {
			if s.run != run || run.tag() != next || run.streaming {
				return
			}
			if run.cancelRequested.Load() {
				s.applyCancel(run)
				return
			}
			s.startAttempt(run)
		})
	})
}

// abortAttempt discards the partial work of a failed attempt before it is
// retried.
func (s *session) abortAttempt(run *runState) {
	for _, id := range run.msgIDs {
		s.discarded[id] = true
		if changed, _ := s.messages.End(id); changed {
			s.emit(domain.EventTypeMessageEnd, domain.MessageEndPayload{MessageID: id})
		}
	}
	for _, id := range run.callIDs {
		if cancel, ok := run.inflight[id]; ok {
			cancel()
			delete(run.inflight, id)
		}
		s.abortCall(id, domain.ToolErrorStreamInterrupted, "agent stream failed before the turn completed")
	}

	if p := run.interrupt; p != nil && p.attempt == run.attempt {
		s.dropInterrupt(run, true)
		s.status = domain.SessionStatusRunning
	}
	kept := run.queue[:0]
	for _, spec := range run.queue {
		if spec.attempt != run.attempt {
			kept = append(kept, spec)
		}
	}
	run.queue = kept
	run.results = run.results[:run.resultsAt]
	run.answers = run.answers[:run.answersAt]
	s.syncState()
}

// completeTurn handles the end of the agent's output for the turn.
func (s *session) completeTurn(run *runState) {
	run.agentDone = true
	for _, id := range run.msgIDs {
		if changed, _ := s.messages.End(id); changed {
			s.emit(domain.EventTypeMessageEnd, domain.MessageEndPayload{MessageID: id})
		}
	}
	for _, id := range run.callIDs {
		if run.argsEnded[id] {
			continue
		}
		s.finalizeCall(run, id)
		if s.run != run {
			return
		}
	}
	s.syncState()
	s.maybeAdvance(run)
}

// maybeAdvance starts the next turn or finishes the run once the agent is
// done and nothing is outstanding.
func (s *session) maybeAdvance(run *runState) {
	if s.run != run || !run.agentDone || len(run.inflight) > 0 || run.interrupt != nil || len(run.queue) > 0 {
		return
	}
	if !run.activity {
		s.finishRun(run, domain.RunOutcomeCompleted)
		return
	}
	if run.turn >= s.svc.config.MaxTurns {
		s.failRun(run, domain.ReasonMaxTurnsExceeded, fmt.Sprintf("run did not finish within %d turns", s.svc.config.MaxTurns))
		return
	}
	s.startTurn(run)
}

func (s *session) finishRun(run *runState, outcome domain.RunOutcome) {
	s.endRun(run, runEnd{status: domain.SessionStatusFinished, outcome: outcome})
}

func (s *session) failRun(run *runState, code domain.ReasonCode, message string) {
	s.endRun(run, runEnd{status: domain.SessionStatusErrored, code: code, message: message})
}

// endRun stops all work of the run and emits its terminal event.
func (s *session) endRun(run *runState, end runEnd) {
	if s.run != run {
		return
	}
	run.streaming = false
	if run.retryTimer != nil {
		run.retryTimer.Stop()
	}
	if run.interrupt != nil {
		s.dropInterrupt(run, end.outcome != domain.RunOutcomeInterrupt)
	}
	run.queue = nil

	toolCode, toolMsg := domain.ToolErrorCancelled, "run ended before the call finished"
	for _, id := range s.calls.Pending() {
		if call, ok := s.calls.Get(id); ok && call.RunID == run.id {
			s.abortCall(id, toolCode, toolMsg)
		}
	}
	for _, id := range s.messages.Streaming() {
		if msg, ok := s.messages.Get(id); ok && msg.RunID == run.id {
			if changed, _ := s.messages.End(id); changed {
				s.emit(domain.EventTypeMessageEnd, domain.MessageEndPayload{MessageID: id})
			}
		}
	}
	run.cancel()
	run.inflight = make(map[string]context.CancelFunc)

	s.status = end.status
	s.lastRun.Status = end.status
	s.lastRun.Outcome = end.outcome
	s.lastRun.Code = end.code
	s.lastRun.Message = end.message
	s.run = nil
	s.syncState()

	if end.status == domain.SessionStatusErrored {
		s.emit(domain.EventTypeRunError, domain.RunErrorPayload{RunID: run.id, Code: end.code, Message: end.message})
		log.Printf("Run errored: session=%s run=%s code=%s: %s", s.id, run.id, end.code, end.message)
	} else {
		s.emit(domain.EventTypeRunFinished, domain.RunFinishedPayload{RunID: run.id, Outcome: end.outcome, InterruptID: end.interruptID})
		log.Printf("Run finished: session=%s run=%s outcome=%s", s.id, run.id, end.outcome)
	}
	s.clearActive(run)

	ctx, cancel := s.svc.storeContext()
	defer cancel()
	if err := s.svc.store.FinishRun(ctx, run.id, end.status, end.outcome, end.code); err != nil {
		log.Printf("WARN: failed to archive run %s: %v", run.id, err)
	}
	label := string(end.outcome)
	if end.code != "" {
		label = string(end.code)
	}
	metrics.RecordRunEnd(string(end.status), label, run.startedAt)
	s.archive(false)
}

// CancelRun cancels the active run. Cancelling a run that already
// terminated is a no-op.
func (s *Service) CancelRun(ctx context.Context, handle domain.RunHandle) error {
	sess, err := s.lookup(handle.SessionID)
	if err != nil {
		return err
	}
	run, past := sess.activeRun(handle.RunID)
	if run == nil || run.id != handle.RunID {
		if past {
			return nil
		}
		return fmt.Errorf("run %s: %w", handle.RunID, domain.ErrRunNotFound)
	}

	run.cancelRequested.Store(true)
	run.cancel()
	return sess.call(ctx, func() error {
		sess.applyCancel(run)
		return nil
	})
}

func (s *session) applyCancel(run *runState) {
	if s.run != run {
		return
	}
	s.finishRun(run, domain.RunOutcomeCancelled)
}
