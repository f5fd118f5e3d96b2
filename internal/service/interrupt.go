package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/interrupt"
	"github.com/xiaot623/gogo/agui/internal/metrics"
)

type interruptSpec struct {
	kind    domain.InterruptKind
	callID  string
	payload json.RawMessage
	attempt int
}

type pendingInterrupt struct {
	id       string
	kind     domain.InterruptKind
	callID   string
	payload  json.RawMessage
	attempt  int
	deadline time.Time
	timer    *time.Timer
	stop     context.CancelFunc
}

// RequestInterrupt suspends a running run until an answer arrives and
// returns the interrupt id.
func (s *Service) RequestInterrupt(ctx context.Context, handle domain.RunHandle, payload json.RawMessage) (string, error) {
	sess, err := s.lookup(handle.SessionID)
	if err != nil {
		return "", err
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("interrupt payload is not JSON: %w", domain.ErrInvalidInput)
	}

	var interruptID string
	err = sess.call(ctx, func() error {
		run := sess.run
		if run == nil || run.id != handle.RunID {
			return fmt.Errorf("run %s: %w", handle.RunID, domain.ErrRunNotFound)
		}
		if sess.status != domain.SessionStatusRunning {
			return &domain.StateError{Op: "request_interrupt", Status: sess.status}
		}
		run.activity = true
		sess.queueInterrupt(run, interruptSpec{kind: domain.InterruptKindAgentPrompt, payload: payload})
		if run.interrupt == nil {
			return fmt.Errorf("failed to raise interrupt for run %s", run.id)
		}
		interruptID = run.interrupt.id
		return nil
	})
	if err != nil {
		return "", err
	}
	return interruptID, nil
}

// ResolveInterrupt delivers an answer to a pending interrupt. Only the first
// answer is delivered.
func (s *Service) ResolveInterrupt(interruptID string, answer json.RawMessage) error {
	res := s.bridge.SubmitAnswer("", interruptID, answer)
	if res.Err != nil {
		return fmt.Errorf("interrupt %s: %w", interruptID, res.Err)
	}
	return nil
}

// SubmitInterruptAnswer delivers an answer on behalf of a transport and
// reports the outcome instead of failing.
func (s *Service) SubmitInterruptAnswer(sessionID, interruptID string, answer json.RawMessage) interrupt.SubmitResult {
	return s.bridge.SubmitAnswer(sessionID, interruptID, answer)
}

// PendingInterrupts lists the unanswered interrupts of a session.
func (s *Service) PendingInterrupts(sessionID string) []domain.InterruptRequest {
	return s.bridge.Pending(sessionID)
}

func (s *session) queueInterrupt(run *runState, spec interruptSpec) {
	spec.attempt = run.attempt
	if len(spec.payload) == 0 {
		spec.payload = json.RawMessage(`{}`)
	}
	run.queue = append(run.queue, spec)
	if run.interrupt == nil {
		s.raiseNext(run)
	}
}

// raiseNext parks the run on the next queued interrupt.
func (s *session) raiseNext(run *runState) {
	if len(run.queue) == 0 {
		return
	}
	spec := run.queue[0]
	run.queue = run.queue[1:]

	now := time.Now()
	id := "int_" + uuid.New().String()[:8]
	answers, err := s.svc.bridge.Enqueue(domain.InterruptRequest{
		InterruptID: id,
		SessionID:   s.id,
		RunID:       run.id,
		Kind:        spec.kind,
		Payload:     spec.payload,
		CreatedAt:   now,
	})
	if err != nil {
		log.Printf("ERROR: failed to raise interrupt for run %s: %v", run.id, err)
		s.failRun(run, domain.ReasonInternalError, err.Error())
		return
	}

	waitCtx, stop := context.WithCancel(run.ctx)
	p := &pendingInterrupt{
		id:       id,
		kind:     spec.kind,
		callID:   spec.callID,
		payload:  spec.payload,
		attempt:  spec.attempt,
		deadline: now.Add(s.svc.config.InterruptTimeout),
		stop:     stop,
	}
	runID := run.id
	p.timer = time.AfterFunc(s.svc.config.InterruptTimeout, func() {
		_ = s.post(func() { s.interruptExpired(runID, id) })
	})
	run.interrupt = p
	s.status = domain.SessionStatusAwaitingInput

	go func() {
		select {
		case answer := <-answers:
			_ = s.post(func() { s.interruptAnswered(runID, id, answer) })
		case <-waitCtx.Done():
		}
	}()

	s.emit(domain.EventTypeInterrupt, domain.InterruptPayload{
		InterruptID: id,
		RunID:       run.id,
		Kind:        spec.kind,
		Payload:     spec.payload,
		DeadlineTs:  p.deadline.UnixMilli(),
	})
	s.syncState()
	metrics.RecordInterrupt("raised")
	log.Printf("Interrupt raised: session=%s run=%s interrupt=%s kind=%s", s.id, run.id, id, spec.kind)
}

// dropInterrupt stops waiting on the pending interrupt. When resolve is set
// the bridge marks it cancelled so late answers are rejected.
func (s *session) dropInterrupt(run *runState, resolve bool) {
	p := run.interrupt
	if p == nil {
		return
	}
	p.timer.Stop()
	p.stop()
	if resolve && s.svc.bridge.Resolve(p.id, interrupt.ResolutionCancelled) {
		metrics.RecordInterrupt("cancelled")
	}
	if p.callID != "" {
		s.abortCall(p.callID, domain.ToolErrorCancelled, "approval was withdrawn")
	}
	run.interrupt = nil
}

func (s *session) interruptAnswered(runID, interruptID string, answer json.RawMessage) {
	run := s.run
	if run == nil || run.id != runID || run.interrupt == nil || run.interrupt.id != interruptID {
		return
	}
	if run.cancelRequested.Load() {
		s.applyCancel(run)
		return
	}

	p := run.interrupt
	p.timer.Stop()
	p.stop()
	run.interrupt = nil
	s.status = domain.SessionStatusRunning
	metrics.RecordInterrupt("answered")
	log.Printf("Interrupt answered: session=%s interrupt=%s", s.id, interruptID)

	switch p.kind {
	case domain.InterruptKindToolApproval:
		if approved, reason := parseApproval(answer); approved {
			call, _ := s.calls.Get(p.callID)
			s.syncState()
			s.executeTool(run, p.callID, call.Args)
		} else {
			if reason == "" {
				reason = "tool call was not approved"
			}
			s.failCall(run, p.callID, domain.ToolErrorRejected, reason)
		}
	default:
		run.answers = append(run.answers, domain.InterruptAnswer{
			InterruptID: interruptID,
			Prompt:      p.payload,
			Answer:      answer,
		})
	}

	if len(run.queue) > 0 {
		s.raiseNext(run)
		return
	}
	s.syncState()
	s.maybeAdvance(run)
}

func (s *session) interruptExpired(runID, interruptID string) {
	run := s.run
	if run == nil || run.id != runID || run.interrupt == nil || run.interrupt.id != interruptID {
		return
	}
	if !s.svc.bridge.Resolve(interruptID, interrupt.ResolutionExpired) {
		// An answer won the race; its delivery is already queued.
		return
	}
	metrics.RecordInterrupt("expired")
	p := run.interrupt
	p.stop()
	run.interrupt = nil
	if p.callID != "" {
		s.abortCall(p.callID, domain.ToolErrorCancelled, "approval timed out")
	}
	s.failRun(run, domain.ReasonInterruptTimeout, fmt.Sprintf("interrupt %s was not answered within %s", interruptID, s.svc.config.InterruptTimeout))
}

// parseApproval accepts {"approved": bool, "reason": "..."} or a bare bool.
func parseApproval(answer json.RawMessage) (bool, string) {
	trimmed := bytes.TrimSpace(answer)
	var flag bool
	if err := json.Unmarshal(trimmed, &flag); err == nil {
		return flag, ""
	}
	var a domain.ApprovalAnswer
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return false, "approval answer is not understood"
	}
	return a.Approved, a.Reason
}
