package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/metrics"
	"github.com/xiaot623/gogo/agui/internal/policy"
)

// finalizeCall closes the call's argument stream, validates the arguments and
// routes the call through policy.
func (s *session) finalizeCall(run *runState, callID string) {
	run.argsEnded[callID] = true
	run.activity = true

	var validate func(string, json.RawMessage) error
	if h := run.handlers[callID]; h != nil {
		validate = func(_ string, args json.RawMessage) error {
			return h.Validate(args)
		}
	}
	args, err := s.calls.FinalizeArgs(callID, validate)
	if err != nil {
		if !errors.Is(err, domain.ErrMalformedArguments) {
			log.Printf("WARN: run %s: %v", run.id, err)
			return
		}
		s.emit(domain.EventTypeToolCallEnd, domain.ToolCallEndPayload{CallID: callID})
		s.reportResult(run, callID)
		run.malformed++
		if run.malformed >= s.svc.config.MaxMalformedArgs {
			s.failRun(run, domain.ReasonMalformedArguments, fmt.Sprintf("%d tool calls had malformed arguments", run.malformed))
		}
		return
	}

	s.emit(domain.EventTypeToolCallEnd, domain.ToolCallEndPayload{CallID: callID, Args: args})
	s.syncState()
	s.dispatchCall(run, callID, args)
}

func (s *session) dispatchCall(run *runState, callID string, args json.RawMessage) {
	call, _ := s.calls.Get(callID)
	if run.handlers[callID] == nil {
		s.failCall(run, callID, domain.ToolErrorUnknownTool, fmt.Sprintf("no tool named %q", call.Name))
		return
	}

	var doc interface{}
	if err := json.Unmarshal(args, &doc); err != nil {
		doc = map[string]interface{}{}
	}
	decision, err := s.svc.policy.Evaluate(run.ctx, policy.Input{
		ToolName:  call.Name,
		Args:      doc,
		SessionID: s.id,
		RunID:     run.id,
	})
	if err != nil {
		log.Printf("WARN: policy evaluation failed for %s: %v", call.Name, err)
		s.failCall(run, callID, domain.ToolErrorBlocked, "policy evaluation failed")
		return
	}

	switch decision {
	case policy.DecisionBlock:
		s.failCall(run, callID, domain.ToolErrorBlocked, fmt.Sprintf("tool %s is blocked by policy", call.Name))
	case policy.DecisionRequireApproval:
		payload, _ := json.Marshal(map[string]interface{}{
			"call_id":   callID,
			"tool_name": call.Name,
			"args":      args,
		})
		s.queueInterrupt(run, interruptSpec{
			kind:    domain.InterruptKindToolApproval,
			callID:  callID,
			payload: payload,
		})
	default:
		s.executeTool(run, callID, args)
	}
}

// executeTool runs the handler off the session goroutine under the tool
// timeout. The result is posted back.
func (s *session) executeTool(run *runState, callID string, args json.RawMessage) {
	h := run.handlers[callID]
	ctx, cancel := context.WithTimeout(run.ctx, s.svc.config.ToolTimeout)
	run.inflight[callID] = cancel
	runID := run.id

	go func() {
		defer cancel()
		result, err := h.Execute(ctx, args)
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		_ = s.post(func() { s.toolFinished(runID, callID, result, err, timedOut) })
	}()
}

func (s *session) toolFinished(runID, callID string, result json.RawMessage, err error, timedOut bool) {
	run := s.run
	if run == nil || run.id != runID {
		return
	}
	if run.cancelRequested.Load() {
		s.applyCancel(run)
		return
	}
	cancel, ok := run.inflight[callID]
	if !ok {
		return
	}
	delete(run.inflight, callID)
	cancel()

	switch {
	case err != nil && timedOut:
		s.failCall(run, callID, domain.ToolErrorTimeout, fmt.Sprintf("tool did not finish within %s", s.svc.config.ToolTimeout))
	case err != nil:
		s.failCall(run, callID, domain.ToolErrorExecutionFailed, err.Error())
	case len(result) > 0 && !json.Valid(result):
		s.failCall(run, callID, domain.ToolErrorExecutionFailed, "tool returned invalid JSON")
	default:
		if err := s.calls.Complete(callID, result); err != nil {
			log.Printf("WARN: run %s: %v", run.id, err)
			return
		}
		s.reportResult(run, callID)
	}
	s.maybeAdvance(run)
}

func (s *session) failCall(run *runState, callID, code, message string) {
	if err := s.calls.Fail(callID, &domain.ToolError{Code: code, Message: message}); err != nil {
		log.Printf("WARN: run %s: %v", run.id, err)
		return
	}
	s.reportResult(run, callID)
}

// reportResult emits the result of a terminal call and records it for the
// agent's next turn.
func (s *session) reportResult(run *runState, callID string) {
	call, ok := s.calls.Get(callID)
	if !ok {
		return
	}
	s.emit(domain.EventTypeToolCallResult, domain.ToolCallResultPayload{
		CallID: callID,
		Status: call.Status,
		Result: call.Result,
		Error:  call.Error,
	})
	run.results = append(run.results, domain.ToolResult{
		CallID: call.CallID,
		Name:   call.Name,
		Args:   call.Args,
		Status: call.Status,
		Result: call.Result,
		Error:  call.Error,
	})
	s.saveCall(call)
	s.syncState()
}

// abortCall fails a call that will never produce a result. It is not fed
// back to the agent.
func (s *session) abortCall(callID, code, message string) {
	aborted, err := s.calls.Abort(callID, &domain.ToolError{Code: code, Message: message})
	if err != nil || !aborted {
		return
	}
	call, _ := s.calls.Get(callID)
	s.emit(domain.EventTypeToolCallResult, domain.ToolCallResultPayload{
		CallID: callID,
		Status: call.Status,
		Error:  call.Error,
	})
	s.saveCall(call)
}

func (s *session) saveCall(call domain.ToolCall) {
	metrics.RecordToolCall(call.Name, string(call.Status))
	ctx, cancel := s.svc.storeContext()
	defer cancel()
	if err := s.svc.store.SaveToolCall(ctx, s.id, &call); err != nil {
		log.Printf("WARN: failed to archive tool call %s: %v", call.CallID, err)
	}
}
