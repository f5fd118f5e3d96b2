package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

// ArgsValidator checks parsed arguments for a named tool.
type ArgsValidator func(toolName string, args json.RawMessage) error

// ToolCallTracker tracks the lifecycle of tool calls.
//
//	started -> args_streaming -> executing -> succeeded | failed
//
// Arguments may be finalized straight from started when the agent sends none.
type ToolCallTracker struct {
	calls map[string]*domain.ToolCall
	order []string
}

// NewToolCallTracker creates an empty tool call tracker.
func NewToolCallTracker() *ToolCallTracker {
	return &ToolCallTracker{
		calls: make(map[string]*domain.ToolCall),
	}
}

// Start registers a new call and returns its id.
func (t *ToolCallTracker) Start(name, runID, parentMessageID string) string {
	id := "tc_" + uuid.New().String()[:8]
	for t.calls[id] != nil {
		id = "tc_" + uuid.New().String()[:8]
	}
	t.calls[id] = &domain.ToolCall{
		CallID:          id,
		Name:            name,
		RunID:           runID,
		ParentMessageID: parentMessageID,
		Status:          domain.ToolCallStatusStarted,
	}
	t.order = append(t.order, id)
	return id
}

func (t *ToolCallTracker) lookup(callID string) (*domain.ToolCall, error) {
	call, ok := t.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownToolCall, callID)
	}
	return call, nil
}

// AppendArgsDelta accumulates a partial JSON fragment.
func (t *ToolCallTracker) AppendArgsDelta(callID, fragment string) error {
	call, err := t.lookup(callID)
	if err != nil {
		return err
	}
	if call.Status != domain.ToolCallStatusStarted && call.Status != domain.ToolCallStatusArgsStreaming {
		return &domain.TransitionError{CallID: callID, From: call.Status, To: domain.ToolCallStatusArgsStreaming}
	}
	call.ArgsAccumulated += fragment
	call.Status = domain.ToolCallStatusArgsStreaming
	return nil
}

// FinalizeArgs parses the accumulated fragment as one complete JSON value,
// runs validate when given, and moves the call to executing. Empty arguments
// parse as an empty object. On parse or validation failure the call moves to
// failed with a malformed_arguments error and ErrMalformedArguments is
// returned.
func (t *ToolCallTracker) FinalizeArgs(callID string, validate ArgsValidator) (json.RawMessage, error) {
	call, err := t.lookup(callID)
	if err != nil {
		return nil, err
	}
	if call.Status != domain.ToolCallStatusStarted && call.Status != domain.ToolCallStatusArgsStreaming {
		return nil, &domain.TransitionError{CallID: callID, From: call.Status, To: domain.ToolCallStatusExecuting}
	}

	args, parseErr := parseArgs(call.ArgsAccumulated)
	if parseErr == nil && validate != nil {
		parseErr = validate(call.Name, args)
	}
	if parseErr != nil {
		call.Status = domain.ToolCallStatusFailed
		call.Error = &domain.ToolError{Code: domain.ToolErrorMalformedArguments, Message: parseErr.Error()}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedArguments, callID, parseErr)
	}

	call.Args = args
	if err := t.MarkExecuting(callID); err != nil {
		return nil, err
	}
	return args, nil
}

func parseArgs(accumulated string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(accumulated))
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`), nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return json.RawMessage(compact.Bytes()), nil
}

// MarkExecuting moves a call whose arguments are complete to executing.
func (t *ToolCallTracker) MarkExecuting(callID string) error {
	call, err := t.lookup(callID)
	if err != nil {
		return err
	}
	if call.Status != domain.ToolCallStatusStarted && call.Status != domain.ToolCallStatusArgsStreaming {
		return &domain.TransitionError{CallID: callID, From: call.Status, To: domain.ToolCallStatusExecuting}
	}
	if call.Args == nil {
		args, err := parseArgs(call.ArgsAccumulated)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrMalformedArguments, callID, err)
		}
		call.Args = args
	}
	call.Status = domain.ToolCallStatusExecuting
	return nil
}

// Complete records a successful result for an executing call.
func (t *ToolCallTracker) Complete(callID string, result json.RawMessage) error {
	call, err := t.lookup(callID)
	if err != nil {
		return err
	}
	if call.Status != domain.ToolCallStatusExecuting {
		return &domain.TransitionError{CallID: callID, From: call.Status, To: domain.ToolCallStatusSucceeded}
	}
	call.Status = domain.ToolCallStatusSucceeded
	call.Result = result
	return nil
}

// Fail records an error for an executing call.
func (t *ToolCallTracker) Fail(callID string, toolErr *domain.ToolError) error {
	call, err := t.lookup(callID)
	if err != nil {
		return err
	}
	if call.Status != domain.ToolCallStatusExecuting {
		return &domain.TransitionError{CallID: callID, From: call.Status, To: domain.ToolCallStatusFailed}
	}
	call.Status = domain.ToolCallStatusFailed
	call.Error = toolErr
	return nil
}

// Abort fails a call from any non-terminal status. It reports false when the
// call had already finished.
func (t *ToolCallTracker) Abort(callID string, toolErr *domain.ToolError) (bool, error) {
	call, err := t.lookup(callID)
	if err != nil {
		return false, err
	}
	if call.Status.Terminal() {
		return false, nil
	}
	call.Status = domain.ToolCallStatusFailed
	call.Error = toolErr
	return true, nil
}

// Get returns a copy of a call.
func (t *ToolCallTracker) Get(callID string) (domain.ToolCall, bool) {
	call, ok := t.calls[callID]
	if !ok {
		return domain.ToolCall{}, false
	}
	return *call, true
}

// Pending returns the ids of calls not yet succeeded or failed, oldest first.
func (t *ToolCallTracker) Pending() []string {
	var ids []string
	for _, id := range t.order {
		if !t.calls[id].Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Calls returns copies of all calls in creation order.
func (t *ToolCallTracker) Calls() []domain.ToolCall {
	out := make([]domain.ToolCall, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.calls[id])
	}
	return out
}
