package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agui/internal/adapter/agent"
	"github.com/xiaot623/gogo/agui/internal/adapter/mock"
	"github.com/xiaot623/gogo/agui/internal/config"
	"github.com/xiaot623/gogo/agui/internal/domain"
	"github.com/xiaot623/gogo/agui/internal/policy"
)

// toolThenSummary calls the given tool on the first turn and reports the
// results on the next one.
func toolThenSummary(name string, fragments ...string) mock.Script {
	return func(req *domain.AgentRequest) []mock.Step {
		if len(req.ToolResults) > 0 {
			return mock.Concat(mock.Text("summary", "done"), []mock.Step{mock.Complete()})
		}
		return mock.Concat(
			mock.Text("intro", "Checking"),
			mock.ToolCall("call", name, fragments...),
			[]mock.Step{mock.Complete()},
		)
	}
}

func toolResult(t *testing.T, c *collector) domain.ToolCallResultPayload {
	t.Helper()
	results := c.ofType(domain.EventTypeToolCallResult)
	require.Len(t, results, 1)
	var p domain.ToolCallResultPayload
	decode(t, results[0], &p)
	return p
}

func TestToolCallArgumentsStreamAndResultFeedsNextTurn(t *testing.T) {
	ag := mock.NewAgent(toolThenSummary("echo", `{"a":`, `1}`))
	env := newTestEnv(t, ag, envOptions{})
	ctx := context.Background()
	id, c := startSession(t, env)

	handle, err := env.svc.StartRun(ctx, id, "call it")
	require.NoError(t, err)
	end := c.terminal()
	require.Equal(t, domain.EventTypeRunFinished, end.Type)

	var start domain.ToolCallStartPayload
	starts := c.ofType(domain.EventTypeToolCallStart)
	require.Len(t, starts, 1)
	decode(t, starts[0], &start)
	assert.Equal(t, "echo", start.Name)
	assert.Equal(t, handle.RunID, start.RunID)
	assert.NotEmpty(t, start.ParentMessageID)

	deltas := c.ofType(domain.EventTypeToolCallArgsDelta)
	require.Len(t, deltas, 2)
	var first domain.ToolCallArgsDeltaPayload
	decode(t, deltas[0], &first)
	assert.Equal(t, `{"a":`, first.Delta)

	var ended domain.ToolCallEndPayload
	decode(t, c.ofType(domain.EventTypeToolCallEnd)[0], &ended)
	assert.JSONEq(t, `{"a":1}`, string(ended.Args))

	result := toolResult(t, c)
	assert.Equal(t, start.CallID, result.CallID)
	assert.Equal(t, domain.ToolCallStatusSucceeded, result.Status)
	assert.JSONEq(t, `{"a":1}`, string(result.Result))

	state := c.replica.State()
	assert.Equal(t, "succeeded", stateAt(t, state, "tool_calls", start.CallID, "status"))
	assert.Equal(t, float64(1), stateAt(t, state, "tool_calls", start.CallID, "args", "a"))
	assert.Equal(t, float64(2), stateAt(t, state, "run", "turn"))

	requests := ag.Requests()
	require.Len(t, requests, 2)
	require.Len(t, requests[1].ToolResults, 1)
	assert.Equal(t, start.CallID, requests[1].ToolResults[0].CallID)
	assert.JSONEq(t, `{"a":1}`, string(requests[1].ToolResults[0].Result))
	assert.NotEmpty(t, requests[0].Tools)

	calls, err := env.svc.ListToolCalls(ctx, handle.RunID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, domain.ToolCallStatusSucceeded, calls[0].Status)
}

func TestMalformedArgumentsReportedToAgent(t *testing.T) {
	ag := mock.NewAgent(toolThenSummary("echo", `{"a":`))
	env := newTestEnv(t, ag, envOptions{})
	id, c := startSession(t, env)

	_, err := env.svc.StartRun(context.Background(), id, "go")
	require.NoError(t, err)
	end := c.terminal()
	require.Equal(t, domain.EventTypeRunFinished, end.Type)

	result := toolResult(t, c)
	assert.Equal(t, domain.ToolCallStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.ToolErrorMalformedArguments, result.Error.Code)

	requests := ag.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, domain.ToolCallStatusFailed, requests[1].ToolResults[0].Status)
}

func TestSchemaViolationIsMalformed(t *testing.T) {
	ag := mock.NewAgent(toolThenSummary("echo", `{"a":"one"}`))
	env := newTestEnv(t, ag, envOptions{})
	id, c := startSession(t, env)

	_, err := env.svc.StartRun(context.Background(), id, "go")
	require.NoError(t, err)
	c.terminal()

	result := toolResult(t, c)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.ToolErrorMalformedArguments, result.Error.Code)
}

func TestRepeatedMalformedArgumentsFailRun(t *testing.T) {
	ag := mock.NewAgent(func(*domain.AgentRequest) []mock.Step {
		return mock.Concat(
			mock.ToolCall("one", "echo", `{"a":`),
			mock.ToolCall("two", "echo", `not json`),
			[]mock.Step{mock.Complete()},
		)
	})
	env := newTestEnv(t, ag, envOptions{})
	id, c := startSession(t, env)

	_, err := env.svc.StartRun(context.Background(), id, "go")
	require.NoError(t, err)

	end := c.terminal()
	require.Equal(t, domain.EventTypeRunError, end.Type)
	var p domain.RunErrorPayload
	decode(t, end, &p)
	assert.Equal(t, domain.ReasonMalformedArguments, p.Code)
	assert.Equal(t, "errored", stateAt(t, c.replica.State(), "status"))
}

func TestUnknownToolFails(t *testing.T) {
	ag := mock.NewAgent(toolThenSummary("does.not.exist", `{}`))
	env := newTestEnv(t, ag, envOptions{})
	id, c := startSession(t, env)

	_, err := env.svc.StartRun(context.Background(), id, "go")
	require.NoError(t, err)
	c.terminal()

	result := toolResult(t, c)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.ToolErrorUnknownTool, result.Error.Code)
}

func TestPolicyBlocksTool(t *testing.T) {
	ag := mock.NewAgent(toolThenSummary("echo", `{"a":1}`))
	env := newTestEnv(t, ag, envOptions{policy: fixedPolicy(policy.DecisionBlock)})
	id, c := startSession(t, env)

	_, err := env.svc.StartRun(context.Background(), id, "go")
	require.NoError(t, err)
	c.terminal()

	result := toolResult(t, c)
	assert.Equal(t, domain.ToolCallStatusFailed, result.Status)
	assert.Equal(t, domain.ToolErrorBlocked, result.Error.Code)
}

func TestToolTimeout(t *testing.T) {
	ag := mock.NewAgent(toolThenSummary("block", `{}`))
	env := newTestEnv(t, ag, envOptions{configure: func(cfg *config.Config) {
		cfg.ToolTimeout = 20 * time.Millisecond
	}})
	id, c := startSession(t, env)

	_, err := env.svc.StartRun(context.Background(), id, "go")
	require.NoError(t, err)
	end := c.terminal()
	require.Equal(t, domain.EventTypeRunFinished, end.Type)

	result := toolResult(t, c)
	assert.Equal(t, domain.ToolErrorTimeout, result.Error.Code)
}

func TestCancelWhileToolExecuting(t *testing.T) {
	ag := mock.NewAgent(toolThenSummary("block", `{}`))
	env := newTestEnv(t, ag, envOptions{})
	ctx := context.Background()
	id, c := startSession(t, env)

	handle, err := env.svc.StartRun(ctx, id, "go")
	require.NoError(t, err)
	var ended domain.ToolCallEndPayload
	decode(t, c.until(domain.EventTypeToolCallEnd), &ended)

	require.NoError(t, env.svc.CancelRun(ctx, *handle))
	end := c.terminal()
	require.Equal(t, domain.EventTypeRunFinished, end.Type)
	var p domain.RunFinishedPayload
	decode(t, end, &p)
	assert.Equal(t, domain.RunOutcomeCancelled, p.Outcome)

	result := toolResult(t, c)
	assert.Equal(t, ended.CallID, result.CallID)
	assert.Equal(t, domain.ToolErrorCancelled, result.Error.Code)

	state := c.replica.State()
	assert.Equal(t, "finished", stateAt(t, state, "status"))
	assert.Equal(t, "cancelled", stateAt(t, state, "run", "outcome"))
	assert.Equal(t, "failed", stateAt(t, state, "tool_calls", ended.CallID, "status"))
}

func TestApprovalRequiredTool(t *testing.T) {
	engine, err := policy.NewEngine(context.Background(), `package tool_policy

decision = "require_approval" {
	input.tool_name == "echo"
}
`)
	require.NoError(t, err)

	for _, tc := range []struct {
		name   string
		answer string
		status domain.ToolCallStatus
		code   string
	}{
		{name: "approved", answer: `{"approved":true}`, status: domain.ToolCallStatusSucceeded},
		{name: "bare true", answer: `true`, status: domain.ToolCallStatusSucceeded},
		{name: "rejected", answer: `{"approved":false,"reason":"not now"}`, status: domain.ToolCallStatusFailed, code: domain.ToolErrorRejected},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ag := mock.NewAgent(toolThenSummary("echo", `{"a":7}`))
			env := newTestEnv(t, ag, envOptions{policy: engine})
			id, c := startSession(t, env)

			_, err := env.svc.StartRun(context.Background(), id, "go")
			require.NoError(t, err)

			ev := c.until(domain.EventTypeInterrupt)
			var p domain.InterruptPayload
			decode(t, ev, &p)
			assert.Equal(t, domain.InterruptKindToolApproval, p.Kind)
			var req struct {
				CallID   string          `json:"call_id"`
				ToolName string          `json:"tool_name"`
				Args     json.RawMessage `json:"args"`
			}
			require.NoError(t, json.Unmarshal(p.Payload, &req))
			assert.Equal(t, "echo", req.ToolName)
			assert.JSONEq(t, `{"a":7}`, string(req.Args))

			require.Len(t, env.svc.PendingInterrupts(id), 1)
			require.NoError(t, env.svc.ResolveInterrupt(p.InterruptID, json.RawMessage(tc.answer)))

			end := c.terminal()
			require.Equal(t, domain.EventTypeRunFinished, end.Type)
			result := toolResult(t, c)
			assert.Equal(t, req.CallID, result.CallID)
			assert.Equal(t, tc.status, result.Status)
			if tc.code != "" {
				assert.Equal(t, tc.code, result.Error.Code)
			}
			assert.Nil(t, stateAt(t, c.replica.State(), "interrupt"))
		})
	}
}

func TestRetryDiscardsPartialToolCalls(t *testing.T) {
	var attempts atomic.Int32
	ag := agent.Func(func(ctx context.Context, req *domain.AgentRequest, emit func(domain.AgentChunk) error) error {
		if len(req.ToolResults) > 0 {
			_ = emit(domain.AgentChunk{Kind: domain.ChunkKindRunComplete})
			return nil
		}
		n := attempts.Add(1)
		_ = emit(domain.AgentChunk{Kind: domain.ChunkKindToolCall, Key: "c", ToolName: "echo", ArgsDelta: `{"a":`})
		if n == 1 {
			return context.DeadlineExceeded
		}
		_ = emit(domain.AgentChunk{Kind: domain.ChunkKindToolCall, Key: "c", ArgsDelta: `2}`})
		_ = emit(domain.AgentChunk{Kind: domain.ChunkKindRunComplete})
		return nil
	})
	env := newTestEnv(t, ag, envOptions{})
	id, c := startSession(t, env)

	_, err := env.svc.StartRun(context.Background(), id, "go")
	require.NoError(t, err)
	end := c.terminal()
	require.Equal(t, domain.EventTypeRunFinished, end.Type)

	results := c.ofType(domain.EventTypeToolCallResult)
	require.Len(t, results, 2)
	var aborted, succeeded domain.ToolCallResultPayload
	decode(t, results[0], &aborted)
	decode(t, results[1], &succeeded)
	assert.Equal(t, domain.ToolErrorStreamInterrupted, aborted.Error.Code)
	assert.Equal(t, domain.ToolCallStatusSucceeded, succeeded.Status)
}
