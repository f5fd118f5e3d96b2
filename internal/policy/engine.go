// Package policy decides whether a tool call may run, needs human approval,
// or is blocked, using an OPA rego module.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionBlock           Decision = "block"
)

// Input is the document a policy is evaluated against.
type Input struct {
	ToolName  string      `json:"tool_name"`
	Args      interface{} `json:"args"`
	SessionID string      `json:"session_id"`
	RunID     string      `json:"run_id"`
}

// Evaluator is what the orchestrator needs from a policy engine.
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the decision for one tool call. A policy with no
// matching rule allows the call.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	doc := map[string]interface{}{
		"tool_name":  input.ToolName,
		"args":       input.Args,
		"session_id": input.SessionID,
		"run_id":     input.RunID,
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
	}
	switch d := Decision(s); d {
	case DecisionAllow, DecisionRequireApproval, DecisionBlock:
		return d, nil
	default:
		return "", fmt.Errorf("unknown policy decision %q", s)
	}
}

// AllowAll is an Evaluator that allows every call.
type AllowAll struct{}

// Evaluate always allows.
func (AllowAll) Evaluate(context.Context, Input) (Decision, error) {
	return DecisionAllow, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

# Administrative tools are never callable by an agent
decision = "block" {
	startswith(input.tool_name, "admin.")
}

# Failing grades reset a card's progress and need the learner's approval
decision = "require_approval" {
	input.tool_name == "review.schedule"
	input.args.grade < 3
}
`
