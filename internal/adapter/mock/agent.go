// Package mock provides a scripted agent for AGENT_MODE=mock and tests.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

// Step is one scripted action: emit Chunk, or fail the stream with Err.
// Delay is waited before the step and aborts on context cancellation.
type Step struct {
	Chunk domain.AgentChunk
	Delay time.Duration
	Err   error
}

// Script returns the steps for one agent turn.
type Script func(req *domain.AgentRequest) []Step

// Agent plays a Script.
type Agent struct {
	script Script

	mu       sync.Mutex
	requests []domain.AgentRequest
}

// NewAgent creates an agent playing script.
func NewAgent(script Script) *Agent {
	return &Agent{script: script}
}

// Stream plays the script for req.
func (a *Agent) Stream(ctx context.Context, req *domain.AgentRequest, emit func(domain.AgentChunk) error) error {
	a.mu.Lock()
	a.requests = append(a.requests, *req)
	a.mu.Unlock()

	for _, step := range a.script(req) {
		if step.Delay > 0 {
			timer := time.NewTimer(step.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if step.Err != nil {
			return step.Err
		}
		if err := emit(step.Chunk); err != nil {
			return err
		}
	}
	return nil
}

// Requests returns every request received so far.
func (a *Agent) Requests() []domain.AgentRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AgentRequest, len(a.requests))
	copy(out, a.requests)
	return out
}

// Text emits tokens as one message.
func Text(key string, tokens ...string) []Step {
	steps := make([]Step, 0, len(tokens)+1)
	for _, tok := range tokens {
		steps = append(steps, Step{Chunk: domain.AgentChunk{Kind: domain.ChunkKindText, Key: key, Text: tok}})
	}
	return append(steps, Step{Chunk: domain.AgentChunk{Kind: domain.ChunkKindTextEnd, Key: key}})
}

// ToolCall emits a call whose arguments arrive as fragments.
func ToolCall(key, name string, fragments ...string) []Step {
	steps := []Step{{Chunk: domain.AgentChunk{Kind: domain.ChunkKindToolCall, Key: key, ToolName: name}}}
	for _, f := range fragments {
		steps = append(steps, Step{Chunk: domain.AgentChunk{Kind: domain.ChunkKindToolCall, Key: key, ArgsDelta: f}})
	}
	return append(steps, Step{Chunk: domain.AgentChunk{Kind: domain.ChunkKindToolCallEnd, Key: key}})
}

// Ask emits an agent prompt interrupt.
func Ask(key string, payload interface{}) Step {
	data, _ := json.Marshal(payload)
	return Step{Chunk: domain.AgentChunk{Kind: domain.ChunkKindInterrupt, Key: key, Payload: data}}
}

// Complete ends the turn.
func Complete() Step {
	return Step{Chunk: domain.AgentChunk{Kind: domain.ChunkKindRunComplete}}
}

// Fail ends the turn with a run error.
func Fail(code, message string) Step {
	return Step{Chunk: domain.AgentChunk{Kind: domain.ChunkKindRunError, ErrorCode: code, ErrorMessage: message}}
}

// Concat joins step lists.
func Concat(parts ...[]Step) []Step {
	var out []Step
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Demo is the script used when AGENT_MODE=mock. It understands
// "define <word>", "review <card> <grade>", "quiz <topic>" and "ask", and
// echoes anything else.
func Demo(req *domain.AgentRequest) []Step {
	if len(req.ToolResults) > 0 || len(req.Answers) > 0 {
		return Concat(Text("summary", summarize(req)...), []Step{Complete()})
	}

	fields := strings.Fields(req.Input)
	if len(fields) == 0 {
		return Concat(Text("reply", "Say", " something", "!"), []Step{Complete()})
	}
	switch strings.ToLower(fields[0]) {
	case "define":
		if len(fields) > 1 {
			word, _ := json.Marshal(fields[1])
			return Concat(
				Text("intro", "Let me", " look that up."),
				ToolCall("lookup", "dictionary.lookup", `{"word":`, string(word), `}`),
				[]Step{Complete()},
			)
		}
	case "review":
		if len(fields) > 2 {
			card, _ := json.Marshal(fields[1])
			return Concat(
				ToolCall("review", "review.schedule", `{"card_id":`+string(card)+`,`, `"grade":`+fields[2]+`}`),
				[]Step{Complete()},
			)
		}
	case "quiz":
		topic, _ := json.Marshal(strings.Join(fields[1:], " "))
		return Concat(
			ToolCall("quiz", "content.generate", `{"topic":`+string(topic)+`,`, `"format":"quiz"}`),
			[]Step{Complete()},
		)
	case "ask":
		return []Step{Ask("ask", map[string]string{"question": "Which topic should we study next?"}), Complete()}
	}

	tokens := make([]string, 0, len(fields)+1)
	tokens = append(tokens, "You said:")
	for _, f := range fields {
		tokens = append(tokens, " "+f)
	}
	return Concat(Text("reply", tokens...), []Step{Complete()})
}

func summarize(req *domain.AgentRequest) []string {
	var parts []string
	for _, r := range req.ToolResults {
		if r.Status == domain.ToolCallStatusSucceeded {
			parts = append(parts, fmt.Sprintf("%s returned %s. ", r.Name, string(r.Result)))
		} else if r.Error != nil {
			parts = append(parts, fmt.Sprintf("%s failed (%s). ", r.Name, r.Error.Code))
		}
	}
	for _, a := range req.Answers {
		parts = append(parts, fmt.Sprintf("You answered %s. ", string(a.Answer)))
	}
	return parts
}
