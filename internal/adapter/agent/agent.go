// Package agent defines the agent collaborator consumed by the orchestrator
// and builds the configured implementation.
package agent

import (
	"context"
	"fmt"
	"log"

	"github.com/xiaot623/gogo/agui/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/agui/internal/adapter/llm"
	"github.com/xiaot623/gogo/agui/internal/adapter/mock"
	"github.com/xiaot623/gogo/agui/internal/config"
	"github.com/xiaot623/gogo/agui/internal/domain"
)

// Agent produces the output of one agent turn. Chunks are passed to emit in
// order; a returned error is a stream failure the orchestrator may retry.
type Agent interface {
	Stream(ctx context.Context, req *domain.AgentRequest, emit func(domain.AgentChunk) error) error
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, req *domain.AgentRequest, emit func(domain.AgentChunk) error) error

// Stream calls f.
func (f Func) Stream(ctx context.Context, req *domain.AgentRequest, emit func(domain.AgentChunk) error) error {
	return f(ctx, req, emit)
}

// Agent modes
const (
	ModeLLM    = "llm"
	ModeRemote = "remote"
	ModeMock   = "mock"
)

var (
	_ Agent = (*llm.Agent)(nil)
	_ Agent = (*agentclient.Client)(nil)
	_ Agent = (*mock.Agent)(nil)
)

// New creates the agent selected by cfg.AgentMode.
func New(cfg *config.Config) (Agent, error) {
	switch cfg.AgentMode {
	case ModeLLM, "":
		log.Printf("Agent mode: llm (%s, model %s)", cfg.LLMBaseURL, cfg.LLMModel)
		return llm.NewAgent(llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.AgentTimeout), cfg.LLMModel), nil
	case ModeRemote:
		log.Printf("Agent mode: remote (%s)", cfg.AgentEndpoint)
		return agentclient.NewClient(cfg.AgentEndpoint, cfg.AgentTimeout), nil
	case ModeMock:
		log.Println("Agent mode: mock")
		return mock.NewAgent(mock.Demo), nil
	default:
		return nil, fmt.Errorf("unknown agent mode %q", cfg.AgentMode)
	}
}
