package domain

import "encoding/json"

// ChunkKind identifies an agent output item.
type ChunkKind string

const (
	ChunkKindText        ChunkKind = "text"
	ChunkKindTextEnd     ChunkKind = "text_end"
	ChunkKindToolCall    ChunkKind = "tool_call"
	ChunkKindToolCallEnd ChunkKind = "tool_call_end"
	ChunkKindInterrupt   ChunkKind = "interrupt"
	ChunkKindRunComplete ChunkKind = "run_complete"
	ChunkKindRunError    ChunkKind = "run_error"
)

// AgentChunk is one item of an agent's output stream.
// Key groups text tokens into one message and argument fragments into one tool call.
type AgentChunk struct {
	Kind         ChunkKind       `json:"kind"`
	Key          string          `json:"key,omitempty"`
	Text         string          `json:"text,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ArgsDelta    string          `json:"args_delta,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// ToolResult is a finished tool call re-injected into the next agent turn.
type ToolResult struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Status ToolCallStatus  `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ToolError      `json:"error,omitempty"`
}

// InterruptAnswer is an answered agent prompt re-injected into the next agent turn.
type InterruptAnswer struct {
	InterruptID string          `json:"interrupt_id"`
	Prompt      json.RawMessage `json:"prompt"`
	Answer      json.RawMessage `json:"answer"`
}

// ToolDefinition advertises a registered tool to the agent.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// AgentRequest is the input to one agent turn.
type AgentRequest struct {
	SessionID   string            `json:"session_id"`
	RunID       string            `json:"run_id"`
	Turn        int               `json:"turn"`
	Input       string            `json:"input"`
	History     []Message         `json:"history"`
	ToolResults []ToolResult      `json:"tool_results,omitempty"`
	Answers     []InterruptAnswer `json:"answers,omitempty"`
	Tools       []ToolDefinition  `json:"tools,omitempty"`
}
