package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

const systemPrompt = "You are a study assistant. Use the provided tools to look up words, " +
	"schedule reviews and generate study material. Answer concisely."

// textKey groups every content delta of one completion into one message.
const textKey = "text"

// Agent turns chat completion streams into agent chunks.
type Agent struct {
	client ChatClient
	model  string
}

// NewAgent creates an agent that calls model through client.
func NewAgent(client ChatClient, model string) *Agent {
	return &Agent{client: client, model: model}
}

// Stream runs one agent turn.
func (a *Agent) Stream(ctx context.Context, req *domain.AgentRequest, emit func(domain.AgentChunk) error) error {
	chatReq := &ChatCompletionRequest{
		Model:    a.model,
		Messages: buildMessages(req),
		Tools:    buildTools(req.Tools),
	}

	var textOpen bool
	openCalls := make(map[int]bool)
	finished := false

	err := a.client.CreateChatCompletionStream(ctx, chatReq, func(chunk *StreamChunk) error {
		for _, choice := range chunk.Choices {
			if choice.Index != 0 || choice.Delta == nil && choice.FinishReason == "" {
				continue
			}
			if d := choice.Delta; d != nil {
				if d.Content != "" {
					textOpen = true
					if err := emit(domain.AgentChunk{Kind: domain.ChunkKindText, Key: textKey, Text: d.Content}); err != nil {
						return err
					}
				}
				for _, tc := range d.ToolCalls {
					idx := 0
					if tc.Index != nil {
						idx = *tc.Index
					}
					openCalls[idx] = true
					if err := emit(domain.AgentChunk{
						Kind:      domain.ChunkKindToolCall,
						Key:       callKey(idx),
						ToolName:  tc.Function.Name,
						ArgsDelta: tc.Function.Arguments,
					}); err != nil {
						return err
					}
				}
			}
			if choice.FinishReason != "" {
				finished = true
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !finished {
		return fmt.Errorf("completion stream ended without finish_reason")
	}

	if textOpen {
		if err := emit(domain.AgentChunk{Kind: domain.ChunkKindTextEnd, Key: textKey}); err != nil {
			return err
		}
	}
	indexes := make([]int, 0, len(openCalls))
	for idx := range openCalls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		if err := emit(domain.AgentChunk{Kind: domain.ChunkKindToolCallEnd, Key: callKey(idx)}); err != nil {
			return err
		}
	}
	return emit(domain.AgentChunk{Kind: domain.ChunkKindRunComplete})
}

func callKey(idx int) string {
	return "call-" + strconv.Itoa(idx)
}

func buildTools(defs []domain.ToolDefinition) []Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return tools
}

// buildMessages re-injects the session history (which already holds the
// run's input) and the tool results and answers gathered by earlier turns.
func buildMessages(req *domain.AgentRequest) []ChatMessage {
	msgs := []ChatMessage{{Role: "system", Content: systemPrompt}}
	for _, m := range req.History {
		if m.AccumulatedText == "" {
			continue
		}
		msgs = append(msgs, ChatMessage{Role: string(m.Role), Content: m.AccumulatedText})
	}
	if len(req.History) == 0 {
		msgs = append(msgs, ChatMessage{Role: "user", Content: req.Input})
	}

	if len(req.ToolResults) > 0 {
		calls := make([]ToolCall, 0, len(req.ToolResults))
		for _, r := range req.ToolResults {
			args := string(r.Args)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, ToolCall{
				ID:       r.CallID,
				Type:     "function",
				Function: ToolCallFunction{Name: r.Name, Arguments: args},
			})
		}
		msgs = append(msgs, ChatMessage{Role: "assistant", ToolCalls: calls})
		for _, r := range req.ToolResults {
			msgs = append(msgs, ChatMessage{Role: "tool", ToolCallID: r.CallID, Content: toolContent(r)})
		}
	}

	for _, ans := range req.Answers {
		msgs = append(msgs, ChatMessage{
			Role:    "user",
			Content: fmt.Sprintf("Answer to %s: %s", string(ans.Prompt), string(ans.Answer)),
		})
	}
	return msgs
}

func toolContent(r domain.ToolResult) string {
	if r.Status == domain.ToolCallStatusSucceeded {
		return string(r.Result)
	}
	data, err := json.Marshal(map[string]interface{}{"error": r.Error})
	if err != nil {
		return `{"error":"unknown"}`
	}
	return string(data)
}
