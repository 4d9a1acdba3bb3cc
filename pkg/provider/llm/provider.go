// Package llm defines the Provider interface for chat-completion backends.
//
// A provider wraps a hosted or local model API (OpenAI, Azure OpenAI,
// Anthropic, a local Ollama instance) and exposes the single request/response
// exchange the agent loop needs: send the conversation plus the tool catalog,
// get back either text or tool calls.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/MrWong99/procagent/pkg/types"
)

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the field-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []types.Message

	// Tools is the catalog offered to the model. The model may answer with
	// calls to any of them.
	Tools []types.ToolDefinition

	// Temperature controls randomness in [0.0, 2.0]. Zero leaves the provider
	// default in place.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is injected before Messages. Providers without a dedicated
	// system field prepend it as a system-role message.
	SystemPrompt string
}

// CompletionResponse is a single model reply.
type CompletionResponse struct {
	// Content is the assistant's text. Empty when the model responds only with
	// tool calls.
	Content string

	// ToolCalls lists the tool invocations the model requested. The caller
	// executes them and appends the results to the conversation.
	ToolCalls []types.ToolCall

	// FinishReason is the backend's stop reason ("stop", "tool_calls",
	// "length"). Informational only.
	FinishReason string

	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply. It returns
	// an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. The estimate should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() types.ModelCapabilities
}

// EstimateTokens is the fallback token estimate used when no tokenizer is
// available: roughly four characters per token plus per-message overhead.
func EstimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name) + len(tc.Arguments) + 3) / 4
		}
		total += 4
	}
	return total
}
