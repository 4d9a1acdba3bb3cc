package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/procagent/pkg/provider/llm"
	"github.com/MrWong99/procagent/pkg/types"
)

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	msg := types.Message{
		Role: types.RoleAssistant,
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "CustomerProfileSummary", Arguments: `{"customer_id":12345}`},
		},
	}
	got := convertMessage(msg)
	if got.Role != types.RoleAssistant {
		t.Errorf("role = %q", got.Role)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", got.ToolCalls)
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" || tc.Function.Name != "CustomerProfileSummary" || tc.Function.Arguments != `{"customer_id":12345}` {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestConvertMessage_ToolResult(t *testing.T) {
	got := convertMessage(types.Message{Role: types.RoleTool, Content: `{"result":5}`, ToolCallID: "call_1"})
	if got.Role != types.RoleTool || got.ToolCallID != "call_1" || got.Content != `{"result":5}` {
		t.Errorf("message = %+v", got)
	}
	if len(got.ToolCalls) != 0 {
		t.Errorf("unexpected tool calls: %+v", got.ToolCalls)
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "claude-3-5-sonnet-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a database assistant.",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "find Smith"}},
		Tools: []types.ToolDefinition{{
			Name:        "SearchCustomers",
			Description: "Search customers by name",
			Parameters:  map[string]any{"type": "object"},
		}},
		Temperature: 0.3,
		MaxTokens:   512,
	})

	if params.Model != "claude-3-5-sonnet-latest" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("messages = %+v, want system prompt first", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "SearchCustomers" {
		t.Errorf("tools = %+v", params.Tools)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	p := &Provider{model: "llama3.1"}
	params := p.buildParams(llm.CompletionRequest{Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("zero temperature/max tokens must stay unset: %+v", params)
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages = %+v", params.Messages)
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model         string
		contextWindow int
		vision        bool
	}{
		{"claude-3-5-sonnet-latest", 200_000, true},
		{"claude-3-opus-20240229", 200_000, true},
		{"gemini-1.5-pro", 2_097_152, true},
		{"gemini-2.0-flash", 1_048_576, true},
		{"deepseek-chat", 64_000, false},
		{"mistral-large-latest", 32_768, false},
		{"llama3.1", 128_000, false},
		{"something-else", 128_000, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.contextWindow {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.contextWindow)
			}
			if caps.SupportsVision != tt.vision {
				t.Errorf("SupportsVision = %v, want %v", caps.SupportsVision, tt.vision)
			}
			if !caps.SupportsToolCalling {
				t.Error("expected tool calling support")
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
	}{
		{"empty provider", "", "llama3"},
		{"empty model", "ollama", ""},
		{"unsupported", "fakecloud", "some-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.provider, tt.model, anyllmlib.WithAPIKey("dummy")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_Backends(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		opts     []anyllmlib.Option
	}{
		{"anthropic", "claude-3-5-sonnet-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", "llama3", nil},
		{"llamacpp", "llama3", nil},
		{"OpenAI", "gpt-4o", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := New(tt.provider, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.model != tt.model {
				t.Errorf("model = %q", p.model)
			}
		})
	}
}

func TestSupported(t *testing.T) {
	if !Supported("Anthropic") || !Supported("ollama") {
		t.Error("expected known backends to be supported")
	}
	if Supported("azure") {
		t.Error("azure is served by the openai package")
	}
}

func TestCountTokens(t *testing.T) {
	p := &Provider{model: "llama3"}
	msgs := []types.Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there, how can I help?"},
	}
	n, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != llm.EstimateTokens(msgs) {
		t.Errorf("CountTokens = %d, want %d", n, llm.EstimateTokens(msgs))
	}
	if zero, _ := p.CountTokens(nil); zero != 0 {
		t.Errorf("empty = %d", zero)
	}
}
