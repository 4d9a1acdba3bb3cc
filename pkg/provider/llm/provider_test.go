package llm

import (
	"testing"

	"github.com/MrWong99/procagent/pkg/types"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		msgs []types.Message
		want int
	}{
		{"empty", nil, 0},
		{"one short message", []types.Message{{Role: "user", Content: "Hello world"}}, 3 + 4},
		{
			"tool call counted",
			[]types.Message{{Role: "assistant", ToolCalls: []types.ToolCall{{Name: "add", Arguments: `{"a":2}`}}}},
			3 + 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.msgs); got != tt.want {
				t.Errorf("EstimateTokens = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUsage_Add(t *testing.T) {
	got := Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}.Add(Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6})
	if got != (Usage{PromptTokens: 15, CompletionTokens: 3, TotalTokens: 18}) {
		t.Errorf("Add = %+v", got)
	}
}
