package resilience

import (
	"context"

	"github.com/MrWong99/procagent/pkg/provider/llm"
	"github.com/MrWong99/procagent/pkg/types"
)

// LLMFallback implements [llm.Provider] with failover across several
// completion backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional provider tried after the existing ones.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports each backend's breaker state.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

// Complete sends the request to the first healthy provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the primary's tokenizer. Counting is local and does not
// take part in failover.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the primary's capabilities.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.Primary().Capabilities()
}
