// Package mock provides a test double for the llm.Provider interface.
//
// Provider replays a scripted queue of responses, which is how agent-loop
// tests drive a conversation through several tool-calling rounds:
//
//	p := &mock.Provider{Responses: []*llm.CompletionResponse{
//	    {ToolCalls: []types.ToolCall{{ID: "1", Name: "add", Arguments: `{"a":2,"b":3}`}}},
//	    {Content: "The answer is 5."},
//	}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/procagent/pkg/provider/llm"
	"github.com/MrWong99/procagent/pkg/types"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	// Req is a copy of the request; later mutation of the caller's history
	// does not affect it.
	Req llm.CompletionRequest
}

// CountTokensCall records a single invocation of CountTokens.
type CountTokensCall struct {
	Messages []types.Message
}

// Provider is a mock implementation of llm.Provider.
//
// Complete answers, in priority order: CompleteErr, CompleteFunc, the next
// entry of Responses, then CompleteResponse. With nothing configured it
// returns an empty response.
type Provider struct {
	mu sync.Mutex

	// Responses is consumed front to back, one per Complete call.
	Responses []*llm.CompletionResponse

	// CompleteResponse is returned once Responses is exhausted.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned by every Complete call.
	CompleteErr error

	// CompleteFunc, if set, computes the response from the request.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	TokenCount     int
	CountTokensErr error

	ModelCapabilities types.ModelCapabilities

	CompleteCalls         []CompleteCall
	CountTokensCalls      []CountTokensCall
	CapabilitiesCallCount int
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := req
	rec.Messages = slices.Clone(req.Messages)
	rec.Tools = slices.Clone(req.Tools)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: rec})

	switch {
	case p.CompleteErr != nil:
		return nil, p.CompleteErr
	case p.CompleteFunc != nil:
		return p.CompleteFunc(ctx, req)
	case len(p.Responses) > 0:
		resp := p.Responses[0]
		p.Responses = p.Responses[1:]
		return resp, nil
	case p.CompleteResponse != nil:
		return p.CompleteResponse, nil
	}
	return &llm.CompletionResponse{}, nil
}

// CountTokens records the call and returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls = append(p.CountTokensCalls, CountTokensCall{Messages: slices.Clone(messages)})
	return p.TokenCount, p.CountTokensErr
}

// Capabilities records the call and returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.CompleteCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.CountTokensCalls = nil
	p.CapabilitiesCallCount = 0
}
