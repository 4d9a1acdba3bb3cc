// Package agent implements the conversation loop between a chat-completion
// provider and the tool registry.
//
// A chat turn sends the history plus the registry's catalog to the model. If
// the model answers with text, the turn ends. If it asks for tools, every call
// is dispatched through [tool.Registry] in order, each result is appended to
// the history as a tool message, and the model is asked again. The loop ends
// on a text answer, after three consecutive rounds in which no tool call
// succeeded, or when the iteration limit is reached.
//
// An [Agent] holds per-conversation state and is not safe for concurrent use;
// callers serialise access (the session layer holds one mutex per session).
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/procagent/internal/observe"
	"github.com/MrWong99/procagent/internal/tool"
	"github.com/MrWong99/procagent/pkg/provider/llm"
	"github.com/MrWong99/procagent/pkg/types"
)

// Replies used when a turn ends without a model answer.
const (
	ToolFailureReply    = "I encountered errors while processing your request. Please try rephrasing your question."
	IterationLimitReply = "I've completed multiple steps but reached the iteration limit. Please ask a follow-up question if you need more information."
)

// maxNoProgress is the number of consecutive rounds without a successful tool
// call after which a turn is abandoned.
const maxNoProgress = 3

// Turn outcomes, used as the metrics label.
const (
	OutcomeAnswer         = "answer"
	OutcomeToolFailures   = "tool_failures"
	OutcomeIterationLimit = "iteration_limit"
	OutcomeError          = "error"
)

// ErrEmptyMessage is returned by [Agent.Chat] for a blank user message.
var ErrEmptyMessage = errors.New("agent: message must not be empty")

// MaxIterations is the default round-trip budget for a catalog of toolCount
// tools: a quarter of the catalog size, clamped to [5, 10].
func MaxIterations(toolCount int) int {
	return min(10, max(5, toolCount/4))
}

// Option configures an [Agent].
type Option func(*Agent)

// WithSystemPrompt sets the system prompt sent with every request.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithMaxIterations fixes the round-trip budget per turn. Zero or negative
// derives it from the catalog size with [MaxIterations].
func WithMaxIterations(n int) Option {
	return func(a *Agent) { a.maxIterations = n }
}

// WithTemperature sets the sampling temperature. Zero keeps the provider
// default.
func WithTemperature(t float64) Option {
	return func(a *Agent) { a.temperature = t }
}

// WithMaxTokens caps each completion.
func WithMaxTokens(n int) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// WithLogger sets the logger. Default: [observe.Logger] of the turn context.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithMetrics records completion latency and per-turn iteration counts on m.
// providerName labels the completion metrics.
func WithMetrics(m *observe.Metrics, providerName string) Option {
	return func(a *Agent) {
		a.metrics = m
		a.providerName = providerName
	}
}

// WithResultCache replaces the agent's result cache, for callers that want to
// inspect it.
func WithResultCache(c *ResultCache) Option {
	return func(a *Agent) { a.cache = c }
}

// WithToolObserver calls fn after every dispatched tool call, in dispatch
// order, on the goroutine running [Agent.Chat].
func WithToolObserver(fn func(call types.ToolCall, res tool.Result)) Option {
	return func(a *Agent) { a.observer = fn }
}

// Agent runs chat turns against one provider and one registry.
type Agent struct {
	provider llm.Provider
	registry *tool.Registry

	systemPrompt  string
	maxIterations int
	temperature   float64
	maxTokens     int
	cache         *ResultCache
	logger        *slog.Logger
	metrics       *observe.Metrics
	providerName  string
	observer      func(types.ToolCall, tool.Result)

	history []types.Message
	usage   llm.Usage
}

// New returns an Agent that completes with provider and dispatches through
// registry. Neither is owned by the agent.
func New(provider llm.Provider, registry *tool.Registry, opts ...Option) (*Agent, error) {
	if provider == nil {
		return nil, errors.New("agent: provider must not be nil")
	}
	if registry == nil {
		return nil, errors.New("agent: registry must not be nil")
	}
	a := &Agent{
		provider:     provider,
		registry:     registry,
		providerName: "llm",
	}
	for _, o := range opts {
		o(a)
	}
	if a.cache == nil {
		a.cache = NewResultCache()
	}
	return a, nil
}

// Chat runs one turn for message and returns the reply shown to the user.
//
// Tool failures never surface as errors; they are relayed to the model. The
// only error returns are a blank message, a completion failure and context
// cancellation, each wrapped with an "agent: " prefix.
func (a *Agent) Chat(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}

	ctx, span := observe.StartSpan(ctx, "agent.chat")
	defer span.End()
	log := a.logger
	if log == nil {
		log = observe.Logger(ctx)
	}

	// A failed turn is rolled back so the history never holds a tool call
	// without its tool reply.
	start := len(a.history)
	a.history = append(a.history, types.Message{Role: types.RoleUser, Content: message})

	defs := a.registry.Definitions()
	limit := a.maxIterations
	if limit <= 0 {
		limit = MaxIterations(len(defs))
	}
	log.Debug("chat turn started", "tools", len(defs), "max_iterations", limit)

	noProgress := 0
	for iter := 1; iter <= limit; iter++ {
		resp, err := a.complete(ctx, defs)
		if err != nil {
			a.history = a.history[:start]
			a.finish(ctx, span, iter, OutcomeError)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("agent: completion: %w", err)
		}
		a.usage = a.usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			a.history = append(a.history, types.Message{Role: types.RoleAssistant, Content: resp.Content})
			a.finish(ctx, span, iter, OutcomeAnswer)
			log.Debug("chat turn answered", "iterations", iter)
			return resp.Content, nil
		}

		a.history = append(a.history, types.Message{
			Role:      types.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: slices.Clone(resp.ToolCalls),
		})

		progressed := false
		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				a.history = a.history[:start]
				a.finish(ctx, span, iter, OutcomeError)
				return "", fmt.Errorf("agent: %w", err)
			}
			res := a.runTool(ctx, call)
			if a.observer != nil {
				a.observer(call, res)
			}
			if res.Success {
				progressed = true
			}
			log.Info("tool call", "iteration", iter, "tool", call.Name, "success", res.Success)
			a.history = append(a.history, types.Message{
				Role:       types.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    FormatResult(call.Name, res),
			})
		}

		if progressed {
			noProgress = 0
			continue
		}
		noProgress++
		if noProgress >= maxNoProgress {
			log.Warn("stopping turn: no tool call succeeded", "rounds", noProgress)
			a.history = append(a.history, types.Message{Role: types.RoleAssistant, Content: ToolFailureReply})
			a.finish(ctx, span, iter, OutcomeToolFailures)
			return ToolFailureReply, nil
		}
	}

	log.Warn("stopping turn: iteration limit reached", "max_iterations", limit)
	a.history = append(a.history, types.Message{Role: types.RoleAssistant, Content: IterationLimitReply})
	a.finish(ctx, span, limit, OutcomeIterationLimit)
	return IterationLimitReply, nil
}

func (a *Agent) complete(ctx context.Context, defs []types.ToolDefinition) (*llm.CompletionResponse, error) {
	ctx, span := observe.StartSpan(ctx, "llm.complete",
		trace.WithAttributes(attribute.String("llm.provider", a.providerName)),
	)
	defer span.End()

	start := time.Now()
	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     slices.Clone(a.history),
		Tools:        defs,
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
		SystemPrompt: a.systemPrompt,
	})
	status := "ok"
	if err == nil && resp == nil {
		err = errors.New("provider returned no response")
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if a.metrics != nil {
		a.metrics.RecordProviderRequest(ctx, a.providerName, status, time.Since(start))
	}
	return resp, err
}

func (a *Agent) finish(ctx context.Context, span trace.Span, iterations int, outcome string) {
	span.SetAttributes(
		attribute.Int("agent.iterations", iterations),
		attribute.String("agent.outcome", outcome),
	)
	if a.metrics != nil {
		a.metrics.RecordAgentTurn(ctx, iterations, outcome)
	}
}

// Reset clears the conversation history and the result cache. The system
// prompt is kept.
func (a *Agent) Reset() {
	a.history = nil
	a.cache.Clear()
	a.usage = llm.Usage{}
}

// History returns a copy of the conversation so far, without the system
// prompt.
func (a *Agent) History() []types.Message {
	return slices.Clone(a.history)
}

// SystemPrompt returns the configured system prompt.
func (a *Agent) SystemPrompt() string { return a.systemPrompt }

// Usage returns the token usage accumulated since creation or the last
// [Agent.Reset].
func (a *Agent) Usage() llm.Usage { return a.usage }

// Cache returns the agent's result cache.
func (a *Agent) Cache() *ResultCache { return a.cache }

// ContextTokens estimates the size of the current history with the
// provider's tokenizer.
func (a *Agent) ContextTokens() (int, error) {
	msgs := a.history
	if a.systemPrompt != "" {
		msgs = append([]types.Message{{Role: types.RoleSystem, Content: a.systemPrompt}}, msgs...)
	}
	return a.provider.CountTokens(msgs)
}
