package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/procagent/internal/observe"
	"github.com/MrWong99/procagent/pkg/types"
)

// Dispatch outcome labels used for metrics and logs.
const (
	statusOK      = "ok"
	statusUnknown = "unknown"
	statusInvalid = "invalid"
	statusError   = "error"
)

// Result is the structured outcome of [Registry.Dispatch]. It marshals to
// {"success": bool, "value": any|null, "error": string|null}.
type Result struct {
	Success bool
	Value   any
	Error   string

	err error
}

// Err returns the typed error behind a failed result (one of
// *UnknownToolError, *ValidationError or *ToolExecutionError), or nil.
func (r Result) Err() error { return r.err }

// MarshalJSON implements [json.Marshaler].
func (r Result) MarshalJSON() ([]byte, error) {
	var errText *string
	if !r.Success {
		e := r.Error
		errText = &e
	}
	return json.Marshal(struct {
		Success bool    `json:"success"`
		Value   any     `json:"value"`
		Error   *string `json:"error"`
	}{r.Success, r.Value, errText})
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error(), err: err}
}

// Option configures a [Registry].
type Option func(*Registry)

// WithLogger sets the logger used for registration and dispatch events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics records dispatch counts and latencies on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry owns the set of tools offered to the model.
//
// Registration order is preserved and determines catalog order. Registering a
// name that already exists silently replaces the previous tool in place; use
// [Registry.RegisterStrict] to reject duplicates instead. A Registry is safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	specs map[string]Spec
	order []string

	logger  *slog.Logger
	metrics *observe.Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		specs:  make(map[string]Spec),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds t under its spec name, replacing any tool registered under
// the same name while keeping the original catalog position. It fails only if
// the spec itself is invalid (see [Spec.Validate]).
func (r *Registry) Register(t Tool) error {
	spec := t.Spec()
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("tool: register: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		r.logger.Debug("tool replaced", "tool", spec.Name)
	} else {
		r.order = append(r.order, spec.Name)
	}
	r.tools[spec.Name] = t
	r.specs[spec.Name] = spec.clone()
	return nil
}

// RegisterStrict is like [Registry.Register] but returns a
// *[DuplicateToolError] if the name is already registered.
func (r *Registry) RegisterStrict(t Tool) error {
	spec := t.Spec()
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("tool: register: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return &DuplicateToolError{Name: spec.Name}
	}
	r.order = append(r.order, spec.Name)
	r.tools[spec.Name] = t
	r.specs[spec.Name] = spec.clone()
	return nil
}

// Unregister removes name. It reports whether a tool was removed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	delete(r.specs, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return true
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// ListSpecs returns a copy of every registered spec in registration order.
// Calling it repeatedly without an intervening registration yields identical
// output.
func (r *Registry) ListSpecs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name].clone())
	}
	return out
}

// Definitions returns the model-facing catalog in registration order.
func (r *Registry) Definitions() []types.ToolDefinition {
	specs := r.ListSpecs()
	out := make([]types.ToolDefinition, len(specs))
	for i, s := range specs {
		out[i] = Definition(s)
	}
	return out
}

// Dispatch validates args against the named tool's spec and executes it.
// It never panics and never returns a Go error: every failure is reported in
// the returned [Result].
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) Result {
	ctx, span := observe.StartSpan(ctx, "tool.dispatch",
		trace.WithAttributes(attribute.String("tool.name", name)),
	)
	defer span.End()

	start := time.Now()
	res, status := r.dispatch(ctx, name, args)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.String("tool.status", status))
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}
	if r.metrics != nil {
		label := name
		if status == statusUnknown {
			label = "(unknown)"
		}
		r.metrics.RecordToolCall(ctx, label, status, elapsed)
	}

	log := observe.Logger(ctx)
	if res.Success {
		log.Debug("tool dispatched", "tool", name, "duration", elapsed)
	} else {
		log.Warn("tool dispatch failed", "tool", name, "status", status, "err", res.Error)
	}
	return res
}

// DispatchJSON is [Registry.Dispatch] for a raw JSON argument object as
// produced by the model. An empty string is treated as "{}".
func (r *Registry) DispatchJSON(ctx context.Context, name, rawArgs string) Result {
	if _, ok := r.Get(name); !ok {
		return r.Dispatch(ctx, name, nil)
	}
	args, err := DecodeArguments(rawArgs)
	if err != nil {
		return failure(&ValidationError{
			Tool:     name,
			Problems: []ParamProblem{{Param: "arguments", Reason: err.Error()}},
		})
	}
	return r.Dispatch(ctx, name, args)
}

// DecodeArguments decodes a JSON argument object, keeping numbers as
// [json.Number] so integer precision survives until coercion.
func DecodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (r *Registry) dispatch(ctx context.Context, name string, args map[string]any) (Result, string) {
	r.mu.RLock()
	t, ok := r.tools[name]
	spec := r.specs[name]
	r.mu.RUnlock()
	if !ok {
		return failure(&UnknownToolError{Name: name}), statusUnknown
	}

	coerced, verr := validate(spec, args)
	if verr != nil {
		return failure(verr), statusInvalid
	}

	value, err := invoke(ctx, t, coerced)
	if err != nil {
		var execErr *ToolExecutionError
		if !errors.As(err, &execErr) {
			execErr = &ToolExecutionError{Tool: name, Err: err}
		}
		return failure(execErr), statusError
	}
	return Result{Success: true, Value: value}, statusOK
}

// validate checks args against spec and returns a new map holding the coerced
// values of every present argument.
func validate(spec Spec, args map[string]any) (map[string]any, *ValidationError) {
	var problems []ParamProblem
	for key := range args {
		if _, declared := spec.Param(key); !declared {
			problems = append(problems, ParamProblem{Param: key, Reason: "unknown parameter"})
		}
	}

	out := make(map[string]any, len(spec.Parameters))
	for _, p := range spec.Parameters {
		v, present := args[p.Name]
		if !present || v == nil {
			if p.Required {
				problems = append(problems, ParamProblem{Param: p.Name, Reason: "missing required parameter"})
			}
			continue
		}
		cv, err := Coerce(p.Type, v)
		if err != nil {
			problems = append(problems, ParamProblem{
				Param:  p.Name,
				Reason: fmt.Sprintf("cannot use %v as %s: %v", v, p.Type, err),
			})
			continue
		}
		if len(p.Enum) > 0 && !inEnum(p, cv) {
			problems = append(problems, ParamProblem{
				Param:  p.Name,
				Reason: fmt.Sprintf("value %q is not one of [%s]", enumKey(cv), strings.Join(p.Enum, ", ")),
			})
			continue
		}
		out[p.Name] = cv
	}

	if len(problems) == 0 {
		return out, nil
	}
	slices.SortFunc(problems, func(a, b ParamProblem) int { return strings.Compare(a.Param, b.Param) })
	return nil, &ValidationError{Tool: spec.Name, Problems: problems}
}

func inEnum(p ParameterSpec, v any) bool {
	key := enumKey(v)
	for _, e := range p.Enum {
		ev, err := Coerce(p.Type, e)
		if err == nil && enumKey(ev) == key {
			return true
		}
	}
	return false
}

// invoke runs t.Execute, converting a panic into an error.
func invoke(ctx context.Context, t Tool, args map[string]any) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.Execute(ctx, args)
}
