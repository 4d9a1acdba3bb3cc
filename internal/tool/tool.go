// Package tool defines the tool abstraction offered to the language model and
// the [Registry] that validates and dispatches model-requested calls.
//
// A [Tool] declares a [Spec] (name, description and an ordered list of
// [ParameterSpec]) and an Execute method. Tools never validate their own
// arguments: [Registry.Dispatch] checks required parameters, coerces every
// value to its declared [ParamType] and rejects undeclared keys before Execute
// is called, so implementations can rely on canonical Go types:
//
//	ParamString  -> string
//	ParamInteger -> int64
//	ParamNumber  -> float64
//	ParamBoolean -> bool
//
// Failures never escape the registry as panics or Go errors. Every call yields
// a [Result] whose Error field carries one of [UnknownToolError],
// [ValidationError] or [ToolExecutionError].
package tool

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
)

// ParamType is the closed set of primitive parameter types a tool may declare.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
)

// IsValid reports whether t is one of the four supported primitive types.
func (t ParamType) IsValid() bool {
	switch t {
	case ParamString, ParamInteger, ParamNumber, ParamBoolean:
		return true
	}
	return false
}

// ParameterSpec declares a single tool parameter.
type ParameterSpec struct {
	// Name is the argument key. Unique within a tool.
	Name string `json:"name" yaml:"name" toml:"name"`

	// Type is the declared primitive type. Values are coerced to it at dispatch.
	Type ParamType `json:"type" yaml:"type" toml:"type"`

	// Description is shown to the model.
	Description string `json:"description" yaml:"description" toml:"description"`

	// Required parameters must be present and non-null.
	Required bool `json:"required" yaml:"required" toml:"required"`

	// Enum optionally restricts the accepted values. Values are compared after
	// coercion, in their string form.
	Enum []string `json:"enum,omitempty" yaml:"enum,omitempty" toml:"enum,omitempty"`
}

// Spec is the identity and schema of a tool.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ParameterSpec `json:"parameters"`
}

// ErrInvalidSpec is wrapped by every error returned from [Spec.Validate].
var ErrInvalidSpec = errors.New("invalid tool spec")

// toolNamePattern mirrors the function-name rule of the chat-completion APIs.
var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Validate checks that s can be registered: a well-formed name, and parameters
// with unique non-empty names, valid types and enum values that agree with the
// declared type.
func (s Spec) Validate() error {
	var errs []error
	if !toolNamePattern.MatchString(s.Name) {
		errs = append(errs, fmt.Errorf("name %q must match %s", s.Name, toolNamePattern))
	}
	seen := make(map[string]struct{}, len(s.Parameters))
	for i, p := range s.Parameters {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("parameters[%d]: name is required", i))
			continue
		}
		if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Errorf("parameters[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = struct{}{}
		if !p.Type.IsValid() {
			errs = append(errs, fmt.Errorf("parameters[%d] %q: unsupported type %q; valid types: string, integer, number, boolean", i, p.Name, p.Type))
			continue
		}
		for _, e := range p.Enum {
			if _, err := Coerce(p.Type, e); err != nil {
				errs = append(errs, fmt.Errorf("parameters[%d] %q: enum value %q is not a valid %s", i, p.Name, e, p.Type))
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w %q: %w", ErrInvalidSpec, s.Name, errors.Join(errs...))
}

// Param returns the parameter named name.
func (s Spec) Param(name string) (ParameterSpec, bool) {
	i := slices.IndexFunc(s.Parameters, func(p ParameterSpec) bool { return p.Name == name })
	if i < 0 {
		return ParameterSpec{}, false
	}
	return s.Parameters[i], true
}

// clone returns a deep copy of s so callers cannot mutate registry state.
func (s Spec) clone() Spec {
	out := s
	out.Parameters = make([]ParameterSpec, len(s.Parameters))
	for i, p := range s.Parameters {
		p.Enum = slices.Clone(p.Enum)
		out.Parameters[i] = p
	}
	return out
}

// Tool is a named unit of work the model can invoke.
//
// Spec must be pure: it is called at registration and every time the catalog
// is rendered. Execute receives arguments that have already been validated and
// coerced by the [Registry]; it returns a JSON-serialisable value or an error.
// Implementations that hold an external resource (a database handle, an HTTP
// client) do not own it and must not close it.
type Tool interface {
	Spec() Spec
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Func adapts a plain function to the [Tool] interface.
type Func struct {
	Def Spec
	Fn  func(ctx context.Context, args map[string]any) (any, error)
}

var _ Tool = (*Func)(nil)

// Spec implements [Tool].
func (f *Func) Spec() Spec { return f.Def }

// Execute implements [Tool].
func (f *Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("tool %q has no implementation", f.Def.Name)
	}
	return f.Fn(ctx, args)
}

// String returns the coerced string argument name. Absent arguments yield
// ("", false).
func String(args map[string]any, name string) (string, bool) {
	v, ok := args[name].(string)
	return v, ok
}

// Int returns the coerced integer argument name.
func Int(args map[string]any, name string) (int64, bool) {
	v, ok := args[name].(int64)
	return v, ok
}

// Float returns the coerced number argument name.
func Float(args map[string]any, name string) (float64, bool) {
	v, ok := args[name].(float64)
	return v, ok
}

// Bool returns the coerced boolean argument name.
func Bool(args map[string]any, name string) (bool, bool) {
	v, ok := args[name].(bool)
	return v, ok
}
