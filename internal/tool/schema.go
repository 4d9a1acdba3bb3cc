package tool

import (
	"slices"

	"github.com/MrWong99/procagent/pkg/types"
)

// ArgumentsSchema renders the JSON Schema object describing s's arguments, in
// the shape expected by chat-completion function declarations. "required"
// lists parameters in declaration order and additionalProperties is disabled,
// matching the registry's rejection of unknown keys.
func ArgumentsSchema(s Spec) map[string]any {
	props := make(map[string]any, len(s.Parameters))
	required := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		prop := map[string]any{
			"type":        string(p.Type),
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			enum := make([]any, 0, len(p.Enum))
			for _, e := range p.Enum {
				if v, err := Coerce(p.Type, e); err == nil {
					enum = append(enum, v)
				}
			}
			prop["enum"] = enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Definition converts a spec into the provider-neutral model-facing form.
func Definition(s Spec) types.ToolDefinition {
	return types.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  ArgumentsSchema(s),
	}
}

// ParametersFromSchema is the inverse of [ArgumentsSchema] for schemas that
// only use the four primitive types. It reports ok=false when a property has
// any other type, so callers can skip tools the registry cannot validate.
// Parameter order follows "required" first, then the remaining property names
// sorted lexically, since JSON objects carry no order.
func ParametersFromSchema(schema map[string]any) (params []ParameterSpec, ok bool) {
	props, _ := schema["properties"].(map[string]any)
	required := map[string]bool{}
	var order []string
	switch req := schema["required"].(type) {
	case []any:
		for _, r := range req {
			if name, isStr := r.(string); isStr {
				required[name] = true
				order = append(order, name)
			}
		}
	case []string:
		for _, name := range req {
			required[name] = true
			order = append(order, name)
		}
	}
	rest := make([]string, 0, len(props))
	for name := range props {
		if !required[name] {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	order = append(order, rest...)

	for _, name := range order {
		raw, exists := props[name].(map[string]any)
		if !exists {
			return nil, false
		}
		typ, _ := raw["type"].(string)
		pt := ParamType(typ)
		if !pt.IsValid() {
			return nil, false
		}
		p := ParameterSpec{Name: name, Type: pt, Required: required[name]}
		p.Description, _ = raw["description"].(string)
		if enum, isList := raw["enum"].([]any); isList {
			for _, e := range enum {
				p.Enum = append(p.Enum, enumKey(e))
			}
		}
		params = append(params, p)
	}
	return params, true
}
