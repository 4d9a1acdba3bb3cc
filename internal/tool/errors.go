package tool

import (
	"fmt"
	"strings"
)

// UnknownToolError reports a dispatch to a name that is not registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return "UnknownToolError: " + e.Name
}

// ParamProblem is a single argument violation.
type ParamProblem struct {
	Param  string
	Reason string
}

// ValidationError reports arguments that do not satisfy a tool's schema. It
// names every offending parameter, sorted by name.
type ValidationError struct {
	Tool     string
	Problems []ParamProblem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = fmt.Sprintf("%s: %s", p.Param, p.Reason)
	}
	return fmt.Sprintf("ValidationError: %s: %s", e.Tool, strings.Join(parts, "; "))
}

// Params returns the names of the offending parameters.
func (e *ValidationError) Params() []string {
	out := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		out[i] = p.Param
	}
	return out
}

// ToolExecutionError wraps a failure raised by a tool's Execute, including a
// recovered panic. The downstream message is preserved verbatim.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("ToolExecutionError: %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// DuplicateToolError is returned by [Registry.RegisterStrict] when the name is
// already taken. [Registry.Register] overwrites instead.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return "DuplicateToolError: " + e.Name
}
