// Package procedure provides a [tool.Tool] that invokes a database stored
// procedure through a [db.Adapter].
package procedure

import (
	"context"
	"fmt"

	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/tool"
)

// Definition declares a stored-procedure tool. It is the unit stored in the
// tool catalog and in configuration files.
type Definition struct {
	// Name is the tool name shown to the model.
	Name string `json:"name" yaml:"name" toml:"name"`

	// Description is shown to the model.
	Description string `json:"description" yaml:"description" toml:"description"`

	// Procedure is the database object to call. Defaults to Name.
	Procedure string `json:"procedure,omitempty" yaml:"procedure,omitempty" toml:"procedure,omitempty"`

	// Parameters are passed to the procedure in this order.
	Parameters []tool.ParameterSpec `json:"parameters" yaml:"parameters" toml:"parameters"`
}

// ProcedureName returns Procedure, or Name when Procedure is empty.
func (d Definition) ProcedureName() string {
	if d.Procedure != "" {
		return d.Procedure
	}
	return d.Name
}

// Spec returns the tool spec for d.
func (d Definition) Spec() tool.Spec {
	return tool.Spec{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

// Validate checks the tool spec and the procedure name.
func (d Definition) Validate() error {
	if err := d.Spec().Validate(); err != nil {
		return err
	}
	if err := db.ValidateProcedureName(d.ProcedureName()); err != nil {
		return fmt.Errorf("%w %q: %w", tool.ErrInvalidSpec, d.Name, err)
	}
	for _, p := range d.Parameters {
		if err := db.ValidateParamName(p.Name); err != nil {
			return fmt.Errorf("%w %q: %w", tool.ErrInvalidSpec, d.Name, err)
		}
	}
	return nil
}

// Tool calls a stored procedure. The adapter is borrowed: Tool never closes
// it, and the adapter must outlive every registry the tool is registered in.
type Tool struct {
	def     Definition
	adapter db.Adapter
}

var _ tool.Tool = (*Tool)(nil)

// New returns a stored-procedure tool for def backed by adapter.
func New(def Definition, adapter db.Adapter) (*Tool, error) {
	if adapter == nil {
		return nil, fmt.Errorf("procedure: %s: nil adapter", def.Name)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("procedure: %w", err)
	}
	return &Tool{def: def, adapter: adapter}, nil
}

// Spec implements [tool.Tool].
func (t *Tool) Spec() tool.Spec { return t.def.Spec() }

// Definition returns the definition the tool was built from.
func (t *Tool) Definition() Definition { return t.def }

// Execute implements [tool.Tool]. Arguments are passed in declared parameter
// order; parameters the caller omitted are not sent, so the procedure's own
// defaults apply.
//
// A procedure that returns a result set yields a [db.RowSet] (possibly
// empty). One that does not yields {"rows_affected": n}. Adapter errors are
// returned unchanged.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (any, error) {
	params := make([]db.Param, 0, len(t.def.Parameters))
	for _, p := range t.def.Parameters {
		if v, ok := args[p.Name]; ok {
			params = append(params, db.Param{Name: p.Name, Value: v})
		}
	}

	res, err := t.adapter.CallProcedure(ctx, t.def.ProcedureName(), params)
	if err != nil {
		return nil, err
	}
	if !res.HasResultSet() {
		return map[string]any{"rows_affected": res.RowsAffected}, nil
	}
	return res.RowSet(), nil
}
