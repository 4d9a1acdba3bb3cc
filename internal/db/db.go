// Package db defines the database adapter contract used by stored-procedure
// tools, plus helpers shared by the concrete drivers in the postgres and
// sqlite subpackages.
//
// Adapters are pooled: every CallProcedure checks out its own connection for
// the duration of the call, so a single Adapter may be shared by any number of
// concurrent tool executions.
package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"time"
)

// Param is one named argument passed to a stored procedure. Values arrive
// already coerced to their declared type (string, int64, float64 or bool).
type Param struct {
	Name  string
	Value any
}

// Result is the outcome of a procedure call.
type Result struct {
	// Columns holds the result-set column names. Empty when the procedure
	// produced no result set.
	Columns []string

	// Rows holds one slice per row, aligned with Columns.
	Rows [][]any

	// RowsAffected is reported by drivers that know it. Zero otherwise.
	RowsAffected int64
}

// HasResultSet reports whether the call returned a (possibly empty) result set.
func (r *Result) HasResultSet() bool { return len(r.Columns) > 0 }

// Maps returns the rows as column-name keyed maps. Values are normalised to
// JSON-friendly forms: []byte becomes string and time.Time becomes RFC 3339.
func (r *Result) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				m[col] = NormalizeValue(row[i])
			} else {
				m[col] = nil
			}
		}
		out = append(out, m)
	}
	return out
}

// RowSet returns the rows as a [RowSet] that keeps the procedure's column
// order.
func (r *Result) RowSet() RowSet {
	return RowSet{Columns: slices.Clone(r.Columns), Rows: r.Maps()}
}

// RowSet is a result set whose rows are keyed by column name. Columns keeps
// the order the procedure returned them in; it is the value stored-procedure
// tools hand back to the model and to the spreadsheet export.
type RowSet struct {
	Columns []string
	Rows    []map[string]any
}

// Len returns the number of rows.
func (s RowSet) Len() int { return len(s.Rows) }

// MarshalJSON encodes s as an array of objects whose keys follow Columns.
func (s RowSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, row := range s.Rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for j, col := range s.Columns {
			if j > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(col)
			if err != nil {
				return nil, err
			}
			v, err := json.Marshal(row[col])
			if err != nil {
				return nil, fmt.Errorf("db: encode column %q: %w", col, err)
			}
			buf.Write(k)
			buf.WriteByte(':')
			buf.Write(v)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// NormalizeValue converts driver values into forms that serialise cleanly.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.Format(time.RFC3339)
	}
	return v
}

// Adapter executes stored procedures against a database.
type Adapter interface {
	// CallProcedure invokes the named procedure with params in the given order.
	// Failures are reported as *ConnectionError or *ProcedureError.
	CallProcedure(ctx context.Context, name string, params []Param) (*Result, error)

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close() error
}

var procedureNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateProcedureName rejects names that could not be safely interpolated
// into SQL. Accepted names are an identifier optionally qualified by a schema.
func ValidateProcedureName(name string) error {
	if !procedureNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidProcedureName, name)
	}
	return nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateParamName rejects parameter names that are not plain identifiers.
func ValidateParamName(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidParamName, name)
	}
	return nil
}
