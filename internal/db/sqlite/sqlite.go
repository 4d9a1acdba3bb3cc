// Package sqlite implements [db.Adapter] on SQLite using the pure-Go
// modernc.org/sqlite driver.
//
// SQLite has no stored procedures. A "procedure" here is a named SQL
// statement registered up front, with parameters written as :Name, @Name or
// $Name:
//
//	statements := map[string]string{
//	    "CustomerProfileSummary": "SELECT * FROM customers WHERE id = :CustomerID",
//	}
//
// Parameters referenced by a statement but not supplied by the caller are
// bound as NULL, so optional filters can be written as
// (:Region IS NULL OR region = :Region).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/procagent/internal/db"
)

var placeholderPattern = regexp.MustCompile(`[:@$]([A-Za-z_][A-Za-z0-9_]*)`)

type statement struct {
	sql    string
	params []string // referenced parameter names, first-appearance order
	query  bool
}

// Adapter is a [db.Adapter] backed by a SQLite database file.
type Adapter struct {
	db         *sql.DB
	statements map[string]statement
}

var _ db.Adapter = (*Adapter)(nil)

// Open opens the database at path and registers statements. The special path
// ":memory:" opens a private in-memory database limited to one connection so
// every call sees the same data.
func Open(ctx context.Context, path string, statements map[string]string) (*Adapter, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &db.ConnectionError{Op: "open", Err: err}
	}
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, &db.ConnectionError{Op: "ping", Err: err}
	}

	a := &Adapter{db: conn, statements: make(map[string]statement, len(statements))}
	for name, text := range statements {
		if err := a.Register(name, text); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return a, nil
}

// Register adds or replaces the statement executed for procedure name. It
// must not be called concurrently with CallProcedure.
func (a *Adapter) Register(name, text string) error {
	if err := db.ValidateProcedureName(name); err != nil {
		return fmt.Errorf("sqlite: register: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("sqlite: register %s: empty statement", name)
	}
	st := statement{sql: text, query: returnsRows(text)}
	seen := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(stripLiterals(text), -1) {
		key := strings.ToLower(m[1])
		if !seen[key] {
			seen[key] = true
			st.params = append(st.params, m[1])
		}
	}
	a.statements[name] = st
	return nil
}

// Setup executes script, typically schema DDL and seed data.
func (a *Adapter) Setup(ctx context.Context, script string) error {
	if _, err := a.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("sqlite: setup: %w", err)
	}
	return nil
}

// CallProcedure implements [db.Adapter]. Parameter names are matched
// case-insensitively.
func (a *Adapter) CallProcedure(ctx context.Context, name string, params []db.Param) (*db.Result, error) {
	st, ok := a.statements[name]
	if !ok {
		return nil, &db.ProcedureError{Procedure: name, Err: errors.New("procedure not found")}
	}

	supplied := make(map[string]any, len(params))
	for _, p := range params {
		supplied[strings.ToLower(p.Name)] = p.Value
	}
	args := make([]any, 0, len(st.params))
	for _, ref := range st.params {
		key := strings.ToLower(ref)
		args = append(args, sql.Named(ref, supplied[key]))
		delete(supplied, key)
	}
	if len(supplied) > 0 {
		extra := slices.Sorted(maps.Keys(supplied))
		return nil, &db.ProcedureError{
			Procedure: name,
			Err:       fmt.Errorf("procedure has no parameter %s", strings.Join(extra, ", ")),
		}
	}

	if !st.query {
		r, err := a.db.ExecContext(ctx, st.sql, args...)
		if err != nil {
			return nil, classify(name, err)
		}
		n, _ := r.RowsAffected()
		return &db.Result{RowsAffected: n}, nil
	}

	rows, err := a.db.QueryContext(ctx, st.sql, args...)
	if err != nil {
		return nil, classify(name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify(name, err)
	}
	res := &db.Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify(name, err)
		}
		for i, v := range vals {
			vals[i] = db.NormalizeValue(v)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(name, err)
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

// Ping implements [db.Adapter].
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return &db.ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

// Close implements [db.Adapter].
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Procedures returns the registered statement names.
func (a *Adapter) Procedures() []string {
	return slices.Sorted(maps.Keys(a.statements))
}

func classify(procedure string, err error) error {
	switch {
	case errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return &db.ConnectionError{Op: "call " + procedure, Err: err}
	}
	return &db.ProcedureError{Procedure: procedure, Err: err}
}

func returnsRows(text string) bool {
	upper := strings.ToUpper(text)
	for _, kw := range []string{"SELECT", "WITH", "VALUES", "PRAGMA"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return strings.Contains(upper, "RETURNING")
}

// stripLiterals blanks out single-quoted string literals so placeholders
// inside them are not mistaken for parameters.
func stripLiterals(text string) string {
	var b strings.Builder
	in := false
	for _, r := range text {
		if r == '\'' {
			in = !in
			b.WriteRune(' ')
			continue
		}
		if in {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
