// Package postgres implements [db.Adapter] on PostgreSQL using pgx.
//
// Functions are invoked with named notation so argument order never matters
// to the server:
//
//	SELECT * FROM public.customer_profile_summary(p_customerid => $1)
//
// Procedures (mode "call") use CALL with the same argument list; their OUT
// parameters come back as a single-row result set.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/procagent/internal/db"
)

// Mode selects how procedures are invoked.
type Mode string

const (
	// ModeSelect calls set-returning or scalar functions with SELECT * FROM.
	ModeSelect Mode = "select"
	// ModeCall invokes procedures with CALL.
	ModeCall Mode = "call"
)

// DB is the database interface used by [Adapter]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithMode sets the invocation mode. Default: [ModeSelect].
func WithMode(m Mode) Option {
	return func(a *Adapter) { a.mode = m }
}

// WithParamPrefix prepends prefix to every parameter name, for schemas that
// name arguments p_customerid and similar.
func WithParamPrefix(prefix string) Option {
	return func(a *Adapter) { a.prefix = prefix }
}

// Adapter is a [db.Adapter] backed by PostgreSQL.
type Adapter struct {
	db     DB
	closer func()
	mode   Mode
	prefix string
}

var _ db.Adapter = (*Adapter)(nil)

// New wraps an existing connection or pool. The caller keeps ownership of db;
// Close on the returned adapter is a no-op.
func New(conn DB, opts ...Option) *Adapter {
	a := &Adapter{db: conn, mode: ModeSelect}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Open creates a pgx connection pool for dsn and verifies it with a ping.
// The returned adapter owns the pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Adapter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &db.ConnectionError{Op: "open", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &db.ConnectionError{Op: "ping", Err: err}
	}
	a := New(pool, opts...)
	a.closer = pool.Close
	return a, nil
}

// BuildCall renders the SQL statement for calling procedure with params.
// Parameter names are lower-cased and prefixed; values are bound as $n in the
// given order.
func (a *Adapter) BuildCall(procedure string, params []db.Param) (string, []any, error) {
	if err := db.ValidateProcedureName(procedure); err != nil {
		return "", nil, err
	}
	var b strings.Builder
	switch a.mode {
	case ModeCall:
		b.WriteString("CALL ")
	default:
		b.WriteString("SELECT * FROM ")
	}
	b.WriteString(strings.ToLower(procedure))
	b.WriteByte('(')
	args := make([]any, 0, len(params))
	for i, p := range params {
		name := strings.ToLower(a.prefix + p.Name)
		if err := db.ValidateParamName(name); err != nil {
			return "", nil, err
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s => $%d", name, i+1)
		args = append(args, p.Value)
	}
	b.WriteByte(')')
	return b.String(), args, nil
}

// CallProcedure implements [db.Adapter].
func (a *Adapter) CallProcedure(ctx context.Context, name string, params []db.Param) (*db.Result, error) {
	query, args, err := a.BuildCall(name, params)
	if err != nil {
		return nil, &db.ProcedureError{Procedure: name, Err: err}
	}

	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := &db.Result{Columns: make([]string, len(fields))}
	for i, f := range fields {
		res.Columns[i] = f.Name
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, classify(name, err)
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(name, err)
	}
	res.RowsAffected = rows.CommandTag().RowsAffected()
	return res, nil
}

// Ping implements [db.Adapter].
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.db.Ping(ctx); err != nil {
		return &db.ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

// Close implements [db.Adapter]. It closes the pool only when the adapter
// was created by [Open].
func (a *Adapter) Close() error {
	if a.closer != nil {
		a.closer()
	}
	return nil
}

// Exec runs a statement outside the procedure path, for schema setup.
func (a *Adapter) Exec(ctx context.Context, sql string) error {
	if _, err := a.db.Exec(ctx, sql); err != nil {
		return fmt.Errorf("postgres: exec: %w", err)
	}
	return nil
}

// normalize converts pgx types that do not serialise naturally.
func normalize(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(x).String()
	}
	return db.NormalizeValue(v)
}

// connectionClasses are SQLSTATE classes that indicate the session, not the
// call, is at fault.
var connectionClasses = []string{
	"08", // connection exception
	"28", // invalid authorization
	"53", // insufficient resources
	"57", // operator intervention (admin shutdown, cancel)
}

// classify maps a pgx error onto the db error taxonomy.
func classify(procedure string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, class := range connectionClasses {
			if strings.HasPrefix(pgErr.Code, class) {
				return &db.ConnectionError{Op: "call " + procedure, Err: err}
			}
		}
		return &db.ProcedureError{Procedure: procedure, Err: err}
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr),
		errors.As(err, &netErr),
		pgconn.Timeout(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return &db.ConnectionError{Op: "call " + procedure, Err: err}
	}
	return &db.ProcedureError{Procedure: procedure, Err: err}
}
