package db

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProcedureName is wrapped when a procedure name is not a plain
	// (optionally schema-qualified) identifier.
	ErrInvalidProcedureName = errors.New("invalid procedure name")

	// ErrInvalidParamName is wrapped when a parameter name is not a plain identifier.
	ErrInvalidParamName = errors.New("invalid parameter name")

	// ErrUnknownTenant is returned by [Shards] for an empty or malformed tenant.
	ErrUnknownTenant = errors.New("unknown tenant")
)

// ConnectionError reports that the database could not be reached or the
// connection failed mid-call (network, authentication, pool exhaustion,
// deadline).
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("database connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProcedureError reports that the database rejected the call itself: an
// unknown procedure, a bad argument or a constraint violation.
type ProcedureError struct {
	Procedure string
	Err       error
}

func (e *ProcedureError) Error() string {
	return fmt.Sprintf("procedure %s failed: %v", e.Procedure, e.Err)
}

func (e *ProcedureError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
