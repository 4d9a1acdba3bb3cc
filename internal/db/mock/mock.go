// Package mock provides a test double for the db.Adapter interface.
//
// Example:
//
//	a := &mock.Adapter{
//	    Result: &db.Result{Columns: []string{"id"}, Rows: [][]any{{int64(1)}}},
//	}
//	res, err := a.CallProcedure(ctx, "sel_customer", params)
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/procagent/internal/db"
)

// Call records a single invocation of CallProcedure.
type Call struct {
	Name   string
	Params []db.Param
}

// Adapter is a mock implementation of db.Adapter. Zero values make every
// method succeed with an empty result.
type Adapter struct {
	mu sync.Mutex

	// Result is returned by CallProcedure when CallFunc is nil.
	Result *db.Result

	// Err, if non-nil, is returned by CallProcedure when CallFunc is nil.
	Err error

	// CallFunc, if set, replaces the fixed Result/Err pair.
	CallFunc func(ctx context.Context, name string, params []db.Param) (*db.Result, error)

	// PingErr is returned by Ping.
	PingErr error

	// Calls records every CallProcedure invocation in order.
	Calls []Call

	// PingCount is the number of Ping calls.
	PingCount int

	// Closed reports whether Close was called.
	Closed bool
}

var _ db.Adapter = (*Adapter)(nil)

// CallProcedure records the call and returns the configured outcome.
func (a *Adapter) CallProcedure(ctx context.Context, name string, params []db.Param) (*db.Result, error) {
	a.mu.Lock()
	a.Calls = append(a.Calls, Call{Name: name, Params: slices.Clone(params)})
	fn, res, err := a.CallFunc, a.Result, a.Err
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, name, params)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &db.Result{}
	}
	return res, nil
}

// Ping records the call and returns PingErr.
func (a *Adapter) Ping(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.PingCount++
	return a.PingErr
}

// Close marks the adapter closed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Closed = true
	return nil
}

// CallCount returns the number of CallProcedure invocations. Thread-safe.
func (a *Adapter) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Calls)
}

// LastCall returns the most recent call, or a zero Call.
func (a *Adapter) LastCall() Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.Calls) == 0 {
		return Call{}
	}
	return a.Calls[len(a.Calls)-1]
}
