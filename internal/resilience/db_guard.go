package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/procagent/internal/db"
)

// GuardedAdapter puts a [CircuitBreaker] in front of a [db.Adapter]. Only
// connection failures count against the breaker: a procedure that rejects its
// arguments says nothing about the health of the server. While the breaker
// is open, calls fail fast with a *db.ConnectionError wrapping
// [ErrCircuitOpen], so tools surface it like any other outage.
type GuardedAdapter struct {
	db.Adapter
	breaker *CircuitBreaker
}

var _ db.Adapter = (*GuardedAdapter)(nil)

// GuardAdapter wraps a. cfg.IsFailure is replaced.
func GuardAdapter(a db.Adapter, cfg CircuitBreakerConfig) *GuardedAdapter {
	if cfg.Name == "" {
		cfg.Name = "database"
	}
	cfg.IsFailure = db.IsConnectionError
	return &GuardedAdapter{Adapter: a, breaker: NewCircuitBreaker(cfg)}
}

// State returns the breaker state.
func (g *GuardedAdapter) State() State { return g.breaker.State() }

// CallProcedure implements [db.Adapter].
func (g *GuardedAdapter) CallProcedure(ctx context.Context, name string, params []db.Param) (*db.Result, error) {
	var res *db.Result
	err := g.breaker.Execute(func() error {
		var err error
		res, err = g.Adapter.CallProcedure(ctx, name, params)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, &db.ConnectionError{Op: "call " + name, Err: err}
	}
	return res, err
}

// Ping implements [db.Adapter]. Pings bypass the breaker so health checks
// observe the real server state, but a successful ping closes an open breaker.
func (g *GuardedAdapter) Ping(ctx context.Context) error {
	err := g.Adapter.Ping(ctx)
	if err == nil && g.breaker.State() != StateClosed {
		g.breaker.Reset()
	}
	return err
}
