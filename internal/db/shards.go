package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// TenantPlaceholder is replaced by the tenant ID in a shard DSN template.
const TenantPlaceholder = "{tenant}"

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Opener connects a new adapter to dsn.
type Opener func(ctx context.Context, dsn string) (Adapter, error)

// Shards resolves tenants to adapters. Each tenant's DSN is derived from a
// template containing [TenantPlaceholder]; adapters are opened lazily on first
// use and shared by every later call resolving to the same DSN. A template
// without the placeholder maps all tenants onto one adapter.
//
// Shards is safe for concurrent use.
type Shards struct {
	template string
	open     Opener
	logger   *slog.Logger

	mu       sync.Mutex
	adapters map[string]Adapter
	closed   bool
	group    singleflight.Group
}

// NewShards returns a Shards that opens adapters with open.
func NewShards(template string, open Opener, logger *slog.Logger) *Shards {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shards{
		template: template,
		open:     open,
		logger:   logger,
		adapters: make(map[string]Adapter),
	}
}

// ValidateTenant checks that tenant is usable as a shard key: 1 to 64
// letters, digits, underscores or hyphens.
func ValidateTenant(tenant string) error {
	if !tenantPattern.MatchString(tenant) {
		return fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	return nil
}

// DSN returns the connection string for tenant.
func (s *Shards) DSN(tenant string) (string, error) {
	if err := ValidateTenant(tenant); err != nil {
		return "", err
	}
	return strings.ReplaceAll(s.template, TenantPlaceholder, tenant), nil
}

// Get returns the adapter for tenant, opening it if necessary. Concurrent
// callers for the same tenant share a single open attempt.
func (s *Shards) Get(ctx context.Context, tenant string) (Adapter, error) {
	dsn, err := s.DSN(tenant)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &ConnectionError{Op: "shard " + tenant, Err: errors.New("shards closed")}
	}
	if a, ok := s.adapters[dsn]; ok {
		s.mu.Unlock()
		return a, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(dsn, func() (any, error) {
		s.mu.Lock()
		if a, ok := s.adapters[dsn]; ok {
			s.mu.Unlock()
			return a, nil
		}
		s.mu.Unlock()

		a, err := s.open(ctx, dsn)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			_ = a.Close()
			return nil, errors.New("shards closed")
		}
		s.adapters[dsn] = a
		s.logger.Info("tenant shard opened", "tenant", tenant)
		return a, nil
	})
	if err != nil {
		if IsConnectionError(err) {
			return nil, err
		}
		return nil, &ConnectionError{Op: "shard " + tenant, Err: err}
	}
	return v.(Adapter), nil
}

// Len returns the number of open adapters.
func (s *Shards) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.adapters)
}

// Ping pings every open adapter.
func (s *Shards) Ping(ctx context.Context) error {
	s.mu.Lock()
	adapters := make([]Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		adapters = append(adapters, a)
	}
	s.mu.Unlock()

	var errs []error
	for _, a := range adapters {
		if err := a.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every open adapter. Later calls to Get fail.
func (s *Shards) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var errs []error
	for dsn, a := range s.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.adapters, dsn)
	}
	return errors.Join(errs...)
}

type tenantKey struct{}

// WithTenant returns a copy of ctx carrying tenant for [Shards.Router].
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFromContext returns the tenant stored by [WithTenant].
func TenantFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tenantKey{}).(string)
	return t, ok && t != ""
}

// Router returns an [Adapter] that forwards each call to the shard of the
// tenant carried in the call's context, or fallback when the context has
// none. Closing the router is a no-op; close the Shards instead.
func (s *Shards) Router(fallback string) Adapter {
	return &router{shards: s, fallback: fallback}
}

type router struct {
	shards   *Shards
	fallback string
}

func (r *router) tenant(ctx context.Context) string {
	if t, ok := TenantFromContext(ctx); ok {
		return t
	}
	return r.fallback
}

func (r *router) CallProcedure(ctx context.Context, name string, params []Param) (*Result, error) {
	a, err := r.shards.Get(ctx, r.tenant(ctx))
	if err != nil {
		return nil, err
	}
	return a.CallProcedure(ctx, name, params)
}

func (r *router) Ping(ctx context.Context) error {
	a, err := r.shards.Get(ctx, r.tenant(ctx))
	if err != nil {
		return err
	}
	return a.Ping(ctx)
}

func (r *router) Close() error { return nil }
