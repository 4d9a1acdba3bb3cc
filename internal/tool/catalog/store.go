// Package catalog persists stored-procedure tool definitions so that the set
// of procedures offered to the model can change without a redeploy.
//
// Definitions are scoped by tenant. The empty tenant holds shared definitions
// offered to every tenant; a tenant-scoped definition with the same name
// overrides the shared one.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/tool"
	"github.com/MrWong99/procagent/internal/tool/procedure"
)

// ErrNotFound is returned by [Store.Update] for an unknown entry.
var ErrNotFound = errors.New("catalog: definition not found")

// Entry is a stored definition.
type Entry struct {
	procedure.Definition

	// Tenant scopes the definition. Empty means shared.
	Tenant string `json:"tenant"`

	// Enabled entries are offered to the model.
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store provides CRUD operations for catalog entries.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry named name in tenant's scope. Returns (nil, nil)
	// if not found.
	Get(ctx context.Context, tenant, name string) (*Entry, error)

	// Upsert creates or replaces an entry. The definition is validated first.
	Upsert(ctx context.Context, e *Entry) error

	// Update replaces an existing entry. Returns [ErrNotFound] if missing.
	Update(ctx context.Context, e *Entry) error

	// Delete removes an entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, tenant, name string) error

	// List returns the entries of tenant ordered by name. It does not
	// include shared entries unless tenant is empty.
	List(ctx context.Context, tenant string) ([]Entry, error)
}

// Resolve returns the enabled definitions offered to tenant: shared entries
// overlaid by the tenant's own, ordered by name.
func Resolve(ctx context.Context, s Store, tenant string) ([]procedure.Definition, error) {
	shared, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Entry, len(shared))
	for _, e := range shared {
		byName[e.Name] = e
	}
	if tenant != "" {
		own, err := s.List(ctx, tenant)
		if err != nil {
			return nil, err
		}
		for _, e := range own {
			byName[e.Name] = e
		}
	}

	defs := make([]procedure.Definition, 0, len(byName))
	for _, e := range byName {
		if e.Enabled {
			defs = append(defs, e.Definition)
		}
	}
	slices.SortFunc(defs, func(a, b procedure.Definition) int { return strings.Compare(a.Name, b.Name) })
	return defs, nil
}

// Tools builds a stored-procedure tool for every definition offered to
// tenant, backed by adapter.
func Tools(ctx context.Context, s Store, tenant string, adapter db.Adapter) ([]tool.Tool, error) {
	defs, err := Resolve(ctx, s, tenant)
	if err != nil {
		return nil, err
	}
	out := make([]tool.Tool, 0, len(defs))
	for _, d := range defs {
		t, err := procedure.New(d, adapter)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Seed upserts defs as enabled shared entries. It is used to import the
// definitions declared in configuration files.
func Seed(ctx context.Context, s Store, defs []procedure.Definition) error {
	var errs []error
	for _, d := range defs {
		if err := s.Upsert(ctx, &Entry{Definition: d, Enabled: true}); err != nil {
			errs = append(errs, fmt.Errorf("seed %q: %w", d.Name, err))
		}
	}
	return errors.Join(errs...)
}
