package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/procagent/internal/tool"
)

// Schema is the SQL DDL for the procedure_tools table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS procedure_tools (
    tenant       TEXT NOT NULL DEFAULT '',
    name         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    procedure    TEXT NOT NULL DEFAULT '',
    parameters   JSONB NOT NULL DEFAULT '[]',
    enabled      BOOLEAN NOT NULL DEFAULT TRUE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant, name)
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Parameters are stored as
// JSONB.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a PostgresStore over db. Call
// [PostgresStore.Migrate] before first use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

const selectColumns = `tenant, name, description, procedure, parameters, enabled, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, tenant, name string) (*Entry, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM procedure_tools WHERE tenant = $1 AND name = $2`,
		tenant, name)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: get %q: %w", name, err)
	}
	return e, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, e *Entry) error {
	params, err := marshalParams(e)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO procedure_tools (tenant, name, description, procedure, parameters, enabled)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant, name) DO UPDATE SET
			description = EXCLUDED.description,
			procedure = EXCLUDED.procedure,
			parameters = EXCLUDED.parameters,
			enabled = EXCLUDED.enabled,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		e.Tenant, e.Name, e.Description, e.Procedure, params, e.Enabled,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("catalog: upsert %q: %w", e.Name, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, e *Entry) error {
	params, err := marshalParams(e)
	if err != nil {
		return err
	}
	const query = `
		UPDATE procedure_tools SET
			description = $3, procedure = $4, parameters = $5, enabled = $6,
			updated_at = now()
		WHERE tenant = $1 AND name = $2
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		e.Tenant, e.Name, e.Description, e.Procedure, params, e.Enabled,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %q", ErrNotFound, e.Name)
		}
		return fmt.Errorf("catalog: update %q: %w", e.Name, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, tenant, name string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM procedure_tools WHERE tenant = $1 AND name = $2`, tenant, name); err != nil {
		return fmt.Errorf("catalog: delete %q: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, tenant string) ([]Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM procedure_tools WHERE tenant = $1 ORDER BY name`,
		tenant)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: list scan: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var params []byte
	if err := row.Scan(
		&e.Tenant, &e.Name, &e.Description, &e.Procedure, &params, &e.Enabled,
		&e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &e.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters of %q: %w", e.Name, err)
	}
	return &e, nil
}

func marshalParams(e *Entry) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	params := e.Parameters
	if params == nil {
		params = []tool.ParameterSpec{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("catalog: marshal parameters: %w", err)
	}
	return b, nil
}
