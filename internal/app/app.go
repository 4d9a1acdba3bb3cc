// Package app wires the procagent subsystems into a running application.
//
// The App owns every subsystem lifetime: New connects the database shards,
// opens the tool catalog, imports external MCP servers and builds the session
// manager; Shutdown tears everything down in reverse order.
//
// For testing, inject implementations via functional options (WithAdapter,
// WithCatalog, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/procagent/internal/agent"
	"github.com/MrWong99/procagent/internal/config"
	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/db/postgres"
	"github.com/MrWong99/procagent/internal/db/sqlite"
	"github.com/MrWong99/procagent/internal/health"
	"github.com/MrWong99/procagent/internal/mcp"
	"github.com/MrWong99/procagent/internal/observe"
	"github.com/MrWong99/procagent/internal/resilience"
	"github.com/MrWong99/procagent/internal/session"
	"github.com/MrWong99/procagent/internal/tool"
	"github.com/MrWong99/procagent/internal/tool/builtin"
	"github.com/MrWong99/procagent/internal/tool/catalog"
	"github.com/MrWong99/procagent/internal/tool/export"
	"github.com/MrWong99/procagent/internal/tool/procedure"
	"github.com/MrWong99/procagent/pkg/provider/llm"
)

// ErrNoProvider is returned when a chat session is requested but no LLM
// provider is configured.
var ErrNoProvider = errors.New("app: no llm provider configured")

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider llm.Provider
	metrics  *observe.Metrics
	now      func() time.Time

	// Subsystems, initialised in New and torn down in Shutdown.
	shards   *db.Shards
	adapter  db.Adapter
	catalog  catalog.Store
	exporter *export.Exporter
	shared   []tool.Tool
	remotes  []*mcp.Remote
	sessions *session.Manager

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAdapter injects the database adapter instead of opening shards from
// config. The adapter is not closed by Shutdown.
func WithAdapter(a db.Adapter) Option {
	return func(app *App) { app.adapter = a }
}

// WithCatalog injects the tool catalog instead of creating one from config.
func WithCatalog(s catalog.Store) Option {
	return func(app *App) { app.catalog = s }
}

// WithMetrics records metrics on m. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(app *App) { app.metrics = m }
}

// WithClock overrides the clock used for prompts and session ages.
func WithClock(now func() time.Time) Option {
	return func(app *App) { app.now = now }
}

// WithTools registers extra tools for every tenant.
func WithTools(tools ...tool.Tool) Option {
	return func(app *App) { app.shared = append(app.shared, tools...) }
}

// New creates an App. provider may be nil for commands that never chat
// (tools, call, mcp); sessions then fail with [ErrNoProvider].
//
// New performs all initialisation synchronously: database, catalog seeding,
// built-in and export tools, MCP imports and the session manager.
func New(ctx context.Context, cfg *config.Config, provider llm.Provider, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, provider: provider, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Database ──────────────────────────────────────────────────────
	if err := a.initDatabase(); err != nil {
		return nil, a.fail(fmt.Errorf("app: init database: %w", err))
	}

	// ── 2. Catalog ───────────────────────────────────────────────────────
	if err := a.initCatalog(ctx); err != nil {
		return nil, a.fail(fmt.Errorf("app: init catalog: %w", err))
	}

	// ── 3. Shared tools ──────────────────────────────────────────────────
	if err := a.initTools(); err != nil {
		return nil, a.fail(fmt.Errorf("app: init tools: %w", err))
	}

	// ── 4. MCP imports ───────────────────────────────────────────────────
	if err := a.initMCP(ctx); err != nil {
		return nil, a.fail(fmt.Errorf("app: init mcp: %w", err))
	}
	if _, err := a.sharedRegistry(); err != nil {
		return nil, a.fail(err)
	}

	// ── 5. Sessions ──────────────────────────────────────────────────────
	sessOpts := []session.Option{session.WithMetrics(a.metrics), session.WithClock(a.now)}
	if ttl := cfg.Server.SessionTTL; ttl > 0 {
		sessOpts = append(sessOpts, session.WithTTL(ttl))
	}
	a.sessions = session.NewManager(a.NewAgent, sessOpts...)
	a.closers = append(a.closers, a.sessions.Close)

	return a, nil
}

// fail releases whatever New opened before err.
func (a *App) fail(err error) error {
	if cerr := a.closeAll(); cerr != nil {
		slog.Warn("app: cleanup after failed init", "err", cerr)
	}
	return err
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDatabase opens lazily connecting shards behind a tenant router. Each
// shard adapter is instrumented and guarded by its own circuit breaker.
func (a *App) initDatabase() error {
	if a.adapter != nil {
		return nil
	}
	dc := a.cfg.Database
	var open db.Opener
	switch dc.Driver {
	case config.DriverNone, "":
		return nil
	case config.DriverPostgres:
		var pgOpts []postgres.Option
		if dc.Mode != "" {
			pgOpts = append(pgOpts, postgres.WithMode(postgres.Mode(dc.Mode)))
		}
		if dc.ParamPrefix != "" {
			pgOpts = append(pgOpts, postgres.WithParamPrefix(dc.ParamPrefix))
		}
		open = func(ctx context.Context, dsn string) (db.Adapter, error) {
			return postgres.Open(ctx, dsn, pgOpts...)
		}
	case config.DriverSQLite:
		open = func(ctx context.Context, path string) (db.Adapter, error) {
			ad, err := sqlite.Open(ctx, path, dc.Statements)
			if err != nil {
				return nil, err
			}
			if dc.Setup != "" {
				if err := ad.Setup(ctx, dc.Setup); err != nil {
					ad.Close()
					return nil, err
				}
			}
			return ad, nil
		}
	default:
		return fmt.Errorf("unsupported driver %q", dc.Driver)
	}

	driver := string(dc.Driver)
	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  dc.Breaker.MaxFailures,
		ResetTimeout: dc.Breaker.ResetTimeout,
	}
	guarded := func(ctx context.Context, dsn string) (db.Adapter, error) {
		ad, err := open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return resilience.GuardAdapter(db.Instrument(ad, driver, a.metrics), breaker), nil
	}

	a.shards = db.NewShards(dc.DSN, guarded, slog.Default())
	a.adapter = a.shards.Router(dc.DefaultTenant)
	a.closers = append(a.closers, a.shards.Close)
	slog.Info("database configured", "driver", driver, "default_tenant", dc.DefaultTenant)
	return nil
}

// initCatalog opens the tool catalog and seeds it with the definitions from
// the config file and the tools file.
func (a *App) initCatalog(ctx context.Context) error {
	if a.catalog == nil {
		switch a.cfg.Catalog.Store {
		case config.CatalogPostgres:
			pool, err := pgxpool.New(ctx, a.cfg.Catalog.DSN)
			if err != nil {
				return fmt.Errorf("connect catalog: %w", err)
			}
			a.closers = append(a.closers, func() error { pool.Close(); return nil })
			store := catalog.NewPostgresStore(pool)
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			a.catalog = store
		default:
			a.catalog = catalog.NewMemStore()
		}
	}

	defs := slices.Clone(a.cfg.Tools)
	if a.cfg.ToolsFile != "" {
		fileDefs, err := config.LoadTools(a.cfg.ToolsFile)
		if err != nil {
			return err
		}
		defs = append(defs, fileDefs...)
	}
	if err := catalog.Seed(ctx, a.catalog, defs); err != nil {
		return err
	}
	if len(defs) > 0 {
		slog.Info("tool catalog seeded", "tools", len(defs), "store", a.cfg.Catalog.Store)
	}
	return nil
}

// initTools builds the tools every tenant shares: built-ins and export.
func (a *App) initTools() error {
	if !a.cfg.Builtin.Disabled {
		w := a.cfg.Builtin.Weather
		tools, err := builtin.Tools(builtin.Config{
			Enabled: a.cfg.Builtin.Enabled,
			Weather: builtin.WeatherConfig{BaseURL: w.BaseURL, APIKey: w.APIKey, Timeout: w.Timeout},
			Now:     a.now,
		})
		if err != nil {
			return err
		}
		a.shared = append(a.shared, tools...)
	}
	if !a.cfg.Export.Disabled {
		e, err := export.New(export.Config{Dir: a.cfg.Export.Dir, BaseURL: a.cfg.Server.BaseURL, Now: a.now})
		if err != nil {
			return err
		}
		a.exporter = e
		a.shared = append(a.shared, e)
	}
	return nil
}

// initMCP imports the tools of every configured external MCP server. A
// server that cannot be reached is logged and skipped.
func (a *App) initMCP(ctx context.Context) error {
	for _, sc := range a.cfg.MCP.Servers {
		remote, err := mcp.Import(ctx, sc)
		if err != nil {
			slog.Warn("mcp server unavailable; its tools are not offered", "server", sc.Name, "err", err)
			continue
		}
		a.remotes = append(a.remotes, remote)
		a.closers = append(a.closers, remote.Close)
		for _, t := range remote.Tools() {
			name := t.Spec().Name
			if slices.ContainsFunc(a.shared, func(s tool.Tool) bool { return s.Spec().Name == name }) {
				slog.Warn("mcp tool shadows a local tool; skipped", "server", sc.Name, "tool", name)
				continue
			}
			a.shared = append(a.shared, t)
		}
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Registry builds the tool registry for tenant: the shared tools plus the
// tenant's enabled catalog procedures. A catalog tool shadows a shared tool
// of the same name.
func (a *App) Registry(ctx context.Context, tenant string) (*tool.Registry, error) {
	reg, err := a.sharedRegistry()
	if err != nil {
		return nil, err
	}
	if a.adapter == nil {
		return reg, nil
	}
	tools, err := catalog.Tools(ctx, a.catalog, tenant, a.adapter)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}
	return reg, nil
}

// sharedRegistry registers the shared tools. Two shared tools with the same
// name are a configuration mistake and fail with a [tool.DuplicateToolError].
func (a *App) sharedRegistry() (*tool.Registry, error) {
	reg := tool.NewRegistry(tool.WithMetrics(a.metrics))
	for _, t := range a.shared {
		if err := reg.RegisterStrict(t); err != nil {
			return nil, fmt.Errorf("app: shared tools: %w", err)
		}
	}
	return reg, nil
}

// NewAgent builds a conversation agent for tenant. It is the session
// manager's factory.
func (a *App) NewAgent(ctx context.Context, tenant string) (*agent.Agent, error) {
	return a.NewAgentWith(ctx, tenant)
}

// NewAgentWith is [App.NewAgent] with extra agent options applied after the
// configured ones.
func (a *App) NewAgentWith(ctx context.Context, tenant string, opts ...agent.Option) (*agent.Agent, error) {
	if a.provider == nil {
		return nil, ErrNoProvider
	}
	reg, err := a.Registry(ctx, tenant)
	if err != nil {
		return nil, err
	}
	prompt, err := agent.RenderPrompt(a.cfg.Agent.SystemPrompt, agent.NewPromptData(tenant, a.now()))
	if err != nil {
		return nil, err
	}
	base := []agent.Option{
		agent.WithSystemPrompt(prompt),
		agent.WithMaxIterations(a.cfg.Agent.MaxIterations),
		agent.WithTemperature(a.cfg.LLM.Temperature),
		agent.WithMaxTokens(a.cfg.LLM.MaxTokens),
		agent.WithMetrics(a.metrics, a.cfg.LLM.Name),
	}
	return agent.New(a.provider, reg, append(base, opts...)...)
}

// SyncTools applies a reloaded tools file to the shared catalog entries.
// Sessions created afterwards see the new catalog; live sessions keep theirs.
func (a *App) SyncTools(ctx context.Context, diff config.ToolsDiff, defs []procedure.Definition) error {
	var errs []error
	for _, name := range diff.Removed {
		if err := a.catalog.Delete(ctx, "", name); err != nil {
			errs = append(errs, err)
		}
	}
	changed := make(map[string]bool, len(diff.Added)+len(diff.Changed))
	for _, n := range slices.Concat(diff.Added, diff.Changed) {
		changed[n] = true
	}
	var upserts []procedure.Definition
	for _, d := range defs {
		if changed[d.Name] {
			upserts = append(upserts, d)
		}
	}
	if err := catalog.Seed(ctx, a.catalog, upserts); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Checkers returns the readiness checks: the default tenant's database.
func (a *App) Checkers() []health.Checker {
	if a.adapter == nil {
		return nil
	}
	return []health.Checker{health.PingChecker("database", a.adapter)}
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Sessions returns the chat session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Catalog returns the tool catalog.
func (a *App) Catalog() catalog.Store { return a.catalog }

// Exporter returns the export tool, or nil when export is disabled.
func (a *App) Exporter() *export.Exporter { return a.exporter }

// Metrics returns the metrics the app records on.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// Remotes returns the connected external MCP servers.
func (a *App) Remotes() []*mcp.Remote { return a.remotes }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every subsystem in reverse order of creation. It is safe
// to call more than once; later calls return nil.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- a.closeAll() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
