// Package server exposes the chat sessions, the tool registry and the tool
// catalog over HTTP.
//
// Every response body is JSON. Failures use {"detail": "..."} with a 4xx or
// 5xx status; tool failures on /dispatch are not HTTP failures and come back
// as a 200 with {"success": false, ...}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/procagent/internal/app"
	"github.com/MrWong99/procagent/internal/health"
	"github.com/MrWong99/procagent/internal/mcp"
	"github.com/MrWong99/procagent/internal/observe"
	"github.com/MrWong99/procagent/internal/tool"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Option configures a [Server].
type Option func(*Server)

// WithMetricsHandler serves h at path, typically the Prometheus handler from
// [observe.InitProvider].
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

// WithVersion sets the version reported by the MCP endpoint.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithClock overrides the clock used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server is the HTTP API. Create it with [New] and mount [Server.Handler].
type Server struct {
	app     *app.App
	mux     *http.ServeMux
	handler http.Handler
	now     func() time.Time
	version string

	metricsPath    string
	metricsHandler http.Handler
}

// New builds the route table for a. When the config sets server.mcp_path,
// the default tenant's registry is also served over MCP Streamable HTTP.
func New(ctx context.Context, a *app.App, opts ...Option) (*Server, error) {
	s := &Server{
		app:     a,
		mux:     http.NewServeMux(),
		now:     time.Now,
		version: "dev",
	}
	for _, o := range opts {
		o(s)
	}

	cfg := a.Config()
	health.New(a.Checkers(), health.WithService(cfg.Telemetry.ServiceName), health.WithClock(s.now)).Register(s.mux)

	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("POST /reset", s.handleReset)
	s.mux.HandleFunc("DELETE /session/{sessionId}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /sessions", s.handleSessions)
	s.mux.HandleFunc("GET /tools", s.handleTools)
	s.mux.HandleFunc("GET /tools/catalog", s.handleToolDefinitions)
	s.mux.HandleFunc("GET /tools/{tenantId}", s.handleTools)
	s.mux.HandleFunc("POST /dispatch", s.handleDispatch)
	s.mux.HandleFunc("GET /download/{filename}", s.handleDownload)
	s.mux.HandleFunc("GET /catalog/{tenantId}", s.handleCatalogList)
	s.mux.HandleFunc("PUT /catalog/{tenantId}/{name}", s.handleCatalogPut)
	s.mux.HandleFunc("DELETE /catalog/{tenantId}/{name}", s.handleCatalogDelete)

	if s.metricsHandler != nil && s.metricsPath != "" && s.metricsPath != "-" {
		s.mux.Handle("GET "+s.metricsPath, s.metricsHandler)
	}
	if path := cfg.Server.MCPPath; path != "" {
		tenant := cfg.Database.DefaultTenant
		if _, err := a.Registry(ctx, tenant); err != nil {
			return nil, fmt.Errorf("server: mcp registry: %w", err)
		}
		resolve := func(r *http.Request) (*tool.Registry, error) {
			return a.Registry(r.Context(), tenant)
		}
		s.mux.Handle(path, mcp.Handler(resolve, s.version, mcp.WithTenant(tenant)))
	}

	s.handler = observe.Middleware(a.Metrics())(s.mux)
	return s, nil
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// decode reads a JSON body into v. Unknown fields are ignored.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
