package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/tool"
)

// Implementation name reported to MCP clients.
const serverName = "procagent"

// ServerOption configures [NewServer].
type ServerOption func(*serverOptions)

type serverOptions struct {
	tenant string
}

// WithTenant routes every call to tenant's database.
func WithTenant(tenant string) ServerOption {
	return func(o *serverOptions) { o.tenant = tenant }
}

// NewServer returns an MCP server advertising every tool in registry with its
// JSON Schema. Calls go through [tool.Registry.DispatchJSON], so arguments are
// validated and coerced exactly as for the model; failures come back as
// IsError results carrying the error text.
//
// The tool list is a snapshot: tools registered later are not advertised.
// [Handler] builds a fresh server for every session.
func NewServer(registry *tool.Registry, version string, opts ...ServerOption) *mcpsdk.Server {
	var o serverOptions
	for _, fn := range opts {
		fn(&o)
	}
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverName, Version: version}, nil)
	for _, spec := range registry.ListSpecs() {
		srv.AddTool(&mcpsdk.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: tool.ArgumentsSchema(spec),
		}, handler(registry, spec.Name, o.tenant))
	}
	return srv
}

func handler(registry *tool.Registry, name, tenant string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		if tenant != "" {
			ctx = db.WithTenant(ctx, tenant)
		}
		var raw string
		if req != nil && req.Params != nil {
			raw = string(req.Params.Arguments)
		}
		res := registry.DispatchJSON(ctx, name, raw)
		if !res.Success {
			return errorResult(res.Error), nil
		}
		text, err := json.Marshal(res.Value)
		if err != nil {
			return errorResult(fmt.Sprintf("encode result: %v", err)), nil
		}
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}}}, nil
	}
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
		IsError: true,
	}
}

// Serve runs an MCP server for registry over t until ctx is done or the
// client disconnects.
func Serve(ctx context.Context, registry *tool.Registry, version string, t mcpsdk.Transport, opts ...ServerOption) error {
	if err := NewServer(registry, version, opts...).Run(ctx, t); err != nil {
		return fmt.Errorf("mcp: serve: %w", err)
	}
	return nil
}

// ServeStdio is [Serve] over the process's stdin and stdout.
func ServeStdio(ctx context.Context, registry *tool.Registry, version string, opts ...ServerOption) error {
	return Serve(ctx, registry, version, &mcpsdk.StdioTransport{}, opts...)
}

// RegistryFunc resolves the registry offered to a new MCP session.
type RegistryFunc func(r *http.Request) (*tool.Registry, error)

// Handler returns an http.Handler speaking MCP Streamable HTTP. Every new
// session gets a server built from the registry resolve returns at that
// moment, so catalog changes show up in the next session. A resolve error
// rejects the session.
func Handler(resolve RegistryFunc, version string, opts ...ServerOption) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(r *http.Request) *mcpsdk.Server {
		reg, err := resolve(r)
		if err != nil {
			slog.Warn("mcp: resolve registry", "err", err)
			return nil
		}
		return NewServer(reg, version, opts...)
	}, nil)
}
