package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/procagent/internal/observe"
	"github.com/MrWong99/procagent/internal/tool"
)

// clientName is the implementation name sent to external servers.
const clientName = "procagent-client"

// Remote is a live connection to an external MCP server and the tools
// imported from it. Close it when the tools are no longer registered.
type Remote struct {
	name    string
	session *mcpsdk.ClientSession
	tools   []tool.Tool
	skipped []string
}

// Import connects to the server described by cfg and wraps each of its tools.
// Tools whose input schema uses anything beyond the four primitive parameter
// types, or whose name is not a valid tool name, are skipped with a warning.
func Import(ctx context.Context, cfg ServerConfig) (*Remote, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		// Not bound to ctx: the process lives until Remote.Close.
		cmd := exec.Command(executable, args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}
	return ImportTransport(ctx, cfg, transport)
}

// ImportTransport is [Import] over an already constructed transport.
func ImportTransport(ctx context.Context, cfg ServerConfig, t mcpsdk.Transport) (*Remote, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect to server %q: %w", cfg.Name, err)
	}

	log := observe.Logger(ctx)
	r := &Remote{name: cfg.Name, session: session}
	for rt, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcp: list tools of server %q: %w", cfg.Name, err)
		}
		spec, ok := remoteSpec(cfg.Prefix, rt)
		if !ok {
			log.Warn("skipping mcp tool with unsupported schema", "server", cfg.Name, "tool", rt.Name)
			r.skipped = append(r.skipped, rt.Name)
			continue
		}
		if err := spec.Validate(); err != nil {
			log.Warn("skipping invalid mcp tool", "server", cfg.Name, "tool", rt.Name, "err", err)
			r.skipped = append(r.skipped, rt.Name)
			continue
		}
		r.tools = append(r.tools, &remoteTool{session: session, remoteName: rt.Name, spec: spec})
	}
	log.Info("mcp server imported", "server", cfg.Name, "tools", len(r.tools), "skipped", len(r.skipped))
	return r, nil
}

// Name returns the configured server name.
func (r *Remote) Name() string { return r.name }

// Tools returns the imported tools.
func (r *Remote) Tools() []tool.Tool { return r.tools }

// Skipped returns the names of remote tools that could not be imported.
func (r *Remote) Skipped() []string { return r.skipped }

// Close ends the session. For stdio servers this stops the subprocess.
func (r *Remote) Close() error {
	if err := r.session.Close(); err != nil {
		return fmt.Errorf("mcp: close server %q: %w", r.name, err)
	}
	return nil
}

func remoteSpec(prefix string, rt *mcpsdk.Tool) (tool.Spec, bool) {
	params, ok := tool.ParametersFromSchema(schemaToMap(rt.InputSchema))
	if !ok {
		return tool.Spec{}, false
	}
	desc := rt.Description
	if desc == "" {
		desc = rt.Title
	}
	return tool.Spec{Name: prefix + rt.Name, Description: desc, Parameters: params}, true
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// remoteTool forwards Execute to tools/call on the external server.
type remoteTool struct {
	session    *mcpsdk.ClientSession
	remoteName string
	spec       tool.Spec
}

var _ tool.Tool = (*remoteTool)(nil)

func (t *remoteTool) Spec() tool.Spec { return t.spec }

// Execute returns the decoded JSON of the text content when it parses, the
// raw text otherwise. A result flagged IsError becomes an error carrying the
// text.
func (t *remoteTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	res, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: t.remoteName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %q: %w", t.remoteName, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()
	if res.IsError {
		if text == "" {
			text = "remote tool reported an error"
		}
		return nil, errors.New(text)
	}

	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}
