// Package mcp connects the tool registry to the Model Context Protocol using
// github.com/modelcontextprotocol/go-sdk.
//
// [NewServer] exposes every registered tool to MCP clients. [Import] goes the
// other way: it connects to an external MCP server and wraps its tools as
// [tool.Tool] values, so they register and validate like local ones.
package mcp

import (
	"fmt"
	"strings"
)

// Transport selects the connection mechanism for an external MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes an external MCP server whose tools are imported.
type ServerConfig struct {
	// Name identifies the server in logs.
	Name string `yaml:"name"`

	// Transport is stdio or streamable-http.
	Transport Transport `yaml:"transport"`

	// Command is the executable and arguments for stdio servers.
	Command string `yaml:"command"`

	// URL is the endpoint for streamable-http servers.
	URL string `yaml:"url"`

	// Env adds environment variables to a stdio server.
	Env map[string]string `yaml:"env"`

	// Prefix is prepended to every imported tool name, e.g. "crm_".
	Prefix string `yaml:"prefix"`
}

// Validate checks that cfg names a server it can connect to.
func (cfg ServerConfig) Validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp: server config must have a non-empty name")
	}
	switch cfg.Transport {
	case TransportStdio:
		if strings.TrimSpace(cfg.Command) == "" {
			return fmt.Errorf("mcp: stdio server %q requires a command", cfg.Name)
		}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp: streamable-http server %q requires a url", cfg.Name)
		}
	default:
		return fmt.Errorf("mcp: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
	return nil
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
