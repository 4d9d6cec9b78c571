// Package mcp connects remote tool servers over the Model Context
// Protocol and exposes their tools to the runtime.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/arclabs/arcreactor/internal/config"
	"github.com/arclabs/arcreactor/pkg/models"
)

const protocolVersion = "2024-11-05"

// RemoteToolSpec is one tool advertised by a server.
type RemoteToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ServerClient wraps one MCP server connection.
type ServerClient struct {
	cfg    config.MCPServerConfig
	client *client.Client
}

// NewServerClient creates an unconnected client for the server.
func NewServerClient(cfg config.MCPServerConfig) *ServerClient {
	return &ServerClient{cfg: cfg}
}

// Name returns the configured server name.
func (s *ServerClient) Name() string { return s.cfg.Name }

// Connect establishes the transport, runs the initialize handshake, and
// returns the advertised tools.
func (s *ServerClient) Connect(ctx context.Context) ([]RemoteToolSpec, error) {
	c, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %w", s.cfg.Name, err)
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp %s: start: %w", s.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "arcreactor",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp %s: initialize: %w", s.cfg.Name, err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp %s: list tools: %w", s.cfg.Name, err)
	}

	specs := make([]RemoteToolSpec, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		specs = append(specs, RemoteToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertSchema(t.InputSchema),
		})
	}

	s.client = c
	return specs, nil
}

func (s *ServerClient) dial() (*client.Client, error) {
	if s.cfg.Command != "" && s.cfg.Transport != "http" {
		env := make([]string, 0, len(s.cfg.Env))
		for k, v := range s.cfg.Env {
			env = append(env, k+"="+v)
		}
		return client.NewStdioMCPClient(s.cfg.Command, env, s.cfg.Args...)
	}
	if s.cfg.URL == "" {
		return nil, fmt.Errorf("no command or url configured")
	}
	var opts []transport.StreamableHTTPCOption
	if len(s.cfg.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(s.cfg.Headers))
	}
	return client.NewStreamableHttpClient(s.cfg.URL, opts...)
}

// CallTool invokes a remote tool and flattens its text content.
func (s *ServerClient) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("mcp %s: not connected", s.cfg.Name)
	}

	var decoded map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return "", fmt.Errorf("mcp %s: invalid arguments for %s: %w", s.cfg.Name, name, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = decoded

	resp, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp %s: call %s: %w", s.cfg.Name, name, err)
	}

	text := flattenContent(resp.Content)
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("mcp %s: tool %s failed: %s", s.cfg.Name, name, text)
	}
	return text, nil
}

// Ping checks connection liveness.
func (s *ServerClient) Ping(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("mcp %s: not connected", s.cfg.Name)
	}
	return s.client.Ping(ctx)
}

// Close tears down the transport.
func (s *ServerClient) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func flattenContent(content []mcp.Content) string {
	var texts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// specFor builds the runtime tool spec for a remote tool, namespaced by
// server to avoid clashing with local tools.
func specFor(server string, remote RemoteToolSpec) models.ToolSpec {
	return models.ToolSpec{
		Name:        server + "__" + remote.Name,
		Description: remote.Description,
		InputSchema: remote.InputSchema,
		Category:    "mcp",
	}
}
