package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-experts/internal/config"
	"github.com/nidhogg/nuka-experts/internal/provider"
)

// MCPSource is one connected MCP server whose tools are bridged into a
// Registry.
type MCPSource struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
	logger *zap.Logger
}

// ConnectMCP connects to an MCP server over SSE and lists its tools.
func ConnectMCP(ctx context.Context, name, url string, logger *zap.Logger) (*MCPSource, error) {
	c, err := client.NewSSEMCPClient(url)
	if err != nil {
		return nil, fmt.Errorf("create mcp client %s: %w", name, err)
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("start mcp client %s: %w", name, err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "nuka-experts", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize mcp %s: %w", name, err)
	}

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("list mcp tools %s: %w", name, err)
	}
	logger.Info("mcp server connected", zap.String("name", name), zap.Int("tools", len(list.Tools)))
	return &MCPSource{name: name, client: c, tools: list.Tools, logger: logger}, nil
}

// Name returns the configured server name.
func (s *MCPSource) Name() string { return s.name }

// Register bridges every tool of the server into reg.
func (s *MCPSource) Register(reg *Registry) {
	for _, t := range s.tools {
		tool := t
		reg.Register(provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		}, func(ctx context.Context, args string) (string, error) {
			return s.Call(ctx, tool.Name, args)
		})
	}
}

// Call invokes one tool with JSON arguments and joins its text content.
func (s *MCPSource) Call(ctx context.Context, name, args string) (string, error) {
	var parsed map[string]interface{}
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &parsed); err != nil {
			return "", fmt.Errorf("decode arguments for %s: %w", name, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = parsed
	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s on %s: %w", name, s.name, err)
	}

	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("tool %s: %s", name, text)
	}
	return text, nil
}

// Close shuts down the MCP connection.
func (s *MCPSource) Close() error {
	return s.client.Close()
}

// ConnectAll connects to every configured server concurrently and registers
// the tools of those that answer. Unreachable servers are logged and skipped.
func ConnectAll(ctx context.Context, servers []config.MCPServerConfig, reg *Registry, logger *zap.Logger) []*MCPSource {
	var (
		mu      sync.Mutex
		sources []*MCPSource
	)
	// The SSE transport keeps using the Start context, so it must outlive Wait.
	var g errgroup.Group
	for _, sc := range servers {
		sc := sc
		g.Go(func() error {
			src, err := ConnectMCP(ctx, sc.Name, sc.URL, logger)
			if err != nil {
				logger.Warn("MCP server unavailable", zap.String("name", sc.Name), zap.Error(err))
				return nil
			}
			mu.Lock()
			sources = append(sources, src)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range sources {
		s.Register(reg)
	}
	return sources
}
