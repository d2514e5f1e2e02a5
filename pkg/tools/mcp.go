package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/forgecli/forge/pkg/config"
	"github.com/forgecli/forge/pkg/protocol"
)

// Bridge connects to stdio MCP servers and exposes their tools as
// registry descriptors under the compound name <server>__<tool>.
type Bridge struct {
	mu      sync.Mutex
	clients map[string]*client.Client
}

// NewBridge creates an empty bridge.
func NewBridge() *Bridge {
	return &Bridge{clients: make(map[string]*client.Client)}
}

// RegisterServers connects to each enabled server and registers its tools.
// Servers are processed in name order so registration order, and therefore
// schema order, is deterministic. A server that fails to connect is logged
// and skipped; the rest of the registry stays usable.
func (b *Bridge) RegisterServers(ctx context.Context, r *Registry, servers map[string]config.MCPServer) {
	names := make([]string, 0, len(servers))
	for name := range servers {
		if servers[name].Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		descriptors, err := b.connect(ctx, name, servers[name])
		if err != nil {
			slog.Warn("Skipping MCP server", "server", name, "error", err)
			continue
		}
		for _, d := range descriptors {
			if err := r.Register(d); err != nil {
				slog.Warn("Skipping bridged tool", "tool", d.Name, "error", err)
			}
		}
	}
}

func (b *Bridge) connect(ctx context.Context, name string, cfg config.MCPServer) ([]*Descriptor, error) {
	mcpClient, err := client.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "forge", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	b.mu.Lock()
	b.clients[name] = mcpClient
	b.mu.Unlock()

	descriptors := make([]*Descriptor, 0, len(listResp.Tools))
	for _, mcpTool := range listResp.Tools {
		compound := name + protocol.BridgeSeparator + mcpTool.Name
		schema := convertSchema(mcpTool.InputSchema)
		if !isObjectSchema(schema) {
			slog.Warn("Bridged tool has no object schema, skipping",
				"server", name, "tool", mcpTool.Name)
			continue
		}
		descriptors = append(descriptors, &Descriptor{
			Name:        compound,
			Description: mcpTool.Description,
			Parameters:  schema,
			Permission:  PermissionAsk,
			Handler:     b.invoker(name, mcpTool.Name),
		})
	}

	slog.Info("Connected to MCP server",
		"server", name, "command", cfg.Command, "tools", len(descriptors))
	return descriptors, nil
}

func (b *Bridge) invoker(serverName, toolName string) Handler {
	return func(ctx context.Context, args map[string]interface{}) (string, error) {
		b.mu.Lock()
		mcpClient := b.clients[serverName]
		b.mu.Unlock()
		if mcpClient == nil {
			return "", fmt.Errorf("MCP server %q is not connected", serverName)
		}

		req := mcp.CallToolRequest{}
		req.Params.Name = toolName
		req.Params.Arguments = args

		resp, err := mcpClient.CallTool(ctx, req)
		if err != nil {
			return "", fmt.Errorf("MCP call failed: %w", err)
		}

		var texts []string
		for _, content := range resp.Content {
			if textContent, ok := content.(mcp.TextContent); ok {
				texts = append(texts, textContent.Text)
			}
		}
		text := strings.Join(texts, "\n")

		if resp.IsError {
			if text == "" {
				text = "unknown error"
			}
			return "", fmt.Errorf("%s", text)
		}
		return text, nil
	}
}

// Close shuts down every connected server.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, mcpClient := range b.clients {
		if err := mcpClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.clients, name)
	}
	return firstErr
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

func convertSchema(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	if result != nil {
		if _, ok := result["properties"]; !ok {
			result["properties"] = map[string]interface{}{}
		}
	}
	return result
}
