package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPConnection wraps an mcp-go client for a single tool server.
type MCPConnection struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
}

// NewMCPConnection launches an MCP server subprocess and initializes the connection.
func NewMCPConnection(name, binary string, env, args []string) (*MCPConnection, error) {
	c, err := client.NewStdioMCPClient(binary, env, args...)
	if err != nil {
		return nil, fmt.Errorf("starting MCP server %s (%s): %w", name, binary, err)
	}
	return connect(name, c)
}

// NewInProcessConnection connects to an MCP server running in this process.
func NewInProcessConnection(name string, srv *server.MCPServer) (*MCPConnection, error) {
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("creating in-process client %s: %w", name, err)
	}
	if err := c.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("starting in-process client %s: %w", name, err)
	}
	return connect(name, c)
}

func connect(name string, c *client.Client) (*MCPConnection, error) {
	ctx := context.Background()

	_, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ClientInfo: mcp.Implementation{
				Name:    "rlm",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing MCP server %s: %w", name, err)
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("listing tools from %s: %w", name, err)
	}

	return &MCPConnection{
		name:   name,
		client: c,
		tools:  result.Tools,
	}, nil
}

// Tools describes the tools this server offers.
func (mc *MCPConnection) Tools() []ToolInfo {
	infos := make([]ToolInfo, 0, len(mc.tools))
	for _, t := range mc.tools {
		var params map[string]any
		if t.InputSchema.Properties != nil {
			params = map[string]any{
				"type":       t.InputSchema.Type,
				"properties": t.InputSchema.Properties,
			}
			if len(t.InputSchema.Required) > 0 {
				params["required"] = t.InputSchema.Required
			}
		}
		infos = append(infos, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Server:      mc.name,
			Parameters:  params,
		})
	}
	return infos
}

// CallTool invokes a tool on this MCP server and returns the text result.
// A result flagged as an error by the server is returned as an error.
func (mc *MCPConnection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := mc.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("calling tool %s on %s: %w", name, mc.name, err)
	}

	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}

	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("tool %s: %s", name, text)
	}
	return text, nil
}

// ToolNames returns the names of all tools on this server.
func (mc *MCPConnection) ToolNames() []string {
	names := make([]string, len(mc.tools))
	for i, t := range mc.tools {
		names[i] = t.Name
	}
	return names
}

// Close shuts down the MCP server connection.
func (mc *MCPConnection) Close() {
	mc.client.Close()
}
