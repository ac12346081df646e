package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/server"
)

// Registry manages multiple MCP tool server connections. It is safe for
// concurrent use; snippets call tools from host goroutines.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*MCPConnection // server name → connection
	toolIndex   map[string]string         // tool name → server name
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*MCPConnection),
		toolIndex:   make(map[string]string),
	}
}

// Register launches an MCP tool server and adds its tools to the registry.
func (r *Registry) Register(name string, cfg ToolServerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	env := os.Environ()
	for k, v := range cfg.Env {
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			v = os.Getenv(v[2 : len(v)-1])
		}
		env = append(env, k+"="+v)
	}

	conn, err := NewMCPConnection(name, cfg.Binary, env, cfg.Args)
	if err != nil {
		return err
	}
	r.add(name, conn)
	return nil
}

// Attach adds the tools of an in-process MCP server.
func (r *Registry) Attach(name string, srv *server.MCPServer) error {
	conn, err := NewInProcessConnection(name, srv)
	if err != nil {
		return err
	}
	r.add(name, conn)
	return nil
}

func (r *Registry) add(name string, conn *MCPConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.connections[name]; ok {
		for _, t := range old.ToolNames() {
			delete(r.toolIndex, t)
		}
		old.Close()
	}
	r.connections[name] = conn
	for _, toolName := range conn.ToolNames() {
		r.toolIndex[toolName] = name
	}
}

// AllTools returns tool descriptions from all registered servers, sorted by name.
func (r *Registry) AllTools() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []ToolInfo
	for _, conn := range r.connections {
		all = append(all, conn.Tools()...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// CallTool routes a tool call to the appropriate MCP server.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	conn, ok := r.connections[r.toolIndex[name]]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return conn.CallTool(ctx, name, args)
}

// HasTools returns true if any tools are registered.
func (r *Registry) HasTools() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.toolIndex) > 0
}

// Describe renders the tool list for a system prompt.
func (r *Registry) Describe() string {
	return r.Restrict(nil).Describe()
}

// Close shuts down all MCP server connections.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, conn := range r.connections {
		conn.Close()
		delete(r.connections, name)
	}
	clear(r.toolIndex)
}

// Toolset is a view of a Registry limited to some tools.
type Toolset struct {
	r       *Registry
	allowed map[string]bool
}

// Restrict returns a view of r exposing only the named tools. No names
// means every tool.
func (r *Registry) Restrict(names []string) *Toolset {
	ts := &Toolset{r: r}
	if len(names) > 0 {
		ts.allowed = make(map[string]bool, len(names))
		for _, n := range names {
			ts.allowed[n] = true
		}
	}
	return ts
}

func (ts *Toolset) permits(name string) bool {
	return ts.allowed == nil || ts.allowed[name]
}

// CallTool calls name if the view exposes it.
func (ts *Toolset) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if !ts.permits(name) {
		return "", fmt.Errorf("tool %s is not available", name)
	}
	return ts.r.CallTool(ctx, name, args)
}

// Tools returns the exposed tools.
func (ts *Toolset) Tools() []ToolInfo {
	var out []ToolInfo
	for _, t := range ts.r.AllTools() {
		if ts.permits(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// Describe renders the exposed tools for a system prompt.
func (ts *Toolset) Describe() string {
	var sb strings.Builder
	for _, t := range ts.Tools() {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}
	return sb.String()
}
