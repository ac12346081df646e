package tools_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/rlm/internal/repl"
	"github.com/michaelbrown/rlm/internal/repl/jsengine"
	"github.com/michaelbrown/rlm/internal/tools"
)

// The stdio test requires the tool server binary to be built first:
// go build -o bin/rlm-tool-repl-runner ./cmd/tools/repl-runner

func binPath(name string) string {
	wd, _ := os.Getwd()
	for d := wd; d != "/"; d = filepath.Dir(d) {
		candidate := filepath.Join(d, "bin", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filepath.Join("bin", name)
}

func skipIfNoBinary(t *testing.T, name string) string {
	t.Helper()
	path := binPath(name)
	if _, err := os.Stat(path); err != nil {
		t.Skipf("binary %s not found at %s", name, path)
	}
	return path
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isError,
	}
}

func newEchoServer() *server.MCPServer {
	s := server.NewMCPServer("echo", "0.1.0")
	s.AddTool(mcp.Tool{
		Name:        "echo",
		Description: "Echo the text argument in upper case.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"text": map[string]any{"type": "string"},
			},
			Required: []string{"text"},
		},
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		text, _ := args["text"].(string)
		return textResult(strings.ToUpper(text), false), nil
	})
	s.AddTool(mcp.Tool{
		Name:        "fail",
		Description: "Always fails.",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return textResult("nope", true), nil
	})
	return s
}

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	t.Cleanup(r.Close)
	if err := r.Attach("echo", newEchoServer()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return r
}

func TestRegistryEmpty(t *testing.T) {
	r := tools.NewRegistry()
	defer r.Close()

	if r.HasTools() {
		t.Fatal("empty registry should not have tools")
	}
	if got := r.AllTools(); len(got) != 0 {
		t.Fatalf("AllTools() = %d, want 0", len(got))
	}

	_, err := r.CallTool(context.Background(), "nonexistent", nil)
	if err == nil {
		t.Fatal("CallTool on empty registry should return error")
	}
}

func TestRegistrySkipsDisabled(t *testing.T) {
	r := tools.NewRegistry()
	defer r.Close()

	err := r.Register("disabled-server", tools.ToolServerConfig{
		Binary:  "/nonexistent/binary",
		Enabled: false,
	})
	if err != nil {
		t.Fatalf("Register disabled server should not error: %v", err)
	}
	if r.HasTools() {
		t.Fatal("disabled server should not register tools")
	}
}

func TestRegistryBadBinary(t *testing.T) {
	r := tools.NewRegistry()
	defer r.Close()

	err := r.Register("bad", tools.ToolServerConfig{
		Binary:  "/nonexistent/binary",
		Enabled: true,
	})
	if err == nil {
		t.Fatal("Register with bad binary should return error")
	}
}

func TestRegistryInProcess(t *testing.T) {
	r := newRegistry(t)

	all := r.AllTools()
	if len(all) != 2 || all[0].Name != "echo" || all[1].Name != "fail" {
		t.Fatalf("AllTools() = %+v", all)
	}
	if all[0].Server != "echo" || all[0].Parameters == nil {
		t.Errorf("echo info = %+v", all[0])
	}
	if !strings.Contains(r.Describe(), "- echo: Echo the text") {
		t.Errorf("Describe() = %q", r.Describe())
	}

	got, err := r.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "HI" {
		t.Errorf("CallTool = %q, want HI", got)
	}

	_, err = r.CallTool(context.Background(), "fail", nil)
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("CallTool(fail) err = %v", err)
	}
}

func TestRestrict(t *testing.T) {
	ts := newRegistry(t).Restrict([]string{"echo"})

	if got := ts.Tools(); len(got) != 1 || got[0].Name != "echo" {
		t.Errorf("Tools() = %+v", got)
	}
	if strings.Contains(ts.Describe(), "fail") {
		t.Errorf("Describe() lists a hidden tool: %q", ts.Describe())
	}
	if _, err := ts.CallTool(context.Background(), "fail", nil); err == nil || !strings.Contains(err.Error(), "not available") {
		t.Errorf("hidden tool call err = %v", err)
	}
	if got, err := ts.CallTool(context.Background(), "echo", map[string]any{"text": "ok"}); err != nil || got != "OK" {
		t.Errorf("CallTool = %q, %v", got, err)
	}
}

func TestRegistryAsToolbox(t *testing.T) {
	env, err := jsengine.NewEnvironment(repl.WithToolbox(newRegistry(t)))
	if err != nil {
		t.Fatalf("NewEnvironment: %v", err)
	}
	defer env.Close()

	ctx := context.Background()
	res, err := env.Execute(ctx, `a = call_tool("echo", {text: "sync"})
b = await call_tool_async("echo", {text: "async"})
a + " " + b`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Display != "SYNC ASYNC" {
		t.Errorf("Display = %v", res.Display)
	}

	_, err = env.Execute(ctx, `call_tool("fail")`)
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("failing tool err = %v", err)
	}
}

func TestReplRunnerMCP(t *testing.T) {
	bin := skipIfNoBinary(t, "rlm-tool-repl-runner")

	r := tools.NewRegistry()
	defer r.Close()
	if err := r.Register("repl", tools.ToolServerConfig{Binary: bin, Enabled: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if _, err := r.CallTool(ctx, "repl_execute", map[string]any{"code": "x = 21"}); err != nil {
		t.Fatalf("repl_execute: %v", err)
	}
	out, err := r.CallTool(ctx, "repl_execute", map[string]any{"code": "x * 2"})
	if err != nil {
		t.Fatalf("repl_execute: %v", err)
	}
	if !strings.Contains(out, "42") {
		t.Errorf("repl_execute output = %q", out)
	}
	got, err := r.CallTool(ctx, "repl_get", map[string]any{"name": "x"})
	if err != nil || !strings.Contains(got, "21") {
		t.Errorf("repl_get = %q, %v", got, err)
	}
}
