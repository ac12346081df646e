package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/rlm/internal/config"
	"github.com/michaelbrown/rlm/internal/repl"
	"github.com/michaelbrown/rlm/internal/repl/jsengine"
	rlmserver "github.com/michaelbrown/rlm/internal/server"
)

const maxOutput = 8000

func main() {
	// stdout carries the protocol; logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	opts := rlmserver.EnvironmentOptions(cfg, logger)
	if client, err := rlmserver.NewClient(cfg, "", ""); err == nil {
		opts = append(opts, repl.WithCompleter(repl.CompleterFunc(func(ctx context.Context, messages any) (string, error) {
			return client.Completion(ctx, messages)
		})))
	}
	env, err := jsengine.NewEnvironment(opts...)
	if err != nil {
		logger.Error("creating environment", "error", err)
		os.Exit(1)
	}
	defer env.Close()

	if err := server.ServeStdio(newServer(env)); err != nil {
		logger.Error("server error", "error", err)
	}
}

// newServer exposes env as MCP tools. Every call shares the same namespace.
func newServer(env *repl.Environment) *server.MCPServer {
	s := server.NewMCPServer("rlm-repl-runner", "0.1.0")

	s.AddTool(mcp.Tool{
		Name: "repl_execute",
		Description: "Run JavaScript in a persistent REPL. Variables persist between calls. " +
			"Top-level await is supported. The value of a trailing expression is returned after '=>'.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "JavaScript source to execute",
				},
			},
			Required: []string{"code"},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		code, _ := args["code"].(string)
		if strings.TrimSpace(code) == "" {
			return errResult("error: 'code' is required"), nil
		}

		res, err := env.Execute(ctx, code)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: formatResult(res, err)}},
			IsError: err != nil,
		}, nil
	})

	s.AddTool(mcp.Tool{
		Name:        "repl_get",
		Description: "Show the current value of a REPL variable.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Variable name",
				},
			},
			Required: []string{"name"},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		name, _ := args["name"].(string)
		text, ok := env.Describe(name)
		if !ok {
			return errResult(fmt.Sprintf("error: variable %q is not defined", name)), nil
		}
		return textResult(clip(text)), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "repl_reset",
		Description: "Drop every REPL variable and cancel pending timers.",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := env.Reset(); err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		return textResult("REPL reset."), nil
	})

	return s
}

func formatResult(res *repl.Result, err error) string {
	var output strings.Builder
	if res != nil {
		output.WriteString(res.Stdout)
		if res.Stderr != "" {
			if output.Len() > 0 && !strings.HasSuffix(output.String(), "\n") {
				output.WriteString("\n")
			}
			output.WriteString("STDERR:\n" + res.Stderr)
		}
		if err == nil && res.HasDisplay() {
			if output.Len() > 0 && !strings.HasSuffix(output.String(), "\n") {
				output.WriteString("\n")
			}
			output.WriteString("=> " + res.DisplayText)
		}
	}
	if err != nil {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("error: " + err.Error())
	}
	if output.Len() == 0 {
		return "(no output)"
	}
	return clip(output.String())
}

func clip(text string) string {
	if len(text) > maxOutput {
		return text[:maxOutput] + "\n... (output truncated)"
	}
	return text
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
