package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/rlm/internal/repl"
	"github.com/michaelbrown/rlm/internal/repl/jsengine"
	"github.com/michaelbrown/rlm/internal/server"
)

var jsonFlag bool

var execCmd = &cobra.Command{
	Use:   "exec [file]",
	Short: "Run a snippet once and print its result",
	Long: `Run a JavaScript snippet from a file, or from stdin when no file is
given, in a fresh environment. Output is streamed; the value of a trailing
expression is printed afterwards.

Examples:
  rlm exec script.js
  echo 'await new Promise(r => setTimeout(() => r(42), 10))' | rlm exec
  rlm exec --json script.js`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the full result as JSON instead of streaming")
	execCmd.Flags().StringVar(&contextFile, "context", "", "File whose contents are bound to `context`")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var code []byte
	if len(args) == 1 && args[0] != "-" {
		code, err = os.ReadFile(args[0])
	} else {
		code, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading snippet: %w", err)
	}

	registry := startTools(cfg)
	defer registry.Close()

	opts := server.EnvironmentOptions(cfg, slog.Default())
	if contextFile != "" {
		data, err := os.ReadFile(contextFile)
		if err != nil {
			return fmt.Errorf("reading context: %w", err)
		}
		opts = append(opts, repl.WithValue("context", string(data)))
	}
	if registry.HasTools() {
		opts = append(opts, repl.WithToolbox(registry))
	}
	if client, err := server.NewClient(cfg, providerFlag, modelFlag); err == nil {
		opts = append(opts, repl.WithCompleter(repl.CompleterFunc(func(ctx context.Context, messages any) (string, error) {
			return client.Completion(ctx, messages)
		})))
	}

	env, err := jsengine.NewEnvironment(opts...)
	if err != nil {
		return fmt.Errorf("creating environment: %w", err)
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var xopts []repl.ExecOption
	if !jsonFlag {
		xopts = append(xopts, repl.WithStream(os.Stdout, os.Stderr))
	}
	res, execErr := env.Execute(ctx, string(code), xopts...)

	if jsonFlag {
		out := struct {
			Result *repl.Result `json:"result,omitempty"`
			Error  string       `json:"error,omitempty"`
		}{Result: res}
		if execErr != nil {
			out.Error = execErr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		return execErr
	}

	if execErr != nil {
		return execErr
	}
	if res.HasDisplay() {
		fmt.Println(res.DisplayText)
	}
	return nil
}
