package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/rlm/internal/repl"
	"github.com/michaelbrown/rlm/internal/server"
	"github.com/michaelbrown/rlm/internal/storage"
)

var (
	queryFlag  string
	streamFlag bool
	quietFlag  bool
)

var solveCmd = &cobra.Command{
	Use:   "solve [context-file]",
	Short: "Let a model answer a query by working through the REPL",
	Long: `Load a context (a file, or stdin when no file is given) into a fresh
environment as the variable context, then let the root model write and
run code until it produces FINAL(...) or FINAL_VAR(name).

A context file ending in .json is decoded, so lists of strings and
message lists arrive as structured values.

Examples:
  rlm solve report.txt --query "What are the three main risks?"
  cat logs.json | rlm solve --query "Which service failed first?"
  rlm solve --profile deep book.txt -q "Summarize chapter 4"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSolve,
}

func init() {
	solveCmd.Flags().StringVarP(&queryFlag, "query", "q", "", "Question to answer about the context")
	solveCmd.Flags().BoolVar(&streamFlag, "stream", false, "Stream model output as it is generated")
	solveCmd.Flags().BoolVar(&quietFlag, "quiet", false, "Print only the final answer")
	solveCmd.Flags().BoolVar(&noSaveFlag, "no-save", false, "Do not record the session")
	rootCmd.AddCommand(solveCmd)
}

func readContext(args []string) (any, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 1 && args[0] != "-" {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return nil, fmt.Errorf("reading context: %w", err)
	}
	if len(args) == 1 && strings.HasSuffix(args[0], ".json") {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decoding context: %w", err)
		}
		return v, nil
	}
	return string(data), nil
}

func runSolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	contextData, err := readContext(args)
	if err != nil {
		return err
	}

	registry := startTools(cfg)
	defer registry.Close()

	providerName := providerFlag
	if providerName == "" {
		providerName = cfg.DefaultProvider
	}
	d, err := server.NewDriver(cfg, providerName, modelFlag, profileFlag, registry)
	if err != nil {
		return err
	}
	defer d.Close()
	d.AddEnvironmentOptions(server.EnvironmentOptions(cfg, slog.Default())...)

	model := modelFlag
	if provider, err := cfg.Provider(providerName); err == nil {
		model = provider.Model(modelFlag)
	}

	rec := newRecorder(cfg.Storage.DBPath, &storage.Session{
		Kind:     storage.KindRLM,
		Title:    truncate(queryFlag, 80),
		Provider: providerName,
		Model:    model,
		Profile:  profileFlag,
	})
	defer rec.close()

	if !quietFlag {
		fmt.Printf("rlm solve | %s | %s\n\n", providerName, model)
		d.OnResponse = func(iteration int, text string) {
			if !streamFlag {
				fmt.Printf("\033[32m── iteration %d ──\033[0m\n%s\n", iteration+1, strings.TrimSpace(text))
			}
			fmt.Println()
		}
		if streamFlag {
			d.OnTextDelta = func(delta string) { fmt.Print(delta) }
		}
	}
	d.OnResult = func(code string, res *repl.Result, err error) {
		rec.record(code, res, err)
		if quietFlag {
			return
		}
		switch {
		case err != nil:
			fmt.Printf("  \033[31m│ %s\033[0m\n", err)
		case res.Stdout != "":
			printPreview(res.Stdout, 8)
		case res.HasDisplay():
			printPreview(res.DisplayText, 8)
		}
		fmt.Println()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	answer, err := d.Completion(ctx, contextData, queryFlag)
	if rec.store != nil {
		if saveErr := rec.store.SaveMessages(context.Background(), rec.sess.ID, d.History()); saveErr != nil {
			fmt.Fprintf(os.Stderr, "warning: saving transcript: %v\n", saveErr)
		}
	}
	if err != nil {
		rec.finish(storage.StatusFailed)
		return err
	}

	if !quietFlag {
		fmt.Printf("\033[36m── answer ──\033[0m\n")
	}
	fmt.Println(answer)
	return nil
}

func printPreview(text string, maxLines int) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	preview := lines
	if len(preview) > maxLines {
		preview = preview[:maxLines]
	}
	for _, line := range preview {
		fmt.Printf("  \033[90m│ %s\033[0m\n", line)
	}
	if len(lines) > maxLines {
		fmt.Printf("  \033[90m│ ... (%d more lines)\033[0m\n", len(lines)-maxLines)
	}
}
