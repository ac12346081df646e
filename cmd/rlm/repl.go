package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/rlm/internal/repl"
	"github.com/michaelbrown/rlm/internal/repl/jsengine"
	"github.com/michaelbrown/rlm/internal/server"
	"github.com/michaelbrown/rlm/internal/storage"
	"github.com/michaelbrown/rlm/internal/storage/sqlite"
)

var (
	contextFile string
	noSaveFlag  bool
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive JavaScript session",
	Long: `Start an interactive session backed by a persistent environment.
Variables survive between inputs. Unfinished input (an open brace or
bracket) continues on the next line.

Examples:
  rlm repl
  rlm repl --context notes.txt
  rlm repl --provider ollama --model qwen3:8b`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVar(&contextFile, "context", "", "File whose contents are bound to `context`")
	replCmd.Flags().BoolVar(&noSaveFlag, "no-save", false, "Do not record the session")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	providerName := providerFlag
	if providerName == "" {
		providerName = cfg.DefaultProvider
	}
	var model string
	if client, err := server.NewClient(cfg, providerName, modelFlag); err == nil {
		model = client.Model()
		opts = append(opts, repl.WithCompleter(repl.CompleterFunc(func(ctx context.Context, messages any) (string, error) {
			return client.Completion(ctx, messages)
		})))
	}

	env, err := jsengine.NewEnvironment(opts...)
	if err != nil {
		return fmt.Errorf("creating environment: %w", err)
	}
	defer env.Close()

	rec := newRecorder(cfg.Storage.DBPath, &storage.Session{
		Kind:     storage.KindREPL,
		Provider: providerName,
		Model:    model,
	})
	defer rec.close()

	fmt.Printf("rlm - persistent JavaScript REPL\n")
	if model != "" {
		fmt.Printf("llm_query: %s | %s\n", providerName, model)
	}
	if registry.HasTools() {
		fmt.Printf("call_tool: %d tools\n", len(registry.AllTools()))
	}
	fmt.Printf("Type .help for commands, .exit to quit\n\n")

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36m>\033[0m ",
		HistoryFile:     filepath.Join(home, ".rlm", "repl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       ".exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the running snippet, not the whole app.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	var pending strings.Builder
	for {
		if pending.Len() > 0 {
			rl.SetPrompt("\033[36m.\033[0m ")
		} else {
			rl.SetPrompt("\033[36m>\033[0m ")
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && pending.Len() > 0 {
				pending.Reset()
				continue
			}
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if pending.Len() == 0 && strings.HasPrefix(strings.TrimSpace(line), ".") {
			if !handleReplCommand(strings.TrimSpace(line), env) {
				return nil
			}
			continue
		}

		pending.WriteString(line)
		pending.WriteByte('\n')
		code := pending.String()
		if strings.TrimSpace(code) == "" {
			pending.Reset()
			continue
		}
		if incomplete(code) {
			continue
		}
		pending.Reset()

		ctx, cancel := context.WithCancel(context.Background())
		reqCancel = cancel
		res, err := env.Execute(ctx, code, repl.WithStream(os.Stdout, os.Stderr))
		cancel()
		reqCancel = nil

		rec.record(code, res, err)
		printOutcome(res, err)
	}
}

// incomplete reports whether code stops mid-statement, so the prompt should
// keep reading.
func incomplete(code string) bool {
	_, err := jsengine.Analyze(code)
	return err != nil && strings.Contains(err.Error(), "end of input")
}

func printOutcome(res *repl.Result, err error) {
	if err != nil {
		fmt.Printf("\033[31m%s\033[0m\n", err)
		return
	}
	if res.HasDisplay() {
		fmt.Printf("\033[32m%s\033[0m\n", res.DisplayText)
	}
}

func handleReplCommand(input string, env *repl.Environment) bool {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case ".exit", ".quit", ".q":
		return false
	case ".reset":
		if err := env.Reset(); err != nil {
			fmt.Printf("reset: %v\n", err)
		} else {
			fmt.Println("Environment reset.")
		}
	case ".vars":
		names := env.Names()
		if len(names) == 0 {
			fmt.Println("(no variables)")
		}
		for _, name := range names {
			text, _ := env.Describe(name)
			fmt.Printf("  %s = %s\n", name, truncate(text, 80))
		}
	case ".help":
		fmt.Println("Commands:")
		fmt.Println("  .help     - Show this help")
		fmt.Println("  .vars     - List variables in the environment")
		fmt.Println("  .reset    - Drop every variable")
		fmt.Println("  .exit     - Exit")
	default:
		fmt.Printf("Unknown command: %s (try .help)\n", input)
	}
	fmt.Println()
	return true
}

// recorder stores a session's executions. Storage failures are logged and
// never interrupt the session.
type recorder struct {
	store storage.Store
	sess  *storage.Session
}

func newRecorder(dbPath string, sess *storage.Session) *recorder {
	if noSaveFlag {
		return &recorder{}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		slog.Warn("session will not be saved", "error", err)
		return &recorder{}
	}
	store, err := sqlite.Open(dbPath)
	if err != nil {
		slog.Warn("session will not be saved", "error", err)
		return &recorder{}
	}
	sess.ID = uuid.New().String()
	sess.Status = storage.StatusActive
	if err := store.CreateSession(context.Background(), sess); err != nil {
		slog.Warn("session will not be saved", "error", err)
		store.Close()
		return &recorder{}
	}
	return &recorder{store: store, sess: sess}
}

func (r *recorder) record(code string, res *repl.Result, err error) {
	if r.store == nil {
		return
	}
	if r.sess.Title == "" {
		r.sess.Title = truncate(strings.SplitN(strings.TrimSpace(code), "\n", 2)[0], 80)
		r.store.UpdateSession(context.Background(), r.sess)
	}
	if saveErr := r.store.AppendExecution(context.Background(), storage.NewExecution(r.sess.ID, code, res, err)); saveErr != nil {
		slog.Warn("recording execution", "error", saveErr)
	}
}

func (r *recorder) finish(status storage.SessionStatus) {
	if r.store == nil {
		return
	}
	r.sess.Status = status
	if err := r.store.UpdateSession(context.Background(), r.sess); err != nil {
		slog.Warn("updating session", "error", err)
	}
}

func (r *recorder) close() {
	if r.store == nil {
		return
	}
	if r.sess.Status == storage.StatusActive {
		r.finish(storage.StatusCompleted)
	}
	r.store.Close()
}
