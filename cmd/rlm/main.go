package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/rlm/internal/config"
	"github.com/michaelbrown/rlm/internal/tools"
)

var (
	providerFlag string
	modelFlag    string
	profileFlag  string
	configFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "rlm",
	Short: "rlm - persistent JavaScript REPL for language-model agents",
	Long: `rlm runs JavaScript snippets in an environment that keeps its variables
between calls. Snippets may use top-level await; host functions such as
llm_query and call_tool are available in blocking and _async forms.

The same environment can be driven by a model (rlm solve), used
interactively (rlm repl), or served over HTTP (rlm serve).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "LLM provider from config")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Model or model alias (overrides config)")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "Solver profile to use")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./rlm.yaml or ~/.rlm/rlm.yaml)")
}

// loadConfig reads the config and installs the default logger.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFlag != "" {
		cfg, err = config.LoadFile(configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))
	return cfg, nil
}

// startTools launches the configured MCP tool servers. Failures are logged
// and skipped.
func startTools(cfg *config.Config) *tools.Registry {
	registry := tools.NewRegistry()
	for name, toolCfg := range cfg.Tools {
		if err := registry.Register(name, toolCfg); err != nil {
			slog.Warn("failed to start tool server", "server", name, "error", err)
		}
	}
	return registry
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
