package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/rlm/internal/tools"
)

type ProviderConfig struct {
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Models  map[string]string `mapstructure:"models"`
}

type ReplConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	MaxCallStack   int           `mapstructure:"max_call_stack"`
}

type RLMConfig struct {
	MaxIterations    int    `mapstructure:"max_iterations"`
	ProfilesDir      string `mapstructure:"profiles_dir"`
	MaxContextTokens int    `mapstructure:"max_context_tokens"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Providers       map[string]ProviderConfig         `mapstructure:"providers"`
	DefaultProvider string                            `mapstructure:"default_provider"`
	Repl            ReplConfig                        `mapstructure:"repl"`
	RLM             RLMConfig                         `mapstructure:"rlm"`
	Server          ServerConfig                      `mapstructure:"server"`
	Storage         StorageConfig                     `mapstructure:"storage"`
	Tools           map[string]tools.ToolServerConfig `mapstructure:"tools"`
	Log             LogConfig                         `mapstructure:"log"`
}

// Load reads rlm.yaml from the working directory or $HOME/.rlm. A missing
// file is not an error; defaults apply.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("rlm")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.rlm")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return decode(v)
}

// LoadFile reads the config at path.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	home := os.Getenv("HOME")

	v.SetDefault("default_provider", "ollama")
	v.SetDefault("repl.timeout", 30*time.Second)
	v.SetDefault("repl.max_output_bytes", 1<<20)
	v.SetDefault("repl.max_call_stack", 1024)
	v.SetDefault("rlm.max_iterations", 20)
	v.SetDefault("rlm.profiles_dir", filepath.Join(home, ".rlm", "profiles"))
	v.SetDefault("rlm.max_context_tokens", 32000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(home, ".rlm", "rlm.db"))
	v.SetDefault("log.level", "info")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in API keys
	for name, p := range cfg.Providers {
		p.APIKey = expandEnv(p.APIKey)
		cfg.Providers[name] = p
	}
	for name, t := range cfg.Tools {
		for k, val := range t.Env {
			t.Env[k] = expandEnv(val)
		}
		cfg.Tools[name] = t
	}
	return &cfg, nil
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Provider returns the config for a named provider, falling back to the default.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, ok := c.Providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s", name)
	}
	return p, nil
}

// Model resolves a model alias (e.g. "root", "sub") for the provider. An
// unknown alias is returned as the model name itself.
func (p ProviderConfig) Model(alias string) string {
	if m, ok := p.Models[alias]; ok {
		return m
	}
	if alias == "" {
		return p.Models["default"]
	}
	return alias
}

// LogLevel maps log.level to a slog level. Unknown values mean info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
