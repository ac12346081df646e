package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/michaelbrown/rlm/internal/config"
	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/repl"
	"github.com/michaelbrown/rlm/internal/repl/jsengine"
	"github.com/michaelbrown/rlm/internal/rlm"
	"github.com/michaelbrown/rlm/internal/storage"
	"github.com/michaelbrown/rlm/internal/tools"
)

// ActiveSession holds the in-memory environment of a session.
type ActiveSession struct {
	ID     string
	Env    *repl.Environment // repl sessions
	Driver *rlm.Driver       // rlm sessions
	Cancel context.CancelFunc
	mu     sync.Mutex // one request at a time per session
}

// Environment returns the namespace the session's code runs in. For rlm
// sessions it is nil until the first solve.
func (as *ActiveSession) Environment() *repl.Environment {
	if as.Driver != nil {
		return as.Driver.Environment()
	}
	return as.Env
}

func (as *ActiveSession) close() {
	if as.Cancel != nil {
		as.Cancel()
	}
	if as.Driver != nil {
		as.Driver.Close()
	}
	if as.Env != nil {
		as.Env.Close()
	}
}

// SessionManager tracks which sessions have a live environment in memory.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ActiveSession
	logger   *slog.Logger
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*ActiveSession),
		logger:   logger,
	}
}

// Get returns an active session if it exists.
func (sm *SessionManager) Get(sessionID string) (*ActiveSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	as, ok := sm.sessions[sessionID]
	return as, ok
}

// GetOrCreate returns an existing active session or builds its environment.
// A session whose provider is not configured still gets an environment,
// just without llm_query.
func (sm *SessionManager) GetOrCreate(
	ctx context.Context,
	sess *storage.Session,
	cfg *config.Config,
	registry *tools.Registry,
) (*ActiveSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if as, ok := sm.sessions[sess.ID]; ok {
		return as, nil
	}

	opts := EnvironmentOptions(cfg, sm.logger.With("session", sess.ID))
	as := &ActiveSession{ID: sess.ID}

	switch sess.Kind {
	case storage.KindRLM:
		d, err := NewDriver(cfg, sess.Provider, sess.Model, sess.Profile, registry)
		if err != nil {
			return nil, err
		}
		d.SetLogger(sm.logger.With("session", sess.ID))
		d.AddEnvironmentOptions(opts...)
		as.Driver = d
	default:
		if registry != nil && registry.HasTools() {
			opts = append(opts, repl.WithToolbox(registry))
		}
		if client, err := NewClient(cfg, sess.Provider, sess.Model); err == nil {
			opts = append(opts, repl.WithCompleter(completer(client)))
		}
		env, err := jsengine.NewEnvironment(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating environment: %w", err)
		}
		as.Env = env
	}

	sm.sessions[sess.ID] = as
	return as, nil
}

// Remove removes an active session and cancels any in-flight work.
func (sm *SessionManager) Remove(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if as, ok := sm.sessions[sessionID]; ok {
		as.close()
		delete(sm.sessions, sessionID)
	}
}

// CloseAll cancels all active sessions.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for id, as := range sm.sessions {
		as.close()
		delete(sm.sessions, id)
	}
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// EnvironmentOptions translates the repl config section into environment
// options.
func EnvironmentOptions(cfg *config.Config, logger *slog.Logger) []repl.Option {
	return []repl.Option{
		repl.WithLogger(logger),
		repl.WithTimeout(cfg.Repl.Timeout),
		repl.WithOutputLimit(cfg.Repl.MaxOutputBytes),
		repl.WithMaxCallStack(cfg.Repl.MaxCallStack),
	}
}

// NewClient builds a completion client for a provider and model alias.
func NewClient(cfg *config.Config, providerName, model string) (*llm.OpenAICompatClient, error) {
	provider, err := cfg.Provider(providerName)
	if err != nil {
		return nil, fmt.Errorf("resolving provider: %w", err)
	}
	return llm.NewClient(provider.BaseURL, provider.APIKey, provider.Model(model)), nil
}

// NewDriver builds an rlm driver from config and an optional profile name.
func NewDriver(cfg *config.Config, providerName, model, profileName string, registry *tools.Registry) (*rlm.Driver, error) {
	var profile *rlm.Profile
	if profileName != "" {
		p, err := rlm.FindProfile(cfg.RLM.ProfilesDir, profileName)
		if err != nil {
			return nil, fmt.Errorf("loading profile: %w", err)
		}
		profile = p
		if providerName == "" {
			providerName = p.Provider
		}
		if model == "" {
			model = p.Model
		}
	}

	provider, err := cfg.Provider(providerName)
	if err != nil {
		return nil, fmt.Errorf("resolving provider: %w", err)
	}
	root := llm.NewClient(provider.BaseURL, provider.APIKey, provider.Model(model))
	var sub llm.Client = root
	switch {
	case profile != nil && profile.SubModel != "":
		sub = llm.NewClient(provider.BaseURL, provider.APIKey, provider.Model(profile.SubModel))
	case provider.Models["sub"] != "":
		sub = llm.NewClient(provider.BaseURL, provider.APIKey, provider.Models["sub"])
	}

	maxIter := cfg.RLM.MaxIterations
	if profile != nil && profile.MaxIter > 0 {
		maxIter = profile.MaxIter
	}

	d := rlm.New(root, sub, maxIter)
	d.SetMaxTokens(cfg.RLM.MaxContextTokens)
	if m := provider.Models["utility"]; m != "" {
		d.SetUtilityLLM(llm.NewClient(provider.BaseURL, provider.APIKey, m))
	}
	if profile != nil && profile.SystemPrompt != "" {
		d.SetSystemPrompt(profile.SystemPrompt)
	}
	if registry != nil && registry.HasTools() {
		var names []string
		if profile != nil {
			names = profile.Tools
		}
		ts := registry.Restrict(names)
		d.SetToolbox(ts, ts.Describe())
	}
	return d, nil
}

func completer(c llm.Client) repl.Completer {
	return repl.CompleterFunc(func(ctx context.Context, messages any) (string, error) {
		return c.Completion(ctx, messages)
	})
}
