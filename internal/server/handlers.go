package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/repl"
	"github.com/michaelbrown/rlm/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if strings.Contains(err.Error(), "not found") {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := storage.SessionListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.SessionStatus(status)
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		opts.Kind = storage.SessionKind(kind)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	sessions, err := s.store.ListSessions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if sessions == nil {
		sessions = []storage.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Kind     storage.SessionKind `json:"kind"`
	Provider string              `json:"provider"`
	Model    string              `json:"model"`
	Profile  string              `json:"profile"`
	Title    string              `json:"title"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	switch req.Kind {
	case "":
		req.Kind = storage.KindREPL
	case storage.KindREPL, storage.KindRLM:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown session kind %q", req.Kind))
		return
	}

	providerName := req.Provider
	if providerName == "" {
		providerName = s.cfg.DefaultProvider
	}
	model := req.Model
	if provider, err := s.cfg.Provider(providerName); err == nil {
		model = provider.Model(model)
	} else if req.Kind == storage.KindRLM {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := &storage.Session{
		ID:       uuid.New().String(),
		Title:    req.Title,
		Kind:     req.Kind,
		Status:   storage.StatusActive,
		Provider: providerName,
		Model:    model,
		Profile:  req.Profile,
	}

	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// Remove from active sessions first
	s.sessions.Remove(sess.ID)

	if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
		writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// activeSession resolves the URL's session and its live environment.
func (s *Server) activeSession(w http.ResponseWriter, r *http.Request) (*storage.Session, *ActiveSession, bool) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return nil, nil, false
	}
	as, err := s.sessions.GetOrCreate(r.Context(), sess, s.cfg, s.registry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("initializing environment: %v", err))
		return nil, nil, false
	}
	return sess, as, true
}

// --- Execution handlers ---

type executeRequest struct {
	Code string `json:"code"`
}

type errorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

type executeResponse struct {
	Seq    int          `json:"seq"`
	Result *repl.Result `json:"result,omitempty"`
	Error  *errorInfo   `json:"error,omitempty"`
}

func newErrorInfo(err error) *errorInfo {
	var ee *repl.ExecutionError
	if errors.As(err, &ee) {
		return &errorInfo{Kind: ee.Kind.String(), Message: ee.Message, Line: ee.Line, Column: ee.Column}
	}
	return &errorInfo{Kind: "environment", Message: err.Error()}
}

// execute runs code in the session and records it. Output is streamed to
// opts while the code runs.
func (s *Server) execute(ctx context.Context, sess *storage.Session, as *ActiveSession, code string, opts ...repl.ExecOption) (*executeResponse, error) {
	env := as.Environment()
	if env == nil {
		return nil, errNoEnvironment
	}

	res, err := env.Execute(ctx, code, opts...)
	if errors.Is(err, repl.ErrBusy) || errors.Is(err, repl.ErrClosed) {
		return nil, err
	}

	rec := storage.NewExecution(sess.ID, code, res, err)
	if saveErr := s.store.AppendExecution(context.WithoutCancel(ctx), rec); saveErr != nil {
		s.logger.Warn("recording execution", "session", sess.ID, "error", saveErr)
	}

	resp := &executeResponse{Seq: rec.Seq, Result: res}
	if err != nil {
		resp.Error = newErrorInfo(err)
	}
	return resp, nil
}

var errNoEnvironment = errors.New("session has no environment yet; run solve first")

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, as, ok := s.activeSession(w, r)
	if !ok {
		return
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	as.Cancel = cancel
	defer func() {
		cancel()
		as.Cancel = nil
	}()

	resp, err := s.execute(ctx, sess, as, req.Code)
	switch {
	case errors.Is(err, repl.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repl.ErrClosed):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, errNoEnvironment):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	execs, err := s.store.ListExecutions(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

type variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	_, as, ok := s.activeSession(w, r)
	if !ok {
		return
	}
	vars := []variable{}
	if env := as.Environment(); env != nil {
		for _, name := range env.Names() {
			if text, ok := env.Describe(name); ok {
				vars = append(vars, variable{Name: name, Value: text})
			}
		}
	}
	writeJSON(w, http.StatusOK, vars)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	_, as, ok := s.activeSession(w, r)
	if !ok {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	if env := as.Environment(); env != nil {
		if err := env.Reset(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- RLM handlers ---

type solveRequest struct {
	Context any    `json:"context"`
	Query   string `json:"query"`
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	var req solveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, as, ok := s.activeSession(w, r)
	if !ok {
		return
	}
	if as.Driver == nil {
		writeError(w, http.StatusBadRequest, "solve requires a session of kind rlm")
		return
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	as.Cancel = cancel
	defer func() {
		cancel()
		as.Cancel = nil
	}()

	answer, err := s.solve(ctx, sess, as, req.Context, req.Query, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("solve: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

// solve runs the driver, recording every snippet it executes. The caller
// holds as.mu.
func (s *Server) solve(ctx context.Context, sess *storage.Session, as *ActiveSession, contextData any, query string, hooks func(*ActiveSession)) (string, error) {
	d := as.Driver
	d.OnResult = func(code string, res *repl.Result, err error) {
		if saveErr := s.store.AppendExecution(context.WithoutCancel(ctx), storage.NewExecution(sess.ID, code, res, err)); saveErr != nil {
			s.logger.Warn("recording execution", "session", sess.ID, "error", saveErr)
		}
	}
	if hooks != nil {
		hooks(as)
	}
	defer func() {
		d.OnResult, d.OnResponse, d.OnExecute, d.OnTextDelta = nil, nil, nil, nil
	}()

	if sess.Title == "" {
		sess.Title = generateTitle(query)
	}
	sess.Status = storage.StatusRunning
	s.store.UpdateSession(ctx, sess)

	answer, err := d.Completion(ctx, contextData, query)

	sess.Status = storage.StatusCompleted
	if err != nil {
		sess.Status = storage.StatusFailed
	}
	bg := context.WithoutCancel(ctx)
	s.store.UpdateSession(bg, sess)
	if saveErr := s.store.SaveMessages(bg, sess.ID, d.History()); saveErr != nil {
		s.logger.Warn("saving transcript", "session", sess.ID, "error", saveErr)
	}
	return answer, err
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	messages, err := s.store.LoadMessages(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []llm.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.store.GetSession(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	execs, err := s.store.ListExecutions(ctx, sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	messages, err := s.store.LoadMessages(ctx, sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, storage.ExportMarkdown(sess, execs, messages))
		return
	}
	data, err := storage.ExportJSON(sess, execs, messages)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// --- Provider handlers ---

type providerInfo struct {
	Name   string            `json:"name"`
	Models map[string]string `json:"models"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := []providerInfo{}
	for name, p := range s.cfg.Providers {
		providers = append(providers, providerInfo{Name: name, Models: p.Models})
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })
	writeJSON(w, http.StatusOK, providers)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.registry.AllTools())
}

// generateTitle creates a session title from the first query.
func generateTitle(first string) string {
	t := strings.TrimSpace(first)
	if len(t) > 80 {
		t = t[:80] + "..."
	}
	return t
}
