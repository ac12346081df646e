// Package rlm drives a recursive language model: a root model explores a
// large context by writing code that runs in a persistent REPL, where it
// can query sub-models, until it commits to a final answer.
package rlm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/repl"
	"github.com/michaelbrown/rlm/internal/repl/jsengine"
)

const defaultMaxTokens = 32000

// Driver runs the root-model loop against one REPL environment.
type Driver struct {
	llm          llm.Client
	sub          llm.Client
	utilityLLM   llm.Client
	toolbox      repl.Toolbox
	toolDocs     string
	envOpts      []repl.Option
	systemPrompt string
	maxIter      int
	maxTokens    int
	logger       *slog.Logger

	env     *repl.Environment
	history []llm.Message
	query   string

	OnResponse  func(iteration int, text string)
	OnExecute   func(code string)
	OnResult    func(code string, res *repl.Result, err error)
	OnTextDelta func(delta string)
}

// New creates a Driver. root writes the code; sub answers llm_query calls
// made from that code. sub may be nil, in which case root serves both.
func New(root, sub llm.Client, maxIterations int) *Driver {
	if sub == nil {
		sub = root
	}
	if maxIterations <= 0 {
		maxIterations = 20
	}
	return &Driver{
		llm:       root,
		sub:       sub,
		maxIter:   maxIterations,
		maxTokens: defaultMaxTokens,
		logger:    slog.Default(),
	}
}

// SetSystemPrompt overrides the default system prompt.
func (d *Driver) SetSystemPrompt(prompt string) {
	d.systemPrompt = prompt
}

// SetMaxTokens sets the context window token budget for history compaction.
func (d *Driver) SetMaxTokens(maxTokens int) {
	if maxTokens > 0 {
		d.maxTokens = maxTokens
	}
}

// SetUtilityLLM sets an optional lightweight client used for summarizing
// old history.
func (d *Driver) SetUtilityLLM(client llm.Client) {
	d.utilityLLM = client
}

// SetToolbox exposes tools to the REPL as call_tool. docs lists them for the
// system prompt.
func (d *Driver) SetToolbox(tb repl.Toolbox, docs string) {
	d.toolbox = tb
	d.toolDocs = docs
}

// SetLogger sets the logger for the driver and its environment.
func (d *Driver) SetLogger(l *slog.Logger) {
	if l != nil {
		d.logger = l
	}
}

// AddEnvironmentOptions appends options applied to every environment the
// driver creates, e.g. custom functions.
func (d *Driver) AddEnvironmentOptions(opts ...repl.Option) {
	d.envOpts = append(d.envOpts, opts...)
}

// setup starts a fresh conversation and environment bound to contextData.
func (d *Driver) setup(contextData any, query string) error {
	if query == "" {
		query = DefaultQuery
	}
	d.query = query

	prompt := d.systemPrompt
	if prompt == "" {
		prompt = BuildSystemPrompt(d.toolDocs)
	}
	d.history = []llm.Message{llm.SystemMessage(prompt)}

	sub := d.sub
	opts := []repl.Option{
		repl.WithLogger(d.logger),
		repl.WithValue("context", convertContext(contextData)),
		repl.WithCompleter(repl.CompleterFunc(func(ctx context.Context, messages any) (string, error) {
			return sub.Completion(ctx, messages)
		})),
	}
	if d.toolbox != nil {
		opts = append(opts, repl.WithToolbox(d.toolbox))
	}
	opts = append(opts, d.envOpts...)

	env, err := jsengine.NewEnvironment(opts...)
	if err != nil {
		return fmt.Errorf("creating environment: %w", err)
	}
	if d.env != nil {
		d.env.Close()
	}
	d.env = env
	return nil
}

// Completion answers query about contextData, letting the root model work
// through the REPL for up to the iteration limit. contextData may be a
// string, a list of strings, or a list of messages.
func (d *Driver) Completion(ctx context.Context, contextData any, query string) (string, error) {
	if err := d.setup(contextData, query); err != nil {
		return "", err
	}

	for i := 0; i < d.maxIter; i++ {
		d.compactHistory(ctx)

		messages := append(append([]llm.Message(nil), d.history...), nextActionPrompt(d.query, i, false))
		response, err := d.complete(ctx, messages)
		if err != nil {
			return "", fmt.Errorf("llm call (iteration %d): %w", i+1, err)
		}
		if d.OnResponse != nil {
			d.OnResponse(i, response)
		}

		blocks := findCodeBlocks(response)
		if len(blocks) > 0 {
			d.history = append(d.history, llm.AssistantMessage(response))
			for _, code := range blocks {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				d.history = append(d.history, llm.UserMessage(d.execute(ctx, code)))
			}
		} else {
			d.history = append(d.history, llm.AssistantMessage("You responded with:\n"+response))
		}

		if answer, ok := findFinalAnswer(response); ok {
			text, err := d.resolve(answer)
			if err == nil {
				d.logger.Debug("final answer", "iteration", i+1)
				return text, nil
			}
			d.history = append(d.history, llm.UserMessage(err.Error()))
		}
	}

	d.logger.Info("no final answer within iteration limit", "max_iterations", d.maxIter)
	d.history = append(d.history, nextActionPrompt(d.query, d.maxIter, true))
	response, err := d.complete(ctx, d.history)
	if err != nil {
		return "", fmt.Errorf("final llm call: %w", err)
	}
	d.history = append(d.history, llm.AssistantMessage(response))
	if answer, ok := findFinalAnswer(response); ok {
		if text, err := d.resolve(answer); err == nil {
			return text, nil
		}
	}
	return response, nil
}

func (d *Driver) complete(ctx context.Context, messages []llm.Message) (string, error) {
	if d.OnTextDelta != nil {
		return d.llm.CompletionStream(ctx, messages, d.OnTextDelta)
	}
	return d.llm.Completion(ctx, messages)
}

func (d *Driver) execute(ctx context.Context, code string) string {
	if d.OnExecute != nil {
		d.OnExecute(code)
	}
	res, err := d.env.Execute(ctx, code)
	if d.OnResult != nil {
		d.OnResult(code, res, err)
	}
	return executionFeedback(code, res, err)
}

// resolve turns a final answer into text, reading FINAL_VAR from the REPL.
func (d *Driver) resolve(a finalAnswer) (string, error) {
	if a.variable == "" {
		return a.text, nil
	}
	v, ok := d.env.Get(a.variable)
	if !ok {
		return "", fmt.Errorf("FINAL_VAR(%s): variable %q is not defined in the REPL; assign it in a ```repl block first", a.variable, a.variable)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	if text, ok := d.env.Describe(a.variable); ok {
		return text, nil
	}
	data, _ := json.Marshal(v)
	return string(data), nil
}

// compactHistory summarizes older messages when history exceeds the token budget.
func (d *Driver) compactHistory(ctx context.Context) {
	if estimateHistoryTokens(d.history) <= d.maxTokens {
		return
	}

	// Keep recent messages within 60% of budget
	splitIdx := findSplitPoint(d.history, d.maxTokens*60/100)
	if splitIdx >= len(d.history) {
		return
	}
	old := d.history[1:splitIdx]
	if len(old) == 0 {
		return
	}

	summarizer := d.llm
	if d.utilityLLM != nil {
		summarizer = d.utilityLLM
	}
	summary, err := summarizeMessages(ctx, summarizer, old)
	if err != nil {
		d.logger.Warn("history summarization failed, trimming", "error", err)
		d.trimHistory(10)
		return
	}

	compacted := make([]llm.Message, 0, 2+len(d.history)-splitIdx)
	compacted = append(compacted, d.history[0])
	compacted = append(compacted, llm.SystemMessage("[Prior REPL session summary]\n"+summary))
	compacted = append(compacted, d.history[splitIdx:]...)
	d.history = compacted
}

// trimHistory keeps the system message and the last keepLast messages.
func (d *Driver) trimHistory(keepLast int) {
	if len(d.history) <= keepLast+1 {
		return
	}
	system := d.history[0]
	recent := d.history[len(d.history)-keepLast:]
	d.history = append([]llm.Message{system}, recent...)
}

// Environment returns the REPL of the current run, or nil before the first.
func (d *Driver) Environment() *repl.Environment {
	return d.env
}

// History returns the conversation of the current run.
func (d *Driver) History() []llm.Message {
	return d.history
}

// Reset discards the environment and the conversation.
func (d *Driver) Reset() {
	if d.env != nil {
		d.env.Close()
		d.env = nil
	}
	d.history = nil
	d.query = ""
}

// Close releases the environment.
func (d *Driver) Close() error {
	d.Reset()
	return nil
}

// String returns a summary of the driver state.
func (d *Driver) String() string {
	return fmt.Sprintf("Driver(history=%d messages, maxIter=%d)", len(d.history), d.maxIter)
}
