// Package repl implements a persistent code execution environment. Each
// Environment keeps a namespace of top-level bindings across Execute calls,
// runs snippets either directly or through a cooperative scheduler when
// they contain top-level await, and captures what they print.
package repl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of an Environment.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Environment executes snippets against a persistent namespace. Calls are
// strictly sequential: a second Execute waits until the first returns.
type Environment struct {
	engine      Engine
	sched       *Scheduler
	out         *Output
	ns          *Namespace
	logger      *slog.Logger
	timeout     time.Duration
	outputLimit int
	seed        []Binding

	slot   chan struct{}
	state  atomic.Int32
	closed atomic.Bool
}

// New creates an Environment whose interpreter is built by factory.
func New(factory EngineFactory, opts ...Option) (*Environment, error) {
	o := options{
		logger:    slog.Default(),
		functions: make(map[string]Function),
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	sched := NewScheduler()
	out := NewOutput(o.stdout, o.stderr)
	eng, err := factory(&Host{
		Scheduler:    sched,
		Output:       out,
		Logger:       o.logger,
		Functions:    o.functions,
		MaxCallStack: o.maxCallStack,
	})
	if err != nil {
		sched.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	e := &Environment{
		engine:      eng,
		sched:       sched,
		out:         out,
		ns:          NewNamespace(),
		logger:      o.logger,
		timeout:     o.timeout,
		outputLimit: o.outputLimit,
		seed:        o.values,
		slot:        make(chan struct{}, 1),
	}
	if err := e.applySeed(); err != nil {
		sched.Close()
		return nil, err
	}
	return e, nil
}

func (e *Environment) applySeed() error {
	bindings := make([]Binding, len(e.seed))
	for i, b := range e.seed {
		bindings[i] = Binding{Name: b.Name, Value: e.engine.ToValue(b.Value)}
	}
	if err := e.engine.Restore(bindings); err != nil {
		return fmt.Errorf("seeding namespace: %w", err)
	}
	e.ns.Commit(bindings)
	return nil
}

// State reports whether a call is in progress.
func (e *Environment) State() State {
	return State(e.state.Load())
}

func (e *Environment) acquire(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	// select picks at random when both cases are ready.
	if err := ctx.Err(); err != nil {
		return newError(KindCanceled, err)
	}
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrBusy, ctx.Err())
	}
	if e.closed.Load() {
		<-e.slot
		return ErrClosed
	}
	e.state.Store(int32(StateRunning))
	return nil
}

func (e *Environment) release() {
	e.state.Store(int32(StateIdle))
	<-e.slot
}

// Execute runs code against the namespace and returns what it printed, the
// resulting bindings, and the value of a trailing expression.
//
// Syntax errors, a busy or closed environment, and a context that ended
// before the call started all return a nil Result. Other failures return
// the error along with a Result holding the output printed before the
// failure and the bindings as they were before the call. Only top-level
// bindings are restored: objects mutated in place before the failure stay
// mutated.
func (e *Environment) Execute(ctx context.Context, code string, opts ...ExecOption) (*Result, error) {
	var xo execOptions
	for _, opt := range opts {
		opt(&xo)
	}
	if e.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
	}

	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	start := time.Now()
	snip, err := e.engine.Analyze(code)
	if err != nil {
		return nil, err
	}
	if snip.Empty() {
		return e.buildResult(snip, "", "", nil, nil, start), nil
	}

	before := e.ns.Bindings()
	tail, stdout, stderr, runErr := e.capture(ctx, snip, xo)
	if runErr != nil {
		if err := e.engine.Restore(before); err != nil {
			e.logger.Warn("restoring namespace after failure", "error", err)
		}
		kind, _ := KindOf(runErr)
		e.logger.Debug("snippet failed",
			"mode", snip.Mode,
			"kind", kind,
			"duration", time.Since(start))
		return e.buildResult(snip, stdout, stderr, nil, nil, start), runErr
	}

	after := e.engine.Globals()
	changes := e.ns.Diff(after, e.engine.Same)
	e.ns.Commit(after)

	res := e.buildResult(snip, stdout, stderr, tail, changedNames(after, changes), start)
	e.logger.Debug("snippet executed",
		"mode", snip.Mode,
		"duration", res.Duration,
		"changed", len(res.Changed))
	return res, nil
}

// capture runs s with output redirected for the whole unit.
func (e *Environment) capture(ctx context.Context, s *Snippet, xo execOptions) (tail Value, stdout, stderr string, err error) {
	c := e.out.Capture(e.outputLimit, xo.stdout, xo.stderr)
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Kind: KindRuntime, Message: fmt.Sprintf("internal error: %v", r)}
		}
		stdout, stderr = c.Release()
	}()
	tail, err = e.run(ctx, s)
	return tail, "", "", err
}

func (e *Environment) run(ctx context.Context, s *Snippet) (Value, error) {
	stop := e.watch(ctx)
	defer stop()

	if s.Mode == ModeSimple {
		return e.engine.Run(ctx, s)
	}

	unit, err := e.engine.Start(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := e.sched.RunUntil(ctx, unit.Settled); err != nil {
		e.sched.Reset()
		return nil, schedulerError(err)
	}
	return unit.Result()
}

// watch interrupts the engine when ctx ends. The returned func stops
// watching and re-arms the engine.
func (e *Environment) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			e.engine.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
		e.engine.ClearInterrupt()
	}
}

func schedulerError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindCanceled, err)
	}
	return newError(KindScheduler, err)
}

func changedNames(after []Binding, c Changes) []string {
	if c.Empty() {
		return nil
	}
	touched := make(map[string]bool, len(c.Added)+len(c.Updated))
	for _, n := range c.Added {
		touched[n] = true
	}
	for _, n := range c.Updated {
		touched[n] = true
	}
	var out []string
	for _, b := range after {
		if touched[b.Name] {
			out = append(out, b.Name)
		}
	}
	return out
}

func (e *Environment) buildResult(s *Snippet, stdout, stderr string, tail Value, changed []string, start time.Time) *Result {
	bindings := e.ns.Bindings()
	r := &Result{
		Stdout:   stdout,
		Stderr:   stderr,
		Locals:   make(map[string]any, len(bindings)),
		Names:    make([]string, 0, len(bindings)),
		Changed:  changed,
		Mode:     s.Mode,
		Duration: time.Since(start),
	}
	for _, b := range bindings {
		r.Names = append(r.Names, b.Name)
		r.Locals[b.Name] = e.engine.Export(b.Value)
	}
	if tail != nil && !e.engine.IsNull(tail) {
		r.Display = e.engine.Export(tail)
		r.DisplayText = e.engine.Format(tail)
	}
	return r
}

// Get returns the exported value bound to name.
func (e *Environment) Get(name string) (any, bool) {
	if err := e.acquire(context.Background()); err != nil {
		return nil, false
	}
	defer e.release()
	v, ok := e.ns.Get(name)
	if !ok {
		return nil, false
	}
	return e.engine.Export(v), true
}

// Describe returns the interpreter's rendering of the value bound to name.
func (e *Environment) Describe(name string) (string, bool) {
	if err := e.acquire(context.Background()); err != nil {
		return "", false
	}
	defer e.release()
	v, ok := e.ns.Get(name)
	if !ok {
		return "", false
	}
	return e.engine.Format(v), true
}

// Set binds name to v, converting v into an interpreter value.
func (e *Environment) Set(name string, v any) error {
	if err := e.acquire(context.Background()); err != nil {
		return err
	}
	defer e.release()

	next := e.ns.Clone()
	next.Set(name, e.engine.ToValue(v))
	bindings := next.Bindings()
	if err := e.engine.Restore(bindings); err != nil {
		return fmt.Errorf("setting %s: %w", name, err)
	}
	e.ns.Commit(bindings)
	return nil
}

// Names returns the bound names in binding order.
func (e *Environment) Names() []string {
	return e.ns.Names()
}

// Reset drops every binding except the seeded values and cancels pending
// timers and host calls.
func (e *Environment) Reset() error {
	if err := e.acquire(context.Background()); err != nil {
		return err
	}
	defer e.release()
	e.sched.Reset()
	e.ns.Clear()
	return e.applySeed()
}

// Close releases the scheduler. Execute fails with ErrClosed afterwards.
func (e *Environment) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.slot <- struct{}{}
	defer func() { <-e.slot }()
	e.sched.Close()
	return nil
}
