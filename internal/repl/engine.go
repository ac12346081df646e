package repl

import (
	"context"
	"log/slog"
)

// Engine is the boundary to the embedded interpreter. An Engine owns the
// interpreter's global scope; the Environment decides when to run it and
// keeps the Namespace in step with it.
//
// Engines are not safe for concurrent use. Only Interrupt may be called
// from another goroutine.
type Engine interface {
	// Analyze parses and classifies src without running it.
	Analyze(src string) (*Snippet, error)

	// Run executes a ModeSimple snippet to completion and returns the tail
	// value, or nil when the snippet has no tail.
	Run(ctx context.Context, s *Snippet) (Value, error)

	// Start begins a ModeSuspending snippet. The returned unit settles as the
	// scheduler delivers timers and host completions.
	Start(ctx context.Context, s *Snippet) (Unit, error)

	// Globals returns the user-visible top-level bindings in creation order.
	Globals() []Binding

	// Restore makes the top-level bindings equal to snapshot.
	Restore(snapshot []Binding) error

	ToValue(v any) Value
	Export(v Value) any
	Format(v Value) string
	IsNull(v Value) bool
	Same(a, b Value) bool

	// Interrupt aborts running code with reason. ClearInterrupt re-arms the
	// interpreter afterwards.
	Interrupt(reason any)
	ClearInterrupt()
}

// Unit is a started suspending snippet.
type Unit interface {
	Settled() bool
	// Result returns the tail value once settled.
	Result() (Value, error)
}

// Function is a host function callable from snippets. It is exposed both
// as a blocking call and as a promise-returning call.
type Function func(ctx context.Context, args []any) (any, error)

// Host is what an Engine receives from its Environment.
type Host struct {
	Scheduler *Scheduler
	Output    *Output
	Logger    *slog.Logger

	// Functions are exposed by name. Each is also available as name+"_async".
	Functions map[string]Function

	// MaxCallStack bounds interpreter recursion when positive.
	MaxCallStack int
}

// EngineFactory builds an Engine bound to host.
type EngineFactory func(host *Host) (Engine, error)
