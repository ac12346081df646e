package repl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Completer answers prompts for llm_query. messages may be a string, a
// single message object, or a list of message objects.
type Completer interface {
	Complete(ctx context.Context, messages any) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, messages any) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, messages any) (string, error) {
	return f(ctx, messages)
}

// Toolbox routes call_tool invocations.
type Toolbox interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

type options struct {
	logger       *slog.Logger
	stdout       io.Writer
	stderr       io.Writer
	timeout      time.Duration
	outputLimit  int
	maxCallStack int
	functions    map[string]Function
	values       []Binding
}

// Option configures an Environment.
type Option func(*options) error

// WithLogger sets the logger used for execution events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) error {
		if l != nil {
			o.logger = l
		}
		return nil
	}
}

// WithOutput sets where print output goes outside of Execute.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) error {
		o.stdout, o.stderr = stdout, stderr
		return nil
	}
}

// WithTimeout bounds every Execute call that has no earlier deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return fmt.Errorf("%w: negative timeout %s", ErrConfiguration, d)
		}
		o.timeout = d
		return nil
	}
}

// WithOutputLimit caps captured stdout and stderr per call, in bytes.
func WithOutputLimit(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return fmt.Errorf("%w: negative output limit %d", ErrConfiguration, n)
		}
		o.outputLimit = n
		return nil
	}
}

// WithMaxCallStack bounds interpreter recursion depth.
func WithMaxCallStack(n int) Option {
	return func(o *options) error {
		o.maxCallStack = n
		return nil
	}
}

// WithFunction exposes fn to snippets as name and name_async.
func WithFunction(name string, fn Function) Option {
	return func(o *options) error {
		if name == "" || fn == nil {
			return fmt.Errorf("%w: function needs a name and an implementation", ErrConfiguration)
		}
		o.functions[name] = fn
		return nil
	}
}

// WithValue seeds the namespace with name bound to v.
func WithValue(name string, v any) Option {
	return func(o *options) error {
		if name == "" {
			return fmt.Errorf("%w: value needs a name", ErrConfiguration)
		}
		o.values = append(o.values, Binding{Name: name, Value: v})
		return nil
	}
}

// WithCompleter exposes c to snippets as llm_query and llm_query_async.
func WithCompleter(c Completer) Option {
	return WithFunction("llm_query", func(ctx context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("llm_query: missing prompt")
		}
		return c.Complete(ctx, args[0])
	})
}

// WithToolbox exposes tb to snippets as call_tool and call_tool_async.
func WithToolbox(tb Toolbox) Option {
	return WithFunction("call_tool", func(ctx context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("call_tool: missing tool name")
		}
		name, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("call_tool: tool name must be a string")
		}
		var params map[string]any
		if len(args) > 1 && args[1] != nil {
			params, ok = args[1].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("call_tool: arguments must be an object")
			}
		}
		return tb.CallTool(ctx, name, params)
	})
}

type execOptions struct {
	stdout io.Writer
	stderr io.Writer
}

// ExecOption configures a single Execute call.
type ExecOption func(*execOptions)

// WithStream copies output to the given writers as it is produced, in
// addition to capturing it in the Result.
func WithStream(stdout, stderr io.Writer) ExecOption {
	return func(o *execOptions) {
		o.stdout, o.stderr = stdout, stderr
	}
}
