// Package jsengine runs JavaScript snippets for a repl.Environment using the
// goja interpreter.
package jsengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/michaelbrown/rlm/internal/repl"
)

const snippetName = "<snippet>"

// Engine is a repl.Engine backed by one goja runtime.
type Engine struct {
	vm        *goja.Runtime
	host      *repl.Host
	reserved  map[string]goja.Value
	stringify goja.Callable
	parse     goja.Callable
	ctx       context.Context
}

// New creates an Engine bound to host. It satisfies repl.EngineFactory.
func New(host *repl.Host) (repl.Engine, error) {
	vm := goja.New()
	if host.MaxCallStack > 0 {
		vm.SetMaxCallStackSize(host.MaxCallStack)
	}
	e := &Engine{
		vm:       vm,
		host:     host,
		reserved: make(map[string]goja.Value),
		ctx:      context.Background(),
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	var ok bool
	if e.stringify, ok = goja.AssertFunction(jsonObj.Get("stringify")); !ok {
		return nil, errors.New("JSON.stringify is not callable")
	}
	if e.parse, ok = goja.AssertFunction(jsonObj.Get("parse")); !ok {
		return nil, errors.New("JSON.parse is not callable")
	}

	if err := e.install(); err != nil {
		return nil, fmt.Errorf("installing builtins: %w", err)
	}
	g := vm.GlobalObject()
	for _, k := range g.Keys() {
		e.reserved[k] = g.Get(k)
	}
	return e, nil
}

// NewEnvironment creates a repl.Environment that runs JavaScript.
func NewEnvironment(opts ...repl.Option) (*repl.Environment, error) {
	return repl.New(New, opts...)
}

// Analyze parses and classifies src.
func (e *Engine) Analyze(src string) (*repl.Snippet, error) {
	return Analyze(src)
}

// Run executes a simple snippet and returns its tail value.
func (e *Engine) Run(ctx context.Context, s *repl.Snippet) (repl.Value, error) {
	fn, err := e.compile(s)
	if err != nil {
		return nil, err
	}
	e.ctx = ctx
	ret, err := fn(goja.Undefined())
	if err != nil {
		return nil, e.failure(err)
	}
	if s.Final != repl.FinalExpression {
		return nil, nil
	}
	return ret, nil
}

// Start begins a suspending snippet. Its body runs until the first await
// that cannot complete immediately.
func (e *Engine) Start(ctx context.Context, s *repl.Snippet) (repl.Unit, error) {
	fn, err := e.compile(s)
	if err != nil {
		return nil, err
	}
	e.ctx = ctx
	ret, err := fn(goja.Undefined())
	if err != nil {
		return nil, e.failure(err)
	}
	p, ok := ret.Export().(*goja.Promise)
	if !ok {
		return nil, &repl.ExecutionError{Kind: repl.KindRuntime, Message: "suspending snippet did not produce a promise"}
	}
	return &unit{e: e, p: p, tail: s.Final == repl.FinalExpression}, nil
}

func (e *Engine) compile(s *repl.Snippet) (goja.Callable, error) {
	prg, err := goja.Compile(snippetName, wrap(s), false)
	if err != nil {
		return nil, compileError(err)
	}
	v, err := e.vm.RunProgram(prg)
	if err != nil {
		return nil, e.failure(err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, &repl.ExecutionError{Kind: repl.KindRuntime, Message: "snippet did not compile to a function"}
	}
	return fn, nil
}

// wrap turns an analyzed snippet into a function expression. The body
// starts on the first line so interpreter line numbers match the snippet.
func wrap(s *repl.Snippet) string {
	var b strings.Builder
	if s.Mode == repl.ModeSuspending {
		b.WriteString("(async () => {")
	} else {
		b.WriteString("(() => {")
	}
	b.WriteString(s.Body)
	if s.Final == repl.FinalExpression {
		// Tail keeps its place on the last line. A trailing line comment
		// is closed by the newline below.
		b.WriteString("return ")
		b.WriteString(s.Tail)
	}
	b.WriteString("\n})")
	return b.String()
}

type unit struct {
	e    *Engine
	p    *goja.Promise
	tail bool
}

func (u *unit) Settled() bool {
	return u.p.State() != goja.PromiseStatePending
}

func (u *unit) Result() (repl.Value, error) {
	switch u.p.State() {
	case goja.PromiseStateFulfilled:
		if !u.tail {
			return nil, nil
		}
		return u.p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, u.e.thrown(u.p.Result(), nil)
	}
	return nil, &repl.ExecutionError{Kind: repl.KindScheduler, Message: "unit has not settled"}
}

var locationRe = regexp.MustCompile(regexp.QuoteMeta(snippetName) + `:(\d+):(\d+)`)

// failure converts an interpreter error into an ExecutionError.
func (e *Engine) failure(err error) error {
	var (
		interrupted *goja.InterruptedError
		ex          *goja.Exception
	)
	switch {
	case errors.As(err, &interrupted):
		ee := &repl.ExecutionError{Kind: repl.KindCanceled, Message: fmt.Sprint(interrupted.Value()), Err: err}
		if reason, ok := interrupted.Value().(error); ok {
			ee.Err = reason
		}
		return ee
	case errors.As(err, &ex):
		return e.thrown(ex.Value(), ex)
	}
	return &repl.ExecutionError{Kind: repl.KindRuntime, Message: err.Error(), Err: err}
}

// thrown describes a thrown or rejected value.
func (e *Engine) thrown(v goja.Value, ex *goja.Exception) *repl.ExecutionError {
	ee := &repl.ExecutionError{Kind: repl.KindRuntime}
	if v == nil {
		ee.Message = "undefined"
	} else {
		ee.Message = v.String()
	}
	if ex != nil {
		ee.Err = ex
		if m := locationRe.FindStringSubmatch(ex.Error()); m != nil {
			ee.Line, _ = strconv.Atoi(m[1])
			ee.Column, _ = strconv.Atoi(m[2])
		}
	}
	return ee
}

func compileError(err error) error {
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &repl.ExecutionError{Kind: repl.KindSyntax, Message: syntax.Message, Err: err}
	}
	return &repl.ExecutionError{Kind: repl.KindSyntax, Message: err.Error(), Err: err}
}

// Globals returns user bindings: every enumerable global that is not a
// builtin, plus builtins the user has rebound.
func (e *Engine) Globals() []repl.Binding {
	g := e.vm.GlobalObject()
	var out []repl.Binding
	for _, k := range g.Keys() {
		v := g.Get(k)
		if base, ok := e.reserved[k]; ok && v != nil && v.SameAs(base) {
			continue
		}
		out = append(out, repl.Binding{Name: k, Value: v})
	}
	return out
}

// Restore makes the user bindings equal to snapshot. Builtins missing from
// snapshot get their original values back.
func (e *Engine) Restore(snapshot []repl.Binding) error {
	g := e.vm.GlobalObject()
	want := make(map[string]bool, len(snapshot))
	for _, b := range snapshot {
		want[b.Name] = true
	}
	for _, k := range g.Keys() {
		if want[k] {
			continue
		}
		if base, ok := e.reserved[k]; ok {
			if err := g.Set(k, base); err != nil {
				return fmt.Errorf("restoring builtin %s: %w", k, err)
			}
			continue
		}
		if err := g.Delete(k); err != nil {
			return fmt.Errorf("unbinding %s: %w", k, err)
		}
	}
	for _, b := range snapshot {
		if err := g.Set(b.Name, e.value(b.Value)); err != nil {
			return fmt.Errorf("binding %s: %w", b.Name, err)
		}
	}
	return nil
}

func (e *Engine) value(v repl.Value) goja.Value {
	if gv, ok := v.(goja.Value); ok && gv != nil {
		return gv
	}
	return goja.Undefined()
}

// ToValue converts a Go value. Generic JSON-shaped maps and slices become
// plain JavaScript objects and arrays.
func (e *Engine) ToValue(v any) repl.Value {
	if gv, ok := v.(goja.Value); ok {
		return gv
	}
	switch v.(type) {
	case map[string]any, []any:
		if data, err := json.Marshal(v); err == nil {
			if parsed, err := e.parse(goja.Undefined(), e.vm.ToValue(string(data))); err == nil {
				return parsed
			}
		}
	}
	return e.vm.ToValue(v)
}

// Export converts a value into plain Go data.
func (e *Engine) Export(v repl.Value) any {
	return e.value(v).Export()
}

// IsNull reports whether v is undefined or null.
func (e *Engine) IsNull(v repl.Value) bool {
	gv := e.value(v)
	return goja.IsUndefined(gv) || goja.IsNull(gv)
}

// Same reports whether a and b are the same binding.
func (e *Engine) Same(a, b repl.Value) bool {
	return e.value(a).SameAs(e.value(b))
}

// Interrupt aborts running code. Safe to call from any goroutine.
func (e *Engine) Interrupt(reason any) {
	e.vm.Interrupt(reason)
}

// ClearInterrupt re-arms the runtime after an Interrupt.
func (e *Engine) ClearInterrupt() {
	e.vm.ClearInterrupt()
}
