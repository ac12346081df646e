package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeEngine interprets a tiny statement language separated by ';':
//
//	name=value   bind name
//	print:text   write text to stdout
//	throw        fail
//	await N      (suspending only) resume after N milliseconds
//	await never  (suspending only) never resume
//	name         trailing expression: the value bound to name
type fakeEngine struct {
	host    *Host
	globals []Binding
	mu      sync.Mutex
	runs    int
	starts  int
}

func newFake(host *Host) (Engine, error) {
	return &fakeEngine{host: host}, nil
}

func (f *fakeEngine) statements(src string) []string {
	var out []string
	for _, st := range strings.Split(src, ";") {
		if st = strings.TrimSpace(st); st != "" {
			out = append(out, st)
		}
	}
	return out
}

func (f *fakeEngine) Analyze(src string) (*Snippet, error) {
	if strings.HasPrefix(strings.TrimSpace(src), "!") {
		return nil, &ExecutionError{Kind: KindSyntax, Message: "unexpected token !", Line: 1, Column: 1}
	}
	stmts := f.statements(src)
	s := &Snippet{Source: src, Statements: len(stmts)}
	if len(stmts) == 0 {
		return s, nil
	}
	if strings.Contains(src, "await") {
		s.Mode = ModeSuspending
	}
	s.Final = FinalStatement
	last := stmts[len(stmts)-1]
	if !strings.ContainsAny(last, "=:") && last != "throw" && !strings.HasPrefix(last, "await") {
		s.Final = FinalExpression
		s.Tail = last
		stmts = stmts[:len(stmts)-1]
	}
	s.Body = strings.Join(stmts, ";")
	return s, nil
}

func (f *fakeEngine) set(name string, v Value) {
	for i, b := range f.globals {
		if b.Name == name {
			f.globals[i].Value = v
			return
		}
	}
	f.globals = append(f.globals, Binding{Name: name, Value: v})
}

func (f *fakeEngine) lookup(name string) Value {
	for _, b := range f.globals {
		if b.Name == name {
			return b.Value
		}
	}
	return nil
}

// exec runs statements until an await and returns the remainder.
func (f *fakeEngine) exec(stmts []string) (rest []string, wait string, err error) {
	for i, st := range stmts {
		switch {
		case st == "throw":
			return nil, "", &ExecutionError{Kind: KindRuntime, Message: "Error: boom"}
		case strings.HasPrefix(st, "print:"):
			fmt.Fprintln(f.host.Output.Stdout(), strings.TrimPrefix(st, "print:"))
		case strings.HasPrefix(st, "await "):
			return stmts[i+1:], strings.TrimPrefix(st, "await "), nil
		case strings.Contains(st, "="):
			name, val, _ := strings.Cut(st, "=")
			f.set(name, val)
		}
	}
	return nil, "", nil
}

func (f *fakeEngine) Run(ctx context.Context, s *Snippet) (Value, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if _, _, err := f.exec(f.statements(s.Body)); err != nil {
		return nil, err
	}
	if s.Final == FinalExpression {
		return f.lookup(s.Tail), nil
	}
	return nil, nil
}

type fakeUnit struct {
	done bool
	val  Value
	err  error
}

func (u *fakeUnit) Settled() bool          { return u.done }
func (u *fakeUnit) Result() (Value, error) { return u.val, u.err }

func (f *fakeEngine) Start(ctx context.Context, s *Snippet) (Unit, error) {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	u := &fakeUnit{}
	var step func(stmts []string)
	step = func(stmts []string) {
		rest, wait, err := f.exec(stmts)
		switch {
		case err != nil:
			u.done, u.err = true, err
		case wait == "never":
		case wait != "":
			var ms int
			fmt.Sscan(wait, &ms)
			f.host.Scheduler.AfterFunc(time.Duration(ms)*time.Millisecond, false, func() { step(rest) })
		default:
			u.done = true
			if s.Final == FinalExpression {
				u.val = f.lookup(s.Tail)
			}
		}
	}
	step(f.statements(s.Body))
	return u, nil
}

func (f *fakeEngine) Globals() []Binding {
	return append([]Binding(nil), f.globals...)
}

func (f *fakeEngine) Restore(snapshot []Binding) error {
	f.globals = append([]Binding(nil), snapshot...)
	return nil
}

func (f *fakeEngine) ToValue(v any) Value   { return fmt.Sprint(v) }
func (f *fakeEngine) Export(v Value) any    { return v }
func (f *fakeEngine) Format(v Value) string { return fmt.Sprintf("%q", v) }
func (f *fakeEngine) IsNull(v Value) bool   { return v == nil }
func (f *fakeEngine) Same(a, b Value) bool  { return a == b }
func (f *fakeEngine) Interrupt(reason any)  {}
func (f *fakeEngine) ClearInterrupt()       {}

func testEnv(t *testing.T, opts ...Option) (*Environment, *fakeEngine) {
	t.Helper()
	var eng *fakeEngine
	factory := func(h *Host) (Engine, error) {
		e, err := newFake(h)
		eng = e.(*fakeEngine)
		return e, err
	}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	env, err := New(factory, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env, eng
}

func TestExecutePersistsBindings(t *testing.T) {
	env, eng := testEnv(t)
	ctx := context.Background()

	res, err := env.Execute(ctx, "x=10; y=20")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(res.Changed, []string{"x", "y"}) {
		t.Errorf("Changed = %v", res.Changed)
	}

	res, err = env.Execute(ctx, "x")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Display != "10" {
		t.Errorf("Display = %v, want 10", res.Display)
	}
	if res.Stdout != "" {
		t.Errorf("display value leaked into stdout: %q", res.Stdout)
	}
	if !reflect.DeepEqual(res.Names, []string{"x", "y"}) {
		t.Errorf("Names = %v", res.Names)
	}
	if eng.starts != 0 {
		t.Errorf("simple snippets started %d suspending units", eng.starts)
	}
}

func TestExecuteSuspending(t *testing.T) {
	env, eng := testEnv(t)

	res, err := env.Execute(context.Background(), "print:start; await 10; data=ready; data")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Mode != ModeSuspending {
		t.Errorf("Mode = %v", res.Mode)
	}
	if res.Display != "ready" || res.Locals["data"] != "ready" {
		t.Errorf("Display = %v, Locals = %v", res.Display, res.Locals)
	}
	if res.Stdout != "start\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if eng.runs != 0 {
		t.Errorf("suspending snippet took the simple path")
	}
}

func TestExecuteFailureRollsBack(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()

	if _, err := env.Execute(ctx, "x=1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res, err := env.Execute(ctx, "print:partial; x=2; z=3; throw")
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("err = %v, want ErrRuntime", err)
	}
	if res == nil || res.Stdout != "partial\n" {
		t.Errorf("failure result = %+v, want captured partial output", res)
	}
	if res != nil && (res.HasDisplay() || res.Locals["x"] != "1" || len(res.Changed) != 0) {
		t.Errorf("failure result = %+v, want pre-call bindings and no display", res)
	}
	if env.State() != StateIdle {
		t.Errorf("State() = %v after failure", env.State())
	}

	res, err = env.Execute(ctx, "x")
	if err != nil {
		t.Fatalf("Execute after failure: %v", err)
	}
	if res.Display != "1" {
		t.Errorf("x = %v after failed rebinding, want 1", res.Display)
	}
	if _, ok := res.Locals["z"]; ok {
		t.Error("binding from failed call survived")
	}
}

func TestExecuteSyntaxError(t *testing.T) {
	env, eng := testEnv(t)

	res, err := env.Execute(context.Background(), "!x")
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("err = %v, want ErrSyntax", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if eng.runs != 0 || eng.starts != 0 {
		t.Error("malformed snippet was executed")
	}
}

func TestExecuteEmpty(t *testing.T) {
	env, eng := testEnv(t, WithValue("context", "data"))

	res, err := env.Execute(context.Background(), "   ")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "" || res.HasDisplay() {
		t.Errorf("empty snippet result = %+v", res)
	}
	if res.Locals["context"] != "data" {
		t.Errorf("Locals = %v, want seeded context", res.Locals)
	}
	if eng.runs != 0 {
		t.Error("empty snippet reached the engine")
	}
}

func TestExecuteStallIsSchedulerError(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()

	_, err := env.Execute(ctx, "a=1; await never")
	if !errors.Is(err, ErrScheduler) {
		t.Fatalf("err = %v, want ErrScheduler", err)
	}

	res, err := env.Execute(ctx, "await 1; b=2; b")
	if err != nil {
		t.Fatalf("Execute after stall: %v", err)
	}
	if res.Display != "2" {
		t.Errorf("Display = %v", res.Display)
	}
	if _, ok := res.Locals["a"]; ok {
		t.Error("binding from stalled call survived")
	}
}

func TestExecuteTimeout(t *testing.T) {
	env, _ := testEnv(t, WithTimeout(20*time.Millisecond))

	_, err := env.Execute(context.Background(), "await 5000")
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want it to wrap the deadline", err)
	}
}

func TestExecuteIdenticalOutput(t *testing.T) {
	env, _ := testEnv(t)
	ctx := context.Background()

	first, err := env.Execute(ctx, "print:hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	second, err := env.Execute(ctx, "print:hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if first.Stdout != "hello\n" || second.Stdout != first.Stdout {
		t.Errorf("stdout = %q then %q", first.Stdout, second.Stdout)
	}
}

func TestExecuteSequential(t *testing.T) {
	env, _ := testEnv(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Execute(context.Background(), fmt.Sprintf("await 1; v%d=%d", i, i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Execute: %v", err)
		}
	}
	if got := len(env.Names()); got != 8 {
		t.Errorf("Names() has %d entries, want 8", got)
	}
}

func TestExecuteBusy(t *testing.T) {
	env, _ := testEnv(t)

	started := make(chan struct{})
	go func() {
		close(started)
		env.Execute(context.Background(), "await 200")
	}()
	<-started
	for env.State() != StateRunning {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := env.Execute(ctx, "x=1"); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestEnvironmentSetGetReset(t *testing.T) {
	env, _ := testEnv(t, WithValue("context", "seed"))

	if err := env.Set("answer", 42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok := env.Get("answer"); !ok || v != "42" {
		t.Errorf("Get(answer) = %v, %v", v, ok)
	}
	if s, ok := env.Describe("answer"); !ok || s != `"42"` {
		t.Errorf("Describe(answer) = %q, %v", s, ok)
	}

	if err := env.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := env.Names(); !reflect.DeepEqual(got, []string{"context"}) {
		t.Errorf("Names() after Reset = %v", got)
	}
}

func TestEnvironmentClose(t *testing.T) {
	env, _ := testEnv(t)
	env.Close()

	if _, err := env.Execute(context.Background(), "x=1"); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	if _, err := New(newFake, WithTimeout(-time.Second)); !errors.Is(err, ErrConfiguration) {
		t.Errorf("negative timeout: %v", err)
	}
	if _, err := New(newFake, WithFunction("", nil)); !errors.Is(err, ErrConfiguration) {
		t.Errorf("unnamed function: %v", err)
	}
}

func TestExecuteCanceledBeforeStart(t *testing.T) {
	env, eng := testEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 50 {
		res, err := env.Execute(ctx, "x=1")
		if !errors.Is(err, ErrCanceled) {
			t.Fatalf("err = %v, want ErrCanceled", err)
		}
		if res != nil {
			t.Fatalf("result = %+v, want nil", res)
		}
	}
	if eng.runs != 0 || eng.starts != 0 {
		t.Errorf("engine ran %d/%d times", eng.runs, eng.starts)
	}
	if env.State() != StateIdle {
		t.Errorf("State = %v, want idle", env.State())
	}
	if _, err := env.Execute(context.Background(), "x=1"); err != nil {
		t.Errorf("Execute after cancellation: %v", err)
	}
}
