package jsengine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/michaelbrown/rlm/internal/repl"
)

const prelude = `
globalThis.sleep = function sleep(ms) {
	return new Promise(function (resolve) { setTimeout(resolve, ms); });
};
`

// install defines print, console, timers, sleep, and the host functions.
func (e *Engine) install() error {
	stdout, stderr := e.host.Output.Stdout(), e.host.Output.Stderr()

	if err := e.vm.Set("print", e.printer(stdout)); err != nil {
		return err
	}

	console := e.vm.NewObject()
	for name, w := range map[string]io.Writer{
		"log":   stdout,
		"info":  stdout,
		"debug": stdout,
		"warn":  stderr,
		"error": stderr,
	} {
		if err := console.Set(name, e.printer(w)); err != nil {
			return err
		}
	}
	if err := e.vm.Set("console", console); err != nil {
		return err
	}

	timers := map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout":    e.setTimer(false),
		"setInterval":   e.setTimer(true),
		"clearTimeout":  e.clearTimer,
		"clearInterval": e.clearTimer,
		"__host_start":  e.hostStart,
	}
	for name, fn := range timers {
		if err := e.vm.Set(name, fn); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(e.host.Functions))
	for name := range e.host.Functions {
		names = append(names, name)
	}
	sort.Strings(names)

	var script strings.Builder
	script.WriteString(prelude)
	for _, name := range names {
		if err := e.vm.Set(name, e.hostCall(e.host.Functions[name])); err != nil {
			return err
		}
		fmt.Fprintf(&script, "globalThis[%s] = function () {\n"+
			"\tconst args = Array.prototype.slice.call(arguments);\n"+
			"\treturn new Promise(function (resolve, reject) { __host_start(%s, args, resolve, reject); });\n"+
			"};\n", strconv.Quote(name+"_async"), strconv.Quote(name))
	}
	_, err := e.vm.RunString(script.String())
	return err
}

func (e *Engine) printer(w io.Writer) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = e.text(arg)
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func (e *Engine) setTimer(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(e.vm.NewTypeError("callback must be a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		var extra []goja.Value
		if len(call.Arguments) > 2 {
			extra = append(extra, call.Arguments[2:]...)
		}
		id := e.host.Scheduler.AfterFunc(delay, repeat, func() {
			if _, err := fn(goja.Undefined(), extra...); err != nil {
				e.uncaught(err)
			}
		})
		return e.vm.ToValue(id)
	}
}

func (e *Engine) clearTimer(call goja.FunctionCall) goja.Value {
	e.host.Scheduler.Cancel(int(call.Argument(0).ToInteger()))
	return goja.Undefined()
}

// uncaught reports an exception thrown by a scheduler callback. Nothing
// awaits such callbacks, so the error goes to stderr.
func (e *Engine) uncaught(err error) {
	msg := err.Error()
	if ee, ok := e.failure(err).(*repl.ExecutionError); ok {
		msg = ee.Message
	}
	fmt.Fprintf(e.host.Output.Stderr(), "Uncaught %s\n", msg)
	e.host.Logger.Warn("uncaught exception in callback", "error", msg)
}

// hostCall exposes fn as a blocking function.
func (e *Engine) hostCall(fn repl.Function) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		v, err := fn(e.ctx, args)
		if err != nil {
			panic(e.vm.NewGoError(err))
		}
		return e.ToValue(v).(goja.Value)
	}
}

// hostStart runs a host function off the VM goroutine and settles the
// promise through the scheduler once it returns.
// Arguments: name, args array, resolve, reject.
func (e *Engine) hostStart(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	fn, ok := e.host.Functions[name]
	if !ok {
		panic(e.vm.NewTypeError("unknown host function " + name))
	}
	args, _ := call.Argument(1).Export().([]any)
	resolve, ok1 := goja.AssertFunction(call.Argument(2))
	reject, ok2 := goja.AssertFunction(call.Argument(3))
	if !ok1 || !ok2 {
		panic(e.vm.NewTypeError("resolve and reject must be functions"))
	}

	err := e.host.Scheduler.Go(func(ctx context.Context) (any, error) {
		return fn(ctx, args)
	}, func(v any, err error) {
		var cbErr error
		if err != nil {
			_, cbErr = reject(goja.Undefined(), e.vm.NewGoError(err))
		} else {
			_, cbErr = resolve(goja.Undefined(), e.ToValue(v).(goja.Value))
		}
		if cbErr != nil {
			e.uncaught(cbErr)
		}
	})
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	return goja.Undefined()
}
