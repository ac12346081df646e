package jsengine

import (
	"strconv"

	"github.com/dop251/goja"

	"github.com/michaelbrown/rlm/internal/repl"
)

// Format renders v the way a JavaScript console shows a result: strings
// quoted, objects as JSON, functions by name.
func (e *Engine) Format(v repl.Value) string {
	gv := e.value(v)
	if s, ok := gv.Export().(string); ok {
		return strconv.Quote(s)
	}
	return e.text(gv)
}

// text renders v for print: strings verbatim, everything else as Format.
func (e *Engine) text(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	obj, isObject := v.(*goja.Object)
	if !isObject {
		return v.String()
	}
	if _, ok := goja.AssertFunction(v); ok {
		name := obj.Get("name")
		if name == nil || name.String() == "" {
			return "[Function (anonymous)]"
		}
		return "[Function: " + name.String() + "]"
	}
	if p, ok := obj.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return "Promise { " + e.Format(p.Result()) + " }"
		case goja.PromiseStateRejected:
			return "Promise { <rejected> " + e.text(p.Result()) + " }"
		}
		return "Promise { <pending> }"
	}
	if obj.ClassName() == "Error" {
		return v.String()
	}
	if s, err := e.stringify(goja.Undefined(), v); err == nil && !goja.IsUndefined(s) {
		return s.String()
	}
	return v.String()
}
