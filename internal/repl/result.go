package repl

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Result is the outcome of one successful Execute call. Maps and slices
// are fresh copies owned by the caller.
type Result struct {
	// Stdout and Stderr hold everything printed during the call.
	Stdout string
	Stderr string

	// Locals maps every bound top-level name to its exported Go value.
	Locals map[string]any

	// Names lists the keys of Locals in binding order.
	Names []string

	// Changed lists names that were bound or rebound by this call.
	Changed []string

	// Display is the exported value of the trailing expression, or nil when
	// there is none or it evaluated to null/undefined.
	Display any

	// DisplayText renders Display the way the interpreter would show it.
	DisplayText string

	Mode     Mode
	Duration time.Duration
}

// HasDisplay reports whether the call produced a display value.
func (r *Result) HasDisplay() bool {
	return r.Display != nil
}

type resultJSON struct {
	Stdout      string         `json:"stdout"`
	Stderr      string         `json:"stderr,omitempty"`
	Locals      map[string]any `json:"locals"`
	Names       []string       `json:"names"`
	Changed     []string       `json:"changed,omitempty"`
	Display     any            `json:"display,omitempty"`
	DisplayText string         `json:"display_text,omitempty"`
	Mode        string         `json:"mode"`
	DurationMs  int64          `json:"duration_ms"`
}

// MarshalJSON encodes the result with values that have no JSON form
// (functions, channels) replaced by a description.
func (r *Result) MarshalJSON() ([]byte, error) {
	locals := make(map[string]any, len(r.Locals))
	for k, v := range r.Locals {
		locals[k] = jsonSafe(reflect.ValueOf(v))
	}
	return json.Marshal(resultJSON{
		Stdout:      r.Stdout,
		Stderr:      r.Stderr,
		Locals:      locals,
		Names:       r.Names,
		Changed:     r.Changed,
		Display:     jsonSafe(reflect.ValueOf(r.Display)),
		DisplayText: r.DisplayText,
		Mode:        r.Mode.String(),
		DurationMs:  r.Duration.Milliseconds(),
	})
}

// jsonSafe copies v into plain maps, slices, and scalars.
func jsonSafe(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer && v.Elem().Kind() == reflect.Struct {
			return fmt.Sprintf("[%s]", v.Elem().Type().Name())
		}
		return jsonSafe(v.Elem())
	case reflect.Func:
		return "[function]"
	case reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("[%s]", v.Kind())
	case reflect.Map:
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = jsonSafe(iter.Value())
		}
		return out
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = jsonSafe(v.Index(i))
		}
		return out
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprint(f)
		}
		return f
	}
	if v.CanInterface() {
		return v.Interface()
	}
	return fmt.Sprint(v)
}
