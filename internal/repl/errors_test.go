package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestExecutionErrorIs(t *testing.T) {
	tests := []struct {
		kind Kind
		want error
	}{
		{KindSyntax, ErrSyntax},
		{KindRuntime, ErrRuntime},
		{KindScheduler, ErrScheduler},
		{KindCanceled, ErrCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &ExecutionError{Kind: tt.kind, Message: "x"})
			if !errors.Is(err, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.want)
			}
			if errors.Is(err, ErrBusy) {
				t.Error("matched an unrelated sentinel")
			}
			if k, ok := KindOf(err); !ok || k != tt.kind {
				t.Errorf("KindOf = %v, %v", k, ok)
			}
		})
	}
}

func TestExecutionErrorMessage(t *testing.T) {
	err := &ExecutionError{Kind: KindSyntax, Message: "Unexpected token", Line: 3, Column: 7}
	if got := err.Error(); got != "syntax: Unexpected token (line 3, col 7)" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := newError(KindCanceled, context.DeadlineExceeded)
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestResultJSON(t *testing.T) {
	r := &Result{
		Stdout:  "hi\n",
		Locals:  map[string]any{"n": int64(3), "f": func() {}, "m": map[string]any{"k": []any{1.5}}},
		Names:   []string{"n", "f", "m"},
		Display: int64(3),
		Mode:    ModeSuspending,
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"f":"[function]"`, `"mode":"suspending"`, `"display":3`, `"k":[1.5]`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON %s missing %s", s, want)
		}
	}
}
