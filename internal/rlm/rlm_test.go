package rlm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/repl"
)

// fakeClient implements llm.Client with scripted replies.
type fakeClient struct {
	mu        sync.Mutex
	responses []string
	calls     [][]llm.Message
	deltas    int
}

func (f *fakeClient) Completion(ctx context.Context, messages any, opts ...llm.CallOption) (string, error) {
	msgs, err := llm.NormalizeMessages(messages)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msgs)
	if len(f.responses) == 0 {
		return "", errors.New("no more mock responses")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeClient) CompletionStream(ctx context.Context, messages any, handler llm.StreamHandler, opts ...llm.CallOption) (string, error) {
	resp, err := f.Completion(ctx, messages, opts...)
	if err == nil && handler != nil {
		for _, word := range strings.SplitAfter(resp, " ") {
			f.deltas++
			handler(word)
		}
	}
	return resp, err
}

func (f *fakeClient) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	msgs := f.calls[len(f.calls)-1]
	return msgs[len(msgs)-1].Content
}

func TestFindCodeBlocks(t *testing.T) {
	text := "Let me look.\n```repl\nprint(context.length)\n```\nand\n```js\nignored()\n```\n```repl\n\n```\n```repl\nx = 1\n```"
	got := findCodeBlocks(text)
	if len(got) != 2 || got[0] != "print(context.length)" || got[1] != "x = 1" {
		t.Errorf("findCodeBlocks = %q", got)
	}
}

func TestFindFinalAnswer(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		ok       bool
		answer   string
		variable string
	}{
		{"direct", "All done.\nFINAL(42)", true, "42", ""},
		{"nested parens", "FINAL(f(x) = 2)\n", true, "f(x) = 2", ""},
		{"multi-line", "FINAL(line one\nline two)", true, "line one\nline two", ""},
		{"variable", "FINAL_VAR(result)", true, "", "result"},
		{"quoted variable", "FINAL_VAR(\"summary\")", true, "", "summary"},
		{"inside code is ignored", "```repl\nFINAL(1)\n```", false, "", ""},
		{"mid-sentence is ignored", "I will call FINAL(x) later", false, "", ""},
		{"none", "still working", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := findFinalAnswer(tt.text)
			if ok != tt.ok || got.text != tt.answer || got.variable != tt.variable {
				t.Errorf("findFinalAnswer = %+v, %v", got, ok)
			}
		})
	}
}

func TestExecutionFeedback(t *testing.T) {
	res := &repl.Result{Stdout: "hi\n", Names: []string{"a", "b"}, Display: 3.0, DisplayText: "3"}
	got := executionFeedback("a = 1", res, nil)
	for _, want := range []string{"Code executed:\n```repl\na = 1\n```", "REPL output:\nhi\n3\n", "REPL variables: a, b"} {
		if !strings.Contains(got, want) {
			t.Errorf("feedback %q missing %q", got, want)
		}
	}

	got = executionFeedback("throw 1", nil, errors.New("boom"))
	if !strings.Contains(got, "Error: boom") {
		t.Errorf("feedback %q missing error", got)
	}

	got = executionFeedback("x = 1", &repl.Result{}, nil)
	if !strings.Contains(got, "No output") {
		t.Errorf("feedback %q missing placeholder", got)
	}
}

func TestCompletionFinalVar(t *testing.T) {
	root := &fakeClient{responses: []string{
		"Let me measure it.\n```repl\nconst n = context.length\nprint(n)\n```",
		"FINAL_VAR(n)",
	}}
	d := New(root, nil, 5)
	defer d.Close()

	var executed []string
	d.OnResult = func(code string, res *repl.Result, err error) {
		if err != nil {
			t.Errorf("execute %q: %v", code, err)
		}
		executed = append(executed, res.Stdout)
	}

	answer, err := d.Completion(context.Background(), "hello world", "How long is it?")
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if answer != "11" {
		t.Errorf("answer = %q, want 11", answer)
	}
	if len(executed) != 1 || executed[0] != "11\n" {
		t.Errorf("executed = %q", executed)
	}
	if !strings.Contains(root.lastPrompt(), "How long is it?") {
		t.Errorf("next-action prompt lacks the query: %q", root.lastPrompt())
	}

	// The second call sees the feedback from the first.
	var sawFeedback bool
	for _, m := range root.calls[1] {
		if m.Role == llm.RoleUser && strings.Contains(m.Content, "REPL output:\n11") {
			sawFeedback = true
		}
	}
	if !sawFeedback {
		t.Error("execution feedback not sent back to the root model")
	}
}

func TestCompletionSubQueries(t *testing.T) {
	root := &fakeClient{responses: []string{
		"```repl\nparts = await Promise.all(context.map(c => llm_query_async('summarize: ' + c)))\nfirst = llm_query([{role: 'user', content: 'again'}])\n```\nFINAL_VAR(first)",
	}}
	sub := &fakeClient{responses: []string{"S1", "S2", "AGAIN"}}
	d := New(root, sub, 3)
	defer d.Close()

	answer, err := d.Completion(context.Background(), []string{"a", "b"}, "")
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if answer != "AGAIN" {
		t.Errorf("answer = %q, want AGAIN", answer)
	}
	if len(sub.calls) != 3 {
		t.Fatalf("sub calls = %d, want 3", len(sub.calls))
	}
	parts, ok := d.Environment().Get("parts")
	if !ok {
		t.Fatal("parts not bound")
	}
	if list, _ := parts.([]any); len(list) != 2 {
		t.Errorf("parts = %v", parts)
	}
	if !strings.Contains(root.lastPrompt(), DefaultQuery) {
		t.Error("empty query did not fall back to the default")
	}
}

func TestCompletionUnknownFinalVar(t *testing.T) {
	root := &fakeClient{responses: []string{
		"FINAL_VAR(missing)",
		"```repl\nmissing = 'found'\n```\nFINAL_VAR(missing)",
	}}
	d := New(root, nil, 4)
	defer d.Close()

	answer, err := d.Completion(context.Background(), "ctx", "q")
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if answer != "found" {
		t.Errorf("answer = %q", answer)
	}
	var told bool
	for _, m := range root.calls[1] {
		if strings.Contains(m.Content, `variable "missing" is not defined`) {
			told = true
		}
	}
	if !told {
		t.Error("model was not told the variable is missing")
	}
}

func TestCompletionForcedFinalAnswer(t *testing.T) {
	root := &fakeClient{responses: []string{
		"Thinking about it.",
		"```repl\nthrow new Error('oops')\n```",
		"FINAL(done anyway)",
	}}
	d := New(root, nil, 2)
	d.OnTextDelta = func(string) {}
	defer d.Close()

	answer, err := d.Completion(context.Background(), "ctx", "q")
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if answer != "done anyway" {
		t.Errorf("answer = %q", answer)
	}
	if !strings.Contains(root.lastPrompt(), "provide a final answer") {
		t.Errorf("last prompt = %q", root.lastPrompt())
	}
	if root.deltas == 0 {
		t.Error("streaming handler was not used")
	}

	var sawError bool
	for _, m := range d.History() {
		if strings.Contains(m.Content, "Error:") && strings.Contains(m.Content, "oops") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("runtime error not reported back to the model")
	}
}

func TestCompletionLLMError(t *testing.T) {
	d := New(&fakeClient{}, nil, 2)
	defer d.Close()
	if _, err := d.Completion(context.Background(), "ctx", "q"); err == nil {
		t.Fatal("expected error when the root model fails")
	}
}

func TestCustomFunctions(t *testing.T) {
	root := &fakeClient{responses: []string{"```repl\nv = double(21)\n```\nFINAL_VAR(v)"}}
	d := New(root, nil, 2)
	d.AddEnvironmentOptions(repl.WithFunction("double", func(ctx context.Context, args []any) (any, error) {
		n, _ := args[0].(int64)
		return n * 2, nil
	}))
	defer d.Close()

	answer, err := d.Completion(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if answer != "42" {
		t.Errorf("answer = %q, want 42", answer)
	}
}

func TestReset(t *testing.T) {
	root := &fakeClient{responses: []string{"FINAL(x)"}}
	d := New(root, nil, 1)
	if _, err := d.Completion(context.Background(), "ctx", "q"); err != nil {
		t.Fatalf("Completion: %v", err)
	}
	d.Reset()
	if d.Environment() != nil || len(d.History()) != 0 {
		t.Errorf("Reset left state: %s", d)
	}
}
