package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/repl"
)

func TestExportMarkdown(t *testing.T) {
	sess := &Session{ID: "s1", Kind: KindRLM, Status: StatusCompleted, Provider: "ollama", Model: "qwen3"}
	execs := []Execution{
		{Seq: 1, Code: "x = 10", Mode: "simple", Duration: time.Millisecond},
		{Seq: 2, Code: "await f()", Mode: "suspending", Stdout: "hi", Display: "42"},
		{Seq: 3, Code: "throw 1", Mode: "simple", Error: "1", ErrorKind: "runtime"},
	}
	msgs := []llm.Message{llm.SystemMessage("hidden"), llm.AssistantMessage("let me look"), llm.UserMessage("REPL output:")}

	md := ExportMarkdown(sess, execs, msgs)
	for _, want := range []string{
		"# Session s1", "- **Kind:** rlm", "- **Model:** qwen3",
		"## Model\n\nlet me look", "## Environment\n\nREPL output:",
		"## [2] suspending", "```\nhi\n```", "=> `42`", "**Error (runtime):** 1",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "hidden") {
		t.Error("system prompt should not be exported")
	}
}

func TestExportJSON(t *testing.T) {
	data, err := ExportJSON(&Session{ID: "s1"}, []Execution{{Seq: 1, Code: "x"}}, nil)
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	var got struct {
		Session    Session     `json:"session"`
		Executions []Execution `json:"executions"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Session.ID != "s1" || len(got.Executions) != 1 || got.Executions[0].Code != "x" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestNewExecution(t *testing.T) {
	res := &repl.Result{Stdout: "hi\n", Mode: repl.ModeSuspending, DisplayText: "42", Changed: []string{"x"}}
	e := NewExecution("s1", "x = await f()", res, nil)
	if e.Mode != "suspending" || e.Display != "42" || e.Error != "" || len(e.Changed) != 1 {
		t.Errorf("execution = %+v", e)
	}

	e = NewExecution("s1", "x +", nil, &repl.ExecutionError{Kind: repl.KindSyntax, Message: "Unexpected end of input"})
	if e.ErrorKind != "syntax" || e.Mode != "" {
		t.Errorf("syntax failure = %+v", e)
	}

	e = NewExecution("s1", "x", nil, repl.ErrClosed)
	if e.ErrorKind != "environment" {
		t.Errorf("facade failure kind = %q", e.ErrorKind)
	}
}
