package rlm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/michaelbrown/rlm/internal/repl"
)

var (
	codeBlockRe = regexp.MustCompile("(?s)```repl[ \\t]*\\n(.*?)```")
	finalVarRe  = regexp.MustCompile(`(?m)^\s*FINAL_VAR\(\s*["'\x60]?([A-Za-z_$][\w$]*)["'\x60]?\s*\)`)
	finalRe     = regexp.MustCompile(`(?ms)^\s*FINAL\((.*?)\)[ \t]*$`)
)

// findCodeBlocks returns the bodies of the ```repl blocks in text.
func findCodeBlocks(text string) []string {
	var blocks []string
	for _, m := range codeBlockRe.FindAllStringSubmatch(text, -1) {
		code := strings.TrimSpace(m[1])
		if code != "" {
			blocks = append(blocks, code)
		}
	}
	return blocks
}

// finalAnswer is what the model declared as its answer.
type finalAnswer struct {
	text     string
	variable string
}

// findFinalAnswer looks for FINAL_VAR(name) or FINAL(text) outside code
// blocks. FINAL_VAR wins when both appear.
func findFinalAnswer(text string) (finalAnswer, bool) {
	outside := codeBlockRe.ReplaceAllString(text, "")
	if m := finalVarRe.FindStringSubmatch(outside); m != nil {
		return finalAnswer{variable: m[1]}, true
	}
	if m := finalRe.FindStringSubmatch(outside); m != nil {
		return finalAnswer{text: strings.TrimSpace(m[1])}, true
	}
	return finalAnswer{}, false
}

const maxFeedbackChars = 20000

// executionFeedback renders one snippet run for the root model.
func executionFeedback(code string, res *repl.Result, err error) string {
	var out strings.Builder
	if res != nil {
		out.WriteString(res.Stdout)
		if res.Stderr != "" {
			out.WriteString(res.Stderr)
		}
		if res.HasDisplay() {
			out.WriteString(res.DisplayText)
			out.WriteString("\n")
		}
	}
	if err != nil {
		fmt.Fprintf(&out, "Error: %v\n", err)
	}
	text := out.String()
	if text == "" {
		text = "No output\n"
	}
	if len(text) > maxFeedbackChars {
		text = text[:maxFeedbackChars] + "\n... (output truncated)\n"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Code executed:\n```repl\n%s\n```\n\nREPL output:\n%s", code, text)
	if res != nil && len(res.Names) > 0 {
		fmt.Fprintf(&sb, "\nREPL variables: %s\n", strings.Join(res.Names, ", "))
	}
	return sb.String()
}

// convertContext turns the caller's context into plain data the
// interpreter can bind.
func convertContext(c any) any {
	switch v := c.(type) {
	case nil:
		return ""
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []map[string]string:
		out := make([]any, len(v))
		for i, m := range v {
			obj := make(map[string]any, len(m))
			for k, s := range m {
				obj[k] = s
			}
			out[i] = obj
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	default:
		return c
	}
}
