package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/michaelbrown/rlm/internal/llm"
)

// ExportMarkdown renders a session, its executions, and its transcript as a
// markdown document.
func ExportMarkdown(sess *Session, execs []Execution, messages []llm.Message) string {
	var b strings.Builder

	title := sess.Title
	if title == "" {
		title = "Session " + sess.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- **Session:** %s\n", sess.ID)
	fmt.Fprintf(&b, "- **Kind:** %s\n", sess.Kind)
	if sess.Model != "" {
		fmt.Fprintf(&b, "- **Provider:** %s\n", sess.Provider)
		fmt.Fprintf(&b, "- **Model:** %s\n", sess.Model)
	}
	if sess.Profile != "" {
		fmt.Fprintf(&b, "- **Profile:** %s\n", sess.Profile)
	}
	fmt.Fprintf(&b, "- **Created:** %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Status:** %s\n", sess.Status)
	b.WriteString("\n---\n\n")

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleUser:
			fmt.Fprintf(&b, "## Environment\n\n%s\n\n", m.Content)
		case llm.RoleAssistant:
			fmt.Fprintf(&b, "## Model\n\n%s\n\n", m.Content)
		}
	}

	for _, e := range execs {
		fmt.Fprintf(&b, "## [%d] %s (%s)\n\n```js\n%s\n```\n\n", e.Seq, e.Mode, e.Duration, e.Code)
		if out := e.Stdout + e.Stderr; out != "" {
			fmt.Fprintf(&b, "```\n%s```\n\n", ensureNewline(out))
		}
		if e.Display != "" {
			fmt.Fprintf(&b, "=> `%s`\n\n", e.Display)
		}
		if e.Error != "" {
			fmt.Fprintf(&b, "**Error (%s):** %s\n\n", e.ErrorKind, e.Error)
		}
	}

	return b.String()
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// ExportJSON renders a session with its executions and transcript as
// formatted JSON.
func ExportJSON(sess *Session, execs []Execution, messages []llm.Message) ([]byte, error) {
	export := struct {
		Session    *Session      `json:"session"`
		Executions []Execution   `json:"executions"`
		Messages   []llm.Message `json:"messages,omitempty"`
	}{
		Session:    sess,
		Executions: execs,
		Messages:   messages,
	}
	return json.MarshalIndent(export, "", "  ")
}
