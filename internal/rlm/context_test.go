package rlm

import (
	"context"
	"strings"
	"testing"

	"github.com/michaelbrown/rlm/internal/llm"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		message llm.Message
		want    int
	}{
		{"empty message", llm.Message{Role: llm.RoleUser}, 1},
		{"short user message", llm.UserMessage("hello world"), 2},
		{"long message", llm.UserMessage(strings.Repeat("a", 400)), 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateTokens(tt.message); got != tt.want {
				t.Errorf("estimateTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFindSplitPoint(t *testing.T) {
	tests := []struct {
		name         string
		messages     []llm.Message
		recentBudget int
		wantIdx      int
	}{
		{
			name: "small history, no split needed",
			messages: []llm.Message{
				llm.SystemMessage("system"),
				llm.AssistantMessage("hi"),
			},
			recentBudget: 1000,
			wantIdx:      2,
		},
		{
			name: "splits before a model reply",
			messages: []llm.Message{
				llm.SystemMessage("system"),
				llm.AssistantMessage(strings.Repeat("first code ", 20)),
				llm.UserMessage(strings.Repeat("first output ", 20)),
				llm.AssistantMessage(strings.Repeat("second code ", 20)),
				llm.UserMessage(strings.Repeat("second output ", 20)),
				llm.AssistantMessage(strings.Repeat("third code ", 20)),
				llm.UserMessage(strings.Repeat("third output ", 20)),
			},
			recentBudget: 140,
			wantIdx:      5,
		},
		{
			name: "does not separate feedback from its code",
			messages: []llm.Message{
				llm.SystemMessage("system"),
				llm.AssistantMessage(strings.Repeat("code ", 40)),
				llm.UserMessage(strings.Repeat("output one ", 20)),
				llm.AssistantMessage(strings.Repeat("code ", 40)),
				llm.UserMessage(strings.Repeat("output two ", 20)),
				llm.UserMessage("tiny"),
			},
			recentBudget: 60,
			wantIdx:      3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := findSplitPoint(tt.messages, tt.recentBudget)
			if got != tt.wantIdx {
				t.Errorf("findSplitPoint() = %d, want %d", got, tt.wantIdx)
			}
			if got < len(tt.messages) && tt.messages[got].Role != llm.RoleAssistant {
				t.Errorf("split point message role = %s, want assistant", tt.messages[got].Role)
			}
		})
	}
}

func newHistory() []llm.Message {
	return []llm.Message{
		llm.SystemMessage("You are helpful."),
		llm.AssistantMessage(strings.Repeat("file info ", 50)),
		llm.UserMessage("output one"),
		llm.AssistantMessage(strings.Repeat("more info ", 50)),
		llm.UserMessage("output two"),
		llm.AssistantMessage(strings.Repeat("even more ", 50)),
		llm.UserMessage("output three"),
	}
}

func TestCompactHistory(t *testing.T) {
	mock := &fakeClient{responses: []string{"Context was explored. n holds the length."}}
	d := New(mock, nil, 5)
	d.SetMaxTokens(300)
	d.history = newHistory()

	d.compactHistory(context.Background())

	if len(d.history) >= 7 {
		t.Errorf("expected compacted history to be shorter than 7, got %d", len(d.history))
	}
	if d.history[0].Role != llm.RoleSystem {
		t.Errorf("first message role = %s, want system", d.history[0].Role)
	}
	if !strings.Contains(d.history[1].Content, "[Prior REPL session summary]") {
		t.Errorf("second message should contain summary marker, got: %s", d.history[1].Content)
	}
}

func TestCompactHistoryUnderBudget(t *testing.T) {
	d := New(&fakeClient{}, nil, 5)
	d.SetMaxTokens(10000)
	d.history = newHistory()

	d.compactHistory(context.Background())

	if len(d.history) != 7 {
		t.Errorf("history length = %d, want 7 (no compaction)", len(d.history))
	}
}

func TestCompactHistoryFallbackOnError(t *testing.T) {
	d := New(&fakeClient{}, nil, 5)
	d.SetMaxTokens(10)
	for i := 0; i < 6; i++ {
		d.history = append(d.history, newHistory()[1:]...)
	}
	d.history = append([]llm.Message{llm.SystemMessage("system")}, d.history...)
	originalLen := len(d.history)

	d.compactHistory(context.Background())

	if len(d.history) != 11 || originalLen <= 11 {
		t.Errorf("expected trimmed history of 11, got %d (from %d)", len(d.history), originalLen)
	}
}
