package rlm

import (
	"context"
	"fmt"
	"strings"

	"github.com/michaelbrown/rlm/internal/llm"
)

// estimateTokens returns an approximate token count for a message.
// Uses a chars/4 heuristic.
func estimateTokens(m llm.Message) int {
	tokens := len(m.Content) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// estimateHistoryTokens returns approximate total tokens for a message slice.
func estimateHistoryTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m)
	}
	return total
}

// findSplitPoint finds a clean boundary to split history into old and recent sections.
// It works backward from the end to find the point where recent messages fit within
// the given token budget. The split point is always an assistant message so that a
// model reply stays together with the execution feedback that follows it.
// Returns the index where the "recent" section begins. Index 0 (system prompt) is never included.
func findSplitPoint(messages []llm.Message, recentTokenBudget int) int {
	if len(messages) <= 2 {
		return len(messages)
	}

	tokens := 0
	budgetExceeded := false
	splitIdx := len(messages)
	for i := len(messages) - 1; i >= 1; i-- {
		msgTokens := estimateTokens(messages[i])
		if tokens+msgTokens > recentTokenBudget {
			splitIdx = i + 1
			budgetExceeded = true
			break
		}
		tokens += msgTokens
	}

	if !budgetExceeded {
		return len(messages)
	}

	// Clamp: keep at least the last message
	if splitIdx >= len(messages) {
		splitIdx = len(messages) - 1
	}

	for splitIdx > 1 {
		if messages[splitIdx].Role == llm.RoleAssistant {
			break
		}
		splitIdx--
	}

	if splitIdx <= 1 || messages[splitIdx].Role != llm.RoleAssistant {
		return len(messages)
	}
	return splitIdx
}

// summarizeMessages asks the LLM to produce a concise summary of the given messages.
func summarizeMessages(ctx context.Context, client llm.Client, messages []llm.Message) (string, error) {
	var content strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&content, "[%s]: %s\n", m.Role, m.Content)
	}

	prompt := []llm.Message{
		llm.SystemMessage("You are a summarization assistant. Produce a concise summary of the following REPL session excerpt. " +
			"Preserve key facts, variable names and what they hold, intermediate results, and dead ends already explored. " +
			"Be concise but complete. Output only the summary, no preamble."),
		llm.UserMessage("Summarize this session:\n\n" + content.String()),
	}

	summary, err := client.Completion(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("summarization LLM call: %w", err)
	}

	// Truncate if summary itself is too large (~1000 tokens = ~4000 chars)
	const maxSummaryChars = 4000
	if len(summary) > maxSummaryChars {
		summary = summary[:maxSummaryChars] + "\n... (summary truncated)"
	}
	return summary, nil
}
