package llm

import (
	"context"
	"strings"
)

// StreamHandler receives text deltas during streaming.
type StreamHandler func(delta string)

// CompletionStream sends a streaming completion request. handler is called
// with each text delta as it arrives; the full reply is returned once the
// stream ends.
func (c *OpenAICompatClient) CompletionStream(ctx context.Context, messages any, handler StreamHandler, opts ...CallOption) (string, error) {
	params, o, err := c.prepare(messages, opts)
	if err != nil {
		return "", err
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if handler != nil {
			handler(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return "", c.fail(err)
	}
	return sb.String(), nil
}
