package llm

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// Client is the interface for LLM completions.
type Client interface {
	Completion(ctx context.Context, messages any, opts ...CallOption) (string, error)
	CompletionStream(ctx context.Context, messages any, handler StreamHandler, opts ...CallOption) (string, error)
}

type callOptions struct {
	maxTokens int64
	timeout   time.Duration
}

// CallOption adjusts a single completion request.
type CallOption func(*callOptions)

// WithMaxTokens caps the length of the reply.
func WithMaxTokens(n int) CallOption {
	return func(o *callOptions) { o.maxTokens = int64(n) }
}

// WithTimeout bounds the request, on top of any deadline ctx carries.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// OpenAICompatClient works with any OpenAI-compatible API (Ollama, Claude, Gemini).
type OpenAICompatClient struct {
	client  *openai.Client
	model   string
	baseURL string
}

// NewClient creates an LLM client for the given provider.
func NewClient(baseURL, apiKey, model string) *OpenAICompatClient {
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &OpenAICompatClient{
		client:  &client,
		model:   model,
		baseURL: baseURL,
	}
}

// Model returns the model name requests are sent to.
func (c *OpenAICompatClient) Model() string { return c.model }

// Completion sends messages and returns the assistant's reply text.
func (c *OpenAICompatClient) Completion(ctx context.Context, messages any, opts ...CallOption) (string, error) {
	params, o, err := c.prepare(messages, opts)
	if err != nil {
		return "", err
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", c.fail(err)
	}
	if len(completion.Choices) == 0 {
		return "", &CompletionError{Model: c.model, Message: "no choices returned"}
	}
	return completion.Choices[0].Message.Content, nil
}

func (c *OpenAICompatClient) prepare(messages any, opts []CallOption) (openai.ChatCompletionNewParams, callOptions, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	msgs, err := NormalizeMessages(messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, o, &CompletionError{Model: c.model, Message: err.Error(), Err: err}
	}
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: convertMessages(msgs),
	}
	if o.maxTokens > 0 {
		params.MaxTokens = param.NewOpt(o.maxTokens)
	}
	return params, o, nil
}

func (c *OpenAICompatClient) fail(err error) error {
	return &CompletionError{Model: c.model, Message: err.Error(), Err: err}
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
