package llm

import (
	"errors"
	"fmt"
)

// Role represents a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ErrCompletion matches every *CompletionError.
var ErrCompletion = errors.New("completion failed")

// CompletionError reports a failed completion request. Message keeps the
// provider's original error text.
type CompletionError struct {
	Model   string
	Message string
	Err     error
}

func (e *CompletionError) Error() string {
	if e.Model == "" {
		return "completion: " + e.Message
	}
	return fmt.Sprintf("completion (%s): %s", e.Model, e.Message)
}

func (e *CompletionError) Unwrap() error { return e.Err }

func (e *CompletionError) Is(target error) bool { return target == ErrCompletion }

// NormalizeMessages turns the accepted prompt shapes into a message list:
// a string becomes one user message; a Message or a map with role and
// content is used as is; a list may mix all of these.
func NormalizeMessages(messages any) ([]Message, error) {
	switch m := messages.(type) {
	case string:
		return []Message{UserMessage(m)}, nil
	case Message:
		return []Message{m}, nil
	case []Message:
		if len(m) == 0 {
			return nil, errors.New("empty message list")
		}
		return m, nil
	case map[string]any:
		msg, err := messageFromMap(m)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	case []map[string]any:
		items := make([]any, len(m))
		for i := range m {
			items[i] = m[i]
		}
		return NormalizeMessages(items)
	case []string:
		items := make([]any, len(m))
		for i := range m {
			items[i] = m[i]
		}
		return NormalizeMessages(items)
	case []any:
		if len(m) == 0 {
			return nil, errors.New("empty message list")
		}
		out := make([]Message, 0, len(m))
		for i, item := range m {
			switch v := item.(type) {
			case string:
				out = append(out, UserMessage(v))
			case Message:
				out = append(out, v)
			case map[string]any:
				msg, err := messageFromMap(v)
				if err != nil {
					return nil, fmt.Errorf("message %d: %w", i, err)
				}
				out = append(out, msg)
			default:
				return nil, fmt.Errorf("message %d: unsupported type %T", i, item)
			}
		}
		return out, nil
	case nil:
		return nil, errors.New("no messages")
	default:
		return nil, fmt.Errorf("unsupported messages type %T", messages)
	}
}

func messageFromMap(m map[string]any) (Message, error) {
	content, ok := m["content"].(string)
	if !ok {
		return Message{}, errors.New("message content must be a string")
	}
	role := RoleUser
	if r, ok := m["role"].(string); ok && r != "" {
		role = Role(r)
	}
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return Message{}, fmt.Errorf("unknown role %q", role)
	}
	return Message{Role: role, Content: content}, nil
}
