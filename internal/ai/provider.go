package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is a chat-completion backend.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Described is implemented by providers that can report what they are, for summary metadata.
type Described interface {
	Name() string
	ModelName() string
}
