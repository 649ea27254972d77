package llm

import (
	"context"
	"errors"
)

var ErrEmptyResponse = errors.New("llm returned an empty response")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Prompt is one generation request: the system instruction, prior turns in
// order and the new user message.
type Prompt struct {
	System  string
	History []Message
	User    string
}

// Streamer generates a reply token by token. Both channels are closed when
// the stream ends; at most one error is sent. Cancelling ctx stops the
// upstream call.
type Streamer interface {
	StreamChat(ctx context.Context, p Prompt) (<-chan string, <-chan error)
}

// Summarizer condenses a finished conversation for the lead record.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
