package client

import "context"

// Message roles as they appear on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMsg represents a single chat message.
type ChatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Passage is a retrieved document fragment.  The json tags match the
// search endpoint's result records.
type Passage struct {
	Text     string `json:"chunk"`
	Path     string `json:"relative_path"`
	Category string `json:"category"`
	URL      string `json:"file_url,omitempty"`
}

// CompletionRequest is the body of a completion endpoint call.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []ChatMsg `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature"`
	TopP        float32   `json:"top_p"`
	Stream      bool      `json:"stream"`
}

// DeltaStream is a lazy, once-consumable sequence of text deltas.
// Recv returns io.EOF after the last delta.
type DeltaStream interface {
	Recv() (delta string, err error)
	Close() error
}

// Streamer opens a streaming completion.  Implementations include
// stream.Client (SSE over HTTP) and stream.OpenAIStreamer.
type Streamer interface {
	Stream(ctx context.Context, req CompletionRequest) (DeltaStream, error)
}

// Searcher queries the document search collaborator.  An empty
// category means no filter.
type Searcher interface {
	Search(ctx context.Context, query, category string) ([]Passage, error)
}
