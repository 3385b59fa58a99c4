// Package llm talks to the language model. The reasoning loop depends
// only on [Client]; [OllamaClient] is the HTTP implementation.
package llm

import "context"

// Client is a chat-completion provider.
type Client interface {
	// Chat sends a single-shot completion request.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*ChatResponse, error)

	// ChatStream sends a streaming request. Tokens are delivered to
	// callback as they arrive; the assembled response is returned when
	// the stream ends.
	ChatStream(ctx context.Context, model string, messages []Message, tools []ToolSpec, callback StreamCallback) (*ChatResponse, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}
