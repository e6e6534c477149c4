package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is the capability boundary of the model backend: it takes a
// conversation and returns the assistant's reply. Implementations are
// selected once at startup via the Registry.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
//
// The chunks channel carries non-empty text increments in production order
// and is closed when the provider is done; a provider-side failure is
// reported on errs (at most one), never as a chunk. The sequence is finite
// and not restartable. Cancel ctx to abandon the call.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
