package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// Tools use the OpenAI function schema shape; a nil slice disables
	// tool calling for the request.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, opts ...CallOption) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// CallOptions tunes a single Chat request.
type CallOptions struct {
	MaxTokens   int
	Temperature *float64
}

// CallOption configures CallOptions.
type CallOption func(*CallOptions)

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) CallOption {
	return func(o *CallOptions) { o.MaxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) CallOption {
	return func(o *CallOptions) { o.Temperature = &t }
}

// ApplyOptions folds opts over the defaults. Providers call this at the
// start of Chat.
func ApplyOptions(opts []CallOption) CallOptions {
	o := CallOptions{MaxTokens: 4096}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
