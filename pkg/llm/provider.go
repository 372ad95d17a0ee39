package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, messages []Message, tools []Tool, opts ...Option) (*Response, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// CallOptions are per-request overrides.
type CallOptions struct {
	// JSON asks the model for a single JSON object.
	JSON        bool
	Temperature *float32
}

type Option func(*CallOptions)

func WithJSON() Option {
	return func(o *CallOptions) { o.JSON = true }
}

func WithTemperature(t float32) Option {
	return func(o *CallOptions) { o.Temperature = &t }
}

// Apply folds opts into a CallOptions value.
func Apply(opts ...Option) CallOptions {
	var o CallOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
