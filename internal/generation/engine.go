// Package generation abstracts the text-generation provider behind a
// streaming interface. The quota subsystem never talks to a provider SDK
// directly: it drives a Stream chunk by chunk so cancellation and token
// accounting stay provider-agnostic.
package generation

import (
	"context"
)

// Engine starts one generation attempt. maxOutputTokens is advisory for the
// provider; the accountant enforces the hard ceiling regardless.
type Engine interface {
	Generate(ctx context.Context, prompt string, maxOutputTokens int) (Stream, error)
}

// Stream yields text increments. Recv returns io.EOF after the final chunk
// and context.Canceled when the generation context is cancelled mid-stream.
type Stream interface {
	Recv() (string, error)
	Close() error
}
