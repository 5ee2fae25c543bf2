// Package provider defines the two upstream capabilities the cache engine
// depends on: turning text into embeddings and generating chat completions.
// Implementations live in subpackages; tests use deterministic stubs.
package provider

import (
	"context"
	"errors"

	"github.com/semantis-ai/semantis/openai"
)

// EmbeddingProvider converts text into an L2-normalized vector. The returned
// vector must be deterministic for a given (model, text) pair.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChatProvider generates an assistant answer for a conversation.
type ChatProvider interface {
	Complete(ctx context.Context, messages []openai.Message, temperature float32) (string, error)
}

type (
	// TransientError marks a failure that may succeed on retry, such as a
	// timeout or an upstream 5xx. The cache never retries; callers may.
	TransientError struct{ Err error }

	// FatalError marks a non-retriable failure such as an invalid request
	// or exhausted quota without a retry window.
	FatalError struct{ Err error }
)

func (e TransientError) Error() string { return e.Err.Error() }
func (e TransientError) Unwrap() error { return e.Err }
func (e FatalError) Error() string     { return e.Err.Error() }
func (e FatalError) Unwrap() error     { return e.Err }

func IsTransient(err error) bool {
	var transient TransientError
	return errors.As(err, &transient)
}

func IsFatal(err error) bool {
	var fatal FatalError
	return errors.As(err, &fatal)
}
