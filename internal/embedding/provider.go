// Package embedding defines the embedding-generation capability consumed by
// the vectorizer and matcher, and an Ollama-backed implementation.
package embedding

import (
	"context"
	"errors"
)

// ErrUnavailable indicates a provider outage or timeout. Callers treat it as
// transient: the affected resource stays pending or failed and is retried by
// the next sync run, never in a tight loop.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider generates fixed-length embedding vectors. Implementations are
// deterministic per model version: embedding the same text with the same
// model reproduces the same vector.
type Provider interface {
	// Embed returns the embedding for text under the given model, along
	// with the vector's dimension.
	Embed(ctx context.Context, model, text string) ([]float32, int, error)

	// IsRunning reports whether the provider is reachable.
	IsRunning(ctx context.Context) bool
}
