// Package embeddings defines the text embedding provider contract used by
// semantic retrieval.
package embeddings

import "context"

// Provider converts text into a dense vector.
type Provider interface {
	// Embed returns the embedding vector for text. The dimensionality is
	// fixed per provider configuration and must match the vector column of
	// the knowledge store.
	Embed(ctx context.Context, text string) ([]float32, error)
}
