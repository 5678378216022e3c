// Package embeddings provides the clients used to embed pattern content for the
// vector store.
package embeddings

import "context"

// Client defines the interface for generating text embeddings
type Client interface {
	// Embed generates embeddings for multiple texts
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedOne generates an embedding for a single text
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}
