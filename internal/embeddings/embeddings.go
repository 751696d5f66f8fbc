// Package embeddings provides embedding providers for memory storage and
// retrieval.
package embeddings

import (
	"context"
)

// Provider generates embeddings for memory content and queries.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts (more efficient).
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int
}

// Config selects and configures an embedding provider.
type Config struct {
	Provider string `yaml:"provider"` // openai or local
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}
