// Package embeddings provides embedding generation via multiple providers.
package embeddings

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ingestd/internal/backend"
)

// Sentinel errors for embedding operations.
var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty input")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")
)

// Provider generates embeddings and knows its output dimension.
type Provider interface {
	backend.Embedder

	// Dimension returns the embedding dimension of the model.
	Dimension() int

	// Close releases provider resources.
	Close() error
}

// Config selects and configures an embedding provider.
type Config struct {
	// Provider is the implementation: fastembed or tei.
	Provider string

	// Model is the embedding model name.
	Model string

	// BaseURL is the TEI server URL. Ignored by fastembed.
	BaseURL string

	// CacheDir is the fastembed model cache directory. Ignored by tei.
	CacheDir string
}

// NewProvider constructs the configured embedding provider.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "fastembed":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "tei":
		return NewTEIProvider(TEIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown embeddings provider: %q", cfg.Provider)
	}
}
