// Package config provides configuration loading for ingestd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Every section carries defaults so an empty config is usable
// out of the box with the embedded chromem backend.
package config

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ingestd/internal/logging"
)

// Config holds the complete ingestd configuration.
type Config struct {
	Log        logging.Config   `koanf:"log"`
	Ledger     LedgerConfig     `koanf:"ledger"`
	Backend    BackendConfig    `koanf:"backend"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Ingest     IngestConfig     `koanf:"ingest"`
}

// LedgerConfig holds the reconciliation ledger settings.
type LedgerConfig struct {
	// Path is the directory holding the SQLite ledger database.
	Path string `koanf:"path"`
}

// BackendConfig selects and configures the vector store backend.
type BackendConfig struct {
	// Provider is the backend implementation: chromem or qdrant.
	Provider string `koanf:"provider"`

	// VectorSize is the embedding dimension enforced on collections.
	VectorSize int `koanf:"vector_size"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds settings for the embedded chromem-go backend.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig holds settings for the Qdrant gRPC backend.
type QdrantConfig struct {
	Host         string   `koanf:"host"`
	Port         int      `koanf:"port"`
	APIKey       Secret   `koanf:"api_key"`
	UseTLS       bool     `koanf:"use_tls"`
	MaxRetries   int      `koanf:"max_retries"`
	RetryBackoff Duration `koanf:"retry_backoff"`
}

// EmbeddingsConfig holds embedding provider settings.
type EmbeddingsConfig struct {
	// Provider is the embedding implementation: fastembed or tei.
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	// BaseURL is the TEI server URL. Ignored by fastembed.
	BaseURL string `koanf:"base_url"`
	// CacheDir is the fastembed model cache directory. Ignored by tei.
	CacheDir string `koanf:"cache_dir"`
}

// IngestConfig holds coordinator behavior settings.
type IngestConfig struct {
	// IdentityPolicy is the default identifier policy: content, counter,
	// or external.
	IdentityPolicy string `koanf:"identity_policy"`

	// AllowUpsertOnConflict resolves identifier conflicts by overwriting
	// instead of rejecting.
	AllowUpsertOnConflict bool `koanf:"allow_upsert_on_conflict"`

	// PendingMaxAge is how long a pending attempt may sit before the
	// sweeper treats it as abandoned.
	PendingMaxAge Duration `koanf:"pending_max_age"`

	// SweepInterval is how often the background sweeper runs.
	SweepInterval Duration `koanf:"sweep_interval"`

	// BackendTimeout bounds each backend write call.
	BackendTimeout Duration `koanf:"backend_timeout"`

	// MaxConcurrency bounds parallel backend writes per batch.
	MaxConcurrency int `koanf:"max_concurrency"`

	// SnapshotTTL bounds how long a cached collection row count is trusted.
	SnapshotTTL Duration `koanf:"snapshot_ttl"`
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	switch c.Backend.Provider {
	case "chromem":
		if c.Backend.Chromem.Path == "" {
			return errors.New("backend.chromem.path is required")
		}
	case "qdrant":
		if c.Backend.Qdrant.Host == "" {
			return errors.New("backend.qdrant.host is required")
		}
		if c.Backend.Qdrant.Port <= 0 || c.Backend.Qdrant.Port > 65535 {
			return fmt.Errorf("backend.qdrant.port out of range: %d", c.Backend.Qdrant.Port)
		}
	default:
		return fmt.Errorf("unknown backend provider: %q", c.Backend.Provider)
	}

	if c.Backend.VectorSize <= 0 {
		return fmt.Errorf("backend.vector_size must be positive: %d", c.Backend.VectorSize)
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei", "none":
	default:
		return fmt.Errorf("unknown embeddings provider: %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "tei" && c.Embeddings.BaseURL == "" {
		return errors.New("embeddings.base_url is required for tei")
	}

	switch c.Ingest.IdentityPolicy {
	case "content", "counter", "external":
	default:
		return fmt.Errorf("unknown identity policy: %q", c.Ingest.IdentityPolicy)
	}

	if c.Ingest.PendingMaxAge.Duration() <= 0 {
		return errors.New("ingest.pending_max_age must be positive")
	}
	if c.Ingest.MaxConcurrency <= 0 {
		return fmt.Errorf("ingest.max_concurrency must be positive: %d", c.Ingest.MaxConcurrency)
	}

	if c.Ledger.Path == "" {
		return errors.New("ledger.path is required")
	}

	return nil
}
