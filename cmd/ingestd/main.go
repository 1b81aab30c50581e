// Package main implements the ingestd CLI for idempotent ingestion into
// vector store collections.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/backend"
	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/fyrsmithlabs/ingestd/internal/embeddings"
	"github.com/fyrsmithlabs/ingestd/internal/identity"
	"github.com/fyrsmithlabs/ingestd/internal/ledger"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/pkg/ingest"
)

var (
	// configPath is the config file override, empty means the default
	// location.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ingestd",
	Short: "Idempotent ingestion coordinator for vector stores",
	Long: `ingestd ingests document batches into vector store collections exactly once.

Resubmitting a batch never duplicates rows: documents are fingerprinted,
assigned stable identifiers, and checked against a local reconciliation
ledger and the backend before any write happens.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file path (default ~/.config/ingestd/config.yaml)")
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(statusCmd)
}

// app bundles the wired components behind a CLI command.
type app struct {
	config   *config.Config
	logger   *zap.Logger
	store    backend.Store
	ledger   *ledger.Store
	embedder embeddings.Provider
	service  *ingest.Service
}

func newApp() (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create backend: %w", err)
	}

	ledg, err := ledger.NewStore(cfg.Ledger.Path, logger.Named("ledger"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	var embedder embeddings.Provider
	if cfg.Embeddings.Provider != "none" {
		embedder, err = embeddings.NewProvider(embeddings.Config{
			Provider: cfg.Embeddings.Provider,
			Model:    cfg.Embeddings.Model,
			BaseURL:  cfg.Embeddings.BaseURL,
			CacheDir: cfg.Embeddings.CacheDir,
		})
		if err != nil {
			_ = ledg.Close()
			_ = store.Close()
			return nil, fmt.Errorf("create embedder: %w", err)
		}
	}

	policy, err := identity.ParsePolicy(cfg.Ingest.IdentityPolicy)
	if err != nil {
		return nil, err
	}

	var embedderIface backend.Embedder
	if embedder != nil {
		embedderIface = embedder
	}
	service, err := ingest.NewService(store, ledg, embedderIface, ingest.Config{
		IdentityPolicy:        policy,
		AllowUpsertOnConflict: cfg.Ingest.AllowUpsertOnConflict,
		PendingMaxAge:         cfg.Ingest.PendingMaxAge.Duration(),
		SweepInterval:         cfg.Ingest.SweepInterval.Duration(),
		BackendTimeout:        cfg.Ingest.BackendTimeout.Duration(),
		MaxConcurrency:        cfg.Ingest.MaxConcurrency,
		SnapshotTTL:           cfg.Ingest.SnapshotTTL.Duration(),
		VectorSize:            cfg.Backend.VectorSize,
	}, logger.Named("ingest"))
	if err != nil {
		_ = ledg.Close()
		_ = store.Close()
		return nil, fmt.Errorf("create service: %w", err)
	}

	return &app{
		config:   cfg,
		logger:   logger,
		store:    store,
		ledger:   ledg,
		embedder: embedder,
		service:  service,
	}, nil
}

func newStore(cfg *config.Config, logger *zap.Logger) (backend.Store, error) {
	var store backend.Store
	var err error

	switch cfg.Backend.Provider {
	case "chromem":
		store, err = backend.NewChromemStore(backend.ChromemConfig{
			Path:     cfg.Backend.Chromem.Path,
			Compress: cfg.Backend.Chromem.Compress,
		}, logger.Named("chromem"))
	case "qdrant":
		store, err = backend.NewQdrantStore(backend.QdrantConfig{
			Host:         cfg.Backend.Qdrant.Host,
			Port:         cfg.Backend.Qdrant.Port,
			APIKey:       cfg.Backend.Qdrant.APIKey.Value(),
			UseTLS:       cfg.Backend.Qdrant.UseTLS,
			VectorSize:   cfg.Backend.VectorSize,
			MaxRetries:   cfg.Backend.Qdrant.MaxRetries,
			RetryBackoff: cfg.Backend.Qdrant.RetryBackoff.Duration(),
		}, logger.Named("qdrant"))
	default:
		return nil, fmt.Errorf("unknown backend provider: %q", cfg.Backend.Provider)
	}
	if err != nil {
		return nil, err
	}
	return backend.NewInstrumentedStore(store), nil
}

func (a *app) Close() {
	if a.embedder != nil {
		if err := a.embedder.Close(); err != nil {
			a.logger.Warn("failed to close embedder", zap.Error(err))
		}
	}
	if err := a.ledger.Close(); err != nil {
		a.logger.Warn("failed to close ledger", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close backend", zap.Error(err))
	}
	_ = logging.Sync(a.logger)
}
