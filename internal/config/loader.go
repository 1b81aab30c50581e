package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (BACKEND_PROVIDER, INGEST_PENDING_MAX_AGE, etc.)
//  2. YAML config file (~/.config/ingestd/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, the
// default path ~/.config/ingestd/config.yaml is used.
//
// Config files must live under ~/.config/ingestd/ or /etc/ingestd/, carry
// 0600 or 0400 permissions, and stay under 1MB. Environment variables map
// to keys by splitting on the first underscore:
//
//	BACKEND_PROVIDER         -> backend.provider
//	LEDGER_PATH              -> ledger.path
//	INGEST_PENDING_MAX_AGE   -> ingest.pending_max_age
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "ingestd", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// TOCTOU race between stat and read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment variables use underscore separator and are uppercased.
	// Split on the first underscore only: section.field_name.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)

		if len(parts) == 1 {
			return lower
		}

		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the ingestd config directory if it doesn't exist.
// The directory is created with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "ingestd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Paths that don't exist yet still get validated.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "ingestd"),
		"/etc/ingestd",
	}

	allowed := false
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			allowed = true
			break
		}
	}

	if !allowed {
		return fmt.Errorf("config file must be in ~/.config/ingestd/ or /etc/ingestd/")
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Ledger.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Ledger.Path = filepath.Join(home, ".config", "ingestd", "ledger")
		}
	}

	// chromem is the default backend: embedded, no external deps.
	if cfg.Backend.Provider == "" {
		cfg.Backend.Provider = "chromem"
	}
	if cfg.Backend.Chromem.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Backend.Chromem.Path = filepath.Join(home, ".config", "ingestd", "vectorstore")
		}
	}
	if cfg.Backend.Qdrant.Host == "" {
		cfg.Backend.Qdrant.Host = "localhost"
	}
	if cfg.Backend.Qdrant.Port == 0 {
		cfg.Backend.Qdrant.Port = 6334
	}
	if cfg.Backend.Qdrant.MaxRetries == 0 {
		cfg.Backend.Qdrant.MaxRetries = 3
	}
	if cfg.Backend.Qdrant.RetryBackoff == 0 {
		cfg.Backend.Qdrant.RetryBackoff = Duration(100 * time.Millisecond)
	}
	if cfg.Backend.VectorSize == 0 {
		cfg.Backend.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Provider == "tei" && cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}

	if cfg.Ingest.IdentityPolicy == "" {
		cfg.Ingest.IdentityPolicy = "content"
	}
	if cfg.Ingest.PendingMaxAge == 0 {
		cfg.Ingest.PendingMaxAge = Duration(5 * time.Minute)
	}
	if cfg.Ingest.SweepInterval == 0 {
		cfg.Ingest.SweepInterval = Duration(time.Minute)
	}
	if cfg.Ingest.BackendTimeout == 0 {
		cfg.Ingest.BackendTimeout = Duration(30 * time.Second)
	}
	if cfg.Ingest.MaxConcurrency == 0 {
		cfg.Ingest.MaxConcurrency = 4
	}
	if cfg.Ingest.SnapshotTTL == 0 {
		cfg.Ingest.SnapshotTTL = Duration(30 * time.Second)
	}
}
