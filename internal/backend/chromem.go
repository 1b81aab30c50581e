// Package backend provides vector store backend implementations.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("ingestd.backend.chromem")

// metadataFingerprintKey is the metadata key holding the content digest.
const metadataFingerprintKey = "fingerprint"

// ChromemConfig holds configuration for the chromem-go embedded backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path required", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies. It keeps collections in memory with gob persistence, so
// it needs no external service and suits single-node deployments.
//
// Writes overwrite rows with the same identifier. Per the Store contract
// that behavior is never relied on; Insert and Upsert are the same call.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

// NewChromemStore creates a ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	expandedPath, err := expandChromemPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}

	if err := os.MkdirAll(expandedPath, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	store := &ChromemStore{
		db:     db,
		config: config,
		logger: logger,
	}

	logger.Info("chromem backend initialized",
		zap.String("path", expandedPath),
		zap.Bool("compress", config.Compress),
	)

	return store, nil
}

// expandChromemPath expands ~ to home directory.
func expandChromemPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// embeddingFunc satisfies chromem's collection constructor. Rows always
// arrive with precomputed vectors, so this must never run.
func embeddingFunc(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem backend requires precomputed embeddings")
}

// EnsureCollection creates the collection if it does not exist.
// The vectorSize argument is unused: chromem infers dimensions from the
// first stored vector.
func (s *ChromemStore) EnsureCollection(ctx context.Context, collection string, _ int) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.EnsureCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collection))

	if err := ValidateCollectionName(collection); err != nil {
		span.RecordError(err)
		return err
	}

	if _, err := s.db.GetOrCreateCollection(collection, nil, embeddingFunc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Insert writes rows to the collection.
func (s *ChromemStore) Insert(ctx context.Context, collection string, rows []Row) (int, error) {
	return s.write(ctx, "ChromemStore.Insert", collection, rows)
}

// Upsert writes rows to the collection. chromem overwrites rows with the
// same identifier, so this is the same call as Insert.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, rows []Row) (int, error) {
	return s.write(ctx, "ChromemStore.Upsert", collection, rows)
}

func (s *ChromemStore) write(ctx context.Context, spanName, collection string, rows []Row) (int, error) {
	ctx, span := chromemTracer.Start(ctx, spanName)
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("row_count", len(rows)),
	)

	if len(rows) == 0 {
		return 0, ErrEmptyRows
	}

	if err := ValidateCollectionName(collection); err != nil {
		span.RecordError(err)
		return 0, err
	}

	col, err := s.db.GetOrCreateCollection(collection, nil, embeddingFunc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}

	docs := make([]chromem.Document, len(rows))
	for i, row := range rows {
		if row.ID == "" {
			return 0, fmt.Errorf("row at index %d has no identifier", i)
		}
		if len(row.Vector) == 0 {
			return 0, fmt.Errorf("row %s has no embedding", row.ID)
		}

		metadata := convertMetadataToString(row.Metadata)
		metadata[metadataFingerprintKey] = row.Fingerprint

		docs[i] = chromem.Document{
			ID:        row.ID,
			Content:   row.Content,
			Metadata:  metadata,
			Embedding: row.Vector,
		}
	}

	// Concurrency of 1 since embeddings are precomputed.
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("adding rows: %w", err)
	}

	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("wrote rows to chromem",
		zap.String("collection", collection),
		zap.Int("count", len(rows)),
	)

	return len(rows), nil
}

// Lookup fetches the identity projection of the given identifiers.
func (s *ChromemStore) Lookup(ctx context.Context, collection string, ids []string) ([]StoredRow, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Lookup")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("id_count", len(ids)),
	)

	if err := ValidateCollectionName(collection); err != nil {
		span.RecordError(err)
		return nil, err
	}

	col := s.db.GetCollection(collection, embeddingFunc)
	if col == nil {
		// Missing collection holds nothing.
		span.SetStatus(codes.Ok, "collection absent")
		return nil, nil
	}

	found := make([]StoredRow, 0, len(ids))
	for _, id := range ids {
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			// chromem only errors on unknown IDs here.
			continue
		}
		found = append(found, StoredRow{
			ID:          doc.ID,
			Fingerprint: doc.Metadata[metadataFingerprintKey],
		})
	}

	span.SetAttributes(attribute.Int("found_count", len(found)))
	span.SetStatus(codes.Ok, "success")
	return found, nil
}

// RowCount returns the number of rows in the collection.
func (s *ChromemStore) RowCount(ctx context.Context, collection string) (int, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.RowCount")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collection))

	if err := ValidateCollectionName(collection); err != nil {
		span.RecordError(err)
		return 0, err
	}

	col := s.db.GetCollection(collection, embeddingFunc)
	if col == nil {
		span.SetStatus(codes.Ok, "collection absent")
		return 0, nil
	}

	count := col.Count()
	span.SetAttributes(attribute.Int("row_count", count))
	span.SetStatus(codes.Ok, "success")
	return count, nil
}

// Close is a no-op: chromem persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}

// convertMetadataToString converts metadata values to strings for chromem,
// which only supports string metadata.
func convertMetadataToString(metadata map[string]interface{}) map[string]string {
	result := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		result[k] = fmt.Sprintf("%v", v)
	}
	return result
}
