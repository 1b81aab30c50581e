// Package backend defines the interface for vector store backends.
package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors for backend operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyRows indicates empty or nil rows.
	ErrEmptyRows = errors.New("empty or nil rows")

	// ErrConnectionFailed indicates connection issues with the backend.
	ErrConnectionFailed = errors.New("failed to connect to backend")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// IsTimeoutError reports whether an error came from an expired deadline,
// either a local context or a gRPC status from a remote backend.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		return st.Code() == grpccodes.DeadlineExceeded
	}
	return false
}

// ValidateCollectionName validates a collection name against security rules.
// Pattern: ^[a-z0-9_]{1,64}$
// Rejects: uppercase, special chars, path traversal, spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Row is a single vector row to be written to a backend.
type Row struct {
	// ID is the stable identifier assigned by the coordinator.
	ID string

	// Fingerprint is the content digest stored alongside the row so
	// existence checks can compare content without refetching it.
	Fingerprint string

	// Content is the raw text content.
	Content string

	// Vector is the embedding for Content.
	Vector []float32

	// Metadata contains additional key-value pairs.
	Metadata map[string]interface{}
}

// StoredRow is the identity projection of a row already in the backend.
type StoredRow struct {
	ID          string
	Fingerprint string
}

// CollectionInfo contains metadata about a collection.
type CollectionInfo struct {
	// Name is the collection name.
	Name string `json:"name"`

	// RowCount is the number of rows in the collection.
	RowCount int `json:"row_count"`

	// VectorSize is the dimensionality of vectors in this collection.
	VectorSize int `json:"vector_size"`
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	// Returns a slice of embeddings (one per input text) or an error.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	// Some models optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the interface for vector store backends.
//
// The coordinator treats the backend's own duplicate handling as opaque:
// whether a backend appends, overwrites, or rejects a row whose identifier
// it has already seen is never relied on. All duplicate and conflict
// decisions happen before a write reaches the backend, and both Insert and
// Upsert are free to map to the same underlying write call.
//
// Implementations:
//   - ChromemStore: Embedded chromem-go (default)
//   - QdrantStore: External Qdrant gRPC client
type Store interface {
	// EnsureCollection creates the collection if it does not exist.
	// Existing collections are left untouched.
	EnsureCollection(ctx context.Context, collection string, vectorSize int) error

	// Insert writes rows that the coordinator believes to be new.
	// Returns the number of rows written.
	Insert(ctx context.Context, collection string, rows []Row) (int, error)

	// Upsert writes rows that may overwrite existing identifiers.
	// Returns the number of rows written.
	Upsert(ctx context.Context, collection string, rows []Row) (int, error)

	// Lookup fetches the identity projection of the given identifiers.
	// Identifiers not present in the backend are simply absent from the
	// result; lookups never fail on missing rows.
	Lookup(ctx context.Context, collection string, ids []string) ([]StoredRow, error)

	// RowCount returns the number of rows in the collection.
	// A missing collection counts as zero rows.
	RowCount(ctx context.Context, collection string) (int, error)

	// Close releases backend resources.
	Close() error
}
