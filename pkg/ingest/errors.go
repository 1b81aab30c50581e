package ingest

import "errors"

// Sentinel errors for ingestion operations.
var (
	// ErrEmptyBatch indicates an empty or nil document batch.
	ErrEmptyBatch = errors.New("empty or nil document batch")

	// ErrIdentifierConflict indicates an identifier already bound to
	// different content, rejected because overwriting was not allowed.
	ErrIdentifierConflict = errors.New("identifier conflict")

	// ErrInFlight indicates another writer currently holds the
	// identifier.
	ErrInFlight = errors.New("identifier write already in flight")

	// ErrBackendTimeout indicates a backend write that did not complete
	// in time. The attempt stays pending for the sweeper to resolve.
	ErrBackendTimeout = errors.New("backend timeout")

	// ErrBackendUnavailable indicates the backend rejected or could not
	// serve the call.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNoEmbedder indicates documents without embeddings were
	// submitted to a service constructed without an embedding provider.
	ErrNoEmbedder = errors.New("no embedding provider configured")
)
