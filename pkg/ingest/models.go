package ingest

import (
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/ledger"
)

// Document is a single unit of content submitted for ingestion.
type Document struct {
	// ID is the caller-provided identifier. Optional unless the service
	// runs the external identity policy.
	ID string `json:"id,omitempty"`

	// Content is the raw text. It is fingerprinted after normalization
	// and embedded when Embedding is absent.
	Content string `json:"content"`

	// Metadata is stored alongside the vector in the backend.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Embedding is an optional precomputed vector. When empty the
	// service computes one with its embedding provider.
	Embedding []float32 `json:"embedding,omitempty"`
}

// ConflictMode controls how Submit handles identifiers already bound to
// different content.
type ConflictMode int

const (
	// ConflictDefault uses the service configuration.
	ConflictDefault ConflictMode = iota

	// ConflictReject reports conflicting items without writing.
	ConflictReject

	// ConflictUpsert overwrites the stored row and rebinds the ledger
	// entry to the new fingerprint.
	ConflictUpsert
)

// Options tunes a single Submit call.
type Options struct {
	OnConflict ConflictMode
}

// ItemStatus is the per-document outcome of a Submit call.
type ItemStatus string

const (
	StatusInserted ItemStatus = "inserted"
	StatusUpserted ItemStatus = "upserted"
	StatusSkipped  ItemStatus = "skipped"
	StatusConflict ItemStatus = "conflict"
	StatusFailed   ItemStatus = "failed"
)

// ItemResult reports the outcome for one document in a batch.
type ItemResult struct {
	Identifier  string     `json:"identifier"`
	Fingerprint string     `json:"fingerprint"`
	Status      ItemStatus `json:"status"`
	Err         error      `json:"-"`
}

// Report summarizes a Submit call.
type Report struct {
	Collection string        `json:"collection"`
	Inserted   int           `json:"inserted"`
	Upserted   int           `json:"upserted"`
	Skipped    int           `json:"skipped"`
	Conflicts  int           `json:"conflicts"`
	Failed     int           `json:"failed"`
	Items      []ItemResult  `json:"items"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Ok reports whether every document landed without failure or conflict.
func (r *Report) Ok() bool {
	return r.Failed == 0 && r.Conflicts == 0
}

func (r *Report) tally() {
	r.Inserted, r.Upserted, r.Skipped, r.Conflicts, r.Failed = 0, 0, 0, 0, 0
	for _, item := range r.Items {
		switch item.Status {
		case StatusInserted:
			r.Inserted++
		case StatusUpserted:
			r.Upserted++
		case StatusSkipped:
			r.Skipped++
		case StatusConflict:
			r.Conflicts++
		case StatusFailed:
			r.Failed++
		}
	}
}

// SweepReport summarizes stale-pending resolution for one collection.
type SweepReport struct {
	Collection string `json:"collection"`
	Resolved   int    `json:"resolved"`
	Committed  int    `json:"committed"`
	Failed     int    `json:"failed"`
}

// CollectionStatus combines backend and ledger state for a collection.
type CollectionStatus struct {
	Collection string               `json:"collection"`
	RowCount   int                  `json:"row_count"`
	Attempts   map[ledger.State]int `json:"attempts"`
}
