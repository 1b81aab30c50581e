// Package oracle answers existence questions about identifiers without
// issuing redundant backend traffic.
//
// Classification is ledger-first: the durable attempt log usually decides
// whether an identifier is new, and only identifiers the ledger has never
// seen fall through to one batched backend lookup. A cached per-collection
// row count short-circuits the empty-collection case entirely.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/backend"
	"github.com/fyrsmithlabs/ingestd/internal/ledger"
)

var tracer = otel.Tracer("ingestd.oracle")

// Class is the classification of one item in a batch.
type Class int

const (
	// ClassNew marks an identifier safe to insert.
	ClassNew Class = iota
	// ClassDuplicate marks an identifier already committed with
	// identical content.
	ClassDuplicate
	// ClassConflicting marks an identifier bound to different content,
	// or content already stored under a different identifier.
	ClassConflicting
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassDuplicate:
		return "duplicate"
	case ClassConflicting:
		return "conflicting"
	default:
		return "unknown"
	}
}

// Source records which authority produced a classification.
type Source string

const (
	// SourceFastPath means the empty-collection row count decided.
	SourceFastPath Source = "fast_path"
	// SourceLedger means the attempt log decided.
	SourceLedger Source = "ledger"
	// SourceBackend means a backend lookup decided.
	SourceBackend Source = "backend"
)

// Item is one (identifier, fingerprint) pair to classify.
type Item struct {
	Identifier  string
	Fingerprint string
}

// Classified is the classification result for one item.
type Classified struct {
	Item
	Class  Class
	Source Source

	// ExistingFingerprint is the fingerprint already bound to the
	// identifier when Class is ClassConflicting.
	ExistingFingerprint string

	// ExistingIdentifier is the identifier already bound to the
	// fingerprint when the conflict is content-level.
	ExistingIdentifier string
}

// Snapshot is a cached view of a collection's row count.
type Snapshot struct {
	RowCount    int
	RefreshedAt time.Time
}

// LedgerReader is the oracle's read-only view of the attempt log.
type LedgerReader interface {
	GetBatch(ctx context.Context, collection string, identifiers []string) (map[string]*ledger.Attempt, error)
	CommittedByFingerprint(ctx context.Context, collection string, fingerprints []string) (map[string]string, error)
}

// Backend is the oracle's read-only view of the vector store.
type Backend interface {
	Lookup(ctx context.Context, collection string, ids []string) ([]backend.StoredRow, error)
	RowCount(ctx context.Context, collection string) (int, error)
}

// Oracle classifies batches of identifiers against the ledger and backend.
type Oracle struct {
	ledger  LedgerReader
	backend Backend
	ttl     time.Duration
	logger  *zap.Logger

	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// New creates an Oracle. ttl bounds how long a cached row count is
// trusted before it is refreshed from the backend.
func New(ledgerReader LedgerReader, store Backend, ttl time.Duration, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Oracle{
		ledger:    ledgerReader,
		backend:   store,
		ttl:       ttl,
		logger:    logger,
		snapshots: make(map[string]Snapshot),
	}
}

// Snapshot returns the collection's row count, refreshing the cache when
// it is older than the TTL.
func (o *Oracle) Snapshot(ctx context.Context, collection string) (Snapshot, error) {
	o.mu.RLock()
	snap, ok := o.snapshots[collection]
	o.mu.RUnlock()

	if ok && time.Since(snap.RefreshedAt) < o.ttl {
		return snap, nil
	}

	count, err := o.backend.RowCount(ctx, collection)
	if err != nil {
		return Snapshot{}, fmt.Errorf("refreshing snapshot for %s: %w", collection, err)
	}

	snap = Snapshot{RowCount: count, RefreshedAt: time.Now()}
	o.mu.Lock()
	o.snapshots[collection] = snap
	o.mu.Unlock()

	o.logger.Debug("collection snapshot refreshed",
		zap.String("collection", collection),
		zap.Int("row_count", count),
	)
	return snap, nil
}

// Invalidate drops the cached snapshot for a collection. Called after
// writes so the empty-collection fast path cannot go stale.
func (o *Oracle) Invalidate(collection string) {
	o.mu.Lock()
	delete(o.snapshots, collection)
	o.mu.Unlock()
}

// Classify classifies a batch of items as new, duplicate, or conflicting.
//
// Order of authority: the empty-collection fast path, then the ledger,
// then one batched backend lookup for identifiers the ledger has never
// seen. Pending and failed ledger attempts classify as new; the intent
// write arbitrates live pending attempts.
func (o *Oracle) Classify(ctx context.Context, collection string, items []Item) ([]Classified, error) {
	ctx, span := tracer.Start(ctx, "Oracle.Classify")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("item_count", len(items)),
	)

	result := make([]Classified, len(items))
	for i, item := range items {
		result[i] = Classified{Item: item, Class: ClassNew}
	}

	if len(items) == 0 {
		return result, nil
	}

	// Fast path: an empty collection cannot hold duplicates.
	snap, err := o.Snapshot(ctx, collection)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if snap.RowCount == 0 {
		for i := range result {
			result[i].Source = SourceFastPath
		}
		span.SetAttributes(attribute.Bool("fast_path", true))
		span.SetStatus(codes.Ok, "empty collection")
		return result, nil
	}

	ids := make([]string, len(items))
	fingerprints := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.Identifier
		fingerprints[i] = item.Fingerprint
	}

	attempts, err := o.ledger.GetBatch(ctx, collection, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reading attempt log: %w", err)
	}

	committedFPs, err := o.ledger.CommittedByFingerprint(ctx, collection, fingerprints)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reading fingerprint index: %w", err)
	}

	// Identifiers the ledger has never seen go to the backend in one
	// batched lookup.
	var unknown []string
	unknownIdx := make(map[string][]int)

	for i, item := range items {
		if attempt, ok := attempts[item.Identifier]; ok {
			if attempt.State == ledger.StateCommitted {
				if attempt.Fingerprint == item.Fingerprint {
					result[i].Class = ClassDuplicate
				} else {
					result[i].Class = ClassConflicting
					result[i].ExistingFingerprint = attempt.Fingerprint
				}
				result[i].Source = SourceLedger
				continue
			}
			// Pending, failed, or skipped: eligible for a new attempt.
			result[i].Source = SourceLedger
		} else {
			unknown = append(unknown, item.Identifier)
			unknownIdx[item.Identifier] = append(unknownIdx[item.Identifier], i)
		}

		// Content-level conflict: the fingerprint is already committed
		// under another identifier.
		if owner, ok := committedFPs[item.Fingerprint]; ok && owner != item.Identifier {
			result[i].Class = ClassConflicting
			result[i].Source = SourceLedger
			result[i].ExistingIdentifier = owner
		}
	}

	if len(unknown) > 0 {
		stored, err := o.backend.Lookup(ctx, collection, unknown)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("backend lookup: %w", err)
		}

		for _, row := range stored {
			for _, i := range unknownIdx[row.ID] {
				if result[i].Class == ClassConflicting {
					continue
				}
				if row.Fingerprint == items[i].Fingerprint {
					result[i].Class = ClassDuplicate
				} else {
					result[i].Class = ClassConflicting
					result[i].ExistingFingerprint = row.Fingerprint
				}
				result[i].Source = SourceBackend
			}
		}

		// Untouched unknowns stay ClassNew.
		for _, idxs := range unknownIdx {
			for _, i := range idxs {
				if result[i].Source == "" {
					result[i].Source = SourceBackend
				}
			}
		}
	}

	span.SetStatus(codes.Ok, "success")
	return result, nil
}
