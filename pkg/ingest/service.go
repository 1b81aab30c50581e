// Package ingest coordinates idempotent writes into a vector store.
//
// The Service is the write path: it assigns stable identifiers,
// classifies each document as new, duplicate, or conflicting against
// the reconciliation ledger and the backend, and performs backend
// writes under per-identifier intent records so a crash mid-batch can
// always be reconciled afterwards.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ingestd/internal/backend"
	"github.com/fyrsmithlabs/ingestd/internal/identity"
	"github.com/fyrsmithlabs/ingestd/internal/ledger"
	"github.com/fyrsmithlabs/ingestd/internal/oracle"
)

var tracer = otel.Tracer("ingestd.ingest")

// Config holds service tunables.
type Config struct {
	// IdentityPolicy selects how identifiers are assigned to documents
	// that arrive without one.
	IdentityPolicy identity.Policy

	// AllowUpsertOnConflict overwrites conflicting rows by default.
	// Per-call Options can override it.
	AllowUpsertOnConflict bool

	// PendingMaxAge is the age after which a pending attempt is treated
	// as abandoned, both for intent takeover and for sweeping.
	PendingMaxAge time.Duration

	// SweepInterval is the cadence of the background sweeper.
	SweepInterval time.Duration

	// BackendTimeout bounds each backend write call.
	BackendTimeout time.Duration

	// MaxConcurrency bounds concurrent backend writes within a batch.
	MaxConcurrency int

	// SnapshotTTL bounds staleness of cached collection row counts.
	SnapshotTTL time.Duration

	// VectorSize is the embedding dimensionality used when creating
	// collections.
	VectorSize int
}

// ApplyDefaults fills in zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.IdentityPolicy == "" {
		c.IdentityPolicy = identity.PolicyContent
	}
	if c.PendingMaxAge == 0 {
		c.PendingMaxAge = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.BackendTimeout == 0 {
		c.BackendTimeout = 30 * time.Second
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 4
	}
	if c.SnapshotTTL == 0 {
		c.SnapshotTTL = 30 * time.Second
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Service is the ingestion coordinator.
type Service struct {
	store    backend.Store
	ledger   *ledger.Store
	oracle   *oracle.Oracle
	assigner *identity.Assigner
	embedder backend.Embedder
	config   Config
	locks    *lockTable
	logger   *zap.Logger
}

// NewService creates an ingestion coordinator. The embedder may be nil,
// in which case every submitted document must carry its own embedding.
func NewService(store backend.Store, ledg *ledger.Store, embedder backend.Embedder, config Config, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if ledg == nil {
		return nil, errors.New("ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	assigner, err := identity.NewAssigner(config.IdentityPolicy, ledg)
	if err != nil {
		return nil, fmt.Errorf("create assigner: %w", err)
	}

	return &Service{
		store:    store,
		ledger:   ledg,
		oracle:   oracle.New(ledg, store, config.SnapshotTTL, logger),
		assigner: assigner,
		embedder: embedder,
		config:   config,
		locks:    newLockTable(),
		logger:   logger,
	}, nil
}

// Submit ingests a batch of documents into collection. Each document is
// fingerprinted, assigned an identifier, and classified before any
// backend write happens; duplicates are skipped without touching the
// backend and conflicts are either rejected or upserted depending on
// the conflict mode. Sibling documents fail independently: the returned
// Report carries a per-document outcome and Submit only returns an
// error when the whole batch could not be processed.
func (s *Service) Submit(ctx context.Context, collection string, docs []Document, opts Options) (*Report, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Service.Submit", trace.WithAttributes(
		attribute.String("collection", collection),
		attribute.Int("batch_size", len(docs)),
	))
	defer span.End()

	if len(docs) == 0 {
		span.SetStatus(codes.Error, ErrEmptyBatch.Error())
		return nil, ErrEmptyBatch
	}
	if err := backend.ValidateCollectionName(collection); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	upsertOnConflict := s.config.AllowUpsertOnConflict
	switch opts.OnConflict {
	case ConflictReject:
		upsertOnConflict = false
	case ConflictUpsert:
		upsertOnConflict = true
	}

	// Work on a copy so embedding fills do not leak into the caller's
	// slice.
	docs = append([]Document(nil), docs...)

	if err := s.store.EnsureCollection(ctx, collection, s.config.VectorSize); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("ensure collection: %w", err)
	}

	if err := s.embedMissing(ctx, docs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Counter-policy identifiers are seeded past the current row count
	// so a fresh ledger never re-issues identifiers already in the
	// backend.
	snap, err := s.oracle.Snapshot(ctx, collection)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("snapshot collection: %w", err)
	}

	reqs := make([]identity.Request, len(docs))
	for i, doc := range docs {
		reqs[i] = identity.Request{Provided: doc.ID, Content: doc.Content}
	}
	assignments, err := s.assigner.AssignBatch(ctx, collection, reqs, int64(snap.RowCount)+1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("assign identifiers: %w", err)
	}

	report := &Report{Collection: collection, Items: make([]ItemResult, len(docs))}
	for i, a := range assignments {
		report.Items[i] = ItemResult{Identifier: a.Identifier, Fingerprint: a.Fingerprint}
	}

	// Collapse repeats within the batch: the first occurrence of an
	// identifier proceeds, later ones are resolved in place.
	firstIdx := make(map[string]int, len(assignments))
	process := make([]int, 0, len(assignments))
	for i, a := range assignments {
		if j, seen := firstIdx[a.Identifier]; seen {
			if assignments[j].Fingerprint == a.Fingerprint {
				report.Items[i].Status = StatusSkipped
			} else {
				report.Items[i].Status = StatusConflict
				report.Items[i].Err = fmt.Errorf("%w: identifier %q appears twice in batch with different content",
					ErrIdentifierConflict, a.Identifier)
			}
			continue
		}
		firstIdx[a.Identifier] = i
		process = append(process, i)
	}

	items := make([]oracle.Item, len(process))
	for k, i := range process {
		items[k] = oracle.Item{
			Identifier:  assignments[i].Identifier,
			Fingerprint: assignments[i].Fingerprint,
		}
	}
	classified, err := s.oracle.Classify(ctx, collection, items)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("classify batch: %w", err)
	}

	type writeItem struct {
		idx    int
		rebind bool
	}
	var writes []writeItem
	for k, c := range classified {
		i := process[k]
		switch c.Class {
		case oracle.ClassDuplicate:
			report.Items[i].Status = StatusSkipped
			// A duplicate the ledger did not know about gets adopted so
			// the next batch resolves it without a backend lookup.
			if c.Source == oracle.SourceBackend {
				if err := s.ledger.Adopt(ctx, collection, c.Identifier, c.Fingerprint); err != nil {
					s.logger.Warn("failed to adopt backend row",
						zap.String("collection", collection),
						zap.String("identifier", c.Identifier),
						zap.Error(err))
				}
			}
		case oracle.ClassConflicting:
			if upsertOnConflict {
				writes = append(writes, writeItem{idx: i, rebind: true})
				continue
			}
			report.Items[i].Status = StatusConflict
			report.Items[i].Err = conflictError(c)
		default:
			writes = append(writes, writeItem{idx: i, rebind: false})
		}
	}

	var wrote atomic.Bool
	if len(writes) > 0 {
		var g errgroup.Group
		g.SetLimit(s.config.MaxConcurrency)
		for _, w := range writes {
			g.Go(func() error {
				s.writeOne(ctx, collection, docs[w.idx], &report.Items[w.idx], w.rebind, &wrote)
				return nil
			})
		}
		_ = g.Wait()
	}
	if wrote.Load() {
		s.oracle.Invalidate(collection)
	}

	report.tally()
	report.Elapsed = time.Since(start)
	observeReport(report)

	span.SetAttributes(
		attribute.Int("inserted", report.Inserted),
		attribute.Int("upserted", report.Upserted),
		attribute.Int("skipped", report.Skipped),
		attribute.Int("conflicts", report.Conflicts),
		attribute.Int("failed", report.Failed),
	)
	span.SetStatus(codes.Ok, "")

	s.logger.Info("batch ingested",
		zap.String("collection", collection),
		zap.Int("batch_size", len(docs)),
		zap.Int("inserted", report.Inserted),
		zap.Int("upserted", report.Upserted),
		zap.Int("skipped", report.Skipped),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.Elapsed))

	return report, nil
}

func conflictError(c oracle.Classified) error {
	if c.ExistingIdentifier != "" {
		return fmt.Errorf("%w: content already committed under identifier %q",
			ErrIdentifierConflict, c.ExistingIdentifier)
	}
	return fmt.Errorf("%w: identifier %q is bound to different content",
		ErrIdentifierConflict, c.Identifier)
}

// writeOne performs the ledger-framed backend write for one document.
// It mutates item in place and never blocks on a busy identifier.
func (s *Service) writeOne(ctx context.Context, collection string, doc Document, item *ItemResult, rebind bool, wrote *atomic.Bool) {
	key := collection + "/" + item.Identifier
	if !s.locks.tryAcquire(key) {
		item.Status = StatusFailed
		item.Err = fmt.Errorf("%w: %s", ErrInFlight, item.Identifier)
		return
	}
	defer s.locks.release(key)

	err := s.ledger.RecordIntent(ctx, collection, item.Identifier, item.Fingerprint, ledger.IntentOptions{
		PendingMaxAge: s.config.PendingMaxAge,
		AllowRebind:   rebind,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrFingerprintMismatch):
			item.Status = StatusConflict
			item.Err = fmt.Errorf("%w: %v", ErrIdentifierConflict, err)
		case errors.Is(err, ledger.ErrWriteConflict):
			item.Status = StatusFailed
			item.Err = fmt.Errorf("%w: %v", ErrInFlight, err)
		default:
			item.Status = StatusFailed
			item.Err = fmt.Errorf("record intent: %w", err)
		}
		return
	}

	row := backend.Row{
		ID:          item.Identifier,
		Fingerprint: item.Fingerprint,
		Content:     doc.Content,
		Vector:      doc.Embedding,
		Metadata:    doc.Metadata,
	}
	wctx, cancel := context.WithTimeout(ctx, s.config.BackendTimeout)
	defer cancel()

	var n int
	var werr error
	if rebind {
		n, werr = s.store.Upsert(wctx, collection, []backend.Row{row})
	} else {
		n, werr = s.store.Insert(wctx, collection, []backend.Row{row})
	}
	if werr != nil {
		if backend.IsTimeoutError(werr) || errors.Is(werr, context.Canceled) {
			// The write may or may not have landed. The attempt stays
			// pending and the sweeper resolves it against the backend.
			item.Status = StatusFailed
			item.Err = fmt.Errorf("%w: %v", ErrBackendTimeout, werr)
			s.logger.Warn("backend write timed out, leaving attempt pending",
				zap.String("collection", collection),
				zap.String("identifier", item.Identifier),
				zap.Error(werr))
			return
		}
		if oerr := s.ledger.RecordOutcome(ctx, collection, item.Identifier, ledger.StateFailed, 0); oerr != nil {
			s.logger.Warn("failed to record failed outcome",
				zap.String("collection", collection),
				zap.String("identifier", item.Identifier),
				zap.Error(oerr))
		}
		item.Status = StatusFailed
		if backend.IsTransientError(werr) {
			item.Err = fmt.Errorf("%w: %v", ErrBackendUnavailable, werr)
		} else {
			item.Err = werr
		}
		return
	}

	if oerr := s.ledger.RecordOutcome(ctx, collection, item.Identifier, ledger.StateCommitted, n); oerr != nil {
		s.logger.Warn("backend write committed but outcome not recorded",
			zap.String("collection", collection),
			zap.String("identifier", item.Identifier),
			zap.Error(oerr))
	}
	wrote.Store(true)
	if rebind {
		item.Status = StatusUpserted
	} else {
		item.Status = StatusInserted
	}
}

func (s *Service) embedMissing(ctx context.Context, docs []Document) error {
	var idxs []int
	var texts []string
	for i, doc := range docs {
		if len(doc.Embedding) == 0 {
			idxs = append(idxs, i)
			texts = append(texts, doc.Content)
		}
	}
	if len(texts) == 0 {
		return nil
	}
	if s.embedder == nil {
		return ErrNoEmbedder
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	for k, i := range idxs {
		docs[i].Embedding = vectors[k]
	}
	return nil
}

// SweepCollection resolves stale pending attempts in one collection by
// asking the backend which writes actually landed. An attempt whose row
// is present with the expected fingerprint becomes committed; anything
// else becomes failed and is eligible for retry.
func (s *Service) SweepCollection(ctx context.Context, collection string) (*SweepReport, error) {
	ctx, span := tracer.Start(ctx, "Service.SweepCollection", trace.WithAttributes(
		attribute.String("collection", collection),
	))
	defer span.End()

	stale, err := s.ledger.StalePending(ctx, collection, s.config.PendingMaxAge)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list stale pending: %w", err)
	}

	rep := &SweepReport{Collection: collection}
	if len(stale) == 0 {
		span.SetStatus(codes.Ok, "")
		return rep, nil
	}

	ids := make([]string, len(stale))
	for i, a := range stale {
		ids[i] = a.Identifier
	}
	stored, err := s.store.Lookup(ctx, collection, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("lookup stale pending rows: %w", err)
	}
	present := make(map[string]string, len(stored))
	for _, r := range stored {
		present[r.ID] = r.Fingerprint
	}

	for _, a := range stale {
		state := ledger.StateFailed
		count := 0
		if fp, ok := present[a.Identifier]; ok && fp == a.Fingerprint {
			state = ledger.StateCommitted
			count = 1
		}
		if err := s.ledger.RecordOutcome(ctx, collection, a.Identifier, state, count); err != nil {
			// Another writer resolved the attempt first.
			s.logger.Debug("stale pending already resolved",
				zap.String("collection", collection),
				zap.String("identifier", a.Identifier),
				zap.Error(err))
			continue
		}
		rep.Resolved++
		if state == ledger.StateCommitted {
			rep.Committed++
		} else {
			rep.Failed++
		}
		SweepResolvedTotal.WithLabelValues(string(state)).Inc()
	}

	if rep.Committed > 0 {
		s.oracle.Invalidate(collection)
	}
	if rep.Resolved > 0 {
		s.logger.Info("swept stale pending attempts",
			zap.String("collection", collection),
			zap.Int("resolved", rep.Resolved),
			zap.Int("committed", rep.Committed),
			zap.Int("failed", rep.Failed))
	}
	span.SetStatus(codes.Ok, "")
	return rep, nil
}

// Sweep resolves stale pending attempts across every collection that
// has any. Per-collection failures are logged and skipped so one
// unreachable collection does not block the rest.
func (s *Service) Sweep(ctx context.Context) ([]SweepReport, error) {
	collections, err := s.ledger.CollectionsWithPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections with pending: %w", err)
	}

	reports := make([]SweepReport, 0, len(collections))
	for _, collection := range collections {
		rep, err := s.SweepCollection(ctx, collection)
		if err != nil {
			s.logger.Warn("sweep failed for collection",
				zap.String("collection", collection),
				zap.Error(err))
			continue
		}
		reports = append(reports, *rep)
	}
	return reports, nil
}

// Status reports ledger attempt counts and the backend row count for a
// collection.
func (s *Service) Status(ctx context.Context, collection string) (*CollectionStatus, error) {
	if err := backend.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	counts, err := s.ledger.CountByState(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	rowCount, err := s.store.RowCount(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("count backend rows: %w", err)
	}
	return &CollectionStatus{
		Collection: collection,
		RowCount:   rowCount,
		Attempts:   counts,
	}, nil
}
