package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/backend"
	"github.com/fyrsmithlabs/ingestd/internal/ledger"
)

// fakeLedger is an in-memory LedgerReader.
type fakeLedger struct {
	attempts map[string]*ledger.Attempt // keyed by identifier
}

func (f *fakeLedger) GetBatch(_ context.Context, _ string, ids []string) (map[string]*ledger.Attempt, error) {
	result := make(map[string]*ledger.Attempt)
	for _, id := range ids {
		if a, ok := f.attempts[id]; ok {
			result[id] = a
		}
	}
	return result, nil
}

func (f *fakeLedger) CommittedByFingerprint(_ context.Context, _ string, fps []string) (map[string]string, error) {
	result := make(map[string]string)
	for _, fp := range fps {
		for id, a := range f.attempts {
			if a.State == ledger.StateCommitted && a.Fingerprint == fp {
				result[fp] = id
			}
		}
	}
	return result, nil
}

// fakeBackend is an in-memory Backend that counts calls.
type fakeBackend struct {
	rows        map[string]string // id -> fingerprint
	lookupCalls int
	countCalls  int
}

func (f *fakeBackend) Lookup(_ context.Context, _ string, ids []string) ([]backend.StoredRow, error) {
	f.lookupCalls++
	var found []backend.StoredRow
	for _, id := range ids {
		if fp, ok := f.rows[id]; ok {
			found = append(found, backend.StoredRow{ID: id, Fingerprint: fp})
		}
	}
	return found, nil
}

func (f *fakeBackend) RowCount(_ context.Context, _ string) (int, error) {
	f.countCalls++
	return len(f.rows), nil
}

func newTestOracle(l *fakeLedger, b *fakeBackend) *Oracle {
	return New(l, b, time.Minute, zap.NewNop())
}

func TestClassifyEmptyCollectionFastPath(t *testing.T) {
	fb := &fakeBackend{rows: map[string]string{}}
	o := newTestOracle(&fakeLedger{attempts: map[string]*ledger.Attempt{}}, fb)

	items := []Item{
		{Identifier: "a", Fingerprint: "fp_a"},
		{Identifier: "b", Fingerprint: "fp_b"},
	}

	result, err := o.Classify(context.Background(), "docs", items)
	require.NoError(t, err)

	for _, r := range result {
		assert.Equal(t, ClassNew, r.Class)
		assert.Equal(t, SourceFastPath, r.Source)
	}

	// The fast path never touches per-identifier lookups.
	assert.Equal(t, 0, fb.lookupCalls)
	assert.Equal(t, 1, fb.countCalls)
}

func TestClassifyLedgerDecides(t *testing.T) {
	fl := &fakeLedger{attempts: map[string]*ledger.Attempt{
		"dup":      {Identifier: "dup", Fingerprint: "fp_dup", State: ledger.StateCommitted},
		"conflict": {Identifier: "conflict", Fingerprint: "fp_old", State: ledger.StateCommitted},
		"failed":   {Identifier: "failed", Fingerprint: "fp_failed", State: ledger.StateFailed},
	}}
	fb := &fakeBackend{rows: map[string]string{"dup": "fp_dup"}}
	o := newTestOracle(fl, fb)

	items := []Item{
		{Identifier: "dup", Fingerprint: "fp_dup"},
		{Identifier: "conflict", Fingerprint: "fp_new"},
		{Identifier: "failed", Fingerprint: "fp_failed2"},
	}

	result, err := o.Classify(context.Background(), "docs", items)
	require.NoError(t, err)

	assert.Equal(t, ClassDuplicate, result[0].Class)
	assert.Equal(t, SourceLedger, result[0].Source)

	assert.Equal(t, ClassConflicting, result[1].Class)
	assert.Equal(t, "fp_old", result[1].ExistingFingerprint)

	// A failed attempt is eligible for retry.
	assert.Equal(t, ClassNew, result[2].Class)

	// All identifiers were known to the ledger: no backend lookup.
	assert.Equal(t, 0, fb.lookupCalls)
}

func TestClassifyBackendFallback(t *testing.T) {
	fl := &fakeLedger{attempts: map[string]*ledger.Attempt{}}
	fb := &fakeBackend{rows: map[string]string{
		"present":  "fp_present",
		"mismatch": "fp_other",
	}}
	o := newTestOracle(fl, fb)

	items := []Item{
		{Identifier: "present", Fingerprint: "fp_present"},
		{Identifier: "mismatch", Fingerprint: "fp_mine"},
		{Identifier: "absent", Fingerprint: "fp_absent"},
	}

	result, err := o.Classify(context.Background(), "docs", items)
	require.NoError(t, err)

	assert.Equal(t, ClassDuplicate, result[0].Class)
	assert.Equal(t, SourceBackend, result[0].Source)

	assert.Equal(t, ClassConflicting, result[1].Class)
	assert.Equal(t, "fp_other", result[1].ExistingFingerprint)

	assert.Equal(t, ClassNew, result[2].Class)
	assert.Equal(t, SourceBackend, result[2].Source)

	// One batched lookup for all unknown identifiers.
	assert.Equal(t, 1, fb.lookupCalls)
}

func TestClassifyFingerprintOwnedByOtherIdentifier(t *testing.T) {
	fl := &fakeLedger{attempts: map[string]*ledger.Attempt{
		"owner": {Identifier: "owner", Fingerprint: "fp_shared", State: ledger.StateCommitted},
	}}
	fb := &fakeBackend{rows: map[string]string{"owner": "fp_shared"}}
	o := newTestOracle(fl, fb)

	result, err := o.Classify(context.Background(), "docs", []Item{
		{Identifier: "newcomer", Fingerprint: "fp_shared"},
	})
	require.NoError(t, err)

	assert.Equal(t, ClassConflicting, result[0].Class)
	assert.Equal(t, "owner", result[0].ExistingIdentifier)
}

func TestSnapshotCachingAndInvalidation(t *testing.T) {
	fb := &fakeBackend{rows: map[string]string{"a": "fp_a"}}
	o := newTestOracle(&fakeLedger{attempts: map[string]*ledger.Attempt{}}, fb)
	ctx := context.Background()

	snap, err := o.Snapshot(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RowCount)

	// Cached: no second backend call within the TTL.
	_, err = o.Snapshot(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, fb.countCalls)

	// Invalidation forces a refresh.
	o.Invalidate("docs")
	_, err = o.Snapshot(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 2, fb.countCalls)
}

func TestClassifyEmptyBatch(t *testing.T) {
	o := newTestOracle(&fakeLedger{attempts: map[string]*ledger.Attempt{}}, &fakeBackend{rows: map[string]string{}})

	result, err := o.Classify(context.Background(), "docs", nil)
	require.NoError(t, err)
	assert.Empty(t, result)
}
