package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func intent(t *testing.T, s *Store, collection, id, fp string) {
	t.Helper()
	require.NoError(t, s.RecordIntent(context.Background(), collection, id, fp, IntentOptions{
		PendingMaxAge: time.Minute,
	}))
}

func TestRecordIntentCreatesPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent(t, store, "docs", "doc1", "fp1")

	attempt, err := store.Get(ctx, "docs", "doc1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, attempt.State)
	assert.Equal(t, "fp1", attempt.Fingerprint)
	assert.Equal(t, 0, attempt.BackendCount)
	assert.False(t, attempt.CreatedAt.IsZero())
}

func TestRecordIntentBlocksLivePending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent(t, store, "docs", "doc1", "fp1")

	err := store.RecordIntent(ctx, "docs", "doc1", "fp1", IntentOptions{PendingMaxAge: time.Minute})
	assert.ErrorIs(t, err, ErrWriteConflict)
}

func TestRecordIntentTakesOverStalePending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent(t, store, "docs", "doc1", "fp1")
	time.Sleep(20 * time.Millisecond)

	err := store.RecordIntent(ctx, "docs", "doc1", "fp2", IntentOptions{PendingMaxAge: 10 * time.Millisecond})
	require.NoError(t, err)

	attempt, err := store.Get(ctx, "docs", "doc1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, attempt.State)
	assert.Equal(t, "fp2", attempt.Fingerprint)
}

func TestRecordIntentOverCommitted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent(t, store, "docs", "doc1", "fp1")
	require.NoError(t, store.RecordOutcome(ctx, "docs", "doc1", StateCommitted, 1))

	// Same fingerprint: already done.
	err := store.RecordIntent(ctx, "docs", "doc1", "fp1", IntentOptions{PendingMaxAge: time.Minute})
	assert.ErrorIs(t, err, ErrWriteConflict)

	// Different fingerprint: the identifier is bound to other content.
	err = store.RecordIntent(ctx, "docs", "doc1", "fp2", IntentOptions{PendingMaxAge: time.Minute})
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	// Rebind allowed: re-enter pending with the new fingerprint.
	err = store.RecordIntent(ctx, "docs", "doc1", "fp2", IntentOptions{
		PendingMaxAge: time.Minute,
		AllowRebind:   true,
	})
	require.NoError(t, err)

	attempt, err := store.Get(ctx, "docs", "doc1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, attempt.State)
	assert.Equal(t, "fp2", attempt.Fingerprint)
}

func TestRecordIntentRetriesFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent(t, store, "docs", "doc1", "fp1")
	require.NoError(t, store.RecordOutcome(ctx, "docs", "doc1", StateFailed, 0))

	err := store.RecordIntent(ctx, "docs", "doc1", "fp1", IntentOptions{PendingMaxAge: time.Minute})
	require.NoError(t, err)

	attempt, err := store.Get(ctx, "docs", "doc1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, attempt.State)
}

func TestRecordOutcome(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent(t, store, "docs", "doc1", "fp1")

	require.NoError(t, store.RecordOutcome(ctx, "docs", "doc1", StateCommitted, 1))

	attempt, err := store.Get(ctx, "docs", "doc1")
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, attempt.State)
	assert.Equal(t, 1, attempt.BackendCount)

	// Repeating the same outcome is a no-op.
	require.NoError(t, store.RecordOutcome(ctx, "docs", "doc1", StateCommitted, 1))

	// Crossing terminal states is rejected.
	err = store.RecordOutcome(ctx, "docs", "doc1", StateFailed, 0)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestRecordOutcomeValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.RecordOutcome(ctx, "docs", "ghost", StateCommitted, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	intent(t, store, "docs", "doc1", "fp1")
	err = store.RecordOutcome(ctx, "docs", "doc1", StatePending, 0)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestAdopt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Adopt(ctx, "docs", "doc1", "fp1"))

	attempt, err := store.Get(ctx, "docs", "doc1")
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, attempt.State)

	// Adopting over an existing attempt leaves it untouched.
	require.NoError(t, store.Adopt(ctx, "docs", "doc1", "fp_other"))
	attempt, err = store.Get(ctx, "docs", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "fp1", attempt.Fingerprint)
}

func TestGetBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent(t, store, "docs", "doc1", "fp1")
	intent(t, store, "docs", "doc2", "fp2")
	intent(t, store, "other", "doc3", "fp3")

	batch, err := store.GetBatch(ctx, "docs", []string{"doc1", "doc2", "doc3", "missing"})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "fp1", batch["doc1"].Fingerprint)
	assert.Equal(t, "fp2", batch["doc2"].Fingerprint)

	empty, err := store.GetBatch(ctx, "docs", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCommittedByFingerprint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent(t, store, "docs", "doc1", "fp1")
	require.NoError(t, store.RecordOutcome(ctx, "docs", "doc1", StateCommitted, 1))
	intent(t, store, "docs", "doc2", "fp2") // still pending

	found, err := store.CommittedByFingerprint(ctx, "docs", []string{"fp1", "fp2", "fp3"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "doc1", found["fp1"])
}

func TestStalePending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent(t, store, "docs", "stale", "fp1")
	time.Sleep(20 * time.Millisecond)
	intent(t, store, "docs", "fresh", "fp2")

	stale, err := store.StalePending(ctx, "docs", 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].Identifier)

	// Committed attempts never show up as stale.
	require.NoError(t, store.RecordOutcome(ctx, "docs", "stale", StateCommitted, 1))
	stale, err = store.StalePending(ctx, "", 10*time.Millisecond)
	require.NoError(t, err)
	for _, a := range stale {
		assert.NotEqual(t, "stale", a.Identifier)
	}
}

func TestCollectionsWithPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent(t, store, "alpha", "doc1", "fp1")
	intent(t, store, "beta", "doc2", "fp2")
	require.NoError(t, store.RecordOutcome(ctx, "beta", "doc2", StateFailed, 0))

	collections, err := store.CollectionsWithPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, collections)
}

func TestCountByState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	intent(t, store, "docs", "doc1", "fp1")
	intent(t, store, "docs", "doc2", "fp2")
	require.NoError(t, store.RecordOutcome(ctx, "docs", "doc2", StateCommitted, 1))

	counts, err := store.CountByState(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatePending])
	assert.Equal(t, 1, counts[StateCommitted])
}

func TestReserveIdentifiersSeedsFromFirstCall(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start, err := store.ReserveIdentifiers(ctx, "docs", 3, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), start)

	// Seed only applies on first use.
	start, err = store.ReserveIdentifiers(ctx, "docs", 2, 999)
	require.NoError(t, err)
	assert.Equal(t, int64(103), start)
}

func TestReserveIdentifiersMinimumSeed(t *testing.T) {
	store := newTestStore(t)

	start, err := store.ReserveIdentifiers(context.Background(), "docs", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), start)
}

func TestReserveIdentifiersConcurrentDisjoint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 5

	var mu sync.Mutex
	seen := make(map[int64]bool)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start, err := store.ReserveIdentifiers(ctx, "docs", perWorker, 1)
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			for v := start; v < start+perWorker; v++ {
				assert.False(t, seen[v], "value %d reserved twice", v)
				seen[v] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestReserveIdentifiersRejectsBadSize(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ReserveIdentifiers(context.Background(), "docs", 0, 1)
	require.Error(t, err)
}

func TestStoreReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	intent(t, store, "docs", "doc1", "fp1")
	require.NoError(t, store.Close())

	reopened, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	attempt, err := reopened.Get(ctx, "docs", "doc1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, attempt.State)
}
