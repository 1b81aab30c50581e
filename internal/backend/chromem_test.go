package backend_test

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/ingestd/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// makeVector creates a deterministic unit vector for a text.
// chromem expects normalized vectors.
func makeVector(text string, size int) []float32 {
	embedding := make([]float32, size)
	hash := 0
	for _, c := range text {
		hash = (hash*31 + int(c)) % 1000
	}
	var sumSq float32
	for i := range embedding {
		embedding[i] = float32((hash+i)%100+1) / 100.0
		sumSq += embedding[i] * embedding[i]
	}
	norm := float32(1.0) / sqrt32(sumSq)
	for i := range embedding {
		embedding[i] *= norm
	}
	return embedding
}

func sqrt32(x float32) float32 {
	z := x / 2
	for i := 0; i < 10; i++ {
		z = (z + x/z) / 2
	}
	return z
}

func makeRow(id, content string) backend.Row {
	return backend.Row{
		ID:          id,
		Fingerprint: "fp_" + id,
		Content:     content,
		Vector:      makeVector(content, 8),
		Metadata:    map[string]interface{}{"source": "test"},
	}
}

func newTestChromemStore(t *testing.T) *backend.ChromemStore {
	t.Helper()

	store, err := backend.NewChromemStore(backend.ChromemConfig{
		Path: t.TempDir(),
	}, zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestChromemStoreRequiresPath(t *testing.T) {
	_, err := backend.NewChromemStore(backend.ChromemConfig{}, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrInvalidConfig)
}

func TestChromemStoreInsertAndLookup(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureCollection(ctx, "docs", 8))

	n, err := store.Insert(ctx, "docs", []backend.Row{
		makeRow("a", "alpha content"),
		makeRow("b", "beta content"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := store.Lookup(ctx, "docs", []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := map[string]backend.StoredRow{}
	for _, row := range rows {
		byID[row.ID] = row
	}
	assert.Equal(t, "fp_a", byID["a"].Fingerprint)
	assert.Equal(t, "fp_b", byID["b"].Fingerprint)
}

func TestChromemStoreRowCount(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()

	// Missing collection counts as empty.
	count, err := store.RowCount(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = store.Insert(ctx, "docs", []backend.Row{makeRow("a", "alpha")})
	require.NoError(t, err)

	count, err = store.RowCount(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChromemStoreLookupMissingCollection(t *testing.T) {
	store := newTestChromemStore(t)

	rows, err := store.Lookup(context.Background(), "nowhere", []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestChromemStoreRejectsEmptyRows(t *testing.T) {
	store := newTestChromemStore(t)

	_, err := store.Insert(context.Background(), "docs", nil)
	assert.ErrorIs(t, err, backend.ErrEmptyRows)
}

func TestChromemStoreRejectsRowWithoutID(t *testing.T) {
	store := newTestChromemStore(t)

	row := makeRow("", "content")
	_, err := store.Insert(context.Background(), "docs", []backend.Row{row})
	require.Error(t, err)
}

func TestChromemStoreRejectsRowWithoutVector(t *testing.T) {
	store := newTestChromemStore(t)

	row := backend.Row{ID: "a", Content: "content"}
	_, err := store.Insert(context.Background(), "docs", []backend.Row{row})
	require.Error(t, err)
}

func TestChromemStoreUpsertOverwrites(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, "docs", []backend.Row{makeRow("a", "first")})
	require.NoError(t, err)

	updated := makeRow("a", "second")
	updated.Fingerprint = "fp_updated"
	_, err = store.Upsert(ctx, "docs", []backend.Row{updated})
	require.NoError(t, err)

	rows, err := store.Lookup(ctx, "docs", []string{"a"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "fp_updated", rows[0].Fingerprint)

	count, err := store.RowCount(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChromemStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := backend.NewChromemStore(backend.ChromemConfig{Path: dir}, zap.NewNop())
	require.NoError(t, err)

	_, err = store.Insert(ctx, "docs", []backend.Row{makeRow("a", "alpha")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := backend.NewChromemStore(backend.ChromemConfig{Path: dir}, zap.NewNop())
	require.NoError(t, err)

	count, err := reopened.RowCount(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
