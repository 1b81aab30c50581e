package identity

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	fp1 := Fingerprint("some document content")
	fp2 := Fingerprint("some document content")
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)

	assert.NotEqual(t, fp1, Fingerprint("other content"))
}

func TestFingerprintNormalization(t *testing.T) {
	// CRLF folds to LF.
	assert.Equal(t, Fingerprint("line one\nline two"), Fingerprint("line one\r\nline two"))

	// Trailing whitespace is ignored.
	assert.Equal(t, Fingerprint("content"), Fingerprint("content  \n\t\n"))

	// Leading and interior whitespace is significant.
	assert.NotEqual(t, Fingerprint("content"), Fingerprint("  content"))
	assert.NotEqual(t, Fingerprint("a b"), Fingerprint("a  b"))
}

func TestContentID(t *testing.T) {
	fp := Fingerprint("content")
	id := ContentID(fp)
	assert.Len(t, id, 32)
	assert.Equal(t, fp[:32], id)

	// Same content, same identifier.
	assert.Equal(t, id, ContentID(Fingerprint("content")))

	// Short inputs pass through.
	assert.Equal(t, "abc", ContentID("abc"))
}

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"content", "counter", "external"} {
		policy, err := ParsePolicy(name)
		require.NoError(t, err)
		assert.Equal(t, Policy(name), policy)
	}

	_, err := ParsePolicy("random")
	require.Error(t, err)
}

// fakeCounter reserves values from an in-memory counter.
type fakeCounter struct {
	next  int64
	calls int
}

func (f *fakeCounter) ReserveIdentifiers(_ context.Context, _ string, n int, seed int64) (int64, error) {
	f.calls++
	if f.next == 0 {
		f.next = seed
	}
	start := f.next
	f.next += int64(n)
	return start, nil
}

func TestAssignBatchContentPolicy(t *testing.T) {
	assigner, err := NewAssigner(PolicyContent, nil)
	require.NoError(t, err)

	reqs := []Request{
		{Content: "first"},
		{Content: "second", Provided: "explicit_id"},
		{Content: "first"},
	}

	assignments, err := assigner.AssignBatch(context.Background(), "docs", reqs, 1)
	require.NoError(t, err)
	require.Len(t, assignments, 3)

	assert.Equal(t, ContentID(Fingerprint("first")), assignments[0].Identifier)
	assert.Equal(t, "explicit_id", assignments[1].Identifier)
	// Identical content yields identical identifiers.
	assert.Equal(t, assignments[0].Identifier, assignments[2].Identifier)
	assert.Equal(t, assignments[0].Fingerprint, assignments[2].Fingerprint)
}

func TestAssignBatchCounterPolicy(t *testing.T) {
	counter := &fakeCounter{}
	assigner, err := NewAssigner(PolicyCounter, counter)
	require.NoError(t, err)

	reqs := []Request{
		{Content: "first"},
		{Content: "second", Provided: "explicit_id"},
		{Content: "third"},
	}

	assignments, err := assigner.AssignBatch(context.Background(), "docs", reqs, 10)
	require.NoError(t, err)

	assert.Equal(t, "10", assignments[0].Identifier)
	assert.Equal(t, "explicit_id", assignments[1].Identifier)
	assert.Equal(t, "11", assignments[2].Identifier)

	// One reservation per batch, sized to the missing identifiers.
	assert.Equal(t, 1, counter.calls)
}

func TestAssignBatchCounterMonotonic(t *testing.T) {
	counter := &fakeCounter{}
	assigner, err := NewAssigner(PolicyCounter, counter)
	require.NoError(t, err)

	var last int64
	for batch := 0; batch < 3; batch++ {
		assignments, err := assigner.AssignBatch(context.Background(), "docs",
			[]Request{{Content: "a"}, {Content: "b"}}, 1)
		require.NoError(t, err)

		for _, a := range assignments {
			v, err := strconv.ParseInt(a.Identifier, 10, 64)
			require.NoError(t, err)
			assert.Greater(t, v, last)
			last = v
		}
	}
}

func TestAssignBatchExternalPolicy(t *testing.T) {
	assigner, err := NewAssigner(PolicyExternal, nil)
	require.NoError(t, err)

	assignments, err := assigner.AssignBatch(context.Background(), "docs",
		[]Request{{Content: "a", Provided: "id_a"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, "id_a", assignments[0].Identifier)

	_, err = assigner.AssignBatch(context.Background(), "docs",
		[]Request{{Content: "a"}}, 1)
	assert.ErrorIs(t, err, ErrMissingIdentifier)
}

func TestNewAssignerCounterRequiresSource(t *testing.T) {
	_, err := NewAssigner(PolicyCounter, nil)
	require.Error(t, err)
}
