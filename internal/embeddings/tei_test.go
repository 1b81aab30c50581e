package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTEITestServer serves a fixed embedding per input.
func newTEITestServer(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)

		var req struct {
			Inputs   interface{} `json:"inputs"`
			Truncate bool        `json:"truncate"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		count := 1
		if inputs, ok := req.Inputs.([]interface{}); ok {
			count = len(inputs)
		}

		vectors := make([][]float32, count)
		for i := range vectors {
			vectors[i] = []float32{0.1, 0.2, 0.3}
		}
		require.NoError(t, json.NewEncoder(w).Encode(vectors))
	}))
}

func TestTEIProviderRequiresBaseURL(t *testing.T) {
	_, err := NewTEIProvider(TEIConfig{})
	require.Error(t, err)
}

func TestTEIProviderEmbedDocuments(t *testing.T) {
	server := newTEITestServer(t)
	defer server.Close()

	provider, err := NewTEIProvider(TEIConfig{BaseURL: server.URL})
	require.NoError(t, err)

	vectors, err := provider.EmbedDocuments(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vectors[0])

	// Dimension is learned from the first response.
	assert.Equal(t, 3, provider.Dimension())
}

func TestTEIProviderEmbedQuery(t *testing.T) {
	server := newTEITestServer(t)
	defer server.Close()

	provider, err := NewTEIProvider(TEIConfig{BaseURL: server.URL})
	require.NoError(t, err)

	vector, err := provider.EmbedQuery(context.Background(), "query")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
}

func TestTEIProviderRejectsEmptyInput(t *testing.T) {
	provider, err := NewTEIProvider(TEIConfig{BaseURL: "http://localhost:1"})
	require.NoError(t, err)

	_, err = provider.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = provider.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestTEIProviderServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	provider, err := NewTEIProvider(TEIConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = provider.EmbedDocuments(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}
