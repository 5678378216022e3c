package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ollamaServer answers /api/embed with vectors built by vec for each input.
func ollamaServer(t *testing.T, vec func(i int, text string) []float64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	calls := &atomic.Int64{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/embed", r.URL.Path)

		var req embedBatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embedBatchResponse{}
		for i, text := range req.Input {
			resp.Embeddings = append(resp.Embeddings, vec(i, text))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server, calls
}

func TestOllamaClientEmbedOne(t *testing.T) {
	server, _ := ollamaServer(t, func(i int, text string) []float64 { return []float64{0.1, 0.2, 0.3} })

	client := NewOllamaClient(server.URL+"/", "nomic-embed-text", time.Second)
	embedding, err := client.EmbedOne(context.Background(), "test text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, embedding)
	assert.Equal(t, 3, client.Width())
}

func TestOllamaClientEmbedBatch(t *testing.T) {
	server, calls := ollamaServer(t, func(i int, text string) []float64 { return []float64{float64(i + 1), 0} })

	client := NewOllamaClient(server.URL, "m", time.Second)
	out, err := client.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, float32(1), out[0][0])
	assert.Equal(t, float32(2), out[1][0])
	assert.Equal(t, int64(1), calls.Load(), "one request per batch")

	out, err = client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, int64(1), calls.Load())
}

func TestOllamaClientRejectsWidthChange(t *testing.T) {
	var width atomic.Int64
	width.Store(3)
	server, _ := ollamaServer(t, func(i int, text string) []float64 { return make([]float64, width.Load()) })
	client := NewOllamaClient(server.URL, "m", time.Second)

	_, err := client.EmbedOne(context.Background(), "x")
	require.NoError(t, err)

	width.Store(4)
	_, err = client.EmbedOne(context.Background(), "x")
	assert.ErrorIs(t, err, ErrWidthChanged)
	assert.Equal(t, 3, client.Width())
}

func TestOllamaClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("model not loaded"))
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, "m", time.Second)
	_, err := client.EmbedOne(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestOllamaClientShortAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedBatchResponse{})
	}))
	defer server.Close()

	_, err := NewOllamaClient(server.URL, "m", time.Second).EmbedOne(context.Background(), "x")
	assert.Error(t, err)

	server2, _ := ollamaServer(t, func(i int, text string) []float64 { return nil })
	_, err = NewOllamaClient(server2.URL, "m", time.Second).EmbedOne(context.Background(), "x")
	assert.Error(t, err)
}

func TestHashClientDeterministicAndNormalized(t *testing.T) {
	c := NewHashClient(64)
	ctx := context.Background()

	a, err := c.EmbedOne(ctx, "Use SQLite for the ledger")
	require.NoError(t, err)
	b, err := c.EmbedOne(ctx, "use sqlite for THE ledger")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashClientEmptyText(t *testing.T) {
	v, err := NewHashClient(0).EmbedOne(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, v, DefaultHashDimensions)
	assert.Equal(t, float32(1), v[0])
}

func TestHashClientCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashClient(8).EmbedOne(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
