package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultHashDimensions is the vector width used by HashClient when none is given.
const DefaultHashDimensions = 256

// HashClient produces deterministic bag-of-words embeddings by feature hashing.
// It needs no model server, so it backs offline runs and tests.
type HashClient struct {
	dims int
}

// NewHashClient creates a hashing embedder with the given width.
func NewHashClient(dims int) *HashClient {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashClient{dims: dims}
}

// EmbedOne returns the L2-normalized hashed term vector of text.
func (c *HashClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, c.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int(sum>>1)%c.dims] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Constant direction for empty input; chromem rejects zero vectors.
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// Embed embeds each text in turn.
func (c *HashClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := c.EmbedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out[i] = emb
	}
	return out, nil
}
