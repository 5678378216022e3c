package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// ErrWidthChanged is returned when the model answers with vectors of a
// different width than it produced before. Writing them would leave the vector
// collection with mixed widths.
var ErrWidthChanged = errors.New("embedding width changed")

// OllamaClient embeds pattern content through an Ollama server's batch endpoint.
// Reindexing sends every text of one repair in a single request.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
	width   atomic.Int64
}

// NewOllamaClient creates a client for the server at baseURL, typically
// "http://localhost:11434", embedding with model, e.g. "nomic-embed-text".
func NewOllamaClient(baseURL, model string, timeout time.Duration) *OllamaClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type embedBatchRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedBatchResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Width returns the vector width seen so far, or 0 before the first answer.
func (c *OllamaClient) Width() int {
	return int(c.width.Load())
}

// EmbedOne embeds a single pattern's content.
func (c *OllamaClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	out, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Embed embeds texts in one request. Every returned vector has the same width
// as all vectors this client returned before.
func (c *OllamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedBatchRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed pattern content with %s: %w", c.model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding server answered %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result embedBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding server returned %d vectors for %d texts", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, vec := range result.Embeddings {
		if len(vec) == 0 {
			return nil, fmt.Errorf("embedding server returned an empty vector for text %d", i)
		}
		if err := c.checkWidth(len(vec)); err != nil {
			return nil, err
		}
		out[i] = make([]float32, len(vec))
		for j, v := range vec {
			out[i][j] = float32(v)
		}
	}
	return out, nil
}

func (c *OllamaClient) checkWidth(n int) error {
	if c.width.CompareAndSwap(0, int64(n)) {
		return nil
	}
	if w := c.width.Load(); w != int64(n) {
		return fmt.Errorf("%w: %s produced %d, now %d", ErrWidthChanged, c.model, w, n)
	}
	return nil
}
