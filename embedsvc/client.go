// Package embedsvc provides hand-rolled HTTP clients for the two
// external collaborators this module treats as services: an embedding
// endpoint and a text-generation endpoint (also used for consolidation
// summaries and optional reranking). No SDK is used for either — a plain
// net/http client matches the pattern this codebase already uses to talk
// to a local model server.
package embedsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Config configures a Client's endpoint and timeouts.
type Config struct {
	BaseURL         string
	EmbeddingModel  string
	TextGenModel    string
	RerankerModel   string // empty disables reranking
	EmbedTimeout    time.Duration
	GenerateTimeout time.Duration
	ProbeTimeout    time.Duration
}

// DefaultConfig returns the client's default timeouts: 30s for
// embedding, 60s for generation, 2s for availability probes.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		EmbeddingModel:  "nomic-embed-text",
		TextGenModel:    "llama3",
		EmbedTimeout:    30 * time.Second,
		GenerateTimeout: 60 * time.Second,
		ProbeTimeout:    2 * time.Second,
	}
}

// Client talks to the embedding/text-generation service over HTTP and
// tracks its last-known availability.
type Client struct {
	cfg       Config
	http      *http.Client
	available atomic.Bool
}

// New creates a client. Availability starts optimistic (true) until the
// first failed call or explicit CheckAvailability flips it.
func New(cfg Config) *Client {
	c := &Client{cfg: cfg, http: &http.Client{}}
	c.available.Store(true)
	return c
}

// Available reports whether the service was reachable as of the last
// call or probe.
func (c *Client) Available() bool {
	return c.available.Load()
}

// CheckAvailability probes GET /api/tags with a short timeout and
// updates the availability flag.
func (c *Client) CheckAvailability(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		c.available.Store(false)
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.available.Store(false)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode < 400
	c.available.Store(ok)
	return ok
}

// Embed computes an embedding via POST /api/embeddings. Always hits the
// network (no cache) — callers wanting deduplication go through
// embedcache.Cache.Embed and pass this as the uncached fallback.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.EmbedTimeout)
	defer cancel()

	reqBody := map[string]string{"model": c.cfg.EmbeddingModel, "prompt": text}
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.post(ctx, "/api/embeddings", reqBody, &resp); err != nil {
		c.available.Store(false)
		return nil, fmt.Errorf("embedsvc: embed: %w", err)
	}
	return resp.Embedding, nil
}

// EmbedBatch embeds each text independently; a per-item failure falls
// back to a zero vector of the same dimension as the first successful
// embedding rather than failing the whole batch.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	dim := 0
	for i, t := range texts {
		vec, err := c.Embed(ctx, t)
		if err != nil {
			out[i] = nil
			continue
		}
		if dim == 0 {
			dim = len(vec)
		}
		out[i] = vec
	}
	for i, vec := range out {
		if vec == nil && dim > 0 {
			out[i] = make([]float32, dim)
		}
	}
	return out, nil
}

// Generate requests a text completion via POST /api/generate, used for
// consolidation summaries.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
	defer cancel()

	reqBody := map[string]interface{}{"model": c.cfg.TextGenModel, "prompt": prompt, "stream": false}
	var resp struct {
		Response string `json:"response"`
	}
	if err := c.post(ctx, "/api/generate", reqBody, &resp); err != nil {
		c.available.Store(false)
		return "", fmt.Errorf("embedsvc: generate: %w", err)
	}
	return resp.Response, nil
}

// Candidate is one item offered to Rerank.
type Candidate struct {
	ID    string
	Text  string
	Score float64
}

// Rerank runs an optional cross-encoder pass over candidates via the
// text-generation service. When no reranker model is configured this is
// a no-op passthrough: every candidate keeps score 1.0 in its original
// order.
func (c *Client) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Candidate, error) {
	if c.cfg.RerankerModel == "" {
		out := make([]Candidate, len(candidates))
		for i, cand := range candidates {
			cand.Score = 1.0
			out[i] = cand
		}
		if topK > 0 && topK < len(out) {
			out = out[:topK]
		}
		return out, nil
	}

	out := make([]Candidate, 0, len(candidates))
	for _, cand := range candidates {
		prompt := fmt.Sprintf("Query: %s\nCandidate: %s\nRelevance score 0-1:", query, cand.Text)
		ctx2, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
		reqBody := map[string]interface{}{"model": c.cfg.RerankerModel, "prompt": prompt, "stream": false}
		var resp struct {
			Response string `json:"response"`
		}
		err := c.post(ctx2, "/api/generate", reqBody, &resp)
		cancel()
		if err != nil {
			cand.Score = 0.5 // neutral fallback on a failed reranker call
		} else {
			cand.Score = parseScore(resp.Response)
		}
		out = append(out, cand)
	}
	if topK > 0 && topK < len(out) {
		out = out[:topK]
	}
	return out, nil
}

func parseScore(s string) float64 {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0.5
	}
	if f < 0 || f > 1 {
		return 0.5
	}
	return f
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, respBody)
}
