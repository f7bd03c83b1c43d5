package embedsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEmbedParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL))
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("expected 3-dim vector, got %v", vec)
	}
}

func TestEmbedFailureMarksUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL))
	if _, err := c.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on 500 response")
	}
	if c.Available() {
		t.Error("expected client to mark itself unavailable after failure")
	}
}

func TestCheckAvailabilityProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected probe path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL))
	if !c.CheckAvailability(context.Background()) {
		t.Error("expected probe to report available")
	}
}

func TestRerankPassthroughWithoutRerankerModel(t *testing.T) {
	c := New(DefaultConfig("http://unused"))
	candidates := []Candidate{{ID: "a", Text: "one"}, {ID: "b", Text: "two"}}
	out, err := c.Rerank(context.Background(), "query", candidates, 0)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if len(out) != 2 || out[0].ID != "a" || out[0].Score != 1.0 {
		t.Errorf("expected passthrough with score 1.0 in original order, got %v", out)
	}
}

func TestEmbedBatchFallsBackToZeroVectorOnFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1, 2, 3}})
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL))
	out, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed batch: %v", err)
	}
	if len(out[1]) != 3 {
		t.Errorf("expected zero-vector fallback of dim 3, got %v", out[1])
	}
	for _, v := range out[1] {
		if v != 0 {
			t.Errorf("expected zero vector, got %v", out[1])
		}
	}
}
