package background

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvalane/memex/memstore"
)

type fakeEmbedder struct {
	vec       []float32
	available bool
	calls     int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return f.vec, nil
}

func (f *fakeEmbedder) Available() bool { return f.available }

type fakeSummarizer struct {
	response string
	calls    int
}

func (f *fakeSummarizer) Generate(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return f.response, nil
}

func newTestStore(t *testing.T) *memstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, _, err := memstore.Open(filepath.Join(dir, "mem.db"), memstore.DefaultConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunOnceBackfillsMissingEmbeddings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Learn(ctx, "needs an embedding", "note", "test", 0.5, nil); err != nil {
		t.Fatalf("learn: %v", err)
	}

	embed := &fakeEmbedder{vec: []float32{1, 2, 3}, available: true}
	cfg := DefaultConfig()
	cfg.BackfillInterval = 0
	cfg.ConsolidationInterval = time.Hour
	cfg.CleanupInterval = time.Hour
	p := New(cfg, store, embed, nil)

	ran, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	found := false
	for _, task := range ran {
		if task == TaskEmbeddingBackfill {
			found = true
		}
	}
	if !found {
		t.Errorf("expected embedding backfill to run, ran=%v", ran)
	}
	if p.Stats().EmbeddingsGenerated != 1 {
		t.Errorf("expected 1 embedding generated, got %+v", p.Stats())
	}

	needs, err := store.NeedsEmbeddings(10)
	if err != nil {
		t.Fatalf("needs embeddings: %v", err)
	}
	if len(needs) != 0 {
		t.Errorf("expected no memories still needing embeddings, got %d", len(needs))
	}
}

func TestRunOnceConsolidatesSimilarPairsAndKeepsOriginals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	vec := []float32{1, 0, 0}
	id1, err := store.Learn(ctx, "I like tea", "preference", "test", 0.5, nil)
	if err != nil {
		t.Fatalf("learn: %v", err)
	}
	id2, err := store.Learn(ctx, "I enjoy tea very much", "preference", "test", 0.5, nil)
	if err != nil {
		t.Fatalf("learn: %v", err)
	}
	if err := store.StoreEmbedding(id1, vec); err != nil {
		t.Fatalf("store embedding: %v", err)
	}
	if err := store.StoreEmbedding(id2, vec); err != nil {
		t.Fatalf("store embedding: %v", err)
	}

	countBefore, err := store.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}

	embed := &fakeEmbedder{vec: vec, available: true}
	gen := &fakeSummarizer{response: "Likes tea"}
	cfg := DefaultConfig()
	cfg.BackfillInterval = time.Hour
	cfg.ConsolidationInterval = 0
	cfg.CleanupInterval = time.Hour
	p := New(cfg, store, embed, gen)

	ran, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	found := false
	for _, task := range ran {
		if task == TaskConsolidation {
			found = true
		}
	}
	if !found {
		t.Errorf("expected consolidation to run, ran=%v", ran)
	}
	if gen.calls != 1 {
		t.Errorf("expected summarizer called once, got %d", gen.calls)
	}

	countAfter, err := store.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if countAfter != countBefore+1 {
		t.Errorf("expected originals kept plus one consolidated memory, before=%d after=%d", countBefore, countAfter)
	}
}

func TestRunOnceConsolidationSkippedWhenEmbedderUnavailable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	embed := &fakeEmbedder{vec: []float32{1}, available: false}
	gen := &fakeSummarizer{response: "x"}
	cfg := DefaultConfig()
	cfg.BackfillInterval = time.Hour
	cfg.ConsolidationInterval = 0
	cfg.CleanupInterval = time.Hour
	p := New(cfg, store, embed, gen)

	if _, err := p.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if gen.calls != 0 {
		t.Errorf("expected summarizer not called while embedder unavailable")
	}
}

func TestRunOnceCleansUpStaleMemories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Learn(ctx, "ancient note", "note", "test", 0.5, nil); err != nil {
		t.Fatalf("learn: %v", err)
	}

	cfg := DefaultConfig()
	cfg.BackfillInterval = time.Hour
	cfg.ConsolidationInterval = time.Hour
	cfg.CleanupInterval = 0
	cfg.StaleAgeDays = -1 // treat every memory as older than the cutoff, without sleeping past a wall-clock second
	p := New(cfg, store, nil, nil)

	ran, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	found := false
	for _, task := range ran {
		if task == TaskStaleCleanup {
			found = true
		}
	}
	if !found {
		t.Errorf("expected stale cleanup to run, ran=%v", ran)
	}
	if p.Stats().MemoriesRemoved != 1 {
		t.Errorf("expected 1 memory removed, got %+v", p.Stats())
	}
}

func TestRunOnceDisabledConfigDoesNothing(t *testing.T) {
	store := newTestStore(t)
	cfg := DefaultConfig()
	cfg.Enabled = false
	p := New(cfg, store, nil, nil)

	ran, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if ran != nil {
		t.Errorf("expected no tasks to run when disabled, got %v", ran)
	}
}
