package learner

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/corvalane/memex/graph"
	"github.com/corvalane/memex/memstore"
	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "graph.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeGenerator struct {
	response  string
	available bool
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return f.response, nil
}
func (f *fakeGenerator) Available() bool { return f.available }

func TestDetectPreferenceMatchesKnownPhrase(t *testing.T) {
	fact, ok := DetectPreference("I prefer using Rust for systems programming")
	if !ok {
		t.Fatal("expected a preference to be detected")
	}
	if fact.Category != "preference" {
		t.Errorf("expected category 'preference', got %s", fact.Category)
	}
	if fact.Confidence != 0.85 {
		t.Errorf("expected confidence 0.85, got %v", fact.Confidence)
	}
}

func TestDetectPreferenceNoMatch(t *testing.T) {
	if _, ok := DetectPreference("The weather is nice today"); ok {
		t.Error("expected no preference match")
	}
}

func TestAnalyzeMessageSkipsShortMessages(t *testing.T) {
	l := New(DefaultConfig(), nil)
	facts := l.AnalyzeMessage(context.Background(), "hi there")
	if facts != nil {
		t.Errorf("expected nil facts for short message, got %v", facts)
	}
}

func TestAnalyzeMessageSkipsSkipPatterns(t *testing.T) {
	l := New(DefaultConfig(), nil)
	facts := l.AnalyzeMessage(context.Background(), "thanks so much for all of your help today")
	if facts != nil {
		t.Errorf("expected nil facts for skip-pattern message, got %v", facts)
	}
}

func TestAnalyzeMessageDedupesWithinWindow(t *testing.T) {
	l := New(DefaultConfig(), nil)
	msg := "I prefer using Rust for systems programming work"
	first := l.AnalyzeMessage(context.Background(), msg)
	if len(first) == 0 {
		t.Fatal("expected a preference fact on first analysis")
	}
	second := l.AnalyzeMessage(context.Background(), msg)
	if second != nil {
		t.Errorf("expected duplicate message to be skipped, got %v", second)
	}
	if l.Stats().DuplicatesSkipped != 1 {
		t.Errorf("expected 1 duplicate skipped, got %+v", l.Stats())
	}
}

func TestAnalyzeMessageUsesFactGeneratorWhenAvailable(t *testing.T) {
	gen := &fakeGenerator{
		available: true,
		response:  `[{"content": "User deploys with Kubernetes", "category": "technical", "confidence": 0.9}]`,
	}
	l := New(DefaultConfig(), gen)
	facts := l.AnalyzeMessage(context.Background(), "We run all our services on Kubernetes in production")
	found := false
	for _, f := range facts {
		if f.Category == "technical" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an LLM-extracted technical fact, got %v", facts)
	}
}

func TestAnalyzeMessageSkipsFactGeneratorWhenUnavailable(t *testing.T) {
	gen := &fakeGenerator{available: false, response: `[{"content": "x", "category": "technical", "confidence": 0.9}]`}
	l := New(DefaultConfig(), gen)
	facts := l.AnalyzeMessage(context.Background(), "We run all our services on Kubernetes in production")
	for _, f := range facts {
		if f.Category == "technical" {
			t.Errorf("expected no LLM facts while generator unavailable, got %v", facts)
		}
	}
}

func TestStoreFactsPersistsToMemstore(t *testing.T) {
	dir := t.TempDir()
	store, _, err := memstore.Open(filepath.Join(dir, "mem.db"), memstore.DefaultConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	l := New(DefaultConfig(), nil)
	facts := []Fact{{Content: "User likes tabs over spaces", Category: "preference", Confidence: 0.85}}
	stored, err := l.StoreFacts(context.Background(), facts, 42, store, nil)
	if err != nil {
		t.Fatalf("store facts: %v", err)
	}
	if stored != 1 {
		t.Errorf("expected 1 fact stored, got %d", stored)
	}
	count, _ := store.Count()
	if count != 1 {
		t.Errorf("expected 1 memory in store, got %d", count)
	}
}

func TestExtractAndStoreEntitiesWiresIntoGraph(t *testing.T) {
	db := openTestDB(t)
	g, err := graph.Open(db)
	if err != nil {
		t.Fatalf("open graph: %v", err)
	}

	l := New(DefaultConfig(), nil)
	n, err := l.ExtractAndStoreEntities("We migrated AcmeProject to use Kubernetes and Docker", "mem-1", g)
	if err != nil {
		t.Fatalf("extract and store: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one entity extracted")
	}
	stats, err := g.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.EntityCount == 0 {
		t.Errorf("expected entities stored in graph, got %+v", stats)
	}
	if stats.RelationCount == 0 {
		t.Errorf("expected project-uses-technology relations stored in graph, got %+v", stats)
	}
}
