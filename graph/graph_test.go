package graph

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestGraph(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "graph.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := Open(db)
	if err != nil {
		t.Fatalf("open graph: %v", err)
	}
	return s
}

func TestEntityCRUD(t *testing.T) {
	s := newTestGraph(t)
	id1, err := s.AddEntity(TypeTechnology, "Rust", nil)
	if err != nil {
		t.Fatalf("add entity: %v", err)
	}
	if _, err := s.AddEntity(TypeProject, "Velofi", nil); err != nil {
		t.Fatalf("add entity: %v", err)
	}

	entity, found, err := s.FindEntity("Rust")
	if err != nil || !found {
		t.Fatalf("find entity: found=%v err=%v", found, err)
	}
	if entity.ID != id1 {
		t.Errorf("expected %s, got %s", id1, entity.ID)
	}

	techs, err := s.GetByType(TypeTechnology, 10)
	if err != nil {
		t.Fatalf("get by type: %v", err)
	}
	if len(techs) != 1 {
		t.Errorf("expected 1 technology, got %d", len(techs))
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.EntityCount != 2 {
		t.Errorf("expected 2 entities, got %d", stats.EntityCount)
	}
}

func TestDuplicateEntityMerges(t *testing.T) {
	s := newTestGraph(t)
	id1, _ := s.AddEntity(TypeTechnology, "Rust", []byte(`{"year":2010}`))
	id2, _ := s.AddEntity(TypeTechnology, "Rust", []byte(`{"paradigm":"systems"}`))
	if id1 != id2 {
		t.Errorf("expected same id for duplicate entity, got %s vs %s", id1, id2)
	}
	stats, _ := s.Stats()
	if stats.EntityCount != 1 {
		t.Errorf("expected 1 entity after merge, got %d", stats.EntityCount)
	}
}

func TestRelationStrengthensOnReassertion(t *testing.T) {
	s := newTestGraph(t)
	e1, _ := s.AddEntity(TypeProject, "A", nil)
	e2, _ := s.AddEntity(TypeProject, "B", nil)

	s.AddRelation(e1, e2, RelRelatedTo, 1.0)
	s.AddRelation(e1, e2, RelRelatedTo, 1.0)
	s.AddRelation(e1, e2, RelRelatedTo, 1.0)

	stats, _ := s.Stats()
	if stats.RelationCount != 1 {
		t.Errorf("expected relation to strengthen in place, got count=%d", stats.RelationCount)
	}
}

func TestGraphTraversal(t *testing.T) {
	s := newTestGraph(t)
	rust, _ := s.AddEntity(TypeTechnology, "Rust", nil)
	axum, _ := s.AddEntity(TypeTechnology, "Axum", nil)
	tokio, _ := s.AddEntity(TypeTechnology, "Tokio", nil)
	proj, _ := s.AddEntity(TypeProject, "Velofi", nil)

	s.AddRelation(proj, rust, RelUses, 1.0)
	s.AddRelation(proj, axum, RelUses, 0.9)
	s.AddRelation(axum, tokio, RelDependsOn, 1.0)

	results, err := s.Traverse(proj, 2)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(results) < 2 {
		t.Fatalf("expected at least 2 results, got %d", len(results))
	}
	found := false
	for _, r := range results {
		if r.Entity.Name == "Rust" {
			found = true
		}
	}
	if !found {
		t.Error("expected Rust to be reachable from Velofi")
	}
}

func TestTraverseNoRelationsIsEmpty(t *testing.T) {
	s := newTestGraph(t)
	id, _ := s.AddEntity(TypeProject, "Isolated", nil)
	results, err := s.Traverse(id, 2)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results for isolated entity, got %d", len(results))
	}
}

func TestFindNonexistentEntity(t *testing.T) {
	s := newTestGraph(t)
	_, found, err := s.FindEntity("DoesNotExist")
	if err != nil {
		t.Fatalf("find entity: %v", err)
	}
	if found {
		t.Error("expected not found")
	}
}

func TestExtractEntitiesSimple(t *testing.T) {
	text := "We use Rust and TypeScript with Vue for the Velofi project"
	entities := ExtractEntitiesSimple(text)
	names := map[string]bool{}
	for _, e := range entities {
		names[e.Name] = true
	}
	for _, want := range []string{"rust", "typescript", "vue"} {
		if !names[want] {
			t.Errorf("expected extracted entity %q, got %v", want, entities)
		}
	}
}

func TestExtractEntitiesSimpleEmptyText(t *testing.T) {
	if got := ExtractEntitiesSimple(""); len(got) != 0 {
		t.Errorf("expected no entities from empty text, got %v", got)
	}
}

func TestExtractRelationsSimplePairsProjectWithTechnology(t *testing.T) {
	entities := []ExtractedEntity{
		{Type: TypeProject, Name: "Velofi"},
		{Type: TypeTechnology, Name: "rust"},
	}
	relations := ExtractRelationsSimple(entities)
	if len(relations) != 1 {
		t.Fatalf("expected 1 relation, got %v", relations)
	}
	r := relations[0]
	if r.Source != "Velofi" || r.Target != "rust" || r.Relation != RelUses {
		t.Errorf("expected Velofi uses rust, got %+v", r)
	}
}

func TestExtractRelationsSimpleSingleEntityHasNone(t *testing.T) {
	entities := []ExtractedEntity{{Type: TypeProject, Name: "Velofi"}}
	if got := ExtractRelationsSimple(entities); len(got) != 0 {
		t.Errorf("expected no relations from a single entity, got %v", got)
	}
}
