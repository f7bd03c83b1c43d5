// Package graph implements the knowledge-graph layer colocated with the
// memory store: entities, weighted relations between them, and the
// many-to-many link table recording which memories mention which
// entities.
package graph

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Entity types, the open set of values expected in Entity.Type.
const (
	TypeProject    = "project"
	TypePerson     = "person"
	TypeTechnology = "technology"
	TypePreference = "preference"
	TypeConcept    = "concept"
	TypeDecision   = "decision"
	TypeFile       = "file"
)

// Relation types, the open set of values expected in Relation.Type.
const (
	RelWorksOn   = "works_on"
	RelPrefers   = "prefers"
	RelKnows     = "knows"
	RelUses      = "uses"
	RelRelatedTo = "related_to"
	RelDependsOn = "depends_on"
	RelCreatedBy = "created_by"
	RelContains  = "contains"
)

// Entity is one node of the knowledge graph.
type Entity struct {
	ID         string
	Type       string
	Name       string
	Attributes json.RawMessage
	CreatedAt  int64
}

// Relation is a weighted, typed, temporally-scoped edge between two
// entities.
type Relation struct {
	ID            string
	SourceID      string
	TargetID      string
	Type          string
	Weight        float64
	ValidFrom     int64
	ValidUntil    sql.NullInt64
	EvidenceCount int64
}

// ExtractedEntity is a candidate entity surfaced by pattern-based or
// LLM-based extraction, prior to being persisted.
type ExtractedEntity struct {
	Type       string
	Name       string
	Attributes json.RawMessage
}

// ExtractedRelation is a candidate relation surfaced alongside extracted
// entities, referencing them by name.
type ExtractedRelation struct {
	Source   string
	Target   string
	Relation string
}

// SearchResult is one hop of a graph traversal: the entity reached, its
// decayed score, the path of entity ids taken to reach it, and the
// relations traversed along that path.
type SearchResult struct {
	Entity    Entity
	Score     float64
	Path      []string
	Relations []Relation
}

// Stats summarises the graph's size.
type Stats struct {
	EntityCount   int
	RelationCount int
	ByType        map[string]int
}

// Store is the graph layer, sharing one SQLite database file with the
// memory store.
type Store struct {
	db *sql.DB
}

// Open creates the graph schema (if absent) in an existing SQLite
// database connection.
func Open(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("graph: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			name TEXT NOT NULL,
			attributes TEXT DEFAULT '{}',
			created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			UNIQUE(entity_type, name)
		)
	`)
	if err != nil {
		return err
	}
	s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type)`)
	s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name)`)

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS relations (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			target_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			relation_type TEXT NOT NULL,
			weight REAL DEFAULT 1.0,
			valid_from INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			valid_until INTEGER,
			evidence_count INTEGER DEFAULT 1,
			UNIQUE(source_id, target_id, relation_type)
		)
	`)
	if err != nil {
		return err
	}
	s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id)`)
	s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id)`)
	s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_relations_type ON relations(relation_type)`)

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entity_memories (
			entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			memory_id TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			PRIMARY KEY (entity_id, memory_id)
		)
	`)
	if err != nil {
		return err
	}
	// sqlite3 driver requires foreign_keys pragma enabled per-connection
	// for ON DELETE CASCADE to take effect.
	s.db.Exec(`PRAGMA foreign_keys = ON`)
	return nil
}

func entityID(entityType, name string) string {
	h := sha256.New()
	h.Write([]byte(entityType))
	h.Write([]byte(":"))
	h.Write([]byte(strings.ToLower(name)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func relationID(sourceID, targetID, relationType string) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte("->"))
	h.Write([]byte(targetID))
	h.Write([]byte(":"))
	h.Write([]byte(relationType))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// AddEntity upserts an entity. On conflict (same type, same
// case-insensitive name) the new attributes are deep-merged into the
// existing ones via json_patch.
func (s *Store) AddEntity(entityType, name string, attributes json.RawMessage) (string, error) {
	id := entityID(entityType, name)
	attrs := attributes
	if len(attrs) == 0 {
		attrs = json.RawMessage("{}")
	}
	_, err := s.db.Exec(`
		INSERT INTO entities (id, entity_type, name, attributes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attributes = json_patch(entities.attributes, excluded.attributes)
	`, id, entityType, name, string(attrs))
	if err != nil {
		return "", fmt.Errorf("graph: add entity: %w", err)
	}
	log.Printf("[GRAPH] entity upserted: %s (%s: %s)", shortID(id), entityType, name)
	return id, nil
}

// AddRelation upserts a relation. On conflict the weight strengthens by
// +0.1 clamped to 2.0 and evidence_count increments.
func (s *Store) AddRelation(sourceID, targetID, relationType string, weight float64) (string, error) {
	if weight == 0 {
		weight = 1.0
	}
	id := relationID(sourceID, targetID, relationType)
	_, err := s.db.Exec(`
		INSERT INTO relations (id, source_id, target_id, relation_type, weight)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation_type) DO UPDATE SET
			weight = MIN(relations.weight + 0.1, 2.0),
			evidence_count = relations.evidence_count + 1
	`, id, sourceID, targetID, relationType, weight)
	if err != nil {
		return "", fmt.Errorf("graph: add relation: %w", err)
	}
	log.Printf("[GRAPH] relation upserted: %s -> %s (%s)", shortID(sourceID), shortID(targetID), relationType)
	return id, nil
}

// LinkToMemory records that a memory mentions an entity. Idempotent.
func (s *Store) LinkToMemory(entityID, memoryID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO entity_memories (entity_id, memory_id) VALUES (?, ?)`, entityID, memoryID)
	if err != nil {
		return fmt.Errorf("graph: link to memory: %w", err)
	}
	return nil
}

// FindEntity looks up an entity by name: exact case-insensitive match
// first, then a substring LIKE fallback.
func (s *Store) FindEntity(name string) (Entity, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, entity_type, name, attributes, created_at
		FROM entities
		WHERE lower(name) = ? OR name LIKE ?
		ORDER BY CASE WHEN lower(name) = ? THEN 0 ELSE 1 END
		LIMIT 1
	`, strings.ToLower(name), "%"+name+"%", strings.ToLower(name))
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, fmt.Errorf("graph: find entity: %w", err)
	}
	return e, true, nil
}

// GetByType returns up to limit entities of a type, newest first.
func (s *Store) GetByType(entityType string, limit int) ([]Entity, error) {
	rows, err := s.db.Query(`
		SELECT id, entity_type, name, attributes, created_at
		FROM entities WHERE entity_type = ? ORDER BY created_at DESC LIMIT ?
	`, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("graph: get by type: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		var attrs string
		if err := rows.Scan(&e.ID, &e.Type, &e.Name, &attrs, &e.CreatedAt); err != nil {
			continue
		}
		e.Attributes = json.RawMessage(attrs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Traverse performs a breadth-first expansion from entityID through
// valid relations, 1 or 2 hops. Self-loops are filtered. The visited set
// prevents cycles. Second-hop scores decay by the product of both hop
// weights times 0.5. Results are sorted by descending score.
func (s *Store) Traverse(entityID string, maxHops int) ([]SearchResult, error) {
	visited := map[string]bool{entityID: true}
	var results []SearchResult

	firstHop, err := s.getRelated(entityID)
	if err != nil {
		return nil, err
	}
	for _, fh := range firstHop {
		if visited[fh.entity.ID] {
			continue
		}
		visited[fh.entity.ID] = true
		results = append(results, SearchResult{
			Entity:    fh.entity,
			Score:     fh.relation.Weight,
			Path:      []string{entityID, fh.entity.ID},
			Relations: []Relation{fh.relation},
		})

		if maxHops >= 2 {
			secondHop, err := s.getRelated(fh.entity.ID)
			if err != nil {
				return nil, err
			}
			for _, sh := range secondHop {
				if visited[sh.entity.ID] {
					continue
				}
				visited[sh.entity.ID] = true
				results = append(results, SearchResult{
					Entity:    sh.entity,
					Score:     fh.relation.Weight * sh.relation.Weight * 0.5,
					Path:      []string{entityID, fh.entity.ID, sh.entity.ID},
					Relations: []Relation{fh.relation, sh.relation},
				})
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

type relatedPair struct {
	entity   Entity
	relation Relation
}

// getRelated returns entities directly connected to entityID through a
// currently-valid relation in either direction, excluding self-loops,
// ordered by descending weight, capped at 20.
func (s *Store) getRelated(entityID string) ([]relatedPair, error) {
	rows, err := s.db.Query(`
		SELECT e.id, e.entity_type, e.name, e.attributes, e.created_at,
		       r.id, r.source_id, r.target_id, r.relation_type, r.weight,
		       r.valid_from, r.valid_until, r.evidence_count
		FROM relations r
		JOIN entities e ON (r.target_id = e.id OR r.source_id = e.id)
		WHERE (r.source_id = ? OR r.target_id = ?)
		  AND e.id != ?
		  AND (r.valid_until IS NULL OR r.valid_until > strftime('%s','now'))
		ORDER BY r.weight DESC
		LIMIT 20
	`, entityID, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("graph: get related: %w", err)
	}
	defer rows.Close()

	var out []relatedPair
	for rows.Next() {
		var e Entity
		var r Relation
		var attrs string
		if err := rows.Scan(&e.ID, &e.Type, &e.Name, &attrs, &e.CreatedAt,
			&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Weight,
			&r.ValidFrom, &r.ValidUntil, &r.EvidenceCount); err != nil {
			continue
		}
		e.Attributes = json.RawMessage(attrs)
		out = append(out, relatedPair{entity: e, relation: r})
	}
	return out, rows.Err()
}

var techKeywords = []string{
	"rust", "go", "golang", "typescript", "javascript", "python", "vue", "react",
	"axum", "tokio", "postgresql", "redis", "sqlite", "docker", "kubernetes",
	"wasm", "grpc",
}

var projectNameRe = regexp.MustCompile(`\b([A-Z][a-z]+(?:[A-Z][a-z]+)*)\b`)

// ExtractEntitiesSimple is a pattern-based fallback entity extractor used
// when the LLM extractor is unavailable: it matches a static list of
// technology keywords and a CamelCase project-name regex.
func ExtractEntitiesSimple(text string) []ExtractedEntity {
	var entities []ExtractedEntity
	lower := strings.ToLower(text)

	for _, tech := range techKeywords {
		if strings.Contains(lower, tech) {
			entities = append(entities, ExtractedEntity{Type: TypeTechnology, Name: tech})
		}
	}

	isTech := make(map[string]bool, len(techKeywords))
	for _, t := range techKeywords {
		isTech[t] = true
	}
	for _, m := range projectNameRe.FindAllString(text, -1) {
		if len(m) > 2 && !isTech[strings.ToLower(m)] {
			entities = append(entities, ExtractedEntity{Type: TypeProject, Name: m})
		}
	}
	return entities
}

// ExtractRelationsSimple is a pattern-based fallback relation extractor,
// the relation-side counterpart to ExtractEntitiesSimple: with no LLM
// relation extractor in this codebase, it infers relations from
// co-occurrence within the same message instead of leaving the relation
// side of extraction unimplemented. Every technology entity is related
// "uses" to every project entity found alongside it (the project is
// read as the subject using the technology); remaining project-project
// and technology-technology pairs are related "related_to". Results
// only ever name entities also present in entities, so StoreExtracted's
// resolve-by-name step always finds both endpoints.
func ExtractRelationsSimple(entities []ExtractedEntity) []ExtractedRelation {
	if len(entities) < 2 {
		return nil
	}

	var projects, techs []ExtractedEntity
	for _, e := range entities {
		switch e.Type {
		case TypeProject:
			projects = append(projects, e)
		case TypeTechnology:
			techs = append(techs, e)
		}
	}

	var relations []ExtractedRelation
	for _, p := range projects {
		for _, t := range techs {
			relations = append(relations, ExtractedRelation{Source: p.Name, Target: t.Name, Relation: RelUses})
		}
	}
	for i := 0; i < len(projects); i++ {
		for j := i + 1; j < len(projects); j++ {
			relations = append(relations, ExtractedRelation{Source: projects[i].Name, Target: projects[j].Name, Relation: RelRelatedTo})
		}
	}
	for i := 0; i < len(techs); i++ {
		for j := i + 1; j < len(techs); j++ {
			relations = append(relations, ExtractedRelation{Source: techs[i].Name, Target: techs[j].Name, Relation: RelRelatedTo})
		}
	}
	return relations
}

// StoreExtracted persists extracted entities (linked to memoryID) and any
// extracted relations whose source and target both resolve to one of the
// just-stored entities.
func (s *Store) StoreExtracted(memoryID string, entities []ExtractedEntity, relations []ExtractedRelation) error {
	entityIDs := make(map[string]string, len(entities))
	for _, e := range entities {
		id, err := s.AddEntity(e.Type, e.Name, e.Attributes)
		if err != nil {
			return err
		}
		if err := s.LinkToMemory(id, memoryID); err != nil {
			return err
		}
		entityIDs[strings.ToLower(e.Name)] = id
	}

	for _, r := range relations {
		src, okSrc := entityIDs[strings.ToLower(r.Source)]
		tgt, okTgt := entityIDs[strings.ToLower(r.Target)]
		if !okSrc || !okTgt {
			continue
		}
		if _, err := s.AddRelation(src, tgt, r.Relation, 0); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports entity/relation counts, overall and by entity type.
func (s *Store) Stats() (Stats, error) {
	var stats Stats
	stats.ByType = make(map[string]int)

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entities`).Scan(&stats.EntityCount); err != nil {
		return stats, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM relations`).Scan(&stats.RelationCount); err != nil {
		return stats, err
	}
	rows, err := s.db.Query(`SELECT entity_type, COUNT(*) FROM entities GROUP BY entity_type`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err == nil {
			stats.ByType[t] = n
		}
	}
	return stats, nil
}

func scanEntity(row *sql.Row) (Entity, error) {
	var e Entity
	var attrs string
	if err := row.Scan(&e.ID, &e.Type, &e.Name, &attrs, &e.CreatedAt); err != nil {
		return Entity{}, err
	}
	e.Attributes = json.RawMessage(attrs)
	return e, nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
