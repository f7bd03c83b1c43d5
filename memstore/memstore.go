// Package memstore implements the durable memory store: a content-addressed
// key/record store backed by SQLite, with a write-through FTS5 lexical
// index and an in-process HNSW vector index.
package memstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/corvalane/memex/fuser"
	"github.com/corvalane/memex/memstore/hnsw"
	_ "github.com/mattn/go-sqlite3"
)

// MaxContentBytes is the size limit on a memory's content.
const MaxContentBytes = 4096

// Config holds the store's tunable parameters.
type Config struct {
	// CandidateMultiplier widens the per-list candidate pull ahead of
	// fusion, e.g. k=5 with multiplier 4 pulls 20 lexical + 20 vector
	// candidates before fusing down to 5.
	CandidateMultiplier int
	HNSW                hnsw.Config
}

// DefaultConfig returns the store's default tunables.
func DefaultConfig() Config {
	return Config{CandidateMultiplier: 4, HNSW: hnsw.DefaultConfig()}
}

// EmbedFunc computes an embedding for a piece of text. Implementations
// should honour ctx cancellation; a non-nil error is treated as a
// non-fatal failure by Learn (the memory is still stored without a
// vector).
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Memory is one stored record.
type Memory struct {
	ID           string
	Content      string
	Category     string
	Source       string
	Confidence   float64
	CreatedAt    int64
	LastAccessed int64
	AccessCount  int64
	EmbeddingDim int
	HasEmbedding bool
}

// LexicalResult pairs a memory with its BM25 magnitude (positive, higher
// is better).
type LexicalResult struct {
	Memory Memory
	Score  float64
}

// VectorResult pairs an id with its cosine similarity to the query.
type VectorResult struct {
	ID         string
	Similarity float64
}

// ScoredMemory is one hybrid search result: the memory plus its
// component and fused scores.
type ScoredMemory struct {
	Memory       Memory
	LexicalScore float64
	VectorScore  float64
	Final        float64
}

// RebuildStats reports what happened when the in-memory HNSW index was
// rebuilt from the durable store at open time.
type RebuildStats struct {
	Indexed                  int
	SkippedDimensionMismatch int
}

// Store is the durable, content-addressed memory store. All mutating
// operations serialise on an exclusive write lock; readers take a shared
// lock. The HNSW index has its own independent lock, held only for
// insert/search, per the contract that a memory becomes vector-searchable
// only once both its BLOB write and HNSW insertion have completed.
type Store struct {
	mu sync.RWMutex

	db     *sql.DB
	index  *hnsw.Index
	cfg    Config
	closed bool

	dim       int
	deletions int
}

// Open creates the schema if absent and rebuilds the in-memory HNSW index
// from every stored non-null embedding.
func Open(dbPath string, cfg Config) (*Store, RebuildStats, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, RebuildStats{}, fmt.Errorf("memstore: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, RebuildStats{}, fmt.Errorf("memstore: ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, RebuildStats{}, fmt.Errorf("memstore: wal mode: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, RebuildStats{}, fmt.Errorf("memstore: init schema: %w", err)
	}

	stats, err := s.rebuildIndex()
	if err != nil {
		db.Close()
		return nil, RebuildStats{}, fmt.Errorf("memstore: rebuild index: %w", err)
	}

	log.Printf("[OK] memstore: opened %s (indexed=%d skipped=%d)", dbPath, stats.Indexed, stats.SkippedDimensionMismatch)
	return s, stats, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			category TEXT DEFAULT 'fact',
			source TEXT DEFAULT 'manual',
			confidence REAL DEFAULT 0.5,
			embedding BLOB,
			embedding_dim INTEGER,
			created_at INTEGER DEFAULT (strftime('%s','now')),
			last_accessed INTEGER DEFAULT (strftime('%s','now')),
			access_count INTEGER DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}
	addColumnSafe(s.db, "memories", "embedding_dim", "INTEGER")

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(id UNINDEXED, content)`); err != nil {
		log.Printf("[WARN] memstore: FTS init failed: %v", err)
	}
	return nil
}

// addColumnSafe adds a column to a table if it doesn't already exist,
// tolerating a failed ALTER (e.g. the column was added concurrently).
func addColumnSafe(db *sql.DB, table, column, colType string) {
	var count int
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?", table), column).Scan(&count)
	if err == nil && count > 0 {
		return
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, colType)); err != nil {
		log.Printf("[WARN] memstore: migration add column %s.%s: %v", table, column, err)
	}
}

func (s *Store) rebuildIndex() (RebuildStats, error) {
	rows, err := s.db.Query(`SELECT id, embedding FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return RebuildStats{}, err
	}
	defer rows.Close()

	var src []struct {
		ID     string
		Vector []float32
	}
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		src = append(src, struct {
			ID     string
			Vector []float32
		}{id, deserializeVector(blob)})
	}

	idx, stats := hnsw.Rebuild(s.cfg.HNSW, src)
	s.index = idx
	s.dim = idx.Dim()
	return RebuildStats{Indexed: stats.Indexed, SkippedDimensionMismatch: stats.SkippedDimensionMismatch}, nil
}

// hashContent derives the deterministic 128-bit memory id from content.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

// Learn upserts a memory. If embed is non-nil and the memory has no
// stored embedding yet, the embedding is computed (which may suspend on
// ctx) and persisted; embedding failures are logged and non-fatal — the
// memory remains stored without a vector.
func (s *Store) Learn(ctx context.Context, content, category, source string, confidence float64, embed EmbedFunc) (string, error) {
	if len(content) > MaxContentBytes {
		return "", ErrContentTooLarge
	}
	id := hashContent(content)

	hadEmbedding, err := s.upsert(id, content, category, source, confidence)
	if err != nil {
		return "", err
	}

	if embed != nil && !hadEmbedding {
		vec, err := embed(ctx, content)
		if err != nil {
			log.Printf("[WARN] memstore: embed failed for %s: %v", shortID(id), err)
			return id, nil
		}
		if err := s.StoreEmbedding(id, vec); err != nil {
			log.Printf("[WARN] memstore: store embedding failed for %s: %v", shortID(id), err)
		}
	}
	return id, nil
}

func (s *Store) upsert(id, content, category, source string, confidence float64) (hadEmbedding bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	var existingDim sql.NullInt64
	err = s.db.QueryRow(`SELECT embedding_dim FROM memories WHERE id = ?`, id).Scan(&existingDim)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(`
			INSERT INTO memories (id, content, category, source, confidence, created_at, last_accessed, access_count)
			VALUES (?, ?, ?, ?, ?, strftime('%s','now'), strftime('%s','now'), 0)
		`, id, content, category, source, confidence)
		if err != nil {
			return false, fmt.Errorf("memstore: insert: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("memstore: lookup: %w", err)
	default:
		_, err = s.db.Exec(`
			UPDATE memories SET confidence = MAX(confidence, ?), access_count = access_count + 1, last_accessed = strftime('%s','now')
			WHERE id = ?
		`, confidence, id)
		if err != nil {
			return false, fmt.Errorf("memstore: update: %w", err)
		}
		hadEmbedding = existingDim.Valid && existingDim.Int64 > 0
	}

	s.db.Exec(`INSERT OR REPLACE INTO memories_fts(id, content) VALUES (?, ?)`, id, content)
	return hadEmbedding, nil
}

// StoreEmbedding writes the persistent BLOB and inserts into HNSW. The
// store-wide dimension is fixed by the first embedding ever written;
// mismatched vectors are refused, not silently stored.
func (s *Store) StoreEmbedding(id string, vec []float32) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.dim == 0 {
		s.dim = len(vec)
	}
	if len(vec) != s.dim {
		s.mu.Unlock()
		return ErrDimensionMismatch
	}
	blob := serializeVector(vec)
	_, err := s.db.Exec(`UPDATE memories SET embedding = ?, embedding_dim = ? WHERE id = ?`, blob, len(vec), id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("memstore: persist embedding: %w", err)
	}

	if err := s.index.Add(id, vec); err != nil {
		return fmt.Errorf("memstore: index insert: %w", err)
	}
	return nil
}

// GetEmbedding returns the stored vector for id, or (nil, false) if the
// memory has no embedding yet. Used by background consolidation to score
// candidate pairs without going through HNSW.
func (s *Store) GetEmbedding(id string) ([]float32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	var blob []byte
	err := s.db.QueryRow(`SELECT embedding FROM memories WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if blob == nil {
		return nil, false, nil
	}
	return deserializeVector(blob), true, nil
}

// NeedsEmbeddings returns up to batch memories with a null embedding, for
// backfill.
func (s *Store) NeedsEmbeddings(batch int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(`SELECT id, content, category, source, confidence, created_at, last_accessed, access_count FROM memories WHERE embedding IS NULL LIMIT ?`, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchLexical runs BM25 retrieval over content. sqlite's bm25() returns
// negative scores where more negative is a better match; callers receive
// positive magnitudes, ordered descending by quality.
func (s *Store) SearchLexical(query string, k int) ([]LexicalResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	q := ftsQuery(query)
	rows, err := s.db.Query(`
		SELECT m.id, m.content, m.category, m.source, m.confidence, m.created_at, m.last_accessed, m.access_count, bm25(memories_fts) AS score
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.id
		WHERE memories_fts MATCH ?
		ORDER BY score ASC
		LIMIT ?
	`, q, k)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("memstore: lexical search: %w", err)
	}
	defer rows.Close()

	var out []LexicalResult
	var ids []string
	for rows.Next() {
		var m Memory
		var rawScore float64
		var created, lastAccessed int64
		if err := rows.Scan(&m.ID, &m.Content, &m.Category, &m.Source, &m.Confidence, &created, &lastAccessed, &m.AccessCount, &rawScore); err != nil {
			continue
		}
		m.CreatedAt, m.LastAccessed = created, lastAccessed
		out = append(out, LexicalResult{Memory: m, Score: math.Abs(rawScore)})
		ids = append(ids, m.ID)
	}
	s.recordAccess(ids)
	return out, nil
}

// ftsQuery turns free text into an FTS5 MATCH expression, quoting each
// word so punctuation inside the query cannot break the syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(strings.ToLower(query))
	for i, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		fields[i] = `"` + f + `"`
	}
	return strings.Join(fields, " OR ")
}

// SearchVector runs approximate k-NN via HNSW, falling back to an exact
// brute-force scan when the index is empty. A query whose dimension
// disagrees with the index returns an empty result and is logged.
func (s *Store) SearchVector(vector []float32, k int) ([]VectorResult, error) {
	s.mu.RLock()
	idx := s.index
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	if idx.Count() == 0 {
		return s.bruteForceSearch(vector, k)
	}
	hits := idx.Search(vector, k)
	out := make([]VectorResult, len(hits))
	for i, h := range hits {
		out[i] = VectorResult{ID: h.ID, Similarity: h.Similarity}
	}
	s.recordAccess(idsOf(out))
	return out, nil
}

func idsOf(vr []VectorResult) []string {
	ids := make([]string, len(vr))
	for i, v := range vr {
		ids[i] = v.ID
	}
	return ids
}

// bruteForceSearch scans every stored embedding directly, used when the
// HNSW index holds no vectors.
func (s *Store) bruteForceSearch(vector []float32, k int) ([]VectorResult, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`SELECT id, embedding FROM memories WHERE embedding IS NOT NULL`)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VectorResult
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		vec := deserializeVector(blob)
		if len(vec) != len(vector) {
			continue
		}
		out = append(out, VectorResult{ID: id, Similarity: cosineSimilarity(vector, vec)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// FindSimilar is the top-k helper for callers that already hold a
// candidate set: it returns the k candidates with the highest
// Similarity, in descending order. query is not consulted; the
// candidates' Similarity values are used as given.
func FindSimilar(query []float32, candidates []VectorResult, k int) []VectorResult {
	sorted := make([]VectorResult, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Similarity > sorted[j].Similarity })
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// GetByID looks up a memory by id.
func (s *Store) GetByID(id string) (Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Memory{}, ErrClosed
	}
	return s.getByIDLocked(id)
}

func (s *Store) getByIDLocked(id string) (Memory, error) {
	row := s.db.QueryRow(`SELECT id, content, category, source, confidence, created_at, last_accessed, access_count, embedding_dim FROM memories WHERE id = ?`, id)
	var m Memory
	var dim sql.NullInt64
	if err := row.Scan(&m.ID, &m.Content, &m.Category, &m.Source, &m.Confidence, &m.CreatedAt, &m.LastAccessed, &m.AccessCount, &dim); err != nil {
		if err == sql.ErrNoRows {
			return Memory{}, ErrNotFound
		}
		return Memory{}, err
	}
	if dim.Valid {
		m.EmbeddingDim = int(dim.Int64)
		m.HasEmbedding = dim.Int64 > 0
	}
	return m, nil
}

// GetByCategory returns up to limit memories of a category, newest first.
func (s *Store) GetByCategory(category string, limit int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(`SELECT id, content, category, source, confidence, created_at, last_accessed, access_count FROM memories WHERE category = ? ORDER BY created_at DESC LIMIT ?`, category, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetRecent returns the most recently created memories, newest first.
func (s *Store) GetRecent(limit int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(`SELECT id, content, category, source, confidence, created_at, last_accessed, access_count FROM memories ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

// Forget deletes a memory from the durable store and its lexical index.
// The HNSW entry is left in place (HNSW supports no true delete; this is
// an approximate index per the non-exact-NN non-goal). Deletions are
// counted; once they exceed 10% of the index size, each further Forget
// logs that the index is stale. The index is rebuilt only by the next
// Open.
func (s *Store) Forget(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	res, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return false, nil
	}
	s.db.Exec(`DELETE FROM memories_fts WHERE id = ?`, id)

	s.deletions++
	count := s.index.Count()
	if count > 0 && s.deletions > count/10 {
		log.Printf("[RELOAD] memstore: %d deletions since last rebuild, index is now stale pending next open()", s.deletions)
	}
	return true, nil
}

// Stats summarises the store's content.
type Stats struct {
	TotalMemories   int
	WithEmbeddings  int
	ByCategory      map[string]int
	EmbeddingDim    int
	HNSWIndexedSize int
}

// Stats reports counts by category and embedding coverage.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, ErrClosed
	}
	var stats Stats
	stats.ByCategory = make(map[string]int)
	stats.EmbeddingDim = s.dim
	stats.HNSWIndexedSize = s.index.Count()

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&stats.TotalMemories); err != nil {
		return stats, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE embedding IS NOT NULL`).Scan(&stats.WithEmbeddings); err != nil {
		return stats, err
	}
	rows, err := s.db.Query(`SELECT category, COUNT(*) FROM memories GROUP BY category`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err == nil {
			stats.ByCategory[cat] = n
		}
	}
	return stats, nil
}

// EmbeddingStats reports the proportion of memories with a usable vector.
type EmbeddingStats struct {
	Total       int
	Embedded    int
	PendingFlag int
}

// EmbeddingStats reports how many memories still need backfill.
func (s *Store) EmbeddingStats() (EmbeddingStats, error) {
	stats, err := s.Stats()
	if err != nil {
		return EmbeddingStats{}, err
	}
	return EmbeddingStats{
		Total:       stats.TotalMemories,
		Embedded:    stats.WithEmbeddings,
		PendingFlag: stats.TotalMemories - stats.WithEmbeddings,
	}, nil
}

// DB returns the underlying database handle so collaborators (the graph
// store) can share one SQLite file instead of opening a second
// connection to it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Count returns the total number of stored memories.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) recordAccess(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, id := range ids {
		s.db.Exec(`UPDATE memories SET access_count = access_count + 1, last_accessed = strftime('%s','now') WHERE id = ?`, id)
	}
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.Content, &m.Category, &m.Source, &m.Confidence, &m.CreatedAt, &m.LastAccessed, &m.AccessCount); err != nil {
			log.Printf("[WARN] memstore: dropped corrupt row: %v", err)
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func serializeVector(v []float32) []byte {
	result := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		result[i*4] = byte(bits)
		result[i*4+1] = byte(bits >> 8)
		result[i*4+2] = byte(bits >> 16)
		result[i*4+3] = byte(bits >> 24)
	}
	return result
}

func deserializeVector(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	result := make([]float32, len(b)/4)
	for i := 0; i < len(result); i++ {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := 0; i < len(a) && i < len(b); i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / math.Sqrt(normA*normB)
}

// SearchHybrid fuses lexical and vector retrieval via Reciprocal Rank
// Fusion with time-decay and access-count boosting. queryVec may be nil,
// in which case only the lexical list contributes. keywordWeight is
// accepted for API compatibility but ignored by RRF.
func (s *Store) SearchHybrid(query string, queryVec []float32, k int, keywordWeight float64) ([]ScoredMemory, error) {
	pull := k * s.cfg.CandidateMultiplier
	if pull < k {
		pull = k
	}

	lex, err := s.SearchLexical(query, pull)
	if err != nil {
		return nil, err
	}
	lexHits := make([]fuser.LexicalHit, len(lex))
	memByID := make(map[string]Memory, len(lex))
	for i, l := range lex {
		lexHits[i] = fuser.LexicalHit{ID: l.Memory.ID, Score: l.Score}
		memByID[l.Memory.ID] = l.Memory
	}

	var vecHits []fuser.VectorHit
	if queryVec != nil {
		vec, err := s.SearchVector(queryVec, pull)
		if err != nil {
			return nil, err
		}
		vecHits = make([]fuser.VectorHit, len(vec))
		for i, v := range vec {
			vecHits[i] = fuser.VectorHit{ID: v.ID, Similarity: v.Similarity}
		}
	}

	now := nowUnix()
	resolve := func(id string) (fuser.MemoryMeta, bool) {
		m, ok := memByID[id]
		if !ok {
			got, err := s.getByIDCached(id)
			if err != nil {
				return fuser.MemoryMeta{}, false
			}
			m = got
			memByID[id] = m
		}
		ageDays := float64(now-m.CreatedAt) / 86400.0
		if ageDays < 0 {
			ageDays = 0
		}
		return fuser.MemoryMeta{ID: id, AgeDays: ageDays, AccessCount: m.AccessCount}, true
	}

	fused := fuser.Fuse(lexHits, vecHits, resolve, fuser.Config{KeywordWeight: keywordWeight, VectorWeight: 1 - keywordWeight})
	if len(fused) > k {
		fused = fused[:k]
	}

	out := make([]ScoredMemory, 0, len(fused))
	for _, f := range fused {
		m, ok := memByID[f.ID]
		if !ok {
			continue
		}
		out = append(out, ScoredMemory{Memory: m, LexicalScore: f.LexicalScore, VectorScore: f.VectorScore, Final: f.Final})
	}
	return out, nil
}

func (s *Store) getByIDCached(id string) (Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Memory{}, ErrClosed
	}
	return s.getByIDLocked(id)
}

func nowUnix() int64 {
	return time.Now().Unix()
}
