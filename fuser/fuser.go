// Package fuser implements the hybrid retrieval fusion algorithm: a
// stateless Reciprocal Rank Fusion of a lexical candidate list and a
// vector candidate list, re-weighted by recency and access frequency.
package fuser

import (
	"math"
	"sort"
)

const (
	// RRFK is the RRF rank-damping constant.
	RRFK = 60.0
	// HalfLifeDays is the time-decay half-life in days.
	HalfLifeDays = 30.0
)

// Config holds the fuser's tunable weights. VectorWeight and
// KeywordWeight are retained for API compatibility with an older
// weighted-average scoring path; RRF itself is rank-based and ignores
// both.
type Config struct {
	VectorWeight  float64
	KeywordWeight float64
}

// DefaultConfig returns the fuser's default weights.
func DefaultConfig() Config {
	return Config{VectorWeight: 0.7, KeywordWeight: 0.3}
}

// LexicalHit is one entry of the lexical candidate list, rank 1 = best.
type LexicalHit struct {
	ID    string
	Score float64 // BM25 magnitude, already positive
}

// VectorHit is one entry of the vector candidate list, rank 1 = best
// (highest cosine similarity).
type VectorHit struct {
	ID         string
	Similarity float64
}

// MemoryMeta carries the fields of a memory record needed to compute
// time-decay and access-boost, resolved via the caller's get_by_id.
type MemoryMeta struct {
	ID          string
	AgeDays     float64
	AccessCount int64
}

// Scored is one fused result, carrying both component scores alongside
// the final blended score for downstream explainability.
type Scored struct {
	ID           string
	LexicalScore float64
	VectorScore  float64
	Final        float64
}

// Fuse combines a lexical ranking and a vector ranking into one final
// ranking sorted by descending Final score. resolve must return the
// MemoryMeta for an id that appears only in the vector list (vector-only
// hits are resolved via get_by_id in the caller); an id that cannot be
// resolved is dropped from the output. cfg.VectorWeight/KeywordWeight are
// accepted but unused — kept for config compatibility, RRF does not
// weight ranks.
func Fuse(lexical []LexicalHit, vector []VectorHit, resolve func(id string) (MemoryMeta, bool), _ Config) []Scored {
	type accum struct {
		lexRank, vecRank int // 0 means absent
		lexScore         float64
		vecScore         float64
	}
	byID := make(map[string]*accum)
	order := make([]string, 0, len(lexical)+len(vector))

	for i, h := range lexical {
		a, ok := byID[h.ID]
		if !ok {
			a = &accum{}
			byID[h.ID] = a
			order = append(order, h.ID)
		}
		a.lexRank = i + 1
		a.lexScore = h.Score
	}
	for i, h := range vector {
		a, ok := byID[h.ID]
		if !ok {
			a = &accum{}
			byID[h.ID] = a
			order = append(order, h.ID)
		}
		a.vecRank = i + 1
		a.vecScore = h.Similarity
	}

	out := make([]Scored, 0, len(order))
	for _, id := range order {
		a := byID[id]
		meta, ok := resolve(id)
		if !ok {
			continue
		}
		rrf := 0.0
		if a.lexRank > 0 {
			rrf += 1.0 / (RRFK + float64(a.lexRank))
		}
		if a.vecRank > 0 {
			rrf += 1.0 / (RRFK + float64(a.vecRank))
		}
		timeFactor := math.Pow(0.5, meta.AgeDays/HalfLifeDays)
		accessBoost := 1 + 0.1*math.Log(1+float64(meta.AccessCount))
		final := rrf * timeFactor * accessBoost

		out = append(out, Scored{
			ID:           id,
			LexicalScore: a.lexScore,
			VectorScore:  a.vecScore,
			Final:        final,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Final > out[j].Final })
	return out
}
