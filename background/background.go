// Package background implements the idle-time maintenance jobs run by
// the lifecycle manager while the store is asleep: embedding backfill,
// similar-memory consolidation, and stale-memory cleanup. Cadence and
// thresholds are adapted from the reference implementation's
// BackgroundProcessor; the run loop itself follows this codebase's
// ticker idiom.
package background

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvalane/memex/memstore"
)

// Task identifies one of the processor's maintenance jobs.
type Task string

const (
	TaskConsolidation      Task = "consolidation"
	TaskEmbeddingBackfill  Task = "embedding_backfill"
	TaskStaleCleanup       Task = "stale_cleanup"
	TaskContradictionCheck Task = "contradiction_check"
)

// Config holds the processor's cadence and thresholds.
type Config struct {
	Enabled                 bool
	ConsolidationInterval   time.Duration
	BackfillInterval        time.Duration
	CleanupInterval         time.Duration
	ConsolidationBatchSize  int
	BackfillBatchSize       int
	StaleAgeDays            int64
	StaleMinAccessCount     int64
	ConsolidationSimilarity float64
}

// DefaultConfig mirrors the reference defaults: backfill every 60s in
// batches of 50, consolidation every 5 minutes over the 20 most recent
// memories at cosine similarity >= 0.85, stale cleanup hourly for
// memories older than 90 days with fewer than 2 accesses.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		ConsolidationInterval:   5 * time.Minute,
		BackfillInterval:        60 * time.Second,
		CleanupInterval:         time.Hour,
		ConsolidationBatchSize:  20,
		BackfillBatchSize:       50,
		StaleAgeDays:            90,
		StaleMinAccessCount:     2,
		ConsolidationSimilarity: 0.85,
	}
}

// Stats are the processor's monotonic counters.
type Stats struct {
	ConsolidationsRun    uint64
	MemoriesConsolidated uint64
	BackfillsRun         uint64
	EmbeddingsGenerated  uint64
	CleanupsRun          uint64
	MemoriesRemoved      uint64
	ContradictionsFound  uint64
}

// Embedder is the subset of embedcache/embedsvc a Processor needs:
// compute a vector for text, and report whether the backing service is
// reachable at all (consolidation skips its LLM summary step when not).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Available() bool
}

// Summarizer produces a short consolidated memory from a set of related
// contents. It is typically the same text-generation client used for
// reranking.
type Summarizer interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Processor runs the three maintenance jobs against a memstore.Store on
// a cadence, tracking per-task last-run times and cumulative stats.
//
// TODO(contradiction-check): needs a pairwise fact-comparison pass over
// same-category memories via the text-generation service before
// TaskContradictionCheck can be scheduled; stats.contradictionsFound
// stays at zero until then.
type Processor struct {
	cfg    Config
	store  *memstore.Store
	embed  Embedder
	gen    Summarizer

	stats atomicStats

	mu       sync.Mutex
	lastRuns map[Task]int64
}

type atomicStats struct {
	consolidationsRun    atomic.Uint64
	memoriesConsolidated atomic.Uint64
	backfillsRun         atomic.Uint64
	embeddingsGenerated  atomic.Uint64
	cleanupsRun          atomic.Uint64
	memoriesRemoved      atomic.Uint64
	contradictionsFound  atomic.Uint64
}

// New creates a Processor. gen may be nil, in which case consolidation
// never runs (there is nothing to summarize candidate pairs with).
func New(cfg Config, store *memstore.Store, embed Embedder, gen Summarizer) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    store,
		embed:    embed,
		gen:      gen,
		lastRuns: make(map[Task]int64),
	}
}

// Stats returns a snapshot of the processor's counters.
func (p *Processor) Stats() Stats {
	return Stats{
		ConsolidationsRun:    p.stats.consolidationsRun.Load(),
		MemoriesConsolidated: p.stats.memoriesConsolidated.Load(),
		BackfillsRun:         p.stats.backfillsRun.Load(),
		EmbeddingsGenerated:  p.stats.embeddingsGenerated.Load(),
		CleanupsRun:          p.stats.cleanupsRun.Load(),
		MemoriesRemoved:      p.stats.memoriesRemoved.Load(),
		ContradictionsFound:  p.stats.contradictionsFound.Load(),
	}
}

// RunOnce checks each task's interval against now and runs every due
// task, most frequent first (backfill, consolidation, cleanup),
// matching the reference implementation's ordering. It is
// meant to be called from the lifecycle manager's Sleep-state tick.
func (p *Processor) RunOnce(ctx context.Context) ([]Task, error) {
	if !p.cfg.Enabled {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().Unix()
	var ran []Task

	if now-p.lastRuns[TaskEmbeddingBackfill] >= int64(p.cfg.BackfillInterval.Seconds()) {
		count, err := p.runEmbeddingBackfill(ctx)
		if err != nil {
			return ran, fmt.Errorf("background: backfill: %w", err)
		}
		p.lastRuns[TaskEmbeddingBackfill] = now
		p.stats.backfillsRun.Add(1)
		p.stats.embeddingsGenerated.Add(uint64(count))
		if count > 0 {
			ran = append(ran, TaskEmbeddingBackfill)
		}
	}

	if now-p.lastRuns[TaskConsolidation] >= int64(p.cfg.ConsolidationInterval.Seconds()) {
		count, err := p.runConsolidation(ctx)
		if err != nil {
			return ran, fmt.Errorf("background: consolidation: %w", err)
		}
		p.lastRuns[TaskConsolidation] = now
		p.stats.consolidationsRun.Add(1)
		p.stats.memoriesConsolidated.Add(uint64(count))
		if count > 0 {
			ran = append(ran, TaskConsolidation)
		}
	}

	if now-p.lastRuns[TaskStaleCleanup] >= int64(p.cfg.CleanupInterval.Seconds()) {
		count, err := p.runStaleCleanup()
		if err != nil {
			return ran, fmt.Errorf("background: cleanup: %w", err)
		}
		p.lastRuns[TaskStaleCleanup] = now
		p.stats.cleanupsRun.Add(1)
		p.stats.memoriesRemoved.Add(uint64(count))
		if count > 0 {
			ran = append(ran, TaskStaleCleanup)
		}
	}

	return ran, nil
}

// runEmbeddingBackfill embeds every memory missing a vector, up to the
// configured batch size, then persists each one.
func (p *Processor) runEmbeddingBackfill(ctx context.Context) (int, error) {
	if p.embed == nil {
		return 0, nil
	}
	memories, err := p.store.NeedsEmbeddings(p.cfg.BackfillBatchSize)
	if err != nil {
		return 0, err
	}
	if len(memories) == 0 {
		return 0, nil
	}

	count := 0
	for _, m := range memories {
		vec, err := p.embed.Embed(ctx, m.Content)
		if err != nil {
			log.Printf("[WARN] background: backfill embed failed for %s: %v", shortID(m.ID), err)
			continue
		}
		if err := p.store.StoreEmbedding(m.ID, vec); err != nil {
			log.Printf("[WARN] background: backfill store failed for %s: %v", shortID(m.ID), err)
			continue
		}
		count++
	}
	if count > 0 {
		log.Printf("[OK] background: backfilled %d embeddings", count)
	}
	return count, nil
}

// runConsolidation looks for similar-enough pairs among the most recent
// memories, grouped by category, and asks the summarizer to merge each
// pair into a new consolidated memory. Originals are kept, matching the
// reference implementation's "kept for safety" choice.
func (p *Processor) runConsolidation(ctx context.Context) (int, error) {
	if p.gen == nil || p.embed == nil || !p.embed.Available() {
		return 0, nil
	}

	candidates, err := p.store.GetRecent(p.cfg.ConsolidationBatchSize)
	if err != nil {
		return 0, err
	}
	if len(candidates) < 2 {
		return 0, nil
	}

	byCategory := make(map[string][]memstore.Memory)
	for _, m := range candidates {
		byCategory[m.Category] = append(byCategory[m.Category], m)
	}

	consolidated := 0
	for category, memories := range byCategory {
		if len(memories) < 2 {
			continue
		}
		for i := 0; i < len(memories); i++ {
			embI, okI, err := p.store.GetEmbedding(memories[i].ID)
			if err != nil || !okI {
				continue
			}
			for j := i + 1; j < len(memories); j++ {
				embJ, okJ, err := p.store.GetEmbedding(memories[j].ID)
				if err != nil || !okJ {
					continue
				}
				if cosineSimilarity(embI, embJ) < p.cfg.ConsolidationSimilarity {
					continue
				}
				prompt := fmt.Sprintf(
					"Summarize these two related memories into one concise memory:\n1. %s\n2. %s",
					memories[i].Content, memories[j].Content,
				)
				summary, err := p.gen.Generate(ctx, prompt)
				if err != nil || summary == "" {
					continue
				}
				if _, err := p.store.Learn(ctx, summary, category, "consolidation", 0.9, nil); err != nil {
					log.Printf("[WARN] background: consolidation store failed: %v", err)
					continue
				}
				consolidated++
			}
		}
	}
	if consolidated > 0 {
		log.Printf("[OK] background: consolidated %d memory pairs", consolidated)
	}
	return consolidated, nil
}

// runStaleCleanup forgets memories older than StaleAgeDays with fewer
// than StaleMinAccessCount accesses. It scans the 1000 most recent
// memories, matching the reference implementation's bound.
func (p *Processor) runStaleCleanup() (int, error) {
	cutoff := time.Now().Unix() - p.cfg.StaleAgeDays*86400

	recent, err := p.store.GetRecent(1000)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, m := range recent {
		if m.CreatedAt < cutoff && m.AccessCount < p.cfg.StaleMinAccessCount {
			ok, err := p.store.Forget(m.ID)
			if err != nil {
				log.Printf("[WARN] background: cleanup forget failed for %s: %v", shortID(m.ID), err)
				continue
			}
			if ok {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Printf("[DEL] background: cleaned up %d stale memories", removed)
	}
	return removed, nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
