// Package learner implements autonomous extraction of durable facts,
// preferences, and entities from ordinary conversation text — no
// explicit "remember this" command required. Extraction runs two
// independent paths: an LLM-structured fact pass and a deterministic
// preference-phrase detector, adapted from the reference
// implementation's AutonomousLearner.
package learner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvalane/memex/graph"
	"github.com/corvalane/memex/memstore"
)

// Config controls what the learner extracts and how aggressively.
type Config struct {
	MinConfidence       float64
	AutoExtractFacts    bool
	AutoExtractEntities bool
	LearnPreferences    bool
	MinMessageLength    int
	SkipPatterns        []string
}

// DefaultConfig mirrors the reference defaults: a 0.7 confidence floor,
// all three extraction paths enabled, a 20-character floor on message
// length, and a short list of greeting/acknowledgement patterns to
// ignore outright.
func DefaultConfig() Config {
	return Config{
		MinConfidence:       0.7,
		AutoExtractFacts:    true,
		AutoExtractEntities: true,
		LearnPreferences:    true,
		MinMessageLength:    20,
		SkipPatterns:        []string{"hi", "hello", "thanks", "ok", "yes", "no"},
	}
}

// Fact is one piece of learnable content pulled out of a message.
type Fact struct {
	Content       string
	Category      string
	Confidence    float64
	SourceMessage string
}

// Stats are the learner's monotonic counters.
type Stats struct {
	MessagesAnalyzed   uint64
	FactsExtracted     uint64
	EntitiesFound      uint64
	PreferencesLearned uint64
	DuplicatesSkipped  uint64
}

// FactGenerator is the LLM collaborator used for structured fact
// extraction. Learner degrades gracefully (facts path returns nothing)
// when Available reports false.
type FactGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Available() bool
}

// Learner analyzes messages and extracts facts, preferences, and
// entities without requiring an explicit storage command.
type Learner struct {
	cfg Config
	gen FactGenerator

	stats struct {
		messagesAnalyzed   atomic.Uint64
		factsExtracted     atomic.Uint64
		entitiesFound      atomic.Uint64
		preferencesLearned atomic.Uint64
		duplicatesSkipped  atomic.Uint64
	}

	mu           sync.Mutex
	recentHashes map[string]int64 // content hash -> unix seconds last seen
}

// New creates a Learner. gen may be nil, in which case only the
// deterministic preference detector runs.
func New(cfg Config, gen FactGenerator) *Learner {
	return &Learner{cfg: cfg, gen: gen, recentHashes: make(map[string]int64)}
}

// Stats returns a snapshot of the learner's counters.
func (l *Learner) Stats() Stats {
	return Stats{
		MessagesAnalyzed:   l.stats.messagesAnalyzed.Load(),
		FactsExtracted:     l.stats.factsExtracted.Load(),
		EntitiesFound:      l.stats.entitiesFound.Load(),
		PreferencesLearned: l.stats.preferencesLearned.Load(),
		DuplicatesSkipped:  l.stats.duplicatesSkipped.Load(),
	}
}

// AnalyzeMessage is the learner's main entry point: call on every
// incoming message. It skips messages that are too short or that match
// a skip pattern, dedupes against content seen in the last hour, then
// runs the LLM fact-extraction pass (if enabled and available) and the
// deterministic preference detector (if enabled). It returns the LLM
// facts that cleared MinConfidence plus any detected preference; the
// preference is not checked against MinConfidence.
func (l *Learner) AnalyzeMessage(ctx context.Context, message string) []Fact {
	l.stats.messagesAnalyzed.Add(1)

	if len(message) < l.cfg.MinMessageLength {
		return nil
	}

	lower := strings.ToLower(message)
	trimmed := strings.TrimSpace(lower)
	for _, pattern := range l.cfg.SkipPatterns {
		if trimmed == pattern || strings.HasPrefix(lower, pattern+" ") {
			return nil
		}
	}

	hash := hashContent(message)
	l.mu.Lock()
	if ts, seen := l.recentHashes[hash]; seen && time.Now().Unix()-ts < 3600 {
		l.mu.Unlock()
		l.stats.duplicatesSkipped.Add(1)
		return nil
	}
	l.mu.Unlock()

	var facts []Fact

	if l.cfg.AutoExtractFacts && l.gen != nil && l.gen.Available() {
		for _, f := range l.extractFacts(ctx, message) {
			if f.Confidence >= l.cfg.MinConfidence {
				facts = append(facts, f)
			}
		}
	}

	if l.cfg.LearnPreferences {
		if pref, ok := DetectPreference(message); ok {
			facts = append(facts, pref)
		}
	}

	if len(facts) > 0 {
		now := time.Now().Unix()
		l.mu.Lock()
		l.recentHashes[hash] = now
		for h, ts := range l.recentHashes {
			if now-ts >= 3600 {
				delete(l.recentHashes, h)
			}
		}
		l.mu.Unlock()
		l.stats.factsExtracted.Add(uint64(len(facts)))
	}

	return facts
}

// StoreFacts persists each fact via memstore.Store.Learn, tagging the
// source as auto_learn_user_<userID>.
func (l *Learner) StoreFacts(ctx context.Context, facts []Fact, userID int64, store *memstore.Store, embed memstore.EmbedFunc) (int, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	source := fmt.Sprintf("auto_learn_user_%d", userID)
	stored := 0
	for _, f := range facts {
		id, err := store.Learn(ctx, f.Content, f.Category, source, f.Confidence, embed)
		if err != nil {
			log.Printf("[WARN] learner: failed to store fact: %v", err)
			continue
		}
		log.Printf("[LEARN] auto-stored fact %s (%s)", shortID(id), f.Category)
		stored++
	}
	return stored, nil
}

// ExtractAndStoreEntities runs the deterministic keyword/CamelCase
// entity extractor over message, pairs the hits into co-occurrence
// relations via graph.ExtractRelationsSimple, and persists both into
// the graph store linked to memoryID.
func (l *Learner) ExtractAndStoreEntities(message, memoryID string, g *graph.Store) (int, error) {
	if !l.cfg.AutoExtractEntities {
		return 0, nil
	}
	entities := graph.ExtractEntitiesSimple(message)
	if len(entities) == 0 {
		return 0, nil
	}
	relations := graph.ExtractRelationsSimple(entities)
	if err := g.StoreExtracted(memoryID, entities, relations); err != nil {
		return 0, fmt.Errorf("learner: store extracted entities: %w", err)
	}
	l.stats.entitiesFound.Add(uint64(len(entities)))
	log.Printf("[LEARN] auto-extracted %d entities, %d relations", len(entities), len(relations))
	return len(entities), nil
}

// extractFacts asks the fact generator for a JSON array of facts and
// parses the response, discarding anything that doesn't parse.
func (l *Learner) extractFacts(ctx context.Context, message string) []Fact {
	prompt := fmt.Sprintf(`Extract factual information from this message that would be useful to remember.
Return as JSON array. Only include clear facts, not opinions or questions.

Example output:
[{"content": "User prefers Rust over Python", "category": "preference", "confidence": 0.9}]

Categories: preference, project, technical, personal, task, decision

Message: %s

Facts (JSON only, empty array if no facts):`, message)

	response, err := l.gen.Generate(ctx, prompt)
	if err != nil {
		return nil
	}
	return parseFactsResponse(response, message)
}

func parseFactsResponse(response, sourceMessage string) []Fact {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end < start {
		return nil
	}

	var raw []struct {
		Content    string  `json:"content"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &raw); err != nil {
		return nil
	}

	facts := make([]Fact, 0, len(raw))
	for _, r := range raw {
		facts = append(facts, Fact{
			Content:       r.Content,
			Category:      r.Category,
			Confidence:    r.Confidence,
			SourceMessage: sourceMessage,
		})
	}
	return facts
}

var preferencePatterns = []struct {
	phrase   string
	category string
}{
	{"i prefer ", "preference"},
	{"i like ", "preference"},
	{"i want ", "preference"},
	{"i need ", "requirement"},
	{"i always ", "habit"},
	{"i never ", "habit"},
	{"i use ", "tool"},
	{"my favorite ", "preference"},
}

// DetectPreference is the learner's fast, LLM-free preference detector:
// it looks for a fixed set of first-person phrases and, on a match,
// extracts text from the phrase to the end of the sentence (or 100
// characters, whichever is shorter). A detected preference always
// carries confidence 0.85.
func DetectPreference(message string) (Fact, bool) {
	lower := strings.ToLower(message)

	for _, p := range preferencePatterns {
		pos := strings.Index(lower, p.phrase)
		if pos < 0 {
			continue
		}
		content := message[pos:]
		end := len(content)
		if end > 100 {
			end = 100
		}
		if idx := strings.IndexAny(content, ".!?\n"); idx >= 0 && idx < end {
			end = idx
		}
		factContent := content[:end]
		if len(factContent) > 10 {
			return Fact{
				Content:       factContent,
				Category:      p.category,
				Confidence:    0.85,
				SourceMessage: message,
			}, true
		}
	}
	return Fact{}, false
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(content)))
	return hex.EncodeToString(sum[:8])
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
