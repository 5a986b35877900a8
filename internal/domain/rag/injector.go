// Package rag implements C4, the RAG Context Injector. Grounded on two
// teacher files: internal/domain/service/tool_cache.go's sha256-keyed,
// TTL-evicting cache (generalized here from tool-call memoization to
// retrieval-bundle memoization) and internal/domain/memory/memory.go's
// VectorStore interface + cosine-similarity InMemoryVectorStore (generalized
// from a single-score ranking into the spec's relevance×recency×trust
// re-ranking with truncation and conflict detection).
package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/domain/valueobject"
)

// Store is the external retrieval backend; infrastructure/vectorstore
// provides a lancedb-go-backed implementation and an in-memory fallback
// generalizing memory.go's InMemoryVectorStore.
type Store interface {
	Query(ctx context.Context, query string, topK int) ([]valueobject.Fact, error)
}

const (
	defaultMaxFacts       = 5
	defaultTTL            = 2 * time.Minute
	maxContextFraction    = 0.20 // facts may consume at most 20% of max_context_tokens
	charsPerTokenEstimate = 3
)

type cacheEntry struct {
	ctx       valueobject.RAGContext
	createdAt time.Time
}

// inflight lets concurrent Build calls for the same cache key coalesce onto
// a single retrieval, generalizing tool_cache.go's per-key memoization to a
// per-key single-flight rendezvous (the teacher's cache never needed this,
// since tool calls aren't issued concurrently for the same key).
type inflight struct {
	done   chan struct{}
	result valueobject.RAGContext
	err    error
}

// Injector is C4.
type Injector struct {
	store   Store
	mu      sync.Mutex
	cache   map[string]*cacheEntry
	pending map[string]*inflight
	ttl     time.Duration
	maxFacts int
	logger  *zap.Logger
}

func New(store Store, logger *zap.Logger) *Injector {
	return &Injector{
		store:    store,
		cache:    make(map[string]*cacheEntry),
		pending:  make(map[string]*inflight),
		ttl:      defaultTTL,
		maxFacts: defaultMaxFacts,
		logger:   logger.With(zap.String("component", "rag-context-injector")),
	}
}

func (i *Injector) SetTTL(ttl time.Duration)      { i.ttl = ttl }
func (i *Injector) SetMaxFacts(maxFacts int)       { i.maxFacts = maxFacts }

// CacheKey builds the (speaker_id, hash(query), window_hash(recent_turns))
// cache key the spec specifies.
func CacheKey(speakerID, query string, recentTurns []string) string {
	h := sha256.New()
	h.Write([]byte(speakerID))
	h.Write([]byte{0})
	h.Write([]byte(query))
	h.Write([]byte{0})
	for _, t := range recentTurns {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// Build retrieves, re-ranks, truncates, and conflict-checks a RAGContext for
// the given query. On retrieval failure it returns a degraded, empty bundle
// rather than an error, per spec §4.4's retrieval-degrade failure policy.
func (i *Injector) Build(ctx context.Context, speakerID, query string, recentTurns []string, maxContextTokens int) valueobject.RAGContext {
	key := CacheKey(speakerID, query, recentTurns)

	i.mu.Lock()
	if entry, ok := i.cache[key]; ok && !entry.ctx.Expired(time.Now()) {
		i.mu.Unlock()
		return entry.ctx
	}
	if pend, ok := i.pending[key]; ok {
		i.mu.Unlock()
		<-pend.done
		return pend.result
	}
	pend := &inflight{done: make(chan struct{})}
	i.pending[key] = pend
	i.mu.Unlock()

	rc := i.retrieveAndAssemble(ctx, key, query, maxContextTokens)

	i.mu.Lock()
	i.cache[key] = &cacheEntry{ctx: rc, createdAt: time.Now()}
	delete(i.pending, key)
	pend.result = rc
	i.mu.Unlock()
	close(pend.done)

	return rc
}

func (i *Injector) retrieveAndAssemble(ctx context.Context, key, query string, maxContextTokens int) valueobject.RAGContext {
	facts, err := i.store.Query(ctx, query, i.maxFacts*2) // over-fetch, re-rank, then truncate
	if err != nil {
		i.logger.Warn("retrieval degraded", zap.Error(err), zap.String("cache_key", key))
		degraded := valueobject.Empty(key)
		degraded.TTL = i.ttl
		return degraded
	}

	reRank(facts)
	conflictNote := detectConflicts(facts)

	budget := tokenBudget(maxContextTokens)
	facts, truncated := truncate(facts, i.maxFacts, budget)

	sources := make([]string, 0, len(facts))
	seen := make(map[string]bool, len(facts))
	for _, f := range facts {
		if !seen[f.SourceID] {
			seen[f.SourceID] = true
			sources = append(sources, f.SourceID)
		}
	}

	return valueobject.RAGContext{
		Facts:        facts,
		Sources:      sources,
		CacheKey:     key,
		BuiltAt:      time.Now(),
		TTL:          i.ttl,
		ConflictNote: conflictNote,
		Degraded:     false,
		Truncated:    truncated,
	}
}

// reRank sorts facts by recency×source-trust, highest first; the store's
// relevance score is not part of the rank. Trust is carried on Fact.Trust
// (0..1, caller/store supplied, 0.5 when unset); recency is 1/(1+age in
// days), so a day-old fact scores half of a fresh one.
func reRank(facts []valueobject.Fact) {
	now := time.Now()
	sort.SliceStable(facts, func(a, b int) bool {
		return rankScore(facts[a], now) > rankScore(facts[b], now)
	})
}

func rankScore(f valueobject.Fact, now time.Time) float64 {
	age := now.Sub(f.Ts)
	recency := 1.0
	if age > 0 {
		halfLives := age.Hours() / 24.0
		recency = 1.0 / (1.0 + halfLives)
	}
	trust := f.Trust
	if trust <= 0 {
		trust = 0.5
	}
	return recency * trust
}

func tokenBudget(maxContextTokens int) int {
	if maxContextTokens <= 0 {
		return 0
	}
	return int(float64(maxContextTokens) * maxContextFraction)
}

func estimateTokens(text string) int {
	return len(text) / charsPerTokenEstimate
}

// truncate caps facts to maxFacts and to the token budget, whichever binds
// first, reporting whether anything was dropped.
func truncate(facts []valueobject.Fact, maxFacts, tokenBudget int) ([]valueobject.Fact, bool) {
	if maxFacts <= 0 {
		maxFacts = defaultMaxFacts
	}
	out := make([]valueobject.Fact, 0, maxFacts)
	used := 0
	truncated := false
	for _, f := range facts {
		if len(out) >= maxFacts {
			truncated = len(facts) > len(out)
			break
		}
		cost := estimateTokens(f.Text)
		if tokenBudget > 0 && used+cost > tokenBudget {
			truncated = true
			continue
		}
		out = append(out, f)
		used += cost
	}
	return out, truncated || len(out) < len(facts)
}

var antonymPairs = [][2]string{
	{"increase", "decrease"}, {"increased", "decreased"},
	{"available", "unavailable"}, {"enabled", "disabled"},
	{"deprecated", "supported"}, {"approved", "rejected"},
	{"true", "false"}, {"yes", "no"},
}

var numberRe = regexp.MustCompile(`\d+(\.\d+)?`)

// detectConflicts does a pairwise scan for antonym collisions and numeric
// disagreements > 10%, returning a human-readable note or "".
func detectConflicts(facts []valueobject.Fact) string {
	for a := 0; a < len(facts); a++ {
		for b := a + 1; b < len(facts); b++ {
			ta, tb := strings.ToLower(facts[a].Text), strings.ToLower(facts[b].Text)
			for _, pair := range antonymPairs {
				if strings.Contains(ta, pair[0]) && strings.Contains(tb, pair[1]) ||
					strings.Contains(ta, pair[1]) && strings.Contains(tb, pair[0]) {
					return "conflicting facts from " + facts[a].SourceID + " and " + facts[b].SourceID
				}
			}
			if note := numericDisagreement(facts[a], facts[b]); note != "" {
				return note
			}
		}
	}
	return ""
}

func numericDisagreement(a, b valueobject.Fact) string {
	na, oka := firstNumber(a.Text)
	nb, okb := firstNumber(b.Text)
	if !oka || !okb || na == 0 {
		return ""
	}
	diff := (na - nb)
	if diff < 0 {
		diff = -diff
	}
	if diff/na > 0.10 {
		return "numeric disagreement between " + a.SourceID + " and " + b.SourceID
	}
	return ""
}

func firstNumber(text string) (float64, bool) {
	m := numberRe.FindString(text)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
