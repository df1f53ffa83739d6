// Package memory implements long-term memory on top of the store:
// hybrid keyword+semantic retrieval with optional LLM reranking,
// duplicate reinforcement on write, prominence decay, and low-utility
// archival.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/vthunder/engram/internal/embedding"
	"github.com/vthunder/engram/internal/llm"
	"github.com/vthunder/engram/internal/store"
)

const (
	DefaultSearchLimit        = 10
	DefaultCandidateLimit     = 50
	DefaultDuplicateThreshold = 0.95
	DefaultKeywordWeight      = 0.3
	DefaultSemanticWeight     = 0.7
	DefaultProminenceWeight   = 0.0
	DefaultDecayBatchSize     = 150

	DefaultArchiveThreshold  = 0.1
	DefaultArchiveMinAgeDays = 14
	DefaultArchiveMaxPerRun  = 50
	DefaultPruneFloor        = 0.01

	rerankWindow = 20

	msPerDay = 86_400_000.0
)

// defaultDecayRates is the per-day prominence decay constant by
// category. Events fade fast, preferences barely move.
var defaultDecayRates = map[store.Category]float64{
	store.CategoryPreference:   0.004,
	store.CategoryFact:         0.008,
	store.CategoryRelationship: 0.006,
	store.CategoryInsight:      0.012,
	store.CategoryEvent:        0.05,
}

const defaultDecayRate = 0.01

// RelationDetector links a freshly inserted memory to related ones.
// Wired in at assembly time; nil disables detection.
type RelationDetector interface {
	DetectRelations(ctx context.Context, m *store.Memory) ([]*store.Relation, error)
}

// Store is the long-term memory service.
type Store struct {
	db       *store.DB
	embedder embedding.Provider
	llm      llm.Provider
	detector RelationDetector

	bm25 *bm25Index

	// Configuration
	KeywordWeight      float64
	SemanticWeight     float64
	ProminenceWeight   float64
	CandidateLimit     int
	DuplicateThreshold float64
	DecayBatchSize     int
	DecayRates         map[store.Category]float64
}

// NewStore creates the memory service and rebuilds the BM25 statistics
// from the existing rows. The LLM provider is optional and only used
// for reranking.
func NewStore(db *store.DB, embedder embedding.Provider, provider llm.Provider) *Store {
	rates := make(map[store.Category]float64, len(defaultDecayRates))
	for k, v := range defaultDecayRates {
		rates[k] = v
	}
	s := &Store{
		db:                 db,
		embedder:           embedder,
		llm:                provider,
		bm25:               newBM25Index(),
		KeywordWeight:      DefaultKeywordWeight,
		SemanticWeight:     DefaultSemanticWeight,
		ProminenceWeight:   DefaultProminenceWeight,
		CandidateLimit:     DefaultCandidateLimit,
		DuplicateThreshold: DefaultDuplicateThreshold,
		DecayBatchSize:     DefaultDecayBatchSize,
		DecayRates:         rates,
	}
	if err := s.rebuildIndex(); err != nil {
		log.Printf("[memory] BM25 rebuild failed: %v", err)
	}
	return s
}

// SetRelationDetector wires in relation detection for new memories.
func (s *Store) SetRelationDetector(d RelationDetector) {
	s.detector = d
}

func (s *Store) rebuildIndex() error {
	users, err := s.db.UserIDs()
	if err != nil {
		return err
	}

	latest := true
	var texts []string
	for _, u := range users {
		mems, err := s.db.GetMemoriesByUser(u, store.MemoryFilters{IsLatest: &latest})
		if err != nil {
			return err
		}
		for _, m := range mems {
			texts = append(texts, m.Content)
		}
	}

	s.bm25.Rebuild(texts)
	if len(texts) > 0 {
		log.Printf("[memory] BM25 index rebuilt from %d memories", len(texts))
	}
	return nil
}

// AddRequest describes a memory to remember.
type AddRequest struct {
	UserID       string
	Content      string
	Category     store.Category
	MemoryType   store.MemoryType
	Importance   int
	Confidence   float64
	Source       string
	SourceChunk  string
	LearnedFrom  string
	DocumentDate int64
	EventDate    int64
	Metadata     map[string]any

	// Embedding, when set, skips the provider call. Extraction computes
	// embeddings once and shares them between dedup and insert.
	Embedding []float64

	// SkipRelationDetection suppresses the post-insert relation pass.
	SkipRelationDetection bool
}

// AddResult reports what Add did: a fresh insert, or a reinforcement of
// an existing near-duplicate.
type AddResult struct {
	Memory     *store.Memory
	Reinforced bool
}

// Add stores a memory. A same-category memory with embedding similarity
// at or above DuplicateThreshold is reinforced instead of inserted.
func (s *Store) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}

	category := req.Category
	if category == "" {
		category = store.CategoryFact
	}

	emb := req.Embedding
	if len(emb) == 0 && s.embedder != nil {
		var err error
		emb, err = s.embedder.Embed(ctx, req.Content)
		if err != nil {
			log.Printf("[memory] Embedding failed, storing without vector: %v", err)
			emb = nil
		}
	}

	if len(emb) > 0 {
		hits, err := s.db.SemanticCandidates(req.UserID, emb, 1, "")
		if err != nil {
			log.Printf("[memory] Duplicate check failed: %v", err)
		} else if len(hits) > 0 {
			top := hits[0]
			if top.Similarity >= s.DuplicateThreshold && top.Memory.Category == category {
				if err := s.db.ReinforceMemory(top.Memory.ID); err != nil {
					return nil, fmt.Errorf("failed to reinforce duplicate: %w", err)
				}
				reinforced, err := s.db.GetMemory(top.Memory.ID)
				if err != nil {
					return nil, err
				}
				log.Printf("[memory] Reinforced near-duplicate %s (similarity %.3f)",
					top.Memory.ID, top.Similarity)
				return &AddResult{Memory: reinforced, Reinforced: true}, nil
			}
		}
	}

	m := &store.Memory{
		UserID:       req.UserID,
		Content:      strings.TrimSpace(req.Content),
		Category:     category,
		MemoryType:   req.MemoryType,
		Importance:   req.Importance,
		Confidence:   req.Confidence,
		Source:       req.Source,
		SourceChunk:  req.SourceChunk,
		LearnedFrom:  req.LearnedFrom,
		DocumentDate: req.DocumentDate,
		EventDate:    req.EventDate,
		Embedding:    emb,
		Metadata:     req.Metadata,
	}
	if err := s.db.AddMemory(m); err != nil {
		return nil, err
	}
	s.bm25.AddDocument(m.Content)

	if s.detector != nil && !req.SkipRelationDetection {
		rels, err := s.detector.DetectRelations(ctx, m)
		if err != nil {
			log.Printf("[memory] Relation detection failed for %s: %v", m.ID, err)
		} else if len(rels) > 0 {
			log.Printf("[memory] Linked %s to %d related memories", m.ID, len(rels))
		}
	}

	return &AddResult{Memory: m}, nil
}

// SearchOptions tune a Search call. Zero values mean defaults.
type SearchOptions struct {
	Limit           int
	Category        store.Category
	MinSimilarity   float64
	QueryEmbedding  []float64
	Rerank          bool
	SkipAccessCount bool
}

// SearchResult is one scored hit. Keyword and Semantic carry the
// per-leg scores that produced the combined Score.
type SearchResult struct {
	Memory   *store.Memory
	Score    float64
	Keyword  float64
	Semantic float64
}

// Search retrieves memories by hybrid keyword+semantic score. The
// keyword leg pre-selects candidates via FTS and re-scores them with
// BM25; the semantic leg is a vector KNN over latest memories. When the
// embedding provider is down the search degrades to keyword-only.
func (s *Store) Search(ctx context.Context, userID, query string, opts SearchOptions) ([]SearchResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	merged := make(map[string]*SearchResult)

	kwHits, err := s.db.KeywordCandidates(userID, query, s.CandidateLimit)
	if err != nil {
		log.Printf("[memory] Keyword search failed: %v", err)
	}
	if len(kwHits) > 0 {
		queryTokens := tokenize(query)
		raw := make([]float64, len(kwHits))
		var max float64
		for i, m := range kwHits {
			raw[i] = s.bm25.Score(queryTokens, tokenize(m.Content))
			if raw[i] > max {
				max = raw[i]
			}
		}
		for i, m := range kwHits {
			score := 0.0
			if max > 0 {
				score = raw[i] / max
			}
			merged[m.ID] = &SearchResult{Memory: m, Keyword: score}
		}
	}

	queryEmb := opts.QueryEmbedding
	if len(queryEmb) == 0 && s.embedder != nil {
		queryEmb, err = s.embedder.Embed(ctx, query)
		if err != nil {
			log.Printf("[memory] Query embedding failed, keyword-only search: %v", err)
			queryEmb = nil
		}
	}

	semanticAlive := false
	if len(queryEmb) > 0 {
		semHits, err := s.db.SemanticCandidates(userID, queryEmb, s.CandidateLimit, "")
		if err != nil {
			log.Printf("[memory] Semantic search failed: %v", err)
		} else {
			semanticAlive = true
			for _, hit := range semHits {
				sim := hit.Similarity
				if sim < 0 {
					sim = 0
				}
				if r, ok := merged[hit.Memory.ID]; ok {
					r.Semantic = sim
				} else {
					merged[hit.Memory.ID] = &SearchResult{Memory: hit.Memory, Semantic: sim}
				}
			}
		}
	}

	kwWeight, semWeight := s.KeywordWeight, s.SemanticWeight
	if !semanticAlive {
		kwWeight, semWeight = 1.0, 0
	}

	results := make([]SearchResult, 0, len(merged))
	for _, r := range merged {
		if opts.Category != "" && r.Memory.Category != opts.Category {
			continue
		}
		if opts.MinSimilarity > 0 && semanticAlive && r.Semantic < opts.MinSimilarity {
			continue
		}
		r.Score = kwWeight*r.Keyword + semWeight*r.Semantic + s.ProminenceWeight*r.Memory.Prominence
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if opts.Rerank && s.llm != nil && len(results) > 1 {
		window := rerankWindow
		if len(results) < window {
			window = len(results)
		}
		reranked := s.rerankResults(ctx, query, results[:window])
		results = append(reranked, results[window:]...)
	}

	if len(results) > limit {
		results = results[:limit]
	}

	if !opts.SkipAccessCount && len(results) > 0 {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.Memory.ID
		}
		if err := s.db.IncrementAccessCounts(ids); err != nil {
			log.Printf("[memory] Failed to bump access counts: %v", err)
		}
	}

	return results, nil
}

// rerankResults asks the LLM to re-score the top hits. Any failure
// keeps the hybrid order.
func (s *Store) rerankResults(ctx context.Context, query string, in []SearchResult) []SearchResult {
	var b strings.Builder
	for i, r := range in {
		fmt.Fprintf(&b, "%d. %s\n", i, r.Memory.Content)
	}
	prompt := fmt.Sprintf(`Query: %q

Memories:
%s
Score each memory's relevance to the query from 0.0 to 1.0.
Respond with a JSON array only: [{"index": 0, "score": 0.9}, ...]
Include every index exactly once.`, query, b.String())

	text, err := llm.CompleteText(ctx, s.llm,
		"You rank stored memories by how relevant they are to a query. Respond with JSON only.",
		prompt)
	if err != nil {
		log.Printf("[memory] Rerank failed, keeping hybrid order: %v", err)
		return in
	}

	payload := llm.ExtractJSON(text)
	if payload == "" {
		log.Printf("[memory] Rerank returned no JSON, keeping hybrid order")
		return in
	}

	var scored []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(payload), &scored); err != nil {
		log.Printf("[memory] Rerank parse failed, keeping hybrid order: %v", err)
		return in
	}

	out := make([]SearchResult, 0, len(in))
	seen := make(map[int]bool, len(scored))
	for _, sc := range scored {
		if sc.Index < 0 || sc.Index >= len(in) || seen[sc.Index] {
			continue
		}
		seen[sc.Index] = true
		r := in[sc.Index]
		r.Score = sc.Score
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	// Entries the model dropped keep their hybrid order at the tail.
	for i, r := range in {
		if !seen[i] {
			out = append(out, r)
		}
	}
	return out
}

// Reinforce confirms an existing memory.
func (s *Store) Reinforce(id string) error {
	return s.db.ReinforceMemory(id)
}

// Get fetches a memory by ID.
func (s *Store) Get(id string) (*store.Memory, error) {
	return s.db.GetMemory(id)
}

// ProcessDecay decays a rolling batch of the stalest memories. Light
// enough to run every maintenance tick.
func (s *Store) ProcessDecay() (int, error) {
	batch, err := s.db.DecayCandidates(s.DecayBatchSize)
	if err != nil {
		return 0, err
	}
	return s.decayBatch(batch)
}

// ProcessFullDecay decays every memory with residual prominence.
func (s *Store) ProcessFullDecay() (int, error) {
	all, err := s.db.DecayCandidates(-1)
	if err != nil {
		return 0, err
	}
	return s.decayBatch(all)
}

func (s *Store) decayBatch(batch []*store.Memory) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	now := time.Now().UnixMilli()
	updates := make(map[string]float64, len(batch))
	for _, m := range batch {
		days := float64(now-m.LastDecayedAt) / msPerDay
		if days <= 0 {
			continue
		}
		rate, ok := s.DecayRates[m.Category]
		if !ok {
			rate = defaultDecayRate
		}
		updates[m.ID] = m.Prominence * math.Exp(-rate*days)
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if err := s.db.ApplyProminenceDecay(updates, now); err != nil {
		return 0, err
	}
	return len(updates), nil
}

// ArchiveLowUtility supersedes old memories whose
// prominence*ln(1+access_count) falls below threshold. Static profile
// entries are never archived.
func (s *Store) ArchiveLowUtility(threshold float64, minAgeDays, maxPerRun int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -minAgeDays).UnixMilli()
	candidates, err := s.db.ArchiveCandidates(cutoff)
	if err != nil {
		return 0, err
	}

	type scored struct {
		id      string
		utility float64
	}
	var eligible []scored
	for _, m := range candidates {
		if m.MemoryType == store.TypeStaticProfile {
			continue
		}
		utility := m.Prominence * math.Log(1+float64(m.AccessCount))
		if utility < threshold {
			eligible = append(eligible, scored{m.ID, utility})
		}
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	// Lowest utility goes first so the per-run cap trims the weakest rows.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].utility < eligible[j].utility })
	if maxPerRun > 0 && len(eligible) > maxPerRun {
		eligible = eligible[:maxPerRun]
	}

	ids := make([]string, len(eligible))
	for i, e := range eligible {
		ids[i] = e.id
	}

	n, err := s.db.MarkSupersededBatch(ids)
	if err != nil {
		return n, err
	}
	log.Printf("[memory] Archived %d low-utility memories", n)
	return n, nil
}

// PruneDecayedArchived hard-deletes archived memories whose prominence
// has decayed to noise.
func (s *Store) PruneDecayedArchived() (int, error) {
	n, err := s.db.PruneDecayedMemories(DefaultPruneFloor)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[memory] Hard-deleted %d decayed archived memories", n)
	}
	return n, nil
}

// Stats bundles a user's memory counts with session-summary and
// embedding-cache telemetry.
type Stats struct {
	store.UserMemoryStats
	SessionSummaries int                   `json:"session_summaries"`
	Cache            *embedding.CacheStats `json:"cache,omitempty"`
}

// GetStats returns per-user memory statistics, plus cache hit rates
// when the embedder exposes them.
func (s *Store) GetStats(userID string) (*Stats, error) {
	mem, err := s.db.MemoryStatsForUser(userID)
	if err != nil {
		return nil, err
	}
	summaries, err := s.db.CountSessionSummaries(userID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{UserMemoryStats: *mem, SessionSummaries: summaries}
	if c, ok := s.embedder.(interface{ Stats() embedding.CacheStats }); ok {
		cs := c.Stats()
		stats.Cache = &cs
	}
	return stats, nil
}
