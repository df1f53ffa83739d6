// Package consolidate implements the sleep-phase maintenance of the
// memory store. NREM consolidation fuses clusters of dormant related
// memories into single derived memories; REM exploration proposes
// speculative relations between weakly connected cross-category pairs.
// Both phases work on an in-memory snapshot and return proposals; the
// Service applies them to the store.
package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/vthunder/engram/internal/embedding"
	"github.com/vthunder/engram/internal/llm"
	"github.com/vthunder/engram/internal/store"
)

const (
	// Dormancy band: memories still alive but fading are fusion fodder.
	DefaultProminenceFloor   = 0.1
	DefaultProminenceCeiling = 0.5
	// DefaultSimilarityThreshold drives the greedy clustering fallback
	// when no relations connect the dormant rows.
	DefaultSimilarityThreshold = 0.65
	DefaultMinClusterSize      = 2
	DefaultMaxClusterSize      = 10
	// REM pair scan bounds.
	DefaultREMFloor    = 0.4
	DefaultREMMaxPairs = 10
)

// Config tunes one dream cycle.
type Config struct {
	ProminenceFloor     float64
	ProminenceCeiling   float64
	SimilarityThreshold float64
	MinClusterSize      int
	MaxClusterSize      int
	CrossCategory       bool
	REMFloor            float64
	REMMaxPairs         int
}

// DefaultConfig returns the standard dream tuning.
func DefaultConfig() Config {
	return Config{
		ProminenceFloor:     DefaultProminenceFloor,
		ProminenceCeiling:   DefaultProminenceCeiling,
		SimilarityThreshold: DefaultSimilarityThreshold,
		MinClusterSize:      DefaultMinClusterSize,
		MaxClusterSize:      DefaultMaxClusterSize,
		REMFloor:            DefaultREMFloor,
		REMMaxPairs:         DefaultREMMaxPairs,
	}
}

// RelationsFunc resolves the edges touching one memory.
type RelationsFunc func(memoryID string) ([]*store.Relation, error)

// Fusion is one NREM outcome: an unsaved derived memory plus the
// sources it supersedes.
type Fusion struct {
	Derived   *store.Memory
	SourceIDs []string
}

// Proposal is one REM outcome: a speculative relation between two
// existing memories.
type Proposal struct {
	SourceID   string
	TargetID   string
	Type       store.RelationType
	Confidence float64
	Reason     string
}

// Result is everything one dream cycle produced.
type Result struct {
	Fusions   []*Fusion
	Proposals []*Proposal
}

// Dream runs both sleep phases over a snapshot of one user's memories.
// The phases are isolated: a dead NREM model still lets REM run, and
// REM failures are swallowed. The returned result holds proposals
// only; nothing is persisted here.
func Dream(ctx context.Context, memories []*store.Memory, getRelations RelationsFunc, nrem, rem llm.Provider, cfg Config) (*Result, error) {
	result := &Result{}

	clusters := FindFusionClusters(memories, getRelations, cfg)
	log.Printf("[dream] NREM: %d fusion clusters", len(clusters))
	for _, cluster := range clusters {
		fused, err := FuseMemoryCluster(ctx, cluster, nrem, cfg)
		if err != nil {
			log.Printf("[dream] Fusion discarded (%d sources): %v", len(cluster), err)
			continue
		}
		ids := make([]string, len(cluster))
		for i, m := range cluster {
			ids[i] = m.ID
		}
		result.Fusions = append(result.Fusions, &Fusion{Derived: fused, SourceIDs: ids})
	}

	if rem != nil {
		result.Proposals = exploreWeakPairs(ctx, memories, rem, cfg)
		log.Printf("[dream] REM: %d relation proposals", len(result.Proposals))
	}

	return result, nil
}

// fusible reports whether a memory may participate in NREM fusion.
// Profile anchors and already-derived memories never fuse.
func fusible(m *store.Memory, cfg Config) bool {
	if !m.IsLatest {
		return false
	}
	if m.MemoryType == store.TypeStaticProfile || m.MemoryType == store.TypeDerived || m.MemoryType == store.TypeSuperseded {
		return false
	}
	return m.Prominence >= cfg.ProminenceFloor && m.Prominence < cfg.ProminenceCeiling
}

// FindFusionClusters groups dormant memories into fusion candidates:
// connected components over the relation graph, restricted to the
// dormancy band and (unless CrossCategory) to a single category. When
// no relations connect any dormant rows, a greedy embedding-similarity
// pass clusters them instead. Clusters smaller than MinClusterSize are
// dropped; larger ones are cut at MaxClusterSize.
func FindFusionClusters(memories []*store.Memory, getRelations RelationsFunc, cfg Config) [][]*store.Memory {
	var candidates []*store.Memory
	byID := make(map[string]*store.Memory)
	for _, m := range memories {
		if fusible(m, cfg) {
			candidates = append(candidates, m)
			byID[m.ID] = m
		}
	}
	if len(candidates) < cfg.MinClusterSize {
		return nil
	}

	adjacency := make(map[string][]string)
	if getRelations != nil {
		for _, m := range candidates {
			rels, err := getRelations(m.ID)
			if err != nil {
				log.Printf("[dream] Failed to load relations for %s: %v", m.ID, err)
				continue
			}
			for _, r := range rels {
				other, ok := byID[otherEnd(r, m.ID)]
				if !ok {
					continue
				}
				if !cfg.CrossCategory && other.Category != m.Category {
					continue
				}
				adjacency[m.ID] = append(adjacency[m.ID], other.ID)
			}
		}
	}

	if len(adjacency) == 0 {
		return greedyClusters(candidates, cfg)
	}

	// Connected components, BFS.
	visited := make(map[string]bool)
	var clusters [][]*store.Memory
	for _, seed := range candidates {
		if visited[seed.ID] {
			continue
		}
		var cluster []*store.Memory
		queue := []string{seed.ID}
		visited[seed.ID] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			cluster = append(cluster, byID[id])
			for _, next := range adjacency[id] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		if len(cluster) >= cfg.MinClusterSize {
			if len(cluster) > cfg.MaxClusterSize {
				cluster = cluster[:cfg.MaxClusterSize]
			}
			clusters = append(clusters, cluster)
		}
	}
	return clusters
}

func otherEnd(r *store.Relation, id string) string {
	if r.SourceID == id {
		return r.TargetID
	}
	return r.SourceID
}

// greedyClusters groups candidates around seeds by embedding
// similarity. Each unassigned memory joins the first seed it clears
// the threshold against.
func greedyClusters(candidates []*store.Memory, cfg Config) [][]*store.Memory {
	assigned := make(map[string]bool)
	var clusters [][]*store.Memory

	for _, seed := range candidates {
		if assigned[seed.ID] || len(seed.Embedding) == 0 {
			continue
		}
		cluster := []*store.Memory{seed}
		assigned[seed.ID] = true

		for _, other := range candidates {
			if assigned[other.ID] || len(other.Embedding) == 0 {
				continue
			}
			if !cfg.CrossCategory && other.Category != seed.Category {
				continue
			}
			if embedding.CosineSimilarity(seed.Embedding, other.Embedding) >= cfg.SimilarityThreshold {
				cluster = append(cluster, other)
				assigned[other.ID] = true
				if len(cluster) == cfg.MaxClusterSize {
					break
				}
			}
		}

		if len(cluster) >= cfg.MinClusterSize {
			clusters = append(clusters, cluster)
		}
	}
	return clusters
}

const fusionPrompt = `These related memories about the same user have gone dormant. Fuse them into one.

MEMORIES:
%s
RULES:
- The fused text must be ONE concise statement preserving every distinct detail that still matters.
- It must be SHORTER than the memories combined.
- importance is 1-10.
- category is one of: preference, fact, event, relationship, insight.

Return ONLY JSON:
{"summary":"...","importance":5,"category":"fact"}

JSON:`

// FuseMemoryCluster asks the model to fuse one cluster into a single
// derived memory. The fused text must be strictly shorter than the
// combined sources or the fusion is discarded. The draft is not saved;
// its embedding is the source centroid.
func FuseMemoryCluster(ctx context.Context, cluster []*store.Memory, provider llm.Provider, cfg Config) (*store.Memory, error) {
	if len(cluster) < cfg.MinClusterSize {
		return nil, fmt.Errorf("cluster of %d is below the minimum %d", len(cluster), cfg.MinClusterSize)
	}
	if provider == nil {
		return nil, fmt.Errorf("no llm provider configured")
	}

	var b strings.Builder
	combinedLen := 0
	for i, m := range cluster {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, m.Category, m.Content)
		combinedLen += len(m.Content)
	}

	raw, err := llm.CompleteText(ctx, provider,
		"You fuse related memories into one compact memory. Respond with JSON only.",
		fmt.Sprintf(fusionPrompt, b.String()))
	if err != nil {
		return nil, fmt.Errorf("fusion call failed: %w", err)
	}
	payload := llm.ExtractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON in fusion response")
	}

	var parsed struct {
		Summary    string `json:"summary"`
		Importance int    `json:"importance"`
		Category   string `json:"category"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse fusion response: %w", err)
	}
	parsed.Summary = strings.TrimSpace(parsed.Summary)
	if parsed.Summary == "" {
		return nil, fmt.Errorf("model returned an empty fusion")
	}
	if len(parsed.Summary) >= combinedLen {
		return nil, fmt.Errorf("fusion (%d chars) is not shorter than its %d sources (%d chars)",
			len(parsed.Summary), len(cluster), combinedLen)
	}

	category := store.Category(strings.ToLower(strings.TrimSpace(parsed.Category)))
	if !store.ValidCategory(category) {
		category = cluster[0].Category
	}
	importance := parsed.Importance
	if importance < 1 || importance > 10 {
		importance = maxImportance(cluster)
	}

	return &store.Memory{
		UserID:     cluster[0].UserID,
		Content:    parsed.Summary,
		Category:   category,
		MemoryType: store.TypeDerived,
		Importance: importance,
		Confidence: meanConfidence(cluster),
		// Consolidated knowledge re-enters mid-band, not hot.
		Prominence:  0.5,
		Source:      "consolidation",
		LearnedFrom: "dream",
		Embedding:   centroid(cluster),
	}, nil
}

func maxImportance(cluster []*store.Memory) int {
	max := 1
	for _, m := range cluster {
		if m.Importance > max {
			max = m.Importance
		}
	}
	return max
}

func meanConfidence(cluster []*store.Memory) float64 {
	var sum float64
	for _, m := range cluster {
		sum += m.Confidence
	}
	return sum / float64(len(cluster))
}

// centroid computes the mean embedding over cluster members that have
// one; nil when none do.
func centroid(cluster []*store.Memory) []float64 {
	var dim int
	for _, m := range cluster {
		if len(m.Embedding) > 0 {
			dim = len(m.Embedding)
			break
		}
	}
	if dim == 0 {
		return nil
	}

	out := make([]float64, dim)
	count := 0
	for _, m := range cluster {
		if len(m.Embedding) != dim {
			continue
		}
		for i, v := range m.Embedding {
			out[i] += v
		}
		count++
	}
	if count == 0 {
		return nil
	}
	for i := range out {
		out[i] /= float64(count)
	}
	return out
}

const remPrompt = `These memory pairs are weakly similar but live in different categories. Decide whether a real link exists.

PAIRS:
%s
For each pair, answer with one of:
- DERIVES: the first is a conclusion drawn from the second
- EXTENDS: the first adds detail to the second
- UPDATES: the first replaces the second
- NONE: coincidental similarity

Return ONLY a JSON array:
[{"pair": 1, "relation": "DERIVES", "confidence": 0.7, "reason": "<short>"}]

JSON:`

// exploreWeakPairs is the REM phase: cross-category pairs whose
// similarity sits between the REM floor and the fusion threshold are
// shown to the model, which either names a relation or dismisses the
// pair. Everything here is best-effort; any failure returns nil.
func exploreWeakPairs(ctx context.Context, memories []*store.Memory, provider llm.Provider, cfg Config) []*Proposal {
	type pair struct {
		a, b *store.Memory
		sim  float64
	}

	var pairs []pair
	for i := 0; i < len(memories); i++ {
		a := memories[i]
		if !a.IsLatest || len(a.Embedding) == 0 || a.MemoryType == store.TypeSuperseded {
			continue
		}
		for j := i + 1; j < len(memories); j++ {
			b := memories[j]
			if !b.IsLatest || len(b.Embedding) == 0 || b.MemoryType == store.TypeSuperseded {
				continue
			}
			if a.Category == b.Category {
				continue
			}
			sim := embedding.CosineSimilarity(a.Embedding, b.Embedding)
			if sim >= cfg.REMFloor && sim < cfg.SimilarityThreshold {
				pairs = append(pairs, pair{a: a, b: b, sim: sim})
			}
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].sim > pairs[j].sim })
	if len(pairs) > cfg.REMMaxPairs {
		pairs = pairs[:cfg.REMMaxPairs]
	}

	var b strings.Builder
	for i, p := range pairs {
		fmt.Fprintf(&b, "%d. A: [%s] %q\n   B: [%s] %q\n", i+1, p.a.Category, p.a.Content, p.b.Category, p.b.Content)
	}

	raw, err := llm.CompleteText(ctx, provider,
		"You judge whether weakly similar memories are truly related. Respond with JSON only.",
		fmt.Sprintf(remPrompt, b.String()))
	if err != nil {
		log.Printf("[dream] REM exploration failed: %v", err)
		return nil
	}
	payload := llm.ExtractJSON(raw)
	if payload == "" {
		log.Printf("[dream] REM response had no JSON")
		return nil
	}

	var verdicts []struct {
		Pair       int     `json:"pair"`
		Relation   string  `json:"relation"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(payload), &verdicts); err != nil {
		log.Printf("[dream] Failed to parse REM response: %v", err)
		return nil
	}

	var proposals []*Proposal
	for _, v := range verdicts {
		if v.Pair < 1 || v.Pair > len(pairs) {
			continue
		}
		relType := store.RelationType(strings.ToUpper(strings.TrimSpace(v.Relation)))
		if !store.ValidRelationType(relType) {
			continue
		}
		if v.Confidence < 0.5 {
			continue
		}
		if v.Confidence > 1 {
			v.Confidence = 1
		}
		p := pairs[v.Pair-1]
		proposals = append(proposals, &Proposal{
			SourceID:   p.a.ID,
			TargetID:   p.b.ID,
			Type:       relType,
			Confidence: v.Confidence,
			Reason:     v.Reason,
		})
	}
	return proposals
}
