package store

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Spreading activation parameters
const (
	DefaultMaxSteps        = 3    // propagation rounds from the seed
	DefaultDecayFactor     = 0.5  // share of a node's activation given away per round
	DefaultNoiseSigma      = 0.0  // stddev of the multiplicative noise; 0 disables it
	DefaultResultThreshold = 0.05 // scores below this are dropped
	DefaultMaxResults      = 10
)

// relationWeights holds the per-type edge weights, forward
// (source->target) and reverse.
var relationWeights = map[RelationType][2]float64{
	RelationUpdates: {0.9, 0.9},
	RelationExtends: {0.7, 0.5},
	RelationDerives: {0.4, 0.6},
}

// ActivationConfig tunes SpreadActivation. Zero values fall back to the
// defaults above.
type ActivationConfig struct {
	MaxSteps        int
	DecayFactor     float64
	NoiseSigma      float64
	ResultThreshold float64
	MaxResults      int
}

// DefaultActivationConfig returns the standard tuning.
func DefaultActivationConfig() ActivationConfig {
	return ActivationConfig{
		MaxSteps:        DefaultMaxSteps,
		DecayFactor:     DefaultDecayFactor,
		NoiseSigma:      DefaultNoiseSigma,
		ResultThreshold: DefaultResultThreshold,
		MaxResults:      DefaultMaxResults,
	}
}

func (c ActivationConfig) withDefaults() ActivationConfig {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.DecayFactor <= 0 {
		c.DecayFactor = DefaultDecayFactor
	}
	if c.ResultThreshold <= 0 {
		c.ResultThreshold = DefaultResultThreshold
	}
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	return c
}

// SpreadActivation runs energy propagation over the relation graph
// starting from seedID with activation 1.0. Each round every active
// node keeps (1 - decayFactor) of its energy and distributes
// decayFactor split evenly across its edges, scaled by the edge's
// directional type weight times its confidence. Scores cap at 1.0.
// With NoiseSigma 0 the result is fully determined by the graph. The
// seed is excluded from the returned scores.
func SpreadActivation(seedID string, getRelations func(id string) ([]*Relation, error), cfg ActivationConfig) (map[string]float64, error) {
	cfg = cfg.withDefaults()

	activation := map[string]float64{seedID: 1.0}
	relCache := make(map[string][]*Relation)

	lookup := func(id string) ([]*Relation, error) {
		if rels, ok := relCache[id]; ok {
			return rels, nil
		}
		rels, err := getRelations(id)
		if err != nil {
			return nil, err
		}
		relCache[id] = rels
		return rels, nil
	}

	for step := 0; step < cfg.MaxSteps; step++ {
		next := make(map[string]float64, len(activation))

		for id, a := range activation {
			rels, err := lookup(id)
			if err != nil {
				return nil, fmt.Errorf("failed to load relations for %s: %w", id, err)
			}

			next[id] += a * (1 - cfg.DecayFactor)
			if len(rels) == 0 {
				continue
			}

			share := a * cfg.DecayFactor / float64(len(rels))
			for _, r := range rels {
				weights, ok := relationWeights[r.Type]
				if !ok {
					continue
				}
				neighbor := r.TargetID
				w := weights[0]
				if r.TargetID == id {
					neighbor = r.SourceID
					w = weights[1]
				}
				next[neighbor] += share * w * r.Confidence
			}
		}

		for id, a := range next {
			if a > 1.0 {
				next[id] = 1.0
			}
		}
		activation = next
	}

	if cfg.NoiseSigma > 0 {
		for id, a := range activation {
			factor := 1.0 + cfg.NoiseSigma*gaussian()
			if factor < 0 {
				factor = 0
			}
			a *= factor
			if a > 1.0 {
				a = 1.0
			}
			activation[id] = a
		}
	}

	delete(activation, seedID)
	for id, a := range activation {
		if a < cfg.ResultThreshold {
			delete(activation, id)
		}
	}

	if len(activation) > cfg.MaxResults {
		type scored struct {
			id    string
			score float64
		}
		ranked := make([]scored, 0, len(activation))
		for id, a := range activation {
			ranked = append(ranked, scored{id, a})
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		for _, s := range ranked[cfg.MaxResults:] {
			delete(activation, s.id)
		}
	}

	return activation, nil
}

// gaussian samples a standard normal via Box-Muller.
func gaussian() float64 {
	u1 := rand.Float64()
	for u1 == 0 {
		u1 = rand.Float64()
	}
	u2 := rand.Float64()
	return math.Sqrt(-2.0*math.Log(u1)) * math.Cos(2.0*math.Pi*u2)
}

// MemoryActivation pairs a memory with its spreading-activation score.
type MemoryActivation struct {
	Memory *Memory `json:"memory"`
	Score  float64 `json:"score"`
}

// RelatedMemoriesWithActivation returns the memories reachable from the
// seed ranked by activation times prominence, strongest first.
// Non-latest rows are dropped after propagation so superseded versions
// still conduct energy but never surface. Falls back to a plain
// breadth-first walk if propagation fails.
func (g *DB) RelatedMemoriesWithActivation(seedID string, cfg ActivationConfig) ([]*MemoryActivation, error) {
	seed, err := g.GetMemory(seedID)
	if err != nil {
		return nil, err
	}
	if seed == nil {
		return nil, fmt.Errorf("memory not found: %s", seedID)
	}

	scores, err := SpreadActivation(seedID, g.GetRelations, cfg)
	if err != nil {
		scores = g.bfsRelated(seedID, 2)
	}

	result := make([]*MemoryActivation, 0, len(scores))
	for id, score := range scores {
		m, err := g.GetMemory(id)
		if err != nil || m == nil || !m.IsLatest {
			continue
		}
		result = append(result, &MemoryActivation{Memory: m, Score: score * m.Prominence})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Score > result[j].Score })
	return result, nil
}

// bfsRelated walks the relation graph up to maxDepth hops and scores
// nodes by 1/(1+depth). Best-effort: lookup errors just stop that
// branch.
func (g *DB) bfsRelated(seedID string, maxDepth int) map[string]float64 {
	scores := make(map[string]float64)
	visited := map[string]bool{seedID: true}
	frontier := []string{seedID}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			rels, err := g.GetRelations(id)
			if err != nil {
				continue
			}
			for _, r := range rels {
				neighbor := r.TargetID
				if neighbor == id {
					neighbor = r.SourceID
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				scores[neighbor] = 1.0 / float64(1+depth)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return scores
}
