package consolidate

import (
	"context"
	"fmt"
	"testing"

	"github.com/vthunder/engram/internal/llm"
	"github.com/vthunder/engram/internal/store"
)

type stubLLM struct {
	response string
	err      error
	calls    int
}

func (s *stubLLM) Name() string      { return "stub" }
func (s *stubLLM) IsAvailable() bool { return true }
func (s *stubLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: []llm.ContentBlock{{Type: "text", Text: s.response}}}, nil
}

func dormant(id string, cat store.Category, prominence float64, content string, vec []float64) *store.Memory {
	return &store.Memory{
		ID:         id,
		UserID:     "user-1",
		Content:    content,
		Category:   cat,
		MemoryType: store.TypeRegular,
		Importance: 5,
		Confidence: 0.8,
		Prominence: prominence,
		IsLatest:   true,
		Embedding:  vec,
	}
}

func relationsFromMap(edges map[string][]*store.Relation) RelationsFunc {
	return func(id string) ([]*store.Relation, error) {
		return edges[id], nil
	}
}

func TestFindFusionClustersFollowsRelations(t *testing.T) {
	a := dormant("a", store.CategoryFact, 0.3, "Keeps a sourdough starter", []float64{1, 0, 0, 0})
	b := dormant("b", store.CategoryFact, 0.2, "Bakes bread most weekends", []float64{0, 1, 0, 0})
	c := dormant("c", store.CategoryFact, 0.4, "Collects vinyl records", []float64{0, 0, 1, 0})
	hot := dormant("hot", store.CategoryFact, 0.8, "Works as a baker", []float64{1, 0, 0, 0})

	edge := &store.Relation{SourceID: "a", TargetID: "b", Type: store.RelationExtends, Confidence: 0.8}
	hotEdge := &store.Relation{SourceID: "a", TargetID: "hot", Type: store.RelationExtends, Confidence: 0.8}
	getRelations := relationsFromMap(map[string][]*store.Relation{
		"a":   {edge, hotEdge},
		"b":   {edge},
		"hot": {hotEdge},
	})

	clusters := FindFusionClusters([]*store.Memory{a, b, c, hot}, getRelations, DefaultConfig())
	if len(clusters) != 1 {
		t.Fatalf("Expected 1 cluster, got %d", len(clusters))
	}
	if len(clusters[0]) != 2 {
		t.Fatalf("Expected cluster of 2, got %d", len(clusters[0]))
	}
	got := map[string]bool{clusters[0][0].ID: true, clusters[0][1].ID: true}
	if !got["a"] || !got["b"] {
		t.Errorf("Wrong cluster members: %v", got)
	}
}

func TestFindFusionClustersGreedyFallback(t *testing.T) {
	a := dormant("a", store.CategoryPreference, 0.3, "Reads fantasy novels", []float64{1, 0, 0, 0})
	b := dormant("b", store.CategoryPreference, 0.2, "Finished the Mistborn series", []float64{0.9, 0.436, 0, 0})
	c := dormant("c", store.CategoryPreference, 0.3, "Dislikes audiobooks", []float64{0, 0, 1, 0})

	clusters := FindFusionClusters([]*store.Memory{a, b, c}, relationsFromMap(nil), DefaultConfig())
	if len(clusters) != 1 {
		t.Fatalf("Expected 1 greedy cluster, got %d", len(clusters))
	}
	if len(clusters[0]) != 2 || clusters[0][0].ID != "a" || clusters[0][1].ID != "b" {
		t.Errorf("Wrong greedy cluster: %v, %v", clusters[0][0].ID, clusters[0][1].ID)
	}
}

func TestFindFusionClustersRespectsCategoryBoundary(t *testing.T) {
	a := dormant("a", store.CategoryFact, 0.3, "Runs every morning", []float64{1, 0, 0, 0})
	b := dormant("b", store.CategoryPreference, 0.3, "Loves morning runs", []float64{0.9, 0.436, 0, 0})

	cfg := DefaultConfig()
	if clusters := FindFusionClusters([]*store.Memory{a, b}, relationsFromMap(nil), cfg); len(clusters) != 0 {
		t.Errorf("Cross-category cluster formed without CrossCategory: %d", len(clusters))
	}

	cfg.CrossCategory = true
	if clusters := FindFusionClusters([]*store.Memory{a, b}, relationsFromMap(nil), cfg); len(clusters) != 1 {
		t.Errorf("Expected 1 cross-category cluster, got %d", len(clusters))
	}
}

func TestFindFusionClustersNeverTouchesProtectedTypes(t *testing.T) {
	a := dormant("a", store.CategoryFact, 0.3, "Grew up in Vermont", []float64{1, 0, 0, 0})
	profile := dormant("profile", store.CategoryFact, 0.3, "Name is Alex", []float64{0.9, 0.436, 0, 0})
	profile.MemoryType = store.TypeStaticProfile
	derived := dormant("derived", store.CategoryFact, 0.3, "New England roots", []float64{0.95, 0.3122, 0, 0})
	derived.MemoryType = store.TypeDerived
	stale := dormant("stale", store.CategoryFact, 0.3, "Lived in Vermont until 2018", []float64{0.99, 0.141, 0, 0})
	stale.IsLatest = false

	clusters := FindFusionClusters([]*store.Memory{a, profile, derived, stale}, relationsFromMap(nil), DefaultConfig())
	if len(clusters) != 0 {
		t.Errorf("Protected memories were clustered: %d clusters", len(clusters))
	}
}

func TestFuseMemoryCluster(t *testing.T) {
	cluster := []*store.Memory{
		dormant("a", store.CategoryPreference, 0.3, "Reads fantasy novels late into the night", []float64{1, 0, 0, 0}),
		dormant("b", store.CategoryPreference, 0.2, "Finished the entire Mistborn fantasy series", []float64{0, 1, 0, 0}),
	}
	provider := &stubLLM{response: `{"summary": "Reads a lot of fantasy, including all of Mistborn.", "importance": 6, "category": "preference"}`}

	fused, err := FuseMemoryCluster(context.Background(), cluster, provider, DefaultConfig())
	if err != nil {
		t.Fatalf("FuseMemoryCluster failed: %v", err)
	}
	if fused.MemoryType != store.TypeDerived {
		t.Errorf("Expected derived type, got %s", fused.MemoryType)
	}
	if fused.Category != store.CategoryPreference || fused.Importance != 6 {
		t.Errorf("Wrong category/importance: %s / %d", fused.Category, fused.Importance)
	}
	if fused.Prominence != 0.5 {
		t.Errorf("Expected mid-band prominence 0.5, got %f", fused.Prominence)
	}
	if fused.Confidence < 0.79 || fused.Confidence > 0.81 {
		t.Errorf("Expected mean confidence 0.8, got %f", fused.Confidence)
	}
	want := []float64{0.5, 0.5, 0, 0}
	for i, v := range fused.Embedding {
		if v != want[i] {
			t.Errorf("Wrong centroid: %v", fused.Embedding)
			break
		}
	}
}

func TestFuseMemoryClusterDiscardsBadFusions(t *testing.T) {
	cluster := []*store.Memory{
		dormant("a", store.CategoryFact, 0.3, "Has a cat", []float64{1, 0, 0, 0}),
		dormant("b", store.CategoryFact, 0.2, "Cat is named Pixel", []float64{0, 1, 0, 0}),
	}

	// A fusion longer than its sources compresses nothing.
	long := &stubLLM{response: `{"summary": "The user has a cat and that cat is named Pixel and the user cares for it daily.", "importance": 5, "category": "fact"}`}
	if _, err := FuseMemoryCluster(context.Background(), cluster, long, DefaultConfig()); err == nil {
		t.Error("Expected over-long fusion to be discarded")
	}

	empty := &stubLLM{response: `{"summary": "", "importance": 5, "category": "fact"}`}
	if _, err := FuseMemoryCluster(context.Background(), cluster, empty, DefaultConfig()); err == nil {
		t.Error("Expected empty fusion to be discarded")
	}

	down := &stubLLM{err: fmt.Errorf("model offline")}
	if _, err := FuseMemoryCluster(context.Background(), cluster, down, DefaultConfig()); err == nil {
		t.Error("Expected error when the model is down")
	}
}

func TestDreamPhasesAreIsolated(t *testing.T) {
	mems := []*store.Memory{
		dormant("p", store.CategoryPreference, 0.3, "Reads fantasy novels late into the night", []float64{0, 0, 1, 0}),
		dormant("q", store.CategoryPreference, 0.2, "Finished the entire Mistborn fantasy series", []float64{0, 0, 0.9, 0.436}),
		dormant("x", store.CategoryFact, 0.9, "Deploys services with containers", []float64{1, 0, 0, 0}),
		dormant("y", store.CategoryInsight, 0.9, "Values reproducible environments", []float64{0.6, 0.8, 0, 0}),
	}

	nrem := &stubLLM{response: `{"summary": "Reads fantasy, finished all of Mistborn.", "importance": 5, "category": "preference"}`}
	rem := &stubLLM{err: fmt.Errorf("model offline")}

	// A dead REM model must not block NREM.
	result, err := Dream(context.Background(), mems, relationsFromMap(nil), nrem, rem, DefaultConfig())
	if err != nil {
		t.Fatalf("Dream failed: %v", err)
	}
	if len(result.Fusions) != 1 {
		t.Errorf("Expected 1 fusion, got %d", len(result.Fusions))
	}
	if len(result.Proposals) != 0 {
		t.Errorf("Expected no proposals from a dead model, got %d", len(result.Proposals))
	}

	// And a dead NREM model must not block REM.
	nremDown := &stubLLM{err: fmt.Errorf("model offline")}
	remUp := &stubLLM{response: `[{"pair": 1, "relation": "DERIVES", "confidence": 0.7, "reason": "one follows from the other"}]`}
	result, err = Dream(context.Background(), mems, relationsFromMap(nil), nremDown, remUp, DefaultConfig())
	if err != nil {
		t.Fatalf("Dream failed: %v", err)
	}
	if len(result.Fusions) != 0 {
		t.Errorf("Expected no fusions from a dead model, got %d", len(result.Fusions))
	}
	if len(result.Proposals) != 1 {
		t.Fatalf("Expected 1 REM proposal, got %d", len(result.Proposals))
	}
	p := result.Proposals[0]
	if p.Type != store.RelationDerives || p.Confidence != 0.7 {
		t.Errorf("Wrong proposal: %+v", p)
	}
	ends := map[string]bool{p.SourceID: true, p.TargetID: true}
	if !ends["x"] || !ends["y"] {
		t.Errorf("Proposal links the wrong pair: %+v", p)
	}
}

func TestExploreWeakPairsFiltersVerdicts(t *testing.T) {
	mems := []*store.Memory{
		dormant("x", store.CategoryFact, 0.9, "Deploys services with containers", []float64{1, 0, 0, 0}),
		dormant("y", store.CategoryInsight, 0.9, "Values reproducible environments", []float64{0.6, 0.8, 0, 0}),
	}

	// NONE verdicts, unknown types, and low confidence are all dropped.
	provider := &stubLLM{response: `[
		{"pair": 1, "relation": "NONE", "confidence": 0.9, "reason": "coincidence"},
		{"pair": 1, "relation": "SIMILAR", "confidence": 0.9, "reason": "made up"},
		{"pair": 1, "relation": "EXTENDS", "confidence": 0.2, "reason": "weak"},
		{"pair": 7, "relation": "EXTENDS", "confidence": 0.9, "reason": "out of range"}
	]`}
	proposals := exploreWeakPairs(context.Background(), mems, provider, DefaultConfig())
	if len(proposals) != 0 {
		t.Errorf("Expected all verdicts filtered, got %d", len(proposals))
	}

	// Same-category pairs never reach the model.
	same := []*store.Memory{
		dormant("a", store.CategoryFact, 0.9, "Runs marathons", []float64{1, 0, 0, 0}),
		dormant("b", store.CategoryFact, 0.9, "Trains for races", []float64{0.6, 0.8, 0, 0}),
	}
	fresh := &stubLLM{response: `[]`}
	if got := exploreWeakPairs(context.Background(), same, fresh, DefaultConfig()); got != nil {
		t.Errorf("Expected no pairs, got %d", len(got))
	}
	if fresh.calls != 0 {
		t.Errorf("Model called with no eligible pairs: %d calls", fresh.calls)
	}
}
