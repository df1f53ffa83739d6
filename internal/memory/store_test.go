package memory

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/vthunder/engram/internal/llm"
	"github.com/vthunder/engram/internal/store"
)

// stubEmbedder returns registered vectors only; unregistered text is an
// error so tests stay deterministic.
type stubEmbedder struct {
	vecs map[string][]float64
	fail bool
}

func (s *stubEmbedder) Name() string   { return "stub" }
func (s *stubEmbedder) Dimension() int { return 4 }
func (s *stubEmbedder) IsAvailable() bool {
	return !s.fail
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if s.fail {
		return nil, fmt.Errorf("embedder offline")
	}
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no stub vector for %q", text)
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// stubLLM returns a canned completion.
type stubLLM struct {
	response string
	err      error
}

func (s *stubLLM) Name() string      { return "stub" }
func (s *stubLLM) IsAvailable() bool { return true }
func (s *stubLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: []llm.ContentBlock{{Type: "text", Text: s.response}}}, nil
}

func setupTestStore(t *testing.T, emb *stubEmbedder, provider llm.Provider) (*Store, *store.DB, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "memory-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	db, err := store.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}

	s := NewStore(db, emb, provider)

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
	return s, db, cleanup
}

func TestAddStoresMemoryWithEmbedding(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{
		"Works as a nurse at the city hospital": {1, 0, 0, 0},
	}}
	s, db, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	res, err := s.Add(context.Background(), AddRequest{
		UserID:  "user-1",
		Content: "Works as a nurse at the city hospital",
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if res.Reinforced {
		t.Error("First add must not be a reinforcement")
	}

	got, _ := db.GetMemory(res.Memory.ID)
	if got == nil {
		t.Fatal("Memory not persisted")
	}
	if got.Category != store.CategoryFact {
		t.Errorf("Expected default category fact, got %s", got.Category)
	}
	if len(got.Embedding) != 4 {
		t.Errorf("Expected 4-dim embedding, got %d", len(got.Embedding))
	}
}

func TestAddReinforcesNearDuplicate(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{
		"Lives in Dublin":          {1, 0, 0, 0},
		"Lives in Dublin, Ireland": {0.99, 0.141, 0, 0},
	}}
	s, db, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	ctx := context.Background()
	first, err := s.Add(ctx, AddRequest{UserID: "user-1", Content: "Lives in Dublin", Confidence: 0.8})
	if err != nil {
		t.Fatalf("First add failed: %v", err)
	}

	second, err := s.Add(ctx, AddRequest{UserID: "user-1", Content: "Lives in Dublin, Ireland"})
	if err != nil {
		t.Fatalf("Second add failed: %v", err)
	}
	if !second.Reinforced {
		t.Fatal("Expected near-duplicate to reinforce, not insert")
	}
	if second.Memory.ID != first.Memory.ID {
		t.Errorf("Reinforced wrong memory: %s", second.Memory.ID)
	}
	if second.Memory.TimesConfirmed != 2 {
		t.Errorf("Expected times_confirmed 2, got %d", second.Memory.TimesConfirmed)
	}
	if second.Memory.Confidence < 0.849 || second.Memory.Confidence > 0.851 {
		t.Errorf("Expected confidence 0.85, got %f", second.Memory.Confidence)
	}

	all, _ := db.GetMemoriesByUser("user-1", store.MemoryFilters{})
	if len(all) != 1 {
		t.Errorf("Expected 1 memory after dedup, got %d", len(all))
	}
}

func TestAddDuplicateRequiresSameCategory(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{
		"Runs every morning before work":  {0, 1, 0, 0},
		"Likes running before work a lot": {0, 0.995, 0.0999, 0},
	}}
	s, db, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	ctx := context.Background()
	if _, err := s.Add(ctx, AddRequest{UserID: "user-1", Content: "Runs every morning before work", Category: store.CategoryFact}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	res, err := s.Add(ctx, AddRequest{UserID: "user-1", Content: "Likes running before work a lot", Category: store.CategoryPreference})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if res.Reinforced {
		t.Error("Cross-category similarity must not reinforce")
	}

	all, _ := db.GetMemoriesByUser("user-1", store.MemoryFilters{})
	if len(all) != 2 {
		t.Errorf("Expected 2 memories, got %d", len(all))
	}
}

func TestSearchHybridRanking(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{
		"Enjoys rock climbing on weekends":       {1, 0, 0, 0},
		"Prefers quiet coffee shops for work":    {0, 1, 0, 0},
		"Has a standing desk in the home office": {0, 0.9, 0.1, 0},
		"rock climbing":                          {0.95, 0.05, 0, 0},
	}}
	s, _, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	ctx := context.Background()
	for _, content := range []string{
		"Enjoys rock climbing on weekends",
		"Prefers quiet coffee shops for work",
		"Has a standing desk in the home office",
	} {
		if _, err := s.Add(ctx, AddRequest{UserID: "user-1", Content: content, Category: store.CategoryPreference}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	results, err := s.Search(ctx, "user-1", "rock climbing", SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Expected results")
	}
	if results[0].Memory.Content != "Enjoys rock climbing on weekends" {
		t.Errorf("Expected climbing memory first, got %q", results[0].Memory.Content)
	}
	if results[0].Semantic == 0 {
		t.Error("Expected a semantic component on the top hit")
	}
	if results[0].Keyword == 0 {
		t.Error("Expected a keyword component on the top hit")
	}

	// Returned rows get their access counts bumped.
	got, _ := s.Get(results[0].Memory.ID)
	if got.AccessCount != 1 {
		t.Errorf("Expected access_count 1 after search, got %d", got.AccessCount)
	}
}

func TestSearchKeywordOnlyWhenEmbedderFails(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{}}
	s, db, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	m := &store.Memory{UserID: "user-1", Content: "Registered for the pottery workshop", Category: store.CategoryEvent}
	if err := db.AddMemory(m); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}
	s.bm25.AddDocument(m.Content)

	emb.fail = true
	results, err := s.Search(context.Background(), "user-1", "pottery workshop", SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 keyword-only result, got %d", len(results))
	}
	// With the semantic leg down the keyword leg carries full weight.
	if results[0].Score != results[0].Keyword {
		t.Errorf("Expected score %f to equal keyword leg %f", results[0].Score, results[0].Keyword)
	}
}

func TestSearchCategoryFilter(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{
		"Concert tickets for the jazz festival": {1, 0, 0, 0},
		"Generally enjoys live jazz":            {0.9, 0.1, 0, 0},
		"jazz":                                  {1, 0, 0, 0},
	}}
	s, _, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	ctx := context.Background()
	s.Add(ctx, AddRequest{UserID: "user-1", Content: "Concert tickets for the jazz festival", Category: store.CategoryEvent})
	s.Add(ctx, AddRequest{UserID: "user-1", Content: "Generally enjoys live jazz", Category: store.CategoryPreference})

	results, err := s.Search(ctx, "user-1", "jazz", SearchOptions{Category: store.CategoryPreference})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range results {
		if r.Memory.Category != store.CategoryPreference {
			t.Errorf("Category filter leaked %s", r.Memory.Category)
		}
	}
	if len(results) != 1 {
		t.Errorf("Expected exactly the preference memory, got %d results", len(results))
	}
}

func TestSearchRerank(t *testing.T) {
	provider := &stubLLM{response: `[{"index": 1, "score": 0.9}, {"index": 0, "score": 0.1}]`}
	emb := &stubEmbedder{vecs: map[string][]float64{}}
	s, db, cleanup := setupTestStore(t, emb, provider)
	defer cleanup()

	first := &store.Memory{UserID: "user-1", Content: "Booked flights for the Tokyo trip in October", Category: store.CategoryEvent}
	second := &store.Memory{UserID: "user-1", Content: "Trip insurance paperwork is done", Category: store.CategoryEvent}
	for _, m := range []*store.Memory{first, second} {
		if err := db.AddMemory(m); err != nil {
			t.Fatalf("AddMemory failed: %v", err)
		}
		s.bm25.AddDocument(m.Content)
	}

	emb.fail = true

	// Without rerank the richer keyword match wins.
	plain, err := s.Search(context.Background(), "user-1", "tokyo trip", SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(plain) != 2 || plain[0].Memory.ID != first.ID {
		t.Fatalf("Expected Tokyo memory first pre-rerank, got %+v", plain)
	}

	reranked, err := s.Search(context.Background(), "user-1", "tokyo trip", SearchOptions{Rerank: true, SkipAccessCount: true})
	if err != nil {
		t.Fatalf("Rerank search failed: %v", err)
	}
	if len(reranked) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(reranked))
	}
	if reranked[0].Memory.ID != second.ID {
		t.Errorf("Expected LLM order on top, got %q", reranked[0].Memory.Content)
	}
	if reranked[0].Score != 0.9 {
		t.Errorf("Expected LLM score 0.9, got %f", reranked[0].Score)
	}

	// A failing reranker keeps the hybrid order.
	provider.err = fmt.Errorf("model offline")
	fallback, err := s.Search(context.Background(), "user-1", "tokyo trip", SearchOptions{Rerank: true, SkipAccessCount: true})
	if err != nil {
		t.Fatalf("Search with failing reranker failed: %v", err)
	}
	if fallback[0].Memory.ID != first.ID {
		t.Error("Expected hybrid order when rerank fails")
	}
}

func TestProcessDecayByCategory(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{}}
	s, db, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	fact := &store.Memory{UserID: "user-1", Content: "Holds a pilot license", Category: store.CategoryFact}
	event := &store.Memory{UserID: "user-1", Content: "Attended the street food market", Category: store.CategoryEvent}
	for _, m := range []*store.Memory{fact, event} {
		if err := db.AddMemory(m); err != nil {
			t.Fatalf("AddMemory failed: %v", err)
		}
	}

	tenDaysAgo := time.Now().Add(-10 * 24 * time.Hour).UnixMilli()
	db.TestSetMemoryTimestamps(fact.ID, 0, 0, tenDaysAgo)
	db.TestSetMemoryTimestamps(event.ID, 0, 0, tenDaysAgo)

	n, err := s.ProcessDecay()
	if err != nil {
		t.Fatalf("ProcessDecay failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 decayed memories, got %d", n)
	}

	gotFact, _ := db.GetMemory(fact.ID)
	gotEvent, _ := db.GetMemory(event.ID)

	// fact: exp(-0.008*10) ~= 0.923; event: exp(-0.05*10) ~= 0.607
	if gotFact.Prominence < 0.91 || gotFact.Prominence > 0.94 {
		t.Errorf("Fact prominence after 10 days: %f", gotFact.Prominence)
	}
	if gotEvent.Prominence < 0.59 || gotEvent.Prominence > 0.62 {
		t.Errorf("Event prominence after 10 days: %f", gotEvent.Prominence)
	}
	if gotEvent.Prominence >= gotFact.Prominence {
		t.Error("Events must decay faster than facts")
	}
}

func TestProcessFullDecay(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{}}
	s, db, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	for i := 0; i < 3; i++ {
		m := &store.Memory{UserID: "user-1", Content: fmt.Sprintf("note number %d about gardening", i), Category: store.CategoryFact}
		if err := db.AddMemory(m); err != nil {
			t.Fatalf("AddMemory failed: %v", err)
		}
		db.TestSetMemoryTimestamps(m.ID, 0, 0, old)
	}

	n, err := s.ProcessFullDecay()
	if err != nil {
		t.Fatalf("ProcessFullDecay failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected all 3 memories decayed, got %d", n)
	}
}

func TestArchiveLowUtility(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{}}
	s, db, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	old := time.Now().AddDate(0, 0, -20).UnixMilli()

	idle := &store.Memory{UserID: "user-1", Content: "Mentioned a podcast once", Category: store.CategoryFact}
	used := &store.Memory{UserID: "user-1", Content: "Weekly budget review every Sunday", Category: store.CategoryFact}
	profile := &store.Memory{UserID: "user-1", Content: "Name is Andrea", Category: store.CategoryFact, MemoryType: store.TypeStaticProfile}
	fresh := &store.Memory{UserID: "user-1", Content: "Just started learning the banjo", Category: store.CategoryFact}

	for _, m := range []*store.Memory{idle, used, profile, fresh} {
		if err := db.AddMemory(m); err != nil {
			t.Fatalf("AddMemory failed: %v", err)
		}
	}
	for _, m := range []*store.Memory{idle, used, profile} {
		db.TestSetMemoryTimestamps(m.ID, old, 0, 0)
	}
	// Three accesses keep utility comfortably above the threshold.
	for i := 0; i < 3; i++ {
		db.IncrementAccessCounts([]string{used.ID})
	}

	n, err := s.ArchiveLowUtility(DefaultArchiveThreshold, DefaultArchiveMinAgeDays, DefaultArchiveMaxPerRun)
	if err != nil {
		t.Fatalf("ArchiveLowUtility failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 archived memory, got %d", n)
	}

	gotIdle, _ := db.GetMemory(idle.ID)
	if gotIdle.IsLatest || gotIdle.MemoryType != store.TypeSuperseded {
		t.Errorf("Idle memory not archived: latest=%v type=%s", gotIdle.IsLatest, gotIdle.MemoryType)
	}
	gotUsed, _ := db.GetMemory(used.ID)
	if !gotUsed.IsLatest {
		t.Error("Accessed memory must survive archival")
	}
	gotProfile, _ := db.GetMemory(profile.ID)
	if !gotProfile.IsLatest {
		t.Error("Static profile entries are never archived")
	}
	gotFresh, _ := db.GetMemory(fresh.ID)
	if !gotFresh.IsLatest {
		t.Error("Recent memories must survive archival")
	}
}

func TestArchiveLowUtilityRespectsMaxPerRun(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{}}
	s, db, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	old := time.Now().AddDate(0, 0, -30).UnixMilli()
	for i := 0; i < 5; i++ {
		m := &store.Memory{UserID: "user-1", Content: fmt.Sprintf("stale note %d", i), Category: store.CategoryFact}
		if err := db.AddMemory(m); err != nil {
			t.Fatalf("AddMemory failed: %v", err)
		}
		db.TestSetMemoryTimestamps(m.ID, old, 0, 0)
	}

	n, err := s.ArchiveLowUtility(DefaultArchiveThreshold, DefaultArchiveMinAgeDays, 2)
	if err != nil {
		t.Fatalf("ArchiveLowUtility failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected maxPerRun cap of 2, got %d", n)
	}
}

func TestPruneDecayedArchived(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{}}
	s, db, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	m := &store.Memory{UserID: "user-1", Content: "Forgettable aside about traffic", Category: store.CategoryEvent}
	if err := db.AddMemory(m); err != nil {
		t.Fatalf("AddMemory failed: %v", err)
	}
	db.MarkSuperseded(m.ID)
	db.ApplyProminenceDecay(map[string]float64{m.ID: 0.004}, time.Now().UnixMilli())

	n, err := s.PruneDecayedArchived()
	if err != nil {
		t.Fatalf("PruneDecayedArchived failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned memory, got %d", n)
	}
	if got, _ := db.GetMemory(m.ID); got != nil {
		t.Error("Memory still present after prune")
	}
}

func TestGetStats(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{}}
	s, db, cleanup := setupTestStore(t, emb, nil)
	defer cleanup()

	db.AddMemory(&store.Memory{UserID: "user-1", Content: "Keeps a reading journal", Category: store.CategoryPreference})
	db.AddMemory(&store.Memory{UserID: "user-1", Content: "Sister lives in Madrid", Category: store.CategoryRelationship})

	faded := &store.Memory{UserID: "user-1", Content: "Mentioned a pottery class long ago", Category: store.CategoryEvent}
	db.AddMemory(faded)
	db.ApplyProminenceDecay(map[string]float64{faded.ID: 0.2}, time.Now().UnixMilli())

	if _, err := db.CreateSession("sess-1", "user-1", "chat"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := db.AddSessionSummary(&store.SessionSummary{
		SessionID: "sess-1", UserID: "user-1", Summary: "Talked about books",
	}); err != nil {
		t.Fatalf("AddSessionSummary failed: %v", err)
	}

	stats, err := s.GetStats("user-1")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Expected 3 total, got %d", stats.Total)
	}
	if stats.Active != 2 || stats.Dormant != 1 {
		t.Errorf("Expected 2 active / 1 dormant, got %d/%d", stats.Active, stats.Dormant)
	}
	if stats.ByCategory["preference"] != 1 || stats.ByCategory["relationship"] != 1 {
		t.Errorf("Category breakdown wrong: %v", stats.ByCategory)
	}
	if stats.SessionSummaries != 1 {
		t.Errorf("Expected 1 session summary, got %d", stats.SessionSummaries)
	}
}
