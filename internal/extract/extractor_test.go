package extract

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/vthunder/engram/internal/llm"
	"github.com/vthunder/engram/internal/memory"
	"github.com/vthunder/engram/internal/store"
)

type stubEmbedder struct {
	vecs map[string][]float64
}

func (s *stubEmbedder) Name() string      { return "stub" }
func (s *stubEmbedder) Dimension() int    { return 4 }
func (s *stubEmbedder) IsAvailable() bool { return true }

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
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

func setupTestExtractor(t *testing.T, emb *stubEmbedder, provider *stubLLM) (*Extractor, *store.DB, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "extract-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := store.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}
	mem := memory.NewStore(db, emb, nil)
	e := NewExtractor(db, mem, emb, provider)
	return e, db, func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestProcessTurnStoresNewFacts(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{
		"Lives in Lisbon": {1, 0, 0, 0},
	}}
	provider := &stubLLM{response: `{
		"facts": [{"content": "Lives in Lisbon", "subject": "user", "category": "fact", "confidence": 0.9, "action": "fact"}],
		"proactive_triggers": []
	}`}
	e, db, cleanup := setupTestExtractor(t, emb, provider)
	defer cleanup()

	result, err := e.ProcessTurn(context.Background(), "user-1", "sess-1", "btw I live in Lisbon now")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if result.FactsStored != 1 || result.FactsReinforced != 0 {
		t.Errorf("Expected 1 stored / 0 reinforced, got %+v", result)
	}

	mems, err := db.GetMemoriesByUser("user-1", store.MemoryFilters{})
	if err != nil {
		t.Fatalf("Failed to list memories: %v", err)
	}
	if len(mems) != 1 {
		t.Fatalf("Expected 1 memory, got %d", len(mems))
	}
	m := mems[0]
	if m.Content != "Lives in Lisbon" || m.Category != store.CategoryFact {
		t.Errorf("Wrong memory stored: %+v", m)
	}
	if m.Source != "extraction" || m.Confidence != 0.9 {
		t.Errorf("Wrong source/confidence: %s / %f", m.Source, m.Confidence)
	}
	if len(m.Embedding) != 4 {
		t.Errorf("Embedding not stored, got %d dims", len(m.Embedding))
	}
	if m.Metadata["subject"] != "user" {
		t.Errorf("Wrong subject: %v", m.Metadata["subject"])
	}
}

func TestProcessTurnReinforcesDuplicate(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{
		"Lives in Lisbon":           {1, 0, 0, 0},
		"Lives in Lisbon, Portugal": {0.99, 0.141, 0, 0},
	}}
	provider := &stubLLM{response: `{
		"facts": [{"content": "Lives in Lisbon, Portugal", "subject": "user", "category": "fact", "confidence": 0.9, "action": "fact"}],
		"proactive_triggers": []
	}`}
	e, db, cleanup := setupTestExtractor(t, emb, provider)
	defer cleanup()

	existing, err := e.memories.Add(context.Background(), memory.AddRequest{
		UserID: "user-1", Content: "Lives in Lisbon", Category: store.CategoryFact,
	})
	if err != nil {
		t.Fatalf("Failed to seed memory: %v", err)
	}

	result, err := e.ProcessTurn(context.Background(), "user-1", "sess-1", "I live in Lisbon, Portugal")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if result.FactsReinforced != 1 || result.FactsStored != 0 {
		t.Errorf("Expected 1 reinforced / 0 stored, got %+v", result)
	}

	m, _ := db.GetMemory(existing.Memory.ID)
	if m.TimesConfirmed != 2 {
		t.Errorf("Expected times_confirmed 2, got %d", m.TimesConfirmed)
	}
	mems, _ := db.GetMemoriesByUser("user-1", store.MemoryFilters{})
	if len(mems) != 1 {
		t.Errorf("Duplicate fact created a new row: %d memories", len(mems))
	}
}

func TestProcessTurnRecordsConflict(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float64{
		"Works at Globex":  {1, 0, 0, 0},
		"Works at Initech": {0.9, 0.436, 0, 0},
	}}
	provider := &stubLLM{response: `{
		"facts": [{"content": "Works at Initech", "subject": "user", "category": "fact", "confidence": 0.85, "action": "fact"}],
		"proactive_triggers": []
	}`}
	e, db, cleanup := setupTestExtractor(t, emb, provider)
	defer cleanup()

	seeded, err := e.memories.Add(context.Background(), memory.AddRequest{
		UserID: "user-1", Content: "Works at Globex", Category: store.CategoryFact,
	})
	if err != nil {
		t.Fatalf("Failed to seed memory: %v", err)
	}

	result, err := e.ProcessTurn(context.Background(), "user-1", "sess-1", "I joined Initech last week")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if result.FactsStored != 1 || result.Conflicts != 1 {
		t.Errorf("Expected 1 stored / 1 conflict, got %+v", result)
	}

	mems, _ := db.GetMemoriesByUser("user-1", store.MemoryFilters{})
	if len(mems) != 2 {
		t.Fatalf("Expected 2 memories, got %d", len(mems))
	}
	var newer *store.Memory
	for _, m := range mems {
		if m.Content == "Works at Initech" {
			newer = m
		}
	}
	if newer == nil {
		t.Fatal("Conflicting fact was not inserted")
	}

	rels, err := db.GetOutgoingRelations(newer.ID, store.RelationUpdates)
	if err != nil {
		t.Fatalf("Failed to get relations: %v", err)
	}
	if len(rels) != 1 || rels[0].TargetID != seeded.Memory.ID {
		t.Errorf("Expected UPDATES edge to the contradicted fact, got %+v", rels)
	}

	gotOld, _ := db.GetMemory(seeded.Memory.ID)
	gotNew, _ := db.GetMemory(newer.ID)
	if len(gotOld.ContradictionIDs) != 1 || gotOld.ContradictionIDs[0] != newer.ID {
		t.Errorf("Old memory missing contradiction mark: %v", gotOld.ContradictionIDs)
	}
	if len(gotNew.ContradictionIDs) != 1 || gotNew.ContradictionIDs[0] != seeded.Memory.ID {
		t.Errorf("New memory missing contradiction mark: %v", gotNew.ContradictionIDs)
	}
}

func TestProcessTurnQueuesTriggers(t *testing.T) {
	futureISO := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	provider := &stubLLM{response: fmt.Sprintf(`{
		"facts": [],
		"proactive_triggers": [{"message": "Call the dentist", "triggerAt": %q, "type": "reminder"}]
	}`, futureISO)}
	e, db, cleanup := setupTestExtractor(t, &stubEmbedder{vecs: map[string][]float64{}}, provider)
	defer cleanup()

	result, err := e.ProcessTurn(context.Background(), "user-1", "sess-1", "remind me to call the dentist")
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if result.TriggersQueued != 1 {
		t.Fatalf("Expected 1 trigger queued, got %d", result.TriggersQueued)
	}

	items, _ := db.GetScheduledItemsForUser("user-1", store.StatusPending)
	if len(items) != 1 {
		t.Fatalf("Expected 1 pending item, got %d", len(items))
	}
	it := items[0]
	if it.Source != "user" || it.Kind != "nudge" || it.Type != "reminder" {
		t.Errorf("Wrong item shape: source=%s kind=%s type=%s", it.Source, it.Kind, it.Type)
	}
	want, _ := time.Parse(time.RFC3339, futureISO)
	if it.TriggerAt != want.UnixMilli() {
		t.Errorf("Wrong trigger time: got %d, want %d", it.TriggerAt, want.UnixMilli())
	}
	if it.SessionID != "sess-1" {
		t.Errorf("Session not carried: %q", it.SessionID)
	}

	// A similar pending reminder suppresses the second copy.
	result, err = e.ProcessTurn(context.Background(), "user-1", "sess-1", "please remind me to call the dentist")
	if err != nil {
		t.Fatalf("Second ProcessTurn failed: %v", err)
	}
	if result.TriggersQueued != 0 {
		t.Errorf("Duplicate trigger was queued")
	}
	items, _ = db.GetScheduledItemsForUser("user-1", store.StatusPending)
	if len(items) != 1 {
		t.Errorf("Expected still 1 pending item, got %d", len(items))
	}

	// Past trigger times are rejected.
	pastISO := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	provider.response = fmt.Sprintf(`{
		"facts": [],
		"proactive_triggers": [{"message": "Water the plants", "triggerAt": %q, "type": "reminder"}]
	}`, pastISO)
	result, err = e.ProcessTurn(context.Background(), "user-1", "sess-1", "remind me to water the plants")
	if err != nil {
		t.Fatalf("Third ProcessTurn failed: %v", err)
	}
	if result.TriggersQueued != 0 {
		t.Errorf("Past trigger was queued")
	}
}

func TestProcessTurnFailureModes(t *testing.T) {
	provider := &stubLLM{}
	e, _, cleanup := setupTestExtractor(t, &stubEmbedder{vecs: map[string][]float64{}}, provider)
	defer cleanup()

	// Blank turns never reach the model.
	result, err := e.ProcessTurn(context.Background(), "user-1", "sess-1", "   ")
	if err != nil {
		t.Fatalf("Blank turn failed: %v", err)
	}
	if result.FactsStored != 0 || provider.calls != 0 {
		t.Errorf("Blank turn did work: %+v, %d calls", result, provider.calls)
	}

	provider.err = fmt.Errorf("model offline")
	if _, err := e.ProcessTurn(context.Background(), "user-1", "sess-1", "I live in Oslo"); err == nil {
		t.Error("Expected error when the model is down")
	}

	provider.err = nil
	provider.response = "I could not find anything worth keeping."
	if _, err := e.ProcessTurn(context.Background(), "user-1", "sess-1", "I live in Oslo"); err == nil {
		t.Error("Expected error for a response without JSON")
	}
}

func TestConflictingValues(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"Lives in Cork", "Lives in Dublin", true},
		{"Lives in Cork", "Lives in Cork", false},
		{"Works at Acme", "Enjoys hiking on weekends", false},
		{"Moved to Berlin.", "moved to berlin", false},
		{"Office is in the Mission", "Office is in SoMa", true},
	}
	for _, c := range cases {
		if got := conflictingValues(c.a, c.b); got != c.want {
			t.Errorf("conflictingValues(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestFactSubject(t *testing.T) {
	if got := factSubject("user", "Lives in Lisbon"); got != "user" {
		t.Errorf("Expected user, got %q", got)
	}
	if got := factSubject("Sarah", "Sarah runs marathons"); got != "Sarah" {
		t.Errorf("Expected Sarah, got %q", got)
	}
	// Pronoun subjects fall back to entity recognition, then to "user"
	// when the text names nobody.
	if got := factSubject("me", "likes pizza with pineapple"); got != "user" {
		t.Errorf("Expected user fallback, got %q", got)
	}
}
