package extract

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/vthunder/engram/internal/store"
)

func setupTestSummarizer(t *testing.T, emb *stubEmbedder, provider *stubLLM) (*Summarizer, *store.DB, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "summarize-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := store.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}
	s := NewSummarizer(db, emb, provider)
	return s, db, func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func addSessionWithMessages(t *testing.T, db *store.DB, userID string, n int) (*store.Session, []*store.SessionMessage) {
	t.Helper()
	sess, err := db.CreateSession("", userID, "telegram")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	var msgs []*store.SessionMessage
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		m, err := db.AddSessionMessage(sess.ID, role, "message about planning a trip to Japan")
		if err != nil {
			t.Fatalf("Failed to add message: %v", err)
		}
		msgs = append(msgs, m)
	}
	return sess, msgs
}

func TestSummarizeSessionWritesOneSummary(t *testing.T) {
	summaryText := "The user planned a spring trip to Japan and asked for an itinerary."
	emb := &stubEmbedder{vecs: map[string][]float64{
		summaryText: {0.5, 0.5, 0, 0},
	}}
	provider := &stubLLM{response: `{
		"summary": "The user planned a spring trip to Japan and asked for an itinerary.",
		"topics": ["travel", "japan"]
	}`}
	s, db, cleanup := setupTestSummarizer(t, emb, provider)
	defer cleanup()

	sess, _ := addSessionWithMessages(t, db, "user-1", 4)

	ok, err := s.SummarizeSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("SummarizeSession failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected a summary to be written")
	}

	summary, err := db.GetSessionSummary(sess.ID)
	if err != nil {
		t.Fatalf("Failed to fetch summary: %v", err)
	}
	if summary == nil {
		t.Fatal("Summary row missing")
	}
	if summary.Summary != summaryText {
		t.Errorf("Wrong summary text: %q", summary.Summary)
	}
	if len(summary.Topics) != 2 || summary.Topics[0] != "travel" {
		t.Errorf("Wrong topics: %v", summary.Topics)
	}
	if summary.MessageCount != 4 {
		t.Errorf("Wrong message count: %d", summary.MessageCount)
	}
	if summary.DurationMs < 0 {
		t.Errorf("Negative duration: %d", summary.DurationMs)
	}
	if summary.UserID != "user-1" {
		t.Errorf("Wrong user: %q", summary.UserID)
	}
	if len(summary.Embedding) != 4 {
		t.Errorf("Summary embedding missing: %d dims", len(summary.Embedding))
	}

	// The second run is a no-op and never calls the model again.
	ok, err = s.SummarizeSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Second SummarizeSession failed: %v", err)
	}
	if ok {
		t.Error("Session was summarized twice")
	}
	if provider.calls != 1 {
		t.Errorf("Expected 1 model call, got %d", provider.calls)
	}
}

func TestSummarizeSessionSkipsShortSessions(t *testing.T) {
	provider := &stubLLM{response: `{"summary": "unused", "topics": []}`}
	s, db, cleanup := setupTestSummarizer(t, &stubEmbedder{vecs: map[string][]float64{}}, provider)
	defer cleanup()

	sess, _ := addSessionWithMessages(t, db, "user-1", 3)

	ok, err := s.SummarizeSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("SummarizeSession failed: %v", err)
	}
	if ok || provider.calls != 0 {
		t.Errorf("Short session reached the model: ok=%v calls=%d", ok, provider.calls)
	}
}

func TestSummarizeIdleSessions(t *testing.T) {
	provider := &stubLLM{response: `{
		"summary": "The user compared two laptops and picked one.",
		"topics": ["shopping"]
	}`}
	s, db, cleanup := setupTestSummarizer(t, &stubEmbedder{vecs: map[string][]float64{}}, provider)
	defer cleanup()

	old := time.Now().Add(-2 * time.Hour).UnixMilli()

	// Idle long session: summarized.
	longSess, longMsgs := addSessionWithMessages(t, db, "user-1", 4)
	for _, m := range longMsgs {
		if err := db.TestSetSessionMessageTime(m.ID, old); err != nil {
			t.Fatalf("Failed to age message: %v", err)
		}
	}

	// Idle short session: skipped.
	_, shortMsgs := addSessionWithMessages(t, db, "user-1", 2)
	for _, m := range shortMsgs {
		if err := db.TestSetSessionMessageTime(m.ID, old); err != nil {
			t.Fatalf("Failed to age message: %v", err)
		}
	}

	// Still-active session: not old enough.
	addSessionWithMessages(t, db, "user-1", 4)

	count, err := s.SummarizeIdleSessions(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("SummarizeIdleSessions failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 summary, got %d", count)
	}
	if provider.calls != 1 {
		t.Errorf("Expected 1 model call, got %d", provider.calls)
	}

	summary, _ := db.GetSessionSummary(longSess.ID)
	if summary == nil {
		t.Error("Idle session was not summarized")
	}
}
