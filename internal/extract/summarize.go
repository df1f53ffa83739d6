package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vthunder/engram/internal/embedding"
	"github.com/vthunder/engram/internal/llm"
	"github.com/vthunder/engram/internal/store"
)

const (
	// DefaultMinMessages is the smallest session worth summarizing.
	DefaultMinMessages = 4
	// DefaultMaxTranscriptLen caps the transcript sent to the model.
	DefaultMaxTranscriptLen = 8000
)

const sessionSummaryPrompt = `Summarize this conversation for long-term memory.

RULES:
- Two to four sentences covering what the user wanted, what was decided, and any open follow-ups.
- "topics" is a short list of lowercase topic tags, one to three words each.
- Write in the third person; refer to the speaker as "the user".

CONVERSATION:
%s

Return ONLY JSON:
{"summary":"...","topics":["...","..."]}

JSON:`

// Summarizer condenses finished sessions into one summary row each.
type Summarizer struct {
	db       *store.DB
	embedder embedding.Provider
	llm      llm.Provider

	// Configuration
	MinMessages      int
	MaxTranscriptLen int
}

// NewSummarizer creates a summarizer with default limits.
func NewSummarizer(db *store.DB, embedder embedding.Provider, provider llm.Provider) *Summarizer {
	return &Summarizer{
		db:               db,
		embedder:         embedder,
		llm:              provider,
		MinMessages:      DefaultMinMessages,
		MaxTranscriptLen: DefaultMaxTranscriptLen,
	}
}

// SummarizeSession produces the session's summary row. Returns false
// without touching the model when the session already has a summary or
// is too short.
func (s *Summarizer) SummarizeSession(ctx context.Context, sessionID string) (bool, error) {
	existing, err := s.db.GetSessionSummary(sessionID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	sess, err := s.db.GetSession(sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, fmt.Errorf("session %s not found", sessionID)
	}

	msgs, err := s.db.GetSessionMessages(sessionID)
	if err != nil {
		return false, err
	}
	if len(msgs) < s.MinMessages {
		return false, nil
	}
	if s.llm == nil {
		return false, fmt.Errorf("no llm provider configured")
	}

	raw, err := llm.CompleteText(ctx, s.llm,
		"You summarize conversations for long-term storage. Respond with JSON only.",
		fmt.Sprintf(sessionSummaryPrompt, buildTranscript(msgs, s.MaxTranscriptLen)))
	if err != nil {
		return false, fmt.Errorf("summary generation failed: %w", err)
	}

	payload := llm.ExtractJSON(raw)
	if payload == "" {
		return false, fmt.Errorf("no JSON in summary response")
	}
	var parsed struct {
		Summary string   `json:"summary"`
		Topics  []string `json:"topics"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return false, fmt.Errorf("failed to parse summary response: %w", err)
	}
	parsed.Summary = strings.TrimSpace(parsed.Summary)
	if parsed.Summary == "" {
		return false, fmt.Errorf("model returned an empty summary")
	}

	summary := &store.SessionSummary{
		SessionID:    sessionID,
		UserID:       sess.UserID,
		Summary:      parsed.Summary,
		Topics:       parsed.Topics,
		MessageCount: len(msgs),
		DurationMs:   msgs[len(msgs)-1].CreatedAt - msgs[0].CreatedAt,
	}
	if s.embedder != nil {
		if emb, err := s.embedder.Embed(ctx, parsed.Summary); err != nil {
			log.Printf("[extract] Summary embedding failed for %s: %v", sessionID, err)
		} else {
			summary.Embedding = emb
		}
	}

	if err := s.db.AddSessionSummary(summary); err != nil {
		return false, err
	}
	log.Printf("[extract] Summarized session %s (%d messages, %d topics)",
		sessionID, summary.MessageCount, len(summary.Topics))
	return true, nil
}

// SummarizeIdleSessions summarizes every unsummarized session whose
// last message is older than the threshold. Returns how many summaries
// were written.
func (s *Summarizer) SummarizeIdleSessions(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	sessions, err := s.db.SessionsNeedingSummary(cutoff)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sess := range sessions {
		ok, err := s.SummarizeSession(ctx, sess.ID)
		if err != nil {
			log.Printf("[extract] Failed to summarize session %s: %v", sess.ID, err)
			continue
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func buildTranscript(msgs []*store.SessionMessage, maxLen int) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	t := b.String()
	if len(t) > maxLen {
		t = t[:maxLen] + "..."
	}
	return t
}
