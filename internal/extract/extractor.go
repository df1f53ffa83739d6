// Package extract turns raw conversation text into durable memories.
// The extractor pulls candidate facts out of each user turn with one
// LLM call and deduplicates them against the memory store before
// inserting; the summarizer condenses finished sessions offline.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tsawler/prose/v3"

	"github.com/vthunder/engram/internal/embedding"
	"github.com/vthunder/engram/internal/llm"
	"github.com/vthunder/engram/internal/memory"
	"github.com/vthunder/engram/internal/store"
)

const (
	// DefaultReinforceThreshold treats a near-identical stored fact as
	// confirmation of the new one.
	DefaultReinforceThreshold = 0.95
	// DefaultConflictThreshold marks the band below reinforcement where
	// a value mismatch means the new fact supersedes the old.
	DefaultConflictThreshold = 0.85
	// DefaultMaxTurnLength caps how much of a turn goes to the model.
	DefaultMaxTurnLength = 2000
)

const factExtractionPrompt = `Extract durable facts about the user from this message.

CATEGORIES (use these exact labels):
- preference: likes, dislikes, habits, tastes
- fact: stable personal facts (location, employer, family, possessions)
- event: dated happenings (trips, deadlines, appointments)
- relationship: people in the user's life and how they relate
- insight: conclusions about the user worth keeping

RULES:
- Each fact must be one self-contained sentence, understandable without the conversation.
- Only extract durable information. Skip small talk, questions, and instructions to the assistant.
- "subject" is who or what the fact is about; use "user" when it is about the speaker.
- "action" is always "fact".
- When the user asks to be reminded or nudged about something, add a proactive trigger with an absolute ISO 8601 time. Do not invent triggers the user did not ask for.

MESSAGE: "%s"

Return ONLY JSON:
{"facts":[{"content":"...","subject":"user","category":"fact","confidence":0.9,"action":"fact"}],"proactive_triggers":[{"message":"...","triggerAt":"2026-01-15T09:00:00Z","type":"reminder"}]}

If nothing qualifies, return: {"facts":[],"proactive_triggers":[]}

JSON:`

// ExtractedFact is one candidate fact from the model.
type ExtractedFact struct {
	Content    string  `json:"content"`
	Subject    string  `json:"subject"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Action     string  `json:"action"`
}

// ProactiveTrigger is a reminder request the model spotted in the turn.
type ProactiveTrigger struct {
	Message   string `json:"message"`
	TriggerAt string `json:"triggerAt"`
	Type      string `json:"type"`
}

type turnPayload struct {
	Facts             []ExtractedFact    `json:"facts"`
	ProactiveTriggers []ProactiveTrigger `json:"proactive_triggers"`
}

// TurnResult reports what one processed turn produced. FactsStored
// counts inserts, including the conflicting ones counted again in
// Conflicts.
type TurnResult struct {
	FactsStored     int
	FactsReinforced int
	Conflicts       int
	TriggersQueued  int
}

// Extractor extracts facts from user turns and files them into the
// memory store.
type Extractor struct {
	db       *store.DB
	memories *memory.Store
	embedder embedding.Provider
	llm      llm.Provider

	// Configuration
	ReinforceThreshold float64
	ConflictThreshold  float64
	MaxTurnLength      int
}

// NewExtractor creates an extractor with default thresholds.
func NewExtractor(db *store.DB, memories *memory.Store, embedder embedding.Provider, provider llm.Provider) *Extractor {
	return &Extractor{
		db:                 db,
		memories:           memories,
		embedder:           embedder,
		llm:                provider,
		ReinforceThreshold: DefaultReinforceThreshold,
		ConflictThreshold:  DefaultConflictThreshold,
		MaxTurnLength:      DefaultMaxTurnLength,
	}
}

// ProcessTurn runs one extraction call over a user turn, files each
// fact (reinforce, supersede, or insert), and queues any reminder
// triggers. Per-fact failures are logged and skipped so one bad fact
// cannot sink the turn.
func (e *Extractor) ProcessTurn(ctx context.Context, userID, sessionID, text string) (*TurnResult, error) {
	result := &TurnResult{}

	text = strings.TrimSpace(text)
	if text == "" {
		return result, nil
	}
	if e.llm == nil {
		return nil, fmt.Errorf("no llm provider configured")
	}
	if len(text) > e.MaxTurnLength {
		text = text[:e.MaxTurnLength] + "..."
	}

	raw, err := llm.CompleteText(ctx, e.llm,
		"You extract durable facts from conversations. Respond with JSON only.",
		fmt.Sprintf(factExtractionPrompt, text))
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}

	payload := llm.ExtractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON in extraction response")
	}
	var parsed turnPayload
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}

	for _, fact := range parsed.Facts {
		outcome, err := e.storeFact(ctx, userID, text, fact)
		if err != nil {
			log.Printf("[extract] Failed to store fact %q: %v", fact.Content, err)
			continue
		}
		switch outcome {
		case outcomeStored:
			result.FactsStored++
		case outcomeReinforced:
			result.FactsReinforced++
		case outcomeConflict:
			result.FactsStored++
			result.Conflicts++
		}
	}

	for _, trig := range parsed.ProactiveTriggers {
		queued, err := e.queueTrigger(userID, sessionID, trig)
		if err != nil {
			log.Printf("[extract] Failed to queue trigger %q: %v", trig.Message, err)
			continue
		}
		if queued {
			result.TriggersQueued++
		}
	}

	if result.FactsStored+result.FactsReinforced+result.TriggersQueued > 0 {
		log.Printf("[extract] Turn for %s: %d stored, %d reinforced, %d conflicts, %d triggers",
			userID, result.FactsStored, result.FactsReinforced, result.Conflicts, result.TriggersQueued)
	}
	return result, nil
}

const (
	outcomeSkipped    = "skipped"
	outcomeStored     = "stored"
	outcomeReinforced = "reinforced"
	outcomeConflict   = "conflict"
)

// storeFact embeds the fact once and routes it: reinforce a
// near-duplicate, insert with an UPDATES edge and contradiction marks
// when it contradicts a close match, or plain insert. The embedding is
// shared between the dedup search and the insert.
func (e *Extractor) storeFact(ctx context.Context, userID, sourceText string, fact ExtractedFact) (string, error) {
	content := strings.TrimSpace(fact.Content)
	if content == "" {
		return outcomeSkipped, nil
	}

	category := store.Category(strings.ToLower(strings.TrimSpace(fact.Category)))
	if !store.ValidCategory(category) {
		category = store.CategoryFact
	}
	confidence := fact.Confidence
	if confidence <= 0 {
		confidence = 0.7
	}

	var emb []float64
	if e.embedder != nil {
		var err error
		emb, err = e.embedder.Embed(ctx, content)
		if err != nil {
			log.Printf("[extract] Embedding failed for %q, storing without dedup: %v", content, err)
			emb = nil
		}
	}

	var top *memory.SearchResult
	if len(emb) > 0 {
		results, err := e.memories.Search(ctx, userID, content, memory.SearchOptions{
			Limit:           1,
			QueryEmbedding:  emb,
			SkipAccessCount: true,
		})
		if err != nil {
			log.Printf("[extract] Dedup search failed for %q: %v", content, err)
		} else if len(results) > 0 {
			top = &results[0]
		}
	}

	if top != nil && top.Semantic >= e.ReinforceThreshold {
		if err := e.memories.Reinforce(top.Memory.ID); err != nil {
			return "", fmt.Errorf("failed to reinforce %s: %w", top.Memory.ID, err)
		}
		return outcomeReinforced, nil
	}

	conflict := top != nil &&
		top.Semantic >= e.ConflictThreshold &&
		top.Semantic < e.ReinforceThreshold &&
		conflictingValues(content, top.Memory.Content)

	added, err := e.memories.Add(ctx, memory.AddRequest{
		UserID:      userID,
		Content:     content,
		Category:    category,
		Confidence:  confidence,
		Source:      "extraction",
		SourceChunk: sourceText,
		LearnedFrom: "conversation",
		Metadata:    map[string]any{"subject": factSubject(fact.Subject, content)},
		Embedding:   emb,
		// The relation classifier runs on its own schedule.
		SkipRelationDetection: true,
	})
	if err != nil {
		return "", err
	}
	if added.Reinforced {
		return outcomeReinforced, nil
	}

	if conflict {
		if err := e.db.AddRelation(added.Memory.ID, top.Memory.ID, store.RelationUpdates, top.Semantic); err != nil {
			log.Printf("[extract] Failed to record UPDATES edge %s -> %s: %v", added.Memory.ID, top.Memory.ID, err)
		}
		if err := e.db.AddContradiction(added.Memory.ID, top.Memory.ID); err != nil {
			log.Printf("[extract] Failed to record contradiction: %v", err)
		}
		return outcomeConflict, nil
	}
	return outcomeStored, nil
}

// queueTrigger files a reminder as a pending scheduled item unless a
// similar pending one already exists. Returns whether a row was added.
func (e *Extractor) queueTrigger(userID, sessionID string, trig ProactiveTrigger) (bool, error) {
	message := strings.TrimSpace(trig.Message)
	if message == "" {
		return false, fmt.Errorf("trigger has no message")
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(trig.TriggerAt))
	if err != nil {
		return false, fmt.Errorf("unparseable trigger time %q: %w", trig.TriggerAt, err)
	}
	if at.Before(time.Now().Add(-time.Minute)) {
		return false, fmt.Errorf("trigger time %s is in the past", trig.TriggerAt)
	}

	dup, err := e.db.HasSimilarPendingScheduledItem(userID, message)
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}

	itemType := strings.TrimSpace(trig.Type)
	if itemType == "" {
		itemType = "reminder"
	}
	item := &store.ScheduledItem{
		UserID:    userID,
		SessionID: sessionID,
		Source:    "user",
		Kind:      "nudge",
		Type:      itemType,
		Message:   message,
		TriggerAt: at.UnixMilli(),
	}
	if err := e.db.AddScheduledItem(item); err != nil {
		return false, err
	}
	return true, nil
}

// valuePatterns anchor conflict detection: two facts sharing a pattern
// with different values cannot both hold.
var valuePatterns = []string{
	"lives in",
	"works at",
	"works for",
	"office is",
	"moved to",
}

func conflictingValues(newText, oldText string) bool {
	newLower := strings.ToLower(newText)
	oldLower := strings.ToLower(oldText)
	for _, pattern := range valuePatterns {
		newVal := patternValue(newLower, pattern)
		oldVal := patternValue(oldLower, pattern)
		if newVal != "" && oldVal != "" && newVal != oldVal {
			return true
		}
	}
	return false
}

// patternValue pulls the normalized value after a pattern: leading
// prepositions and articles stripped, first content token kept.
func patternValue(text, pattern string) string {
	idx := strings.Index(text, pattern)
	if idx < 0 {
		return ""
	}
	for _, word := range strings.Fields(text[idx+len(pattern):]) {
		word = strings.Trim(word, ".,!?;:\"'()")
		switch word {
		case "", "in", "at", "on", "the", "a", "an", "near", "by", "to":
			continue
		}
		return word
	}
	return ""
}

// noiseSubjects are pronouns and placeholders the model sometimes
// emits as a subject; they carry no retrieval value.
var noiseSubjects = map[string]bool{
	"": true, "i": true, "me": true, "my": true, "speaker": true,
	"he": true, "she": true, "they": true, "them": true, "it": true,
	"this": true, "that": true, "someone": true, "unknown": true,
}

// factSubject normalizes the model's subject, falling back to named
// entity recognition over the fact text, then to "user".
func factSubject(subject, content string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	if s == "user" {
		return "user"
	}
	if !noiseSubjects[s] {
		return strings.TrimSpace(subject)
	}

	doc, err := prose.NewDocument(content)
	if err != nil {
		return "user"
	}
	for _, ent := range doc.Entities() {
		switch strings.ToUpper(ent.Label) {
		case "PERSON", "ORG", "GPE":
			return ent.Text
		}
	}
	return "user"
}
