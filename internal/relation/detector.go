// Package relation detects typed links between a new memory and the
// memories it updates, extends, or derives from. Classification is
// LLM-first with a regex fallback so the graph keeps growing while the
// model is down.
package relation

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
	DefaultCandidateLimit      = 30
	DefaultExtendThreshold     = 0.5
	DefaultUpdateThreshold     = 0.7
	DefaultEarlyExitConfidence = 0.85
	DefaultMaxRelations        = 5
)

// Detector classifies how a new memory relates to existing ones and
// writes the resulting edges.
type Detector struct {
	db       *store.DB
	embedder embedding.Provider
	llm      llm.Provider

	// Configuration
	CandidateLimit      int
	ExtendThreshold     float64
	UpdateThreshold     float64
	EarlyExitConfidence float64
	MaxRelations        int
}

// NewDetector creates a detector. The LLM provider is optional; without
// it classification uses the regex rules directly.
func NewDetector(db *store.DB, embedder embedding.Provider, provider llm.Provider) *Detector {
	return &Detector{
		db:                  db,
		embedder:            embedder,
		llm:                 provider,
		CandidateLimit:      DefaultCandidateLimit,
		ExtendThreshold:     DefaultExtendThreshold,
		UpdateThreshold:     DefaultUpdateThreshold,
		EarlyExitConfidence: DefaultEarlyExitConfidence,
		MaxRelations:        DefaultMaxRelations,
	}
}

// scoredCandidate pairs a candidate memory with its similarity to the
// new memory.
type scoredCandidate struct {
	memory     *store.Memory
	similarity float64
}

// verdict is one classification result, either from the LLM or from
// the regex rules.
type verdict struct {
	TargetID       string  `json:"targetId"`
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
}

// DetectRelations finds and persists relations from the new memory to
// same-category candidates. Returns the created edges.
func (d *Detector) DetectRelations(ctx context.Context, m *store.Memory) ([]*store.Relation, error) {
	if m == nil || m.ID == "" {
		return nil, fmt.Errorf("memory is required")
	}

	emb := m.Embedding
	if len(emb) == 0 && d.embedder != nil {
		var err error
		emb, err = d.embedder.Embed(ctx, m.Content)
		if err != nil {
			log.Printf("[relation] Embedding failed, skipping detection for %s: %v", m.ID, err)
			return nil, nil
		}
	}
	if len(emb) == 0 {
		return nil, nil
	}

	candidates, err := d.gatherCandidates(ctx, m, emb)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var verdicts []verdict
	if d.llm != nil {
		verdicts = d.classifyWithLLM(ctx, m, candidates)
		if isSentinelFailure(verdicts) {
			log.Printf("[relation] Classifier unavailable, using regex rules for %s", m.ID)
			verdicts = classifyWithRules(m, candidates)
		}
	} else {
		verdicts = classifyWithRules(m, candidates)
	}

	sort.SliceStable(verdicts, func(i, j int) bool {
		return verdicts[i].Confidence > verdicts[j].Confidence
	})

	var created []*store.Relation
	for _, v := range verdicts {
		if len(created) >= d.MaxRelations {
			break
		}
		if v.Classification == "NEW" || v.TargetID == "" || v.TargetID == m.ID {
			continue
		}
		relType := store.RelationType(strings.ToUpper(v.Classification))
		if !store.ValidRelationType(relType) {
			continue
		}
		if err := d.db.AddRelation(m.ID, v.TargetID, relType, v.Confidence); err != nil {
			log.Printf("[relation] Failed to add %s edge %s -> %s: %v", relType, m.ID, v.TargetID, err)
			continue
		}
		created = append(created, &store.Relation{
			SourceID:   m.ID,
			TargetID:   v.TargetID,
			Type:       relType,
			Confidence: v.Confidence,
		})
		if relType == store.RelationUpdates && v.Confidence >= d.EarlyExitConfidence {
			break
		}
	}

	return created, nil
}

// gatherCandidates pulls same-category latest memories, fills in any
// missing embeddings in one batch, and keeps those similar enough to
// plausibly relate.
func (d *Detector) gatherCandidates(ctx context.Context, m *store.Memory, emb []float64) ([]scoredCandidate, error) {
	latest := true
	pool, err := d.db.GetMemoriesByUser(m.UserID, store.MemoryFilters{
		Category: m.Category,
		IsLatest: &latest,
		Limit:    d.CandidateLimit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidates: %w", err)
	}

	candidates := make([]*store.Memory, 0, len(pool))
	for _, c := range pool {
		if c.ID == m.ID {
			continue
		}
		candidates = append(candidates, c)
		if len(candidates) == d.CandidateLimit {
			break
		}
	}

	// Backfill embeddings for candidates that predate the vector index.
	var missing []*store.Memory
	for _, c := range candidates {
		if len(c.Embedding) == 0 {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 && d.embedder != nil {
		texts := make([]string, len(missing))
		for i, c := range missing {
			texts[i] = c.Content
		}
		embs, err := d.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			log.Printf("[relation] Batch embed failed for %d candidates: %v", len(missing), err)
		} else {
			for i, c := range missing {
				c.Embedding = embs[i]
				if err := d.db.UpdateMemoryEmbedding(c.ID, embs[i]); err != nil {
					log.Printf("[relation] Failed to store embedding for %s: %v", c.ID, err)
				}
			}
		}
	}

	var scored []scoredCandidate
	for _, c := range candidates {
		if len(c.Embedding) == 0 {
			continue
		}
		sim := embedding.CosineSimilarity(emb, c.Embedding)
		if sim >= d.ExtendThreshold {
			scored = append(scored, scoredCandidate{memory: c, similarity: sim})
		}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].similarity > scored[j].similarity })
	return scored, nil
}

// classifyWithLLM asks the model to classify every candidate in one
// call. On any failure it returns the sentinel (all NEW, confidence
// 0.5, reason mentions the failure) rather than an error.
func (d *Detector) classifyWithLLM(ctx context.Context, m *store.Memory, candidates []scoredCandidate) []verdict {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. [%s] %q\n", i+1, c.memory.ID, c.memory.Content)
	}

	prompt := fmt.Sprintf(`New memory:
%q

Existing memories:
%s
For each existing memory, classify its relationship to the NEW memory:
- UPDATES: the new memory replaces or contradicts the existing one
- EXTENDS: the new memory adds detail to the existing one
- DERIVES: the new memory is a conclusion drawn from the existing one
- NEW: unrelated

Respond with a JSON array only:
[{"targetId": "<id>", "classification": "UPDATES", "confidence": 0.9, "reason": "<short>"}]
Include one entry per existing memory.`, m.Content, b.String())

	text, err := llm.CompleteText(ctx, d.llm,
		"You classify relationships between a new memory and existing memories. Respond with JSON only.",
		prompt)
	if err != nil {
		return sentinelVerdicts(candidates, fmt.Sprintf("classification failed: %v", err))
	}

	payload := llm.ExtractJSON(text)
	if payload == "" {
		return sentinelVerdicts(candidates, "classification failed: no JSON in response")
	}

	var verdicts []verdict
	if err := json.Unmarshal([]byte(payload), &verdicts); err != nil {
		return sentinelVerdicts(candidates, fmt.Sprintf("classification failed: %v", err))
	}
	if len(verdicts) == 0 {
		return sentinelVerdicts(candidates, "classification failed: empty result")
	}

	for i := range verdicts {
		verdicts[i].Classification = strings.ToUpper(strings.TrimSpace(verdicts[i].Classification))
		if verdicts[i].Confidence < 0 {
			verdicts[i].Confidence = 0
		}
		if verdicts[i].Confidence > 1 {
			verdicts[i].Confidence = 1
		}
	}
	return verdicts
}

func sentinelVerdicts(candidates []scoredCandidate, reason string) []verdict {
	out := make([]verdict, len(candidates))
	for i, c := range candidates {
		out[i] = verdict{
			TargetID:       c.memory.ID,
			Classification: "NEW",
			Confidence:     0.5,
			Reason:         reason,
		}
	}
	return out
}

// isSentinelFailure reports whether a verdict list is the classifier's
// failure sentinel: every entry NEW at confidence 0.5 with a reason
// mentioning the failure.
func isSentinelFailure(verdicts []verdict) bool {
	if len(verdicts) == 0 {
		return true
	}
	for _, v := range verdicts {
		if v.Classification != "NEW" || v.Confidence != 0.5 || !strings.Contains(v.Reason, "failed") {
			return false
		}
	}
	return true
}

// valuePatterns anchor the regex fallback: a mismatched value after
// the same pattern means the new memory supersedes the old.
var valuePatterns = []string{
	"lives in",
	"works at",
	"works for",
	"office is",
	"moved to",
}

// classifyWithRules is the LLM-free fallback. High-similarity pairs
// whose pattern values disagree become UPDATES; medium-similarity pairs
// where the new text subsumes the old become EXTENDS.
func classifyWithRules(m *store.Memory, candidates []scoredCandidate) []verdict {
	var verdicts []verdict
	newLower := strings.ToLower(m.Content)

	for _, c := range candidates {
		candLower := strings.ToLower(c.memory.Content)

		if c.similarity >= DefaultUpdateThreshold {
			if pattern, mismatch := patternValueMismatch(newLower, candLower); mismatch {
				verdicts = append(verdicts, verdict{
					TargetID:       c.memory.ID,
					Classification: string(store.RelationUpdates),
					Confidence:     DefaultEarlyExitConfidence,
					Reason:         fmt.Sprintf("value mismatch after %q", pattern),
				})
				continue
			}
		}

		if c.similarity >= DefaultExtendThreshold && c.similarity < DefaultUpdateThreshold {
			if extendsCandidate(newLower, candLower) {
				verdicts = append(verdicts, verdict{
					TargetID:       c.memory.ID,
					Classification: string(store.RelationExtends),
					Confidence:     c.similarity,
					Reason:         "new text subsumes existing keywords with added detail",
				})
			}
		}
	}
	return verdicts
}

// patternValueMismatch reports whether both texts share a value pattern
// with different normalized values.
func patternValueMismatch(newText, candText string) (string, bool) {
	for _, pattern := range valuePatterns {
		newVal := extractPatternValue(newText, pattern)
		candVal := extractPatternValue(candText, pattern)
		if newVal != "" && candVal != "" && newVal != candVal {
			return pattern, true
		}
	}
	return "", false
}

// extractPatternValue pulls the normalized value after a pattern:
// leading prepositions and articles stripped, first content token kept.
func extractPatternValue(text, pattern string) string {
	idx := strings.Index(text, pattern)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(pattern):]
	for _, word := range strings.Fields(rest) {
		word = strings.Trim(word, ".,!?;:\"'()")
		switch word {
		case "", "in", "at", "on", "the", "a", "an", "near", "by", "to":
			continue
		}
		return word
	}
	return ""
}

// extendsCandidate reports whether the new text contains at least half
// of the candidate's keywords and is at least 20% longer.
func extendsCandidate(newText, candText string) bool {
	candKeywords := ruleKeywords(candText)
	if len(candKeywords) == 0 {
		return false
	}
	if float64(len(newText)) < 1.2*float64(len(candText)) {
		return false
	}

	contained := 0
	for _, kw := range candKeywords {
		if strings.Contains(newText, kw) {
			contained++
		}
	}
	return float64(contained) >= 0.5*float64(len(candKeywords))
}

var ruleStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"is": true, "are": true, "was": true, "were": true, "has": true,
	"have": true, "in": true, "at": true, "on": true, "to": true,
	"of": true, "for": true, "with": true, "user": true,
}

func ruleKeywords(text string) []string {
	var out []string
	for _, f := range strings.Fields(text) {
		f = strings.Trim(strings.ToLower(f), ".,!?;:\"'()")
		if len(f) < 3 || ruleStopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
