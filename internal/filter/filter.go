// Package filter scores conversation turns so the gateway can skip
// fact extraction on low-signal traffic. Acknowledgments and restated
// content would each burn a model call if they reached the extractor;
// the gate drops them using payload density plus an embedding novelty
// check against the session's own recent turns.
package filter

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/vthunder/engram/internal/embedding"
)

const (
	// DefaultThreshold is the minimum signal score a turn needs to be
	// worth an extraction call.
	DefaultThreshold = 0.35

	// DefaultMinRunes gates bare acknowledgments ("ok", "lol") before
	// any scoring happens.
	DefaultMinRunes = 6

	// densityWeight balances payload density against novelty in the
	// combined score.
	densityWeight = 0.5

	maxSessionTurns    = 8
	maxTrackedSessions = 64
)

// Embedder is the one method the gate needs from an embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// TurnGate scores turns per session. Novelty is measured against a
// sliding window of the same session's recent turns, so sessions never
// see each other's history.
type TurnGate struct {
	Threshold float64
	MinRunes  int

	embedder Embedder

	mu       sync.Mutex
	history  map[string][][]float64
	sessions []string // first-seen order, for eviction
}

// NewTurnGate builds a gate with the default threshold. A nil embedder
// disables the novelty leg and scoring leans on payload density alone.
func NewTurnGate(embedder Embedder) *TurnGate {
	return &TurnGate{
		Threshold: DefaultThreshold,
		MinRunes:  DefaultMinRunes,
		embedder:  embedder,
		history:   make(map[string][][]float64),
	}
}

// Verdict is one scored turn.
type Verdict struct {
	Score   float64
	Density float64 // share of words carrying payload
	Novelty float64 // distance from the session's recent turns
	Extract bool
}

// Assess scores one turn. Turns shorter than MinRunes score zero
// without touching the embedder.
func (g *TurnGate) Assess(ctx context.Context, sessionID, text string) Verdict {
	text = strings.TrimSpace(text)
	if len([]rune(text)) < g.MinRunes {
		return Verdict{}
	}

	// With no embedder (or a failed embed) novelty sits in the middle,
	// leaving the decision to payload density.
	v := Verdict{Density: payloadDensity(text), Novelty: 0.5}

	if g.embedder != nil {
		if emb, err := g.embedder.Embed(ctx, text); err == nil && len(emb) > 0 {
			v.Novelty = g.noveltyFor(sessionID, emb)
			g.remember(sessionID, emb)
		}
	}

	v.Score = densityWeight*v.Density + (1-densityWeight)*v.Novelty
	v.Extract = v.Score >= g.Threshold
	return v
}

// ShouldExtract is the boolean convenience over Assess.
func (g *TurnGate) ShouldExtract(ctx context.Context, sessionID, text string) (bool, float64) {
	v := g.Assess(ctx, sessionID, text)
	return v.Extract, v.Score
}

func (g *TurnGate) noveltyFor(sessionID string, emb []float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	window := g.history[sessionID]
	if len(window) == 0 {
		return 1.0
	}
	var sum float64
	for _, h := range window {
		sum += embedding.CosineSimilarity(emb, h)
	}
	sim := sum / float64(len(window))
	if sim < 0 {
		sim = 0
	}
	return 1 - sim
}

func (g *TurnGate) remember(sessionID string, emb []float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, seen := g.history[sessionID]; !seen {
		g.sessions = append(g.sessions, sessionID)
		if len(g.sessions) > maxTrackedSessions {
			oldest := g.sessions[0]
			g.sessions = g.sessions[1:]
			delete(g.history, oldest)
		}
	}
	window := append(g.history[sessionID], emb)
	if len(window) > maxSessionTurns {
		window = window[1:]
	}
	g.history[sessionID] = window
}

var payloadPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{1,2}:\d{2}`),      // clock time
	regexp.MustCompile(`^\d{1,4}[/-]\d{1,2}`), // date
	regexp.MustCompile(`^https?://`),          // URL
	regexp.MustCompile(`^[@#]\w+`),            // mention or tag
	regexp.MustCompile(`^[$€£]\d`),            // money
	regexp.MustCompile(`^\d+$`),               // bare number
}

// payloadDensity is the share of words that look like they carry
// extractable content: proper nouns, times, dates, URLs, amounts.
func payloadDensity(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	payload := 0
	for _, w := range words {
		if isPayloadWord(w) {
			payload++
		}
	}
	return float64(payload) / float64(len(words))
}

func isPayloadWord(word string) bool {
	word = strings.Trim(word, ".,!?;:'\"()[]{}")
	if word == "" {
		return false
	}
	if unicode.IsUpper([]rune(word)[0]) {
		return true
	}
	for _, p := range payloadPatterns {
		if p.MatchString(word) {
			return true
		}
	}
	return false
}
