package memory

import (
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/tsawler/prose/v3"
)

// BM25 free parameters. Standard Robertson values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Index keeps corpus-level statistics for BM25 scoring: per-term
// document frequency, document count, and average document length.
// Documents themselves are not stored; candidates are re-tokenized at
// scoring time, so the index stays small and survives restarts via a
// full rebuild from the memories table.
type bm25Index struct {
	mu       sync.RWMutex
	df       map[string]int
	docCount int
	totalLen int
}

func newBM25Index() *bm25Index {
	return &bm25Index{df: make(map[string]int)}
}

// AddDocument folds one document into the corpus statistics.
func (x *bm25Index) AddDocument(text string) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}

	seen := make(map[string]bool, len(tokens))
	x.mu.Lock()
	defer x.mu.Unlock()

	x.docCount++
	x.totalLen += len(tokens)
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			x.df[t]++
		}
	}
}

// Rebuild replaces the statistics with those of the given corpus.
func (x *bm25Index) Rebuild(texts []string) {
	df := make(map[string]int)
	docCount := 0
	totalLen := 0

	for _, text := range texts {
		tokens := tokenize(text)
		if len(tokens) == 0 {
			continue
		}
		docCount++
		totalLen += len(tokens)
		seen := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}

	x.mu.Lock()
	x.df = df
	x.docCount = docCount
	x.totalLen = totalLen
	x.mu.Unlock()
}

// Score computes the BM25 score of a document against the query tokens.
func (x *bm25Index) Score(queryTokens, docTokens []string) float64 {
	if len(queryTokens) == 0 || len(docTokens) == 0 {
		return 0
	}

	tf := make(map[string]int, len(docTokens))
	for _, t := range docTokens {
		tf[t]++
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := x.docCount
	if n == 0 {
		n = 1
	}
	avgLen := 1.0
	if x.docCount > 0 {
		avgLen = float64(x.totalLen) / float64(x.docCount)
	}

	var score float64
	for _, q := range queryTokens {
		f := tf[q]
		if f == 0 {
			continue
		}
		df := float64(x.df[q])
		idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
		norm := float64(f) * (bm25K1 + 1) /
			(float64(f) + bm25K1*(1-bm25B+bm25B*float64(len(docTokens))/avgLen))
		score += idf * norm
	}
	return score
}

// tokenize lowercases and strips punctuation and stopwords. Uses the
// prose tokenizer when it succeeds, plain field splitting otherwise.
func tokenize(text string) []string {
	var words []string
	if doc, err := prose.NewDocument(text); err == nil {
		for _, tok := range doc.Tokens() {
			words = append(words, tok.Text)
		}
	} else {
		words = strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
	}

	tokens := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,!?;:\"'()[]{}`"))
		if len(w) < 2 || searchStopwords[w] {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

var searchStopwords = map[string]bool{
	"the": true, "is": true, "at": true, "which": true, "on": true,
	"and": true, "or": true, "an": true, "as": true, "are": true,
	"was": true, "were": true, "been": true, "be": true, "have": true,
	"has": true, "had": true, "do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true, "can": true,
	"to": true, "of": true, "in": true, "for": true, "with": true,
	"about": true, "from": true, "into": true, "during": true,
	"that": true, "this": true, "these": true, "those": true,
	"it": true, "its": true, "they": true, "them": true, "their": true,
	"he": true, "she": true, "his": true, "her": true, "my": true,
	"me": true, "you": true, "your": true, "we": true, "our": true,
	"what": true, "when": true, "where": true, "who": true, "how": true,
	"not": true, "no": true, "but": true, "if": true, "so": true,
}
