package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// TFIDFDimension is the fixed output dimension of the local embedder.
// The first vocabSlots positions are reserved for the fixed vocabulary;
// everything else (out-of-vocabulary words, character bigrams) hashes
// into the remaining slots.
const TFIDFDimension = 384

const vocabSlots = 256

// tfidfVocab is the fixed vocabulary: common conversational and
// technical content words. Each word owns a dedicated slot so that the
// most frequent distinctions survive hashing collisions.
var tfidfVocab = []string{
	"work", "works", "working", "job", "office", "company", "team", "project",
	"home", "house", "live", "lives", "living", "city", "moved", "moving",
	"like", "likes", "love", "loves", "hate", "hates", "prefer", "prefers",
	"favorite", "enjoy", "enjoys", "want", "wants", "need", "needs",
	"food", "eat", "eating", "restaurant", "coffee", "tea", "dinner", "lunch",
	"breakfast", "cook", "cooking", "drink", "allergic", "allergy", "vegetarian",
	"friend", "friends", "family", "wife", "husband", "partner", "kids",
	"children", "mother", "father", "sister", "brother", "dog", "cat", "pet",
	"meeting", "call", "email", "message", "schedule", "remind", "reminder",
	"tomorrow", "today", "yesterday", "week", "month", "year", "morning",
	"evening", "night", "weekend", "monday", "tuesday", "wednesday",
	"thursday", "friday", "saturday", "sunday",
	"book", "books", "read", "reading", "music", "song", "movie", "film",
	"game", "games", "play", "playing", "sport", "sports", "run", "running",
	"gym", "travel", "trip", "vacation", "flight", "hotel", "visit",
	"buy", "bought", "sell", "money", "pay", "paid", "price", "cost",
	"car", "drive", "drives", "driving", "bike", "train", "bus",
	"doctor", "health", "sick", "medicine", "sleep", "tired", "stress",
	"happy", "sad", "angry", "excited", "worried", "anxious", "great",
	"good", "bad", "better", "worse", "best", "worst", "new", "old",
	"big", "small", "important", "urgent", "later", "soon", "never", "always",
	"code", "coding", "program", "software", "computer", "laptop", "phone",
	"app", "website", "server", "database", "python", "golang", "rust",
	"javascript", "linux", "deploy", "build", "test", "debug", "release",
	"bug", "feature", "design", "api", "data", "model", "learning",
	"goal", "goals", "plan", "plans", "task", "tasks", "done", "finish",
	"finished", "start", "started", "deadline", "due", "progress",
	"think", "thinks", "believe", "know", "knows", "remember", "forgot",
	"name", "birthday", "age", "born", "school", "college", "university",
	"study", "studied", "degree", "teacher", "student", "class", "course",
	"talk", "talked", "said", "told", "ask", "asked", "help", "helped",
	"problem", "issue", "question", "answer", "idea", "decision", "decided",
	"change", "changed", "update", "updated", "switch", "switched", "quit",
	"boss", "manager", "colleague", "client", "customer", "interview",
	"salary", "promotion", "hired", "fired", "startup", "business",
	"garden", "cleaning", "shopping", "groceries", "weather", "rain",
	"sun", "snow", "cold", "hot", "warm", "season", "summer", "winter",
	"spring", "autumn", "beach", "mountain", "park", "walk", "walking",
	"language", "english", "spanish", "french", "german", "japanese",
	"learn", "learned", "practice", "skill", "hobby", "art", "draw",
	"paint", "photo", "photography", "write", "writing", "blog", "story",
}

// tfidfStopwords are dropped before weighting.
var tfidfStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "as": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "been": true,
	"being": true, "have": true, "has": true, "had": true, "do": true,
	"does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "shall": true, "can": true,
	"this": true, "that": true, "these": true, "those": true, "it": true,
	"its": true, "i": true, "you": true, "he": true, "she": true, "we": true,
	"they": true, "them": true, "his": true, "her": true, "their": true,
	"my": true, "your": true, "our": true, "me": true, "him": true,
	"us": true, "am": true, "if": true, "then": true, "than": true,
	"so": true, "not": true, "no": true, "nor": true, "too": true,
	"very": true, "just": true, "about": true, "into": true, "over": true,
	"under": true, "again": true, "also": true, "there": true, "here": true,
	"what": true, "which": true, "who": true, "whom": true, "when": true,
	"where": true, "why": true, "how": true, "all": true, "any": true,
	"both": true, "each": true, "few": true, "more": true, "most": true,
	"some": true, "such": true, "only": true, "own": true, "same": true,
	"s": true, "t": true, "don": true, "now": true, "up": true, "down": true,
	"out": true, "off": true,
}

var tfidfVocabIndex = buildVocabIndex()

func buildVocabIndex() map[string]int {
	idx := make(map[string]int, len(tfidfVocab))
	for i, w := range tfidfVocab {
		if i >= vocabSlots {
			break
		}
		idx[w] = i
	}
	return idx
}

// TFIDF is a local embedder: fixed-vocabulary term slots plus hashed
// character bigrams, TF-IDF weighted against a streaming
// document-frequency map, L2-normalized. Used when the primary
// embedding provider is down. Its vectors have a different dimension
// than the primary's, so CosineSimilarity between the two yields 0.
type TFIDF struct {
	mu       sync.Mutex
	docCount int
	docFreq  map[string]int
}

// NewTFIDF creates a TF-IDF embedder with an empty corpus.
func NewTFIDF() *TFIDF {
	return &TFIDF{docFreq: make(map[string]int)}
}

// Name returns the provider name.
func (t *TFIDF) Name() string {
	return "tfidf-local"
}

// Dimension returns the fixed vector dimension.
func (t *TFIDF) Dimension() int {
	return TFIDFDimension
}

// IsAvailable always reports true; the local embedder cannot fail.
func (t *TFIDF) IsAvailable() bool {
	return true
}

// Embed converts text into a TF-IDF weighted vector.
func (t *TFIDF) Embed(ctx context.Context, text string) ([]float64, error) {
	tokens := tfidfTokenize(text)

	// Term frequencies for this document.
	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}

	// Update the streaming document-frequency map (once per unique term).
	t.mu.Lock()
	t.docCount++
	for term := range tf {
		t.docFreq[term]++
	}
	n := float64(t.docCount)
	idf := make(map[string]float64, len(tf))
	for term := range tf {
		idf[term] = math.Log(1 + n/float64(1+t.docFreq[term]))
	}
	t.mu.Unlock()

	vec := make([]float64, TFIDFDimension)
	for term, count := range tf {
		weight := float64(count) * idf[term]
		if slot, ok := tfidfVocabIndex[term]; ok {
			vec[slot] += weight
		} else {
			vec[vocabSlots+hashSlot(term, TFIDFDimension-vocabSlots)] += weight
		}
		// Character bigrams catch morphology and typos at half weight.
		for _, bg := range charBigrams(term) {
			vec[vocabSlots+hashSlot(bg, TFIDFDimension-vocabSlots)] += 0.5 * weight / float64(len(term))
		}
	}

	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (t *TFIDF) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	results := make([][]float64, len(texts))
	for i, text := range texts {
		emb, err := t.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = emb
	}
	return results, nil
}

func tfidfTokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || tfidfStopwords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func charBigrams(term string) []string {
	if len(term) < 3 {
		return nil
	}
	grams := make([]string, 0, len(term)-1)
	for i := 0; i+2 <= len(term); i++ {
		grams = append(grams, term[i:i+2])
	}
	return grams
}

func hashSlot(s string, buckets int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(buckets))
}

func normalize(vec []float64) {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
}
