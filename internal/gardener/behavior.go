package gardener

import (
	"log"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/tsawler/prose/v3"

	"github.com/vthunder/engram/internal/store"
)

const (
	behaviorBatchMax  = 500
	lengthAlpha       = 0.2
	frequencyAlpha    = 0.3
	affectAlpha       = 0.2
	expertiseMinCount = 3
	maxExpertiseAreas = 5
	maxActiveHours    = 8

	msPerDay = 24 * 60 * 60 * 1000.0
)

// techTerms maps the tokens we watch for to a canonical expertise area.
var techTerms = map[string]string{
	"go": "go", "golang": "go", "goroutine": "go",
	"python": "python", "pip": "python", "django": "python",
	"rust": "rust", "cargo": "rust",
	"typescript": "javascript", "javascript": "javascript", "node": "javascript", "npm": "javascript",
	"react": "frontend", "vue": "frontend", "css": "frontend", "html": "frontend",
	"kubernetes": "kubernetes", "k8s": "kubernetes", "helm": "kubernetes",
	"docker": "docker", "container": "docker", "containers": "docker",
	"postgres": "databases", "postgresql": "databases", "sqlite": "databases",
	"mysql": "databases", "database": "databases", "databases": "databases", "sql": "databases",
	"aws": "cloud", "gcp": "cloud", "azure": "cloud", "lambda": "cloud",
	"terraform": "devops", "ci": "devops", "deploy": "devops", "deployment": "devops",
	"llm": "machine learning", "embedding": "machine learning", "embeddings": "machine learning",
	"pytorch": "machine learning", "tensorflow": "machine learning", "model": "machine learning",
	"api": "apis", "grpc": "apis", "rest": "apis", "http": "apis", "websocket": "apis",
	"linux": "linux", "bash": "linux", "shell": "linux",
	"oauth": "security", "tls": "security", "auth": "security", "encryption": "security",
}

var positiveWords = map[string]bool{
	"love": true, "great": true, "awesome": true, "thanks": true, "thank": true,
	"perfect": true, "excellent": true, "happy": true, "excited": true, "nice": true,
	"cool": true, "amazing": true, "works": true, "fixed": true, "solved": true,
	"good": true, "glad": true,
}

var negativeWords = map[string]bool{
	"hate": true, "terrible": true, "awful": true, "broken": true, "bug": true,
	"fail": true, "failed": true, "failing": true, "frustrated": true, "annoying": true,
	"angry": true, "worried": true, "stuck": true, "bad": true, "wrong": true,
	"crash": true, "crashed": true, "sorry": true,
}

var arousalWords = map[string]bool{
	"urgent": true, "asap": true, "immediately": true, "critical": true,
	"emergency": true, "deadline": true, "hurry": true, "panic": true, "blocked": true,
}

// inferBehavior folds new user messages into the stored behavioral
// patterns. Incremental: only messages beyond last_analyzed_count are
// read, and the running aggregates (hour histogram, term counts) carry
// the older history. Returns true when the profile was updated.
func (g *Gardener) inferBehavior(userID string) (bool, error) {
	total, err := g.db.CountUserMessages(userID)
	if err != nil {
		return false, err
	}

	patterns, analyzed, err := g.db.GetBehavioralPatterns(userID)
	if err != nil {
		return false, err
	}
	if patterns == nil {
		patterns = &store.BehavioralPatterns{}
	}

	newCount := total - analyzed
	if newCount <= 0 {
		if total < analyzed {
			// Pruning shrank the history; move the watermark back
			// without replaying old messages into the aggregates.
			return false, g.db.SetBehavioralPatterns(userID, patterns, total)
		}
		return false, nil
	}
	if newCount > behaviorBatchMax {
		newCount = behaviorBatchMax
	}

	msgs, err := g.db.RecentUserMessages(userID, newCount)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}

	// Oldest first so the EMAs replay in arrival order.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })

	if len(patterns.HourCounts) != 24 {
		patterns.HourCounts = make([]int, 24)
	}
	if patterns.TermCounts == nil {
		patterns.TermCounts = make(map[string]int)
	}

	var batchValence, batchArousal float64
	for _, m := range msgs {
		patterns.HourCounts[time.UnixMilli(m.CreatedAt).Hour()]++

		for area, n := range techTermCounts(m.Content) {
			patterns.TermCounts[area] += n
		}

		length := float64(len(m.Content))
		if patterns.ResponseLength == 0 {
			patterns.ResponseLength = length
		} else {
			patterns.ResponseLength = (1-lengthAlpha)*patterns.ResponseLength + lengthAlpha*length
		}

		v, a := messageAffect(m.Content)
		batchValence += v
		batchArousal += a
	}

	patterns.ActiveHours = activeHoursFrom(patterns.HourCounts)
	patterns.ExpertiseAreas = expertiseFrom(patterns.TermCounts)
	patterns.CommunicationStyle = communicationStyleFor(patterns.ResponseLength)

	n := float64(len(msgs))
	affect := &store.Affect{Valence: batchValence / n, Arousal: batchArousal / n}
	patterns.AffectState = affect
	if patterns.SmoothedAffect == nil {
		patterns.SmoothedAffect = &store.Affect{Valence: affect.Valence, Arousal: affect.Arousal}
	} else {
		patterns.SmoothedAffect.Valence = (1-affectAlpha)*patterns.SmoothedAffect.Valence + affectAlpha*affect.Valence
		patterns.SmoothedAffect.Arousal = (1-affectAlpha)*patterns.SmoothedAffect.Arousal + affectAlpha*affect.Arousal
	}

	// Mean-gap frequency needs at least two messages in the batch.
	if len(msgs) >= 2 {
		spanDays := float64(msgs[len(msgs)-1].CreatedAt-msgs[0].CreatedAt) / msPerDay
		if spanDays < 1 {
			spanDays = 1
		}
		batchFreq := float64(len(msgs)-1) / spanDays
		if patterns.MessageFrequency == 0 {
			patterns.MessageFrequency = batchFreq
		} else {
			patterns.MessageFrequency = (1-frequencyAlpha)*patterns.MessageFrequency + frequencyAlpha*batchFreq
		}
	}

	if err := g.db.SetBehavioralPatterns(userID, patterns, total); err != nil {
		return false, err
	}
	log.Printf("[gardener] Updated behavior profile for %s from %d new messages", userID, len(msgs))
	return true, nil
}

// techTermCounts tallies expertise-area hits in one message.
func techTermCounts(text string) map[string]int {
	var counts map[string]int
	for _, tok := range tokenize(text) {
		area, ok := techTerms[tok]
		if !ok {
			continue
		}
		if counts == nil {
			counts = make(map[string]int)
		}
		counts[area]++
	}
	return counts
}

func tokenize(text string) []string {
	doc, err := prose.NewDocument(text)
	if err == nil {
		toks := doc.Tokens()
		out := make([]string, 0, len(toks))
		for _, t := range toks {
			out = append(out, strings.ToLower(t.Text))
		}
		return out
	}
	return strings.Fields(strings.ToLower(text))
}

// messageAffect scores one message as a valence in [-1,1] and an
// arousal in [0,1] from wordlist hits and exclamation density.
func messageAffect(text string) (float64, float64) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	var pos, neg, hot int
	for _, w := range words {
		if positiveWords[w] {
			pos++
		}
		if negativeWords[w] {
			neg++
		}
		if arousalWords[w] {
			hot++
		}
	}

	valence := 0.0
	if pos+neg > 0 {
		valence = float64(pos-neg) / float64(pos+neg)
	}
	arousal := 0.1 + 0.2*float64(hot) + 0.1*float64(strings.Count(text, "!"))
	if arousal > 1 {
		arousal = 1
	}
	return valence, arousal
}

// activeHoursFrom keeps the hours that carry at least a quarter of the
// busiest hour's traffic, capped to the top buckets.
func activeHoursFrom(counts []int) []int {
	best := 0
	for _, c := range counts {
		if c > best {
			best = c
		}
	}
	if best == 0 {
		return nil
	}

	var hours []int
	for h, c := range counts {
		if c > 0 && c*4 >= best {
			hours = append(hours, h)
		}
	}
	if len(hours) > maxActiveHours {
		sort.Slice(hours, func(i, j int) bool { return counts[hours[i]] > counts[hours[j]] })
		hours = hours[:maxActiveHours]
		sort.Ints(hours)
	}
	return hours
}

func expertiseFrom(counts map[string]int) []string {
	type areaCount struct {
		area string
		n    int
	}
	var ranked []areaCount
	for a, n := range counts {
		if n >= expertiseMinCount {
			ranked = append(ranked, areaCount{a, n})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].area < ranked[j].area
	})
	if len(ranked) > maxExpertiseAreas {
		ranked = ranked[:maxExpertiseAreas]
	}

	areas := make([]string, len(ranked))
	for i, r := range ranked {
		areas[i] = r.area
	}
	return areas
}

func communicationStyleFor(length float64) string {
	switch {
	case length == 0:
		return ""
	case length < 60:
		return "terse"
	case length < 240:
		return "conversational"
	default:
		return "expansive"
	}
}
