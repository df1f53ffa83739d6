package scheduler

import (
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/vthunder/engram/internal/store"
)

const digestResultMax = 200

var (
	functionCallRe = regexp.MustCompile(`(?s)<function_calls>.*?(</function_calls>|$)`)
	thinkingRe     = regexp.MustCompile(`(?s)<thinking>.*?(</thinking>|$)`)
	xmlTagRe       = regexp.MustCompile(`</?[a-zA-Z_][^>]*>`)
)

// SendMorningDigest delivers the results that completed while the user
// was away, one line per item, and stamps each as notified. Returns
// true when a digest was sent. The gateway calls this on the first user
// message of a local day; the digest cron sweeps the rest.
func (s *Scheduler) SendMorningDigest(userID string) bool {
	items, err := s.db.UnnotifiedResults(userID)
	if err != nil {
		log.Printf("[scheduler] Digest lookup failed for %s: %v", userID, err)
		return false
	}
	if len(items) == 0 {
		return false
	}

	var b strings.Builder
	b.WriteString("While you were away:")
	for _, it := range items {
		b.WriteString("\n- ")
		b.WriteString(digestLine(it))
	}

	if !s.registry.SendMessage(userID, b.String()) {
		log.Printf("[scheduler] Digest delivery failed for %s, will retry later", userID)
		return false
	}

	now := time.Now().UnixMilli()
	for _, it := range items {
		if err := s.db.MarkScheduledItemNotified(it.ID, now); err != nil {
			log.Printf("[scheduler] Failed to mark %s notified: %v", it.ID, err)
		}
	}
	log.Printf("[scheduler] Sent morning digest to %s (%d items)", userID, len(items))
	return true
}

// digestSweep runs on the digest cron and delivers pending digests to
// every user owed one.
func (s *Scheduler) digestSweep() {
	users, err := s.db.UsersWithUnnotifiedResults()
	if err != nil {
		log.Printf("[scheduler] Digest sweep failed: %v", err)
		return
	}
	for _, userID := range users {
		s.SendMorningDigest(userID)
	}
}

func digestLine(it *store.ScheduledItem) string {
	title := it.Message
	if it.Result == nil {
		return title
	}
	summary := sanitizeResult(it.Result.Response)
	if summary == "" {
		return title
	}
	return title + ": " + summary
}

// sanitizeResult strips the machinery from a task result before it
// reaches a chat surface: function-call markup, thinking blocks, and
// Error: lines go away, whitespace collapses, and the remainder is
// truncated to 200 characters.
func sanitizeResult(raw string) string {
	s := functionCallRe.ReplaceAllString(raw, "")
	s = thinkingRe.ReplaceAllString(s, "")

	var kept []string
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "Error:") {
			continue
		}
		kept = append(kept, trimmed)
	}
	s = strings.Join(kept, " ")
	s = xmlTagRe.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")

	if len(s) > digestResultMax {
		s = s[:digestResultMax] + "..."
	}
	return s
}
