// Package scheduler owns the scheduled_items work queue: a 30-second
// claim-and-process loop with quiet-hours deferral in user-local time,
// dependency waits, recurrence, delivery retries, engagement feedback,
// and morning digests. One evaluation runs at a time; a tick arriving
// mid-evaluation defers a single re-run instead of recursing.
package scheduler

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vthunder/engram/internal/channel"
	"github.com/vthunder/engram/internal/journal"
	"github.com/vthunder/engram/internal/store"
)

const (
	DefaultInterval         = 30 * time.Second
	DefaultMaxItemAge       = 24 * time.Hour
	DefaultEngagementWindow = 2 * time.Hour
	DefaultDependencyRetry  = time.Hour
	DefaultDigestSchedule   = "0 8 * * *"

	// Agent-sourced items never fire between the quiet start and end
	// hours in the user's local time.
	DefaultQuietStartHour = 22
	DefaultQuietEndHour   = 8

	DefaultConsolidateEvery = 20
)

// Scheduler runs the queue. GetTimezone resolves a user's IANA zone;
// nil or empty falls back to server time.
type Scheduler struct {
	db       *store.DB
	registry *channel.Registry
	journal  *journal.Journal

	GetTimezone func(userID string) string

	Interval         time.Duration
	MaxItemAge       time.Duration
	EngagementWindow time.Duration
	DependencyRetry  time.Duration
	DigestSchedule   string
	QuietStartHour   int
	QuietEndHour     int
	ConsolidateEvery int

	now        func() time.Time
	cronRunner *cron.Cron
	stopChan   chan struct{}
	mu         sync.Mutex
	running    bool
	evaluating bool
	pending    bool
	tickCount  int
}

// New creates a scheduler with default cadence. The journal may be nil.
func New(db *store.DB, registry *channel.Registry, jnl *journal.Journal) *Scheduler {
	return &Scheduler{
		db:       db,
		registry: registry,
		journal:  jnl,

		Interval:         DefaultInterval,
		MaxItemAge:       DefaultMaxItemAge,
		EngagementWindow: DefaultEngagementWindow,
		DependencyRetry:  DefaultDependencyRetry,
		DigestSchedule:   DefaultDigestSchedule,
		QuietStartHour:   DefaultQuietStartHour,
		QuietEndHour:     DefaultQuietEndHour,
		ConsolidateEvery: DefaultConsolidateEvery,

		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start begins the tick loop. Crash recovery runs first: duplicate
// pending rows left by a dead process are collapsed before anything
// fires.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if n, err := s.db.ConsolidateDuplicateScheduledItems(); err != nil {
		log.Printf("[scheduler] Startup consolidation failed: %v", err)
	} else if n > 0 {
		log.Printf("[scheduler] Startup consolidation removed %d duplicates", n)
	}

	s.cronRunner = cron.New()
	_, err := s.cronRunner.AddFunc(s.DigestSchedule, s.digestSweep)
	if err != nil {
		return err
	}
	s.cronRunner.Start()

	s.stopChan = make(chan struct{})
	s.running = true
	go s.loop()

	log.Printf("[scheduler] Started (interval=%v, digest %q)", s.Interval, s.DigestSchedule)
	return nil
}

// Stop halts the loop and the digest cron.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopChan)
	if s.cronRunner != nil {
		s.cronRunner.Stop()
	}
	s.running = false
	log.Println("[scheduler] Stopped")
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one queue evaluation. A tick arriving while another is
// evaluating records a pending flag and re-runs once afterwards, on a
// fresh goroutine so the stack never deepens.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	if s.evaluating {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.evaluating = true
	s.mu.Unlock()

	s.evaluate()

	s.mu.Lock()
	rerun := s.pending
	s.pending = false
	s.evaluating = false
	s.mu.Unlock()

	if rerun {
		go s.Tick()
	}
}

func (s *Scheduler) evaluate() {
	start := time.Now()
	counts := make(map[string]int)

	s.tickCount++
	if n, err := s.db.ExpireOldScheduledItems(s.MaxItemAge.Milliseconds()); err != nil {
		log.Printf("[scheduler] Expiry sweep failed: %v", err)
	} else if n > 0 {
		counts["expired"] = n
		log.Printf("[scheduler] Expired %d stale items", n)
	}

	if s.ConsolidateEvery > 0 && s.tickCount%s.ConsolidateEvery == 0 {
		if n, err := s.db.ConsolidateDuplicateScheduledItems(); err != nil {
			log.Printf("[scheduler] Duplicate consolidation failed: %v", err)
		} else if n > 0 {
			counts["deduped"] = n
		}
	}

	items, err := s.db.ClaimDueScheduledItems()
	if err != nil {
		log.Printf("[scheduler] Claim failed: %v", err)
		return
	}
	if len(items) == 0 {
		if len(counts) > 0 && s.journal != nil {
			s.journal.LogTick(journal.KindScheduler, counts, time.Since(start))
		}
		return
	}

	// Nudges go out before tasks; trigger order holds within each wave.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Kind != items[j].Kind {
			return items[i].Kind == "nudge"
		}
		return items[i].TriggerAt < items[j].TriggerAt
	})

	for _, it := range items {
		counts[s.processItem(it)]++
	}
	if s.journal != nil {
		s.journal.LogTick(journal.KindScheduler, counts, time.Since(start))
	}
}

// processItem handles one claimed item and returns its outcome for the
// tick counters.
func (s *Scheduler) processItem(it *store.ScheduledItem) string {
	now := s.now()

	// Quiet hours gate agent-initiated traffic only; a reminder the
	// user asked for fires whenever it is due. Timezone is resolved
	// per item since each user may live somewhere else.
	if it.Source == "agent" {
		loc := s.timezoneFor(it.UserID)
		if inQuietHours(now.In(loc).Hour(), s.QuietStartHour, s.QuietEndHour) {
			morning := nextMorning(now, loc, s.QuietEndHour)
			if err := s.db.ResetScheduledItemToPending(it.ID, morning.UnixMilli(), ""); err != nil {
				log.Printf("[scheduler] Failed to defer %s: %v", it.ID, err)
			} else {
				log.Printf("[scheduler] Quiet hours for %s, deferred %q to %s",
					it.UserID, truncate(it.Message, 40), morning.Format(time.RFC3339))
			}
			return "deferred_quiet"
		}
	}

	if len(it.DependsOn) > 0 && !s.dependenciesDone(it) {
		retryAt := now.Add(s.DependencyRetry).UnixMilli()
		if err := s.db.ResetScheduledItemToPending(it.ID, retryAt, store.BoardWaiting); err != nil {
			log.Printf("[scheduler] Failed to park %s: %v", it.ID, err)
		}
		return "waiting"
	}

	message := it.Message
	if it.Source == "agent" {
		message = formatProactive(it)
	}
	if !s.registry.SendMessage(it.UserID, message) {
		if err := s.db.ResetScheduledItemToPending(it.ID, it.TriggerAt, ""); err != nil {
			log.Printf("[scheduler] Failed to requeue %s: %v", it.ID, err)
		}
		log.Printf("[scheduler] Delivery failed for item %s, will retry", it.ID)
		return "retry"
	}

	if err := s.db.MarkScheduledItemFired(it.ID); err != nil {
		log.Printf("[scheduler] Failed to mark %s fired: %v", it.ID, err)
	}
	if it.Recurring != nil {
		s.scheduleNextOccurrence(it, now)
	}
	log.Printf("[scheduler] Fired %s %s for %s", it.Kind, it.ID, it.UserID)
	return "fired"
}

func (s *Scheduler) dependenciesDone(it *store.ScheduledItem) bool {
	for _, depID := range it.DependsOn {
		dep, err := s.db.GetScheduledItem(depID)
		if err != nil {
			log.Printf("[scheduler] Dependency lookup failed for %s: %v", depID, err)
			return false
		}
		if dep == nil {
			continue // dependency row deleted, treat as settled
		}
		if dep.BoardStatus != store.BoardDone && dep.BoardStatus != store.BoardArchived {
			return false
		}
	}
	return true
}

// scheduleNextOccurrence re-materializes a recurring item after it
// fires, preserving its board fields, unless an equivalent item is
// already pending.
func (s *Scheduler) scheduleNextOccurrence(it *store.ScheduledItem, now time.Time) {
	loc := s.timezoneFor(it.UserID)
	next := nextOccurrence(it.Recurring, now, loc)
	if next.IsZero() {
		log.Printf("[scheduler] Unknown recurrence type %q on %s", it.Recurring.Type, it.ID)
		return
	}

	dup, err := s.db.HasSimilarPendingScheduledItem(it.UserID, it.Message)
	if err != nil {
		log.Printf("[scheduler] Duplicate check failed for %s: %v", it.ID, err)
		return
	}
	if dup {
		log.Printf("[scheduler] Next occurrence of %s already pending, skipping", it.ID)
		return
	}

	clone := &store.ScheduledItem{
		UserID:         it.UserID,
		SessionID:      it.SessionID,
		Source:         it.Source,
		Kind:           it.Kind,
		Type:           it.Type,
		Message:        it.Message,
		Context:        it.Context,
		TriggerAt:      next.UnixMilli(),
		Recurring:      it.Recurring,
		SourceMemoryID: it.SourceMemoryID,
		TaskConfig:     it.TaskConfig,
		DependsOn:      it.DependsOn,
		Priority:       it.Priority,
		Labels:         it.Labels,
		GoalID:         it.GoalID,
	}
	if err := s.db.AddScheduledItem(clone); err != nil {
		log.Printf("[scheduler] Failed to schedule next occurrence of %s: %v", it.ID, err)
		return
	}
	log.Printf("[scheduler] Next %s occurrence of %q at %s",
		it.Recurring.Type, truncate(it.Message, 40), next.Format(time.RFC3339))
}

// CheckEngagement marks recently fired agent items acted. The gateway
// calls it on every inbound user message; replying to anything within
// the window counts as engagement with the nudges that preceded it.
func (s *Scheduler) CheckEngagement(userID string) int {
	since := s.now().Add(-s.EngagementWindow).UnixMilli()
	items, err := s.db.RecentFiredAgentItems(userID, since)
	if err != nil {
		log.Printf("[scheduler] Engagement lookup failed for %s: %v", userID, err)
		return 0
	}

	acted := 0
	for _, it := range items {
		if err := s.db.MarkScheduledItemActed(it.ID); err != nil {
			log.Printf("[scheduler] Failed to mark %s acted: %v", it.ID, err)
			continue
		}
		acted++
	}
	if acted > 0 {
		log.Printf("[scheduler] User %s engaged with %d recent nudges", userID, acted)
	}
	return acted
}

func (s *Scheduler) timezoneFor(userID string) *time.Location {
	name := ""
	if s.GetTimezone != nil {
		name = s.GetTimezone(userID)
	}
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("[scheduler] Unknown timezone %q for %s, using server time", name, userID)
		return time.Local
	}
	return loc
}

func inQuietHours(hour, startHour, endHour int) bool {
	return hour >= startHour || hour < endHour
}

// nextMorning returns the next morningHour wall time in loc, as an
// absolute instant.
func nextMorning(now time.Time, loc *time.Location, morningHour int) time.Time {
	local := now.In(loc)
	morning := time.Date(local.Year(), local.Month(), local.Day(), morningHour, 0, 0, 0, loc)
	if !local.Before(morning) {
		morning = morning.AddDate(0, 0, 1)
	}
	return morning
}

// nextOccurrence walks day by day through the user's local calendar and
// returns the first slot matching the recurrence after now. Building
// the candidate with time.Date in loc converts the local wall time to
// an absolute instant at that date's UTC offset.
func nextOccurrence(rec *store.Recurrence, after time.Time, loc *time.Location) time.Time {
	local := after.In(loc)
	for add := 0; add <= 14; add++ {
		day := local.AddDate(0, 0, add)
		candidate := time.Date(day.Year(), day.Month(), day.Day(), rec.Hour, rec.Minute, 0, 0, loc)
		if !candidate.After(local) {
			continue // today's slot already passed
		}
		switch rec.Type {
		case "daily":
			return candidate
		case "weekly":
			if int(candidate.Weekday()) == rec.DayOfWeek {
				return candidate
			}
		case "weekdays":
			if wd := candidate.Weekday(); wd != time.Saturday && wd != time.Sunday {
				return candidate
			}
		case "weekends":
			if wd := candidate.Weekday(); wd == time.Saturday || wd == time.Sunday {
				return candidate
			}
		default:
			return time.Time{}
		}
	}
	return time.Time{}
}

// formatProactive decorates agent-initiated messages by what produced
// them: evaluator signals about unresolved threads read as the agent
// thinking out loud, other evaluator signals as observations, and task
// results as completions.
func formatProactive(it *store.ScheduledItem) string {
	var b strings.Builder
	switch proactiveClass(it) {
	case "inner_thoughts":
		b.WriteString("💭 ")
	case "gap_scanner":
		b.WriteString("🔍 ")
	case "task_result":
		b.WriteString("✅ ")
	}
	if urgency, _ := it.Context["urgency"].(string); urgency == "high" {
		b.WriteString("[urgent] ")
	}
	b.WriteString(it.Message)
	return b.String()
}

func proactiveClass(it *store.ScheduledItem) string {
	if it.Result != nil {
		return "task_result"
	}
	src, _ := it.Context["source"].(string)
	if src == "proactive_evaluator" {
		if gap, _ := it.Context["gapType"].(string); gap == "unresolved_thread" {
			return "inner_thoughts"
		}
		return "gap_scanner"
	}
	return "nudge"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
