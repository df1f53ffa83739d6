// Package gardener runs tiered background maintenance over the
// substrate. A light tick decays a rolling batch of memories, a deep
// tick every 72 light ticks runs the heavier passes (full decay,
// session summarization and pruning, archival, behavioral inference),
// and a nightly sleep tick runs the dream consolidation cycle. Deep
// and sleep work yields to a busy host and retries a few minutes
// later.
package gardener

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/vthunder/engram/internal/journal"
	"github.com/vthunder/engram/internal/memory"
	"github.com/vthunder/engram/internal/store"
)

const (
	DefaultLightInterval    = 60 * time.Second
	DefaultDeepEvery        = 72
	DefaultSleepSchedule    = "0 3 * * *"
	DefaultSessionIdleAge   = 30 * time.Minute
	DefaultMessageRetention = 7 * 24 * time.Hour
	DefaultActiveUserWindow = 7 * 24 * time.Hour

	DefaultArchiveThreshold  = 0.1
	DefaultArchiveMinAgeDays = 14
	DefaultArchiveMaxPerRun  = 50

	DefaultBusyCPUPercent = 75.0
	DefaultBusyRecheck    = 5 * time.Minute
)

// SessionSummarizer condenses idle sessions. Satisfied by
// extract.Summarizer.
type SessionSummarizer interface {
	SummarizeIdleSessions(ctx context.Context, olderThan time.Duration) (int, error)
}

// Consolidator runs one dream cycle. Satisfied by consolidate.Service.
type Consolidator interface {
	Run(ctx context.Context) (int, error)
}

// GapScanner looks for proactive gaps worth nudging about. Satisfied
// by proactive.Evaluator.
type GapScanner interface {
	Run(ctx context.Context) (int, error)
}

// Gardener owns the maintenance timer. Collaborators are optional;
// a nil Summarizer, Consolidator or Evaluator just skips that pass.
type Gardener struct {
	db       *store.DB
	memories *memory.Store
	journal  *journal.Journal

	Summarizer   SessionSummarizer
	Consolidator Consolidator
	Evaluator    GapScanner

	LightInterval    time.Duration
	DeepEvery        int
	SleepSchedule    string
	SessionIdleAge   time.Duration
	MessageRetention time.Duration
	ActiveUserWindow time.Duration

	ArchiveThreshold  float64
	ArchiveMinAgeDays int
	ArchiveMaxPerRun  int

	BusyCPUPercent float64
	BusyRecheck    time.Duration

	cpuPercent func() (float64, error)
	cronRunner *cron.Cron
	sleepCh    chan struct{}
	stopChan   chan struct{}
	mu         sync.Mutex
	running    bool
}

// New creates a gardener with default cadence. The journal may be nil.
func New(db *store.DB, memories *memory.Store, jnl *journal.Journal) *Gardener {
	return &Gardener{
		db:       db,
		memories: memories,
		journal:  jnl,

		LightInterval:    DefaultLightInterval,
		DeepEvery:        DefaultDeepEvery,
		SleepSchedule:    DefaultSleepSchedule,
		SessionIdleAge:   DefaultSessionIdleAge,
		MessageRetention: DefaultMessageRetention,
		ActiveUserWindow: DefaultActiveUserWindow,

		ArchiveThreshold:  DefaultArchiveThreshold,
		ArchiveMinAgeDays: DefaultArchiveMinAgeDays,
		ArchiveMaxPerRun:  DefaultArchiveMaxPerRun,

		BusyCPUPercent: DefaultBusyCPUPercent,
		BusyRecheck:    DefaultBusyRecheck,

		cpuPercent: hostCPUPercent,
		sleepCh:    make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}
}

// Start begins the maintenance loop and arms the sleep cron.
func (g *Gardener) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}

	g.cronRunner = cron.New()
	_, err := g.cronRunner.AddFunc(g.SleepSchedule, func() {
		select {
		case g.sleepCh <- struct{}{}:
		default: // a sleep tick is already queued
		}
	})
	if err != nil {
		return err
	}
	g.cronRunner.Start()

	g.stopChan = make(chan struct{})
	g.running = true
	go g.loop()

	log.Printf("[gardener] Started (light=%v, deep every %d ticks, sleep %q)",
		g.LightInterval, g.DeepEvery, g.SleepSchedule)
	return nil
}

// Stop halts the loop and the cron.
func (g *Gardener) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	close(g.stopChan)
	if g.cronRunner != nil {
		g.cronRunner.Stop()
	}
	g.running = false
	log.Println("[gardener] Stopped")
}

func (g *Gardener) loop() {
	ticker := time.NewTicker(g.LightInterval)
	defer ticker.Stop()

	ctx := context.Background()
	var tick int
	var deepDue, sleepDue bool
	var notBefore time.Time

	for {
		select {
		case <-g.stopChan:
			return
		case <-g.sleepCh:
			sleepDue = true
		case <-ticker.C:
			tick++
			g.runLight()
			if g.DeepEvery > 0 && tick%g.DeepEvery == 0 {
				deepDue = true
			}
		}

		if !deepDue && !sleepDue {
			continue
		}
		now := time.Now()
		if now.Before(notBefore) {
			continue
		}
		if g.hostBusy() {
			notBefore = now.Add(g.BusyRecheck)
			log.Printf("[gardener] Host busy, deferring maintenance until %s", notBefore.Format(time.Kitchen))
			if g.journal != nil {
				g.journal.LogNote(journal.KindDeep, "deferred: host busy")
			}
			continue
		}
		if deepDue {
			g.RunDeep(ctx)
			deepDue = false
		}
		if sleepDue {
			g.RunSleep(ctx)
			sleepDue = false
		}
	}
}

func (g *Gardener) runLight() {
	n, err := g.memories.ProcessDecay()
	if err != nil {
		log.Printf("[gardener] Light decay failed: %v", err)
		return
	}
	if n > 0 && g.journal != nil {
		g.journal.LogTick(journal.KindLight, map[string]int{"decayed": n}, 0)
	}
}

// RunDeep executes one deep maintenance pass and returns its counters.
// Every phase is isolated; a failing phase logs and the rest still run.
func (g *Gardener) RunDeep(ctx context.Context) map[string]int {
	start := time.Now()
	counts := make(map[string]int)

	if n, err := g.memories.ProcessFullDecay(); err != nil {
		log.Printf("[gardener] Full decay failed: %v", err)
	} else {
		counts["decayed"] = n
	}

	if g.Summarizer != nil {
		if n, err := g.Summarizer.SummarizeIdleSessions(ctx, g.SessionIdleAge); err != nil {
			log.Printf("[gardener] Session summarization failed: %v", err)
		} else {
			counts["summarized"] = n
		}
	}

	cutoff := time.Now().Add(-g.MessageRetention).UnixMilli()
	if n, err := g.db.PruneSessionMessages(cutoff); err != nil {
		log.Printf("[gardener] Message pruning failed: %v", err)
	} else {
		counts["pruned_messages"] = n
	}

	if n, err := g.db.PruneOrphanRelations(); err != nil {
		log.Printf("[gardener] Relation pruning failed: %v", err)
	} else {
		counts["pruned_relations"] = n
	}

	if n, err := g.memories.ArchiveLowUtility(g.ArchiveThreshold, g.ArchiveMinAgeDays, g.ArchiveMaxPerRun); err != nil {
		log.Printf("[gardener] Archival failed: %v", err)
	} else {
		counts["archived"] = n
	}

	if n, err := g.memories.PruneDecayedArchived(); err != nil {
		log.Printf("[gardener] Hard delete failed: %v", err)
	} else {
		counts["hard_deleted"] = n
	}

	since := time.Now().Add(-g.ActiveUserWindow).UnixMilli()
	if users, err := g.db.ActiveUserIDs(since); err != nil {
		log.Printf("[gardener] Active user lookup failed: %v", err)
	} else {
		profiled := 0
		for _, userID := range users {
			ok, err := g.inferBehavior(userID)
			if err != nil {
				log.Printf("[gardener] Behavior inference failed for %s: %v", userID, err)
				continue
			}
			if ok {
				profiled++
			}
		}
		counts["profiled"] = profiled
	}

	if g.Evaluator != nil {
		if n, err := g.Evaluator.Run(ctx); err != nil {
			log.Printf("[gardener] Proactive scan failed: %v", err)
		} else {
			counts["nudges"] = n
		}
	}

	if g.journal != nil {
		g.journal.LogTick(journal.KindDeep, counts, time.Since(start))
	}
	log.Printf("[gardener] Deep tick: decayed=%d summarized=%d archived=%d profiled=%d (%.1fs)",
		counts["decayed"], counts["summarized"], counts["archived"], counts["profiled"],
		time.Since(start).Seconds())
	return counts
}

// RunSleep executes one dream cycle and returns the number of derived
// memories it created.
func (g *Gardener) RunSleep(ctx context.Context) int {
	if g.Consolidator == nil {
		return 0
	}
	start := time.Now()
	n, err := g.Consolidator.Run(ctx)
	if err != nil {
		log.Printf("[gardener] Dream cycle failed: %v", err)
		if g.journal != nil {
			g.journal.LogNote(journal.KindSleep, "failed: "+err.Error())
		}
		return 0
	}
	if g.journal != nil {
		g.journal.LogTick(journal.KindSleep, map[string]int{"fused": n}, time.Since(start))
	}
	log.Printf("[gardener] Sleep tick: fused=%d (%.1fs)", n, time.Since(start).Seconds())
	return n
}

func (g *Gardener) hostBusy() bool {
	pct, err := g.cpuPercent()
	if err != nil {
		return false
	}
	return pct > g.BusyCPUPercent
}

func hostCPUPercent() (float64, error) {
	pcts, err := cpu.Percent(500*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, nil
	}
	return pcts[0], nil
}
