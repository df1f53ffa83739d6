// Package gateway is the front door to the substrate. Chat surfaces
// call HandleUserMessage and HandleAssistantMessage; the gateway logs
// the turn, pokes the collaborators that react to user activity, and
// queues fact extraction so slow model calls never hold up the
// conversation. It also owns startup and shutdown of the background
// loops.
package gateway

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/vthunder/engram/internal/extract"
	"github.com/vthunder/engram/internal/filter"
	"github.com/vthunder/engram/internal/gardener"
	"github.com/vthunder/engram/internal/scheduler"
	"github.com/vthunder/engram/internal/store"
)

// DefaultExtractTimeout bounds one after-turn extraction call.
const DefaultExtractTimeout = 60 * time.Second

// TurnExtractor mines one finished user turn for durable facts.
// Satisfied by extract.Extractor.
type TurnExtractor interface {
	ProcessTurn(ctx context.Context, userID, sessionID, text string) (*extract.TurnResult, error)
}

// Gateway routes conversation traffic into the substrate. The
// extractor may be nil (console mode without a model); background
// loops are optional and a nil one is simply skipped.
type Gateway struct {
	db        *store.DB
	extractor TurnExtractor

	// Background loops, started and stopped by the gateway.
	Scheduler *scheduler.Scheduler
	Gardener  *gardener.Gardener
	Monitor   *scheduler.ReminderMonitor

	// GetTimezone resolves a user's IANA timezone for the
	// first-message-of-the-day check. Nil means server-local days.
	GetTimezone func(userID string) string

	// Gate, when set, screens turns before extraction so low-signal
	// traffic ("ok", "thanks") does not burn model calls.
	Gate *filter.TurnGate

	// ExtractTimeout bounds each queued extraction call.
	ExtractTimeout time.Duration

	mu      sync.Mutex
	workers map[string]*sessionWorker
	lastDay map[string]string
	closed  bool
	wg      sync.WaitGroup
}

// sessionWorker holds the pending extraction jobs for one session.
// Jobs run in arrival order; a session gets at most one goroutine.
type sessionWorker struct {
	jobs    []extractJob
	running bool
}

type extractJob struct {
	userID    string
	sessionID string
	text      string
}

// New creates a gateway over an open store.
func New(db *store.DB, extractor TurnExtractor) *Gateway {
	return &Gateway{
		db:             db,
		extractor:      extractor,
		ExtractTimeout: DefaultExtractTimeout,
		workers:        make(map[string]*sessionWorker),
		lastDay:        make(map[string]string),
	}
}

// Start launches the background loops: reminder monitor first so
// legacy reminders exist before the first scheduler tick, then the
// scheduler, then the gardener.
func (g *Gateway) Start() error {
	if g.Monitor != nil {
		g.Monitor.Start()
	}
	if g.Scheduler != nil {
		if err := g.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	if g.Gardener != nil {
		if err := g.Gardener.Start(); err != nil {
			return fmt.Errorf("failed to start gardener: %w", err)
		}
	}
	log.Println("[gateway] Started")
	return nil
}

// Shutdown stops the loops in reverse start order, then waits for
// queued extractions to drain. New work is refused once it begins.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	if g.Gardener != nil {
		g.Gardener.Stop()
	}
	if g.Scheduler != nil {
		g.Scheduler.Stop()
	}
	if g.Monitor != nil {
		g.Monitor.Stop()
	}
	g.wg.Wait()
	log.Println("[gateway] Stopped")
}

// HandleUserMessage records one user turn and fans out the reactions:
// engagement check, first-message-of-the-day digest, profile touch,
// and queued fact extraction. Only the session write can fail the
// call; everything downstream degrades to a log line.
func (g *Gateway) HandleUserMessage(userID, sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty message")
	}
	if err := g.ensureSession(userID, sessionID); err != nil {
		return err
	}
	if _, err := g.db.AddSessionMessage(sessionID, "user", text); err != nil {
		return fmt.Errorf("failed to log user message: %w", err)
	}

	if g.Scheduler != nil {
		g.Scheduler.CheckEngagement(userID)
		g.maybeSendDigest(userID)
	}
	g.touchProfile(userID)
	g.enqueueExtraction(userID, sessionID, text)
	return nil
}

// HandleAssistantMessage records the assistant's reply. Replies are
// not mined for facts; extraction keys on what the user said.
func (g *Gateway) HandleAssistantMessage(userID, sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty message")
	}
	if err := g.ensureSession(userID, sessionID); err != nil {
		return err
	}
	if _, err := g.db.AddSessionMessage(sessionID, "assistant", text); err != nil {
		return fmt.Errorf("failed to log assistant message: %w", err)
	}
	return nil
}

func (g *Gateway) ensureSession(userID, sessionID string) error {
	sess, err := g.db.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}
	if sess != nil {
		return nil
	}
	if _, err := g.db.CreateSession(sessionID, userID, sourceTag(userID)); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// maybeSendDigest fires the morning digest on the user's first message
// of a local day. The scheduler's cron covers users who never write
// first. A restart forgets the day marks, but the notifiedAt stamp
// makes the repeat call a no-op rather than a double send.
func (g *Gateway) maybeSendDigest(userID string) {
	day := time.Now().In(g.location(userID)).Format("2006-01-02")

	g.mu.Lock()
	seen := g.lastDay[userID]
	g.lastDay[userID] = day
	g.mu.Unlock()

	if seen == day {
		return
	}
	g.Scheduler.SendMorningDigest(userID)
}

// touchProfile stamps the interaction time on the dynamic profile. A
// profile write must never fail the turn, so errors only log.
func (g *Gateway) touchProfile(userID string) {
	p, err := g.db.GetDynamicProfile(userID)
	if err != nil {
		log.Printf("[gateway] Profile lookup failed for %s: %v", userID, err)
		return
	}
	if p == nil {
		p = &store.DynamicProfile{}
	}
	p.LastInteractionAt = time.Now().UnixMilli()
	if err := g.db.SetDynamicProfile(userID, p); err != nil {
		log.Printf("[gateway] Profile update failed for %s: %v", userID, err)
	}
}

// enqueueExtraction queues the turn for fact extraction. Each session
// drains through one worker goroutine in arrival order, so facts from
// consecutive turns dedup against each other instead of racing.
func (g *Gateway) enqueueExtraction(userID, sessionID, text string) {
	if g.extractor == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	w := g.workers[sessionID]
	if w == nil {
		w = &sessionWorker{}
		g.workers[sessionID] = w
	}
	w.jobs = append(w.jobs, extractJob{userID: userID, sessionID: sessionID, text: text})
	if !w.running {
		w.running = true
		g.wg.Add(1)
		go g.drainSession(sessionID, w)
	}
}

// drainSession runs the session's queued extractions until the queue
// empties, then retires the worker. The empty check and the map delete
// happen under the same lock as enqueue's append, so a late job either
// lands in this drain or spawns a fresh worker.
func (g *Gateway) drainSession(sessionID string, w *sessionWorker) {
	defer g.wg.Done()
	for {
		g.mu.Lock()
		if len(w.jobs) == 0 {
			w.running = false
			delete(g.workers, sessionID)
			g.mu.Unlock()
			return
		}
		job := w.jobs[0]
		w.jobs = w.jobs[1:]
		g.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), g.ExtractTimeout)
		if g.Gate != nil {
			if ok, score := g.Gate.ShouldExtract(ctx, job.sessionID, job.text); !ok {
				cancel()
				log.Printf("[gateway] Skipped extraction for session %s (signal %.2f)", sessionID, score)
				continue
			}
		}
		res, err := g.extractor.ProcessTurn(ctx, job.userID, job.sessionID, job.text)
		cancel()
		if err != nil {
			log.Printf("[gateway] Extraction failed for session %s: %v", sessionID, err)
			continue
		}
		if res.FactsStored+res.FactsReinforced+res.TriggersQueued > 0 {
			log.Printf("[gateway] Session %s: %d facts stored, %d reinforced, %d triggers",
				sessionID, res.FactsStored, res.FactsReinforced, res.TriggersQueued)
		}
	}
}

func (g *Gateway) location(userID string) *time.Location {
	if g.GetTimezone == nil {
		return time.Local
	}
	name := g.GetTimezone(userID)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

// sourceTag derives the session source from the user ID's channel
// prefix ("telegram:42" becomes "telegram"); bare IDs count as direct.
func sourceTag(userID string) string {
	if idx := strings.Index(userID, ":"); idx > 0 {
		return userID[:idx]
	}
	return "direct"
}
