// Package proactive decides when the agent should speak first. Cheap
// heuristics over the board, session history, and behavioral patterns
// produce gap signals; one triage call decides which signals deserve a
// nudge and writes the message; accepted nudges enter the scheduled
// queue as pending agent items.
package proactive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/vthunder/engram/internal/llm"
	"github.com/vthunder/engram/internal/store"
)

const (
	DefaultStaleGoalAge     = 7 * 24 * time.Hour
	DefaultThreadMinIdle    = 30 * time.Minute
	DefaultThreadMaxAge     = 48 * time.Hour
	DefaultAnomalyMinRatio  = 3.0
	DefaultActiveUserWindow = 7 * 24 * time.Hour
	DefaultMaxSignals       = 12
	DefaultMaxNudges        = 3
)

// Gap signal types.
const (
	GapStaleGoal         = "stale_goal"
	GapBehavioralAnomaly = "behavioral_anomaly"
	GapUnresolvedThread  = "unresolved_thread"
)

// Severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// GapSignal is one observation worth considering for a proactive
// message. SourceID names the row that produced it (item, user, or
// session depending on Type).
type GapSignal struct {
	Type        string
	Severity    string
	Description string
	Context     map[string]any
	SourceID    string
	UserID      string
}

type triageItem struct {
	Index   int    `json:"index"`
	Action  string `json:"action"`
	Message string `json:"message"`
	Urgency string `json:"urgency"`
}

const triagePrompt = `You monitor a personal assistant's open loops and decide which deserve a proactive message right now.

SIGNALS:
%s

RULES:
- Nudge only when a message genuinely helps. Most signals deserve no action; silence is the default.
- At most %d nudges.
- "message" is the exact text sent to the user: one short, warm, specific sentence. No apologies, no pressure, no meta-commentary about monitoring.
- "urgency" is "low", "medium", or "high".
- Never nudge about the same thing twice; skip anything repetitive or intrusive.

Return ONLY JSON:
{"items":[{"index":0,"action":"nudge","message":"...","urgency":"low"}]}

If nothing deserves a nudge, return: {"items":[]}

JSON:`

// Evaluator runs the gap scan and triage. All thresholds are exported
// so config can override them.
type Evaluator struct {
	db  *store.DB
	llm llm.Provider

	StaleGoalAge     time.Duration
	ThreadMinIdle    time.Duration
	ThreadMaxAge     time.Duration
	AnomalyMinRatio  float64
	ActiveUserWindow time.Duration
	MaxSignals       int
	MaxNudges        int

	now func() time.Time
}

// New creates an evaluator with default thresholds.
func New(db *store.DB, provider llm.Provider) *Evaluator {
	return &Evaluator{
		db:  db,
		llm: provider,

		StaleGoalAge:     DefaultStaleGoalAge,
		ThreadMinIdle:    DefaultThreadMinIdle,
		ThreadMaxAge:     DefaultThreadMaxAge,
		AnomalyMinRatio:  DefaultAnomalyMinRatio,
		ActiveUserWindow: DefaultActiveUserWindow,
		MaxSignals:       DefaultMaxSignals,
		MaxNudges:        DefaultMaxNudges,

		now: time.Now,
	}
}

// Run scans for gaps, triages them, and enqueues the accepted nudges.
// Returns the number queued. Without a triage model the scan still
// runs but nothing is sent; heuristic descriptions are diagnostics,
// not user-facing prose.
func (e *Evaluator) Run(ctx context.Context) (int, error) {
	signals := e.Scan()
	if len(signals) == 0 {
		return 0, nil
	}

	// Highest severity survives the cap.
	sort.SliceStable(signals, func(i, j int) bool {
		return severityRank(signals[i].Severity) > severityRank(signals[j].Severity)
	})
	if len(signals) > e.MaxSignals {
		signals = signals[:e.MaxSignals]
	}

	if e.llm == nil || !e.llm.IsAvailable() {
		log.Printf("[proactive] %d gap signals, no triage model available", len(signals))
		return 0, nil
	}

	items, err := e.triage(ctx, signals)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, item := range items {
		if queued >= e.MaxNudges {
			break
		}
		if item.Action != "nudge" {
			continue
		}
		if item.Index < 0 || item.Index >= len(signals) {
			log.Printf("[proactive] Triage referenced unknown signal %d", item.Index)
			continue
		}
		message := strings.TrimSpace(item.Message)
		if message == "" {
			continue
		}
		sig := signals[item.Index]

		dup, err := e.db.HasSimilarPendingScheduledItem(sig.UserID, message)
		if err != nil {
			log.Printf("[proactive] Duplicate check failed: %v", err)
			continue
		}
		if dup {
			log.Printf("[proactive] Skipping duplicate nudge for %s: %s", sig.UserID, truncate(message, 60))
			continue
		}

		urgency := item.Urgency
		switch urgency {
		case SeverityLow, SeverityMedium, SeverityHigh:
		default:
			urgency = sig.Severity
		}
		nudge := &store.ScheduledItem{
			UserID:    sig.UserID,
			Source:    "agent",
			Kind:      "nudge",
			Type:      sig.Type,
			Message:   message,
			TriggerAt: e.now().UnixMilli(),
			Context: map[string]any{
				"source":   "proactive_evaluator",
				"gapType":  sig.Type,
				"urgency":  urgency,
				"sourceId": sig.SourceID,
			},
		}
		if err := e.db.AddScheduledItem(nudge); err != nil {
			log.Printf("[proactive] Failed to queue nudge: %v", err)
			continue
		}
		queued++
	}

	log.Printf("[proactive] Triaged %d signals, queued %d nudges", len(signals), queued)
	return queued, nil
}

// Scan runs every heuristic and returns the raw signals. No model
// calls happen here.
func (e *Evaluator) Scan() []GapSignal {
	now := e.now()
	var signals []GapSignal
	signals = append(signals, e.scanStaleGoals(now)...)
	signals = append(signals, e.scanAnomalies(now)...)
	signals = append(signals, e.scanUnresolvedThreads(now)...)
	return signals
}

func (e *Evaluator) scanStaleGoals(now time.Time) []GapSignal {
	items, err := e.db.StaleBoardTasks(now.Add(-e.StaleGoalAge).UnixMilli())
	if err != nil {
		log.Printf("[proactive] Stale task scan failed: %v", err)
		return nil
	}

	var signals []GapSignal
	for _, it := range items {
		if it.UserID == "" {
			continue
		}
		idleDays := int(now.Sub(time.UnixMilli(it.UpdatedAt)).Hours() / 24)
		severity := SeverityLow
		switch {
		case idleDays >= 30:
			severity = SeverityHigh
		case idleDays >= 14:
			severity = SeverityMedium
		}
		signals = append(signals, GapSignal{
			Type:        GapStaleGoal,
			Severity:    severity,
			Description: fmt.Sprintf("Task %q has sat %s on the board for %d days", truncate(it.Message, 80), it.BoardStatus, idleDays),
			Context: map[string]any{
				"idleDays":    idleDays,
				"boardStatus": string(it.BoardStatus),
			},
			SourceID: it.ID,
			UserID:   it.UserID,
		})
	}
	return signals
}

// scanAnomalies flags users whose silence is long relative to their own
// messaging rhythm. Users without an inferred frequency are skipped.
func (e *Evaluator) scanAnomalies(now time.Time) []GapSignal {
	users, err := e.db.ActiveUserIDs(now.Add(-e.ActiveUserWindow).UnixMilli())
	if err != nil {
		log.Printf("[proactive] Active user scan failed: %v", err)
		return nil
	}

	var signals []GapSignal
	for _, userID := range users {
		patterns, _, err := e.db.GetBehavioralPatterns(userID)
		if err != nil || patterns == nil || patterns.MessageFrequency <= 0 {
			continue
		}
		msgs, err := e.db.RecentUserMessages(userID, 1)
		if err != nil || len(msgs) == 0 {
			continue
		}

		quietDays := now.Sub(time.UnixMilli(msgs[0].CreatedAt)).Hours() / 24
		typicalGapDays := 1.0 / patterns.MessageFrequency
		ratio := quietDays / typicalGapDays
		if quietDays < 1 || ratio < e.AnomalyMinRatio {
			continue
		}

		severity := SeverityLow
		switch {
		case ratio >= 8:
			severity = SeverityHigh
		case ratio >= 5:
			severity = SeverityMedium
		}
		signals = append(signals, GapSignal{
			Type:     GapBehavioralAnomaly,
			Severity: severity,
			Description: fmt.Sprintf("User has been quiet for %.1f days against a typical gap of %.1f days",
				quietDays, typicalGapDays),
			Context: map[string]any{
				"quietDays":      quietDays,
				"typicalGapDays": typicalGapDays,
			},
			SourceID: userID,
			UserID:   userID,
		})
	}
	return signals
}

func (e *Evaluator) scanUnresolvedThreads(now time.Time) []GapSignal {
	sessions, err := e.db.UnansweredSessions(
		now.Add(-e.ThreadMinIdle).UnixMilli(),
		now.Add(-e.ThreadMaxAge).UnixMilli(),
	)
	if err != nil {
		log.Printf("[proactive] Unanswered session scan failed: %v", err)
		return nil
	}

	var signals []GapSignal
	for _, s := range sessions {
		if s.UserID == "" {
			continue
		}
		idleHours := now.Sub(time.UnixMilli(s.LastMessageAt)).Hours()
		severity := SeverityLow
		switch {
		case idleHours >= 24:
			severity = SeverityHigh
		case idleHours >= 4:
			severity = SeverityMedium
		}
		signals = append(signals, GapSignal{
			Type:     GapUnresolvedThread,
			Severity: severity,
			Description: fmt.Sprintf("Conversation stopped %.0fh ago on the user's message %q",
				idleHours, truncate(s.LastMessage, 80)),
			Context: map[string]any{
				"lastMessage": truncate(s.LastMessage, 200),
				"idleHours":   idleHours,
			},
			SourceID: s.SessionID,
			UserID:   s.UserID,
		})
	}
	return signals
}

// triage makes the one model call that turns signals into sendable
// nudges.
func (e *Evaluator) triage(ctx context.Context, signals []GapSignal) ([]triageItem, error) {
	var b strings.Builder
	for i, s := range signals {
		fmt.Fprintf(&b, "[%d] %s (%s) user=%s: %s\n", i, s.Type, s.Severity, s.UserID, s.Description)
	}

	prompt := fmt.Sprintf(triagePrompt, strings.TrimRight(b.String(), "\n"), e.MaxNudges)
	raw, err := llm.CompleteText(ctx, e.llm, "", prompt)
	if err != nil {
		return nil, fmt.Errorf("triage call failed: %w", err)
	}

	payload := llm.ExtractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("triage returned no JSON")
	}
	var out struct {
		Items []triageItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("failed to parse triage response: %w", err)
	}
	return out.Items, nil
}

func severityRank(s string) int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
