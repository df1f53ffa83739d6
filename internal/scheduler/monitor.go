package scheduler

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/vthunder/engram/internal/journal"
	"github.com/vthunder/engram/internal/store"
)

// DefaultMonitorInterval is how often the legacy reminders file is
// swept.
const DefaultMonitorInterval = 30 * time.Second

// ReminderEntry is one record in the legacy reminders.json file.
// Timestamps are ISO 8601 strings, unlike the store's epoch millis.
type ReminderEntry struct {
	ID        string            `json:"id"`
	Message   string            `json:"message"`
	TriggerAt string            `json:"triggerAt"`
	UserID    string            `json:"userId"`
	SessionID string            `json:"sessionId,omitempty"`
	CreatedAt string            `json:"createdAt,omitempty"`
	Recurring *store.Recurrence `json:"recurring,omitempty"`
}

// ReminderMonitor drains reminders.json into the scheduled-items
// queue. Imported and duplicate entries are removed from the file;
// entries the database rejected stay behind for the next sweep.
type ReminderMonitor struct {
	db      *store.DB
	path    string
	journal *journal.Journal

	Interval time.Duration

	stopChan chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewReminderMonitor watches path. The journal may be nil.
func NewReminderMonitor(db *store.DB, path string, jnl *journal.Journal) *ReminderMonitor {
	return &ReminderMonitor{
		db:       db,
		path:     path,
		journal:  jnl,
		Interval: DefaultMonitorInterval,
		stopChan: make(chan struct{}),
	}
}

// Start begins sweeping. The first sweep runs immediately so reminders
// written while the service was down import without waiting a tick.
func (m *ReminderMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.stopChan = make(chan struct{})
	m.running = true
	go m.loop()
	log.Printf("[monitor] Watching %s (interval=%v)", m.path, m.Interval)
}

// Stop halts the sweep loop.
func (m *ReminderMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stopChan)
	m.running = false
	log.Println("[monitor] Stopped")
}

func (m *ReminderMonitor) loop() {
	if _, err := m.Sweep(); err != nil {
		log.Printf("[monitor] Sweep failed: %v", err)
	}

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if _, err := m.Sweep(); err != nil {
				log.Printf("[monitor] Sweep failed: %v", err)
			}
		}
	}
}

// Sweep reads the reminders file once and imports what it can. Returns
// the number of entries imported. A missing file is not an error; an
// unparseable file is left untouched so an operator can inspect it.
func (m *ReminderMonitor) Sweep() (int, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read reminders file: %w", err)
	}

	var entries []ReminderEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("failed to parse reminders file: %w", err)
	}

	imported, dropped, duplicates := 0, 0, 0
	var remainder []ReminderEntry
	for _, e := range entries {
		triggerAt, err := time.Parse(time.RFC3339, e.TriggerAt)
		if err != nil {
			// A bad timestamp never becomes parseable; drop it
			// rather than re-log it every 30 seconds.
			log.Printf("[monitor] Dropping reminder %s with bad triggerAt %q: %v", e.ID, e.TriggerAt, err)
			dropped++
			continue
		}

		dup, err := m.db.HasSimilarPendingScheduledItem(e.UserID, e.Message)
		if err != nil {
			log.Printf("[monitor] Duplicate check failed for %s: %v", e.ID, err)
			remainder = append(remainder, e)
			continue
		}
		if dup {
			duplicates++
			continue
		}

		item := &store.ScheduledItem{
			ID:        e.ID,
			UserID:    e.UserID,
			SessionID: e.SessionID,
			Source:    "user",
			Kind:      "nudge",
			Type:      "reminder",
			Message:   e.Message,
			TriggerAt: triggerAt.UnixMilli(),
			Recurring: e.Recurring,
		}
		if err := m.db.AddScheduledItem(item); err != nil {
			log.Printf("[monitor] Failed to import reminder %s: %v", e.ID, err)
			remainder = append(remainder, e)
			continue
		}
		imported++
	}

	if err := m.rewrite(remainder); err != nil {
		return imported, err
	}

	if imported > 0 || dropped > 0 || duplicates > 0 {
		log.Printf("[monitor] Imported %d reminders (%d duplicates, %d dropped)", imported, duplicates, dropped)
		if m.journal != nil {
			m.journal.LogTick(journal.KindMonitor, map[string]int{
				"imported":   imported,
				"duplicates": duplicates,
				"dropped":    dropped,
			}, 0)
		}
	}
	return imported, nil
}

// rewrite replaces the reminders file with the entries that could not
// be imported, atomically so a crash mid-write never truncates it. An
// empty remainder removes the file.
func (m *ReminderMonitor) rewrite(remainder []ReminderEntry) error {
	if len(remainder) == 0 {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove drained reminders file: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(remainder, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal reminders: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write reminders temp file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace reminders file: %w", err)
	}
	return nil
}
