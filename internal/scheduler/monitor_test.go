package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vthunder/engram/internal/journal"
	"github.com/vthunder/engram/internal/store"
)

func setupTestMonitor(t *testing.T) (*ReminderMonitor, *store.DB, string, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "monitor-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := store.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}

	path := filepath.Join(tmpDir, "reminders.json")
	m := NewReminderMonitor(db, path, journal.New(tmpDir))
	return m, db, path, func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func writeReminders(t *testing.T, path string, entries []ReminderEntry) {
	t.Helper()
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("Failed to marshal reminders: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write reminders file: %v", err)
	}
}

func TestSweepImportsAndDrains(t *testing.T) {
	m, db, path, cleanup := setupTestMonitor(t)
	defer cleanup()

	// An already-pending item that one file entry duplicates.
	existing := &store.ScheduledItem{
		UserID:    "user-1",
		Message:   "Water the plants!",
		TriggerAt: time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := db.AddScheduledItem(existing); err != nil {
		t.Fatalf("AddScheduledItem failed: %v", err)
	}

	triggerAt := time.Now().Add(2 * time.Hour).Format(time.RFC3339)
	writeReminders(t, path, []ReminderEntry{
		{
			ID:        "rem-1",
			Message:   "Take the vitamins",
			TriggerAt: triggerAt,
			UserID:    "user-1",
			SessionID: "session-7",
			Recurring: &store.Recurrence{Type: "daily", Hour: 8},
		},
		{ID: "rem-2", Message: "water the plants", TriggerAt: triggerAt, UserID: "user-1"},
		{ID: "rem-3", Message: "Broken entry", TriggerAt: "not-a-timestamp", UserID: "user-1"},
	})

	imported, err := m.Sweep()
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if imported != 1 {
		t.Errorf("Expected 1 import, got %d", imported)
	}

	// Everything was handled, so the file is gone.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected drained file removed, stat err=%v", err)
	}

	got, err := db.GetScheduledItem("rem-1")
	if err != nil {
		t.Fatalf("GetScheduledItem failed: %v", err)
	}
	if got == nil {
		t.Fatal("Imported reminder not found")
	}
	if got.Source != "user" || got.Kind != "nudge" || got.Type != "reminder" {
		t.Errorf("Import defaults wrong: source=%s kind=%s type=%s", got.Source, got.Kind, got.Type)
	}
	if got.SessionID != "session-7" {
		t.Errorf("SessionID lost: %q", got.SessionID)
	}
	wantTrigger, _ := time.Parse(time.RFC3339, triggerAt)
	if got.TriggerAt != wantTrigger.UnixMilli() {
		t.Errorf("TriggerAt wrong: got %d want %d", got.TriggerAt, wantTrigger.UnixMilli())
	}
	if got.Recurring == nil || got.Recurring.Type != "daily" || got.Recurring.Hour != 8 {
		t.Errorf("Recurrence lost: %+v", got.Recurring)
	}

	// The duplicate was drained, not imported.
	if it, _ := db.GetScheduledItem("rem-2"); it != nil {
		t.Error("Duplicate entry must not be imported")
	}
	pending, _ := db.GetScheduledItemsForUser("user-1", store.StatusPending)
	if len(pending) != 2 {
		t.Errorf("Expected existing item plus one import, got %d", len(pending))
	}
}

func TestSweepKeepsFailedImports(t *testing.T) {
	m, db, path, cleanup := setupTestMonitor(t)
	defer cleanup()

	triggerAt := time.Now().Add(time.Hour).Format(time.RFC3339)
	writeReminders(t, path, []ReminderEntry{
		{ID: "rem-ok", Message: "Check the oven", TriggerAt: triggerAt, UserID: "user-1"},
		{ID: "rem-bad", Message: "", TriggerAt: triggerAt, UserID: "user-1"},
	})

	imported, err := m.Sweep()
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if imported != 1 {
		t.Errorf("Expected 1 import, got %d", imported)
	}
	if it, _ := db.GetScheduledItem("rem-ok"); it == nil {
		t.Error("Valid entry not imported")
	}

	// The rejected entry stays behind for the next sweep.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected remainder file, got %v", err)
	}
	var remainder []ReminderEntry
	if err := json.Unmarshal(data, &remainder); err != nil {
		t.Fatalf("Remainder unparseable: %v", err)
	}
	if len(remainder) != 1 || remainder[0].ID != "rem-bad" {
		t.Errorf("Remainder wrong: %+v", remainder)
	}
}

func TestSweepMissingFile(t *testing.T) {
	m, _, _, cleanup := setupTestMonitor(t)
	defer cleanup()

	imported, err := m.Sweep()
	if err != nil {
		t.Errorf("Expected missing file tolerated, got %v", err)
	}
	if imported != 0 {
		t.Errorf("Expected 0 imports, got %d", imported)
	}
}

func TestSweepUnparseableFile(t *testing.T) {
	m, _, path, cleanup := setupTestMonitor(t)
	defer cleanup()

	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	if _, err := m.Sweep(); err == nil {
		t.Error("Expected parse error")
	}
	// The file is left in place for inspection.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected file untouched, stat err=%v", err)
	}
}
