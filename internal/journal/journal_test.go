package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJournalLog(t *testing.T) {
	tmpDir := t.TempDir()
	j := New(tmpDir)

	err := j.LogTick(KindDeep, map[string]int{"decayed": 12, "archived": 3}, 250*time.Millisecond)
	if err != nil {
		t.Fatalf("LogTick failed: %v", err)
	}

	err = j.LogTick(KindScheduler, map[string]int{"fired": 2}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("LogTick failed: %v", err)
	}

	err = j.LogNote(KindSleep, "deferred: host busy")
	if err != nil {
		t.Fatalf("LogNote failed: %v", err)
	}

	entries, err := j.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}

	if entries[0].Kind != KindDeep {
		t.Errorf("Expected deep kind, got %s", entries[0].Kind)
	}
	if entries[0].Counts["decayed"] != 12 {
		t.Errorf("Unexpected counts: %v", entries[0].Counts)
	}
	if entries[0].DurationMs < 249 || entries[0].DurationMs > 251 {
		t.Errorf("Unexpected duration: %v", entries[0].DurationMs)
	}
	if entries[2].Note != "deferred: host busy" {
		t.Errorf("Unexpected note: %s", entries[2].Note)
	}

	// Every line on disk must be valid JSON.
	data, _ := os.ReadFile(filepath.Join(tmpDir, "journal.jsonl"))
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Errorf("Invalid JSON line: %s", line)
		}
	}
}

func TestJournalRecentLimit(t *testing.T) {
	tmpDir := t.TempDir()
	j := New(tmpDir)

	for i := 0; i < 5; i++ {
		if err := j.LogTick(KindLight, map[string]int{"decayed": i}, time.Millisecond); err != nil {
			t.Fatalf("LogTick failed: %v", err)
		}
	}

	entries, err := j.Recent(2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Counts["decayed"] != 3 || entries[1].Counts["decayed"] != 4 {
		t.Errorf("Recent did not return the tail: %v", entries)
	}
}

func TestJournalToday(t *testing.T) {
	tmpDir := t.TempDir()
	j := New(tmpDir)

	j.LogTick(KindLight, nil, time.Millisecond)
	j.Log(Entry{Kind: KindDeep, Timestamp: time.Now().AddDate(0, 0, -2)})

	entries, err := j.Today()
	if err != nil {
		t.Fatalf("Today failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry today, got %d", len(entries))
	}
	if entries[0].Kind != KindLight {
		t.Errorf("Expected the light entry, got %s", entries[0].Kind)
	}
}

func TestJournalRecentMissingFile(t *testing.T) {
	j := New(t.TempDir())

	entries, err := j.Recent(10)
	if err != nil {
		t.Fatalf("Recent on missing file failed: %v", err)
	}
	if entries != nil {
		t.Errorf("Expected nil entries, got %v", entries)
	}
}
