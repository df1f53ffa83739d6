// Package journal records maintenance activity (gardener ticks,
// scheduler sweeps, monitor imports) as append-only JSONL so the state
// inspector can show what the background loops have been doing.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Well-known entry kinds. Kind is free-form; these are the ones the
// background loops write.
const (
	KindLight     = "light"
	KindDeep      = "deep"
	KindSleep     = "sleep"
	KindScheduler = "scheduler"
	KindMonitor   = "monitor"
	KindEvaluator = "evaluator"
)

// Entry is one maintenance report.
type Entry struct {
	Timestamp  time.Time      `json:"ts"`
	Kind       string         `json:"kind"`
	Counts     map[string]int `json:"counts,omitempty"`      // e.g. {"decayed": 12, "archived": 3}
	DurationMs float64        `json:"duration_ms,omitempty"` // wall time of the pass
	Note       string         `json:"note,omitempty"`
}

// Journal appends entries to journal.jsonl under the state directory.
type Journal struct {
	path string
	mu   sync.RWMutex
}

// New creates a journal writer rooted at statePath.
func New(statePath string) *Journal {
	return &Journal{
		path: filepath.Join(statePath, "journal.jsonl"),
	}
}

// Log appends one entry. The file is opened per write so a crashed
// process never holds the journal hostage.
func (j *Journal) Log(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// LogTick records one maintenance pass with its counters and duration.
func (j *Journal) LogTick(kind string, counts map[string]int, dur time.Duration) error {
	return j.Log(Entry{
		Kind:       kind,
		Counts:     counts,
		DurationMs: float64(dur.Nanoseconds()) / 1e6,
	})
}

// LogNote records a one-off observation (deferrals, skips, failures).
func (j *Journal) LogNote(kind, note string) error {
	return j.Log(Entry{
		Kind: kind,
		Note: note,
	})
}

// Recent returns the last n entries.
func (j *Journal) Recent(n int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // skip malformed entries
		}
		entries = append(entries, entry)
	}

	if n >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}

// Today returns entries written since local midnight.
func (j *Journal) Today() ([]Entry, error) {
	entries, err := j.Recent(1000)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var today []Entry
	for _, e := range entries {
		if !e.Timestamp.Before(midnight) {
			today = append(today, e)
		}
	}
	return today, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
