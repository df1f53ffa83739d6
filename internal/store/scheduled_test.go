package store

import (
	"sync"
	"testing"
	"time"
)

func addTestItem(t *testing.T, db *DB, userID, message string, triggerAt int64) *ScheduledItem {
	t.Helper()
	it := &ScheduledItem{UserID: userID, Message: message, TriggerAt: triggerAt}
	if err := db.AddScheduledItem(it); err != nil {
		t.Fatalf("Failed to add scheduled item: %v", err)
	}
	return it
}

func TestAddScheduledItemDefaults(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	it := addTestItem(t, db, "user-1", "check in about the interview", nowMs()+3600_000)

	got, err := db.GetScheduledItem(it.ID)
	if err != nil {
		t.Fatalf("GetScheduledItem failed: %v", err)
	}
	if got.Source != "user" || got.Kind != "nudge" || got.Type != "reminder" {
		t.Errorf("Defaults wrong: source=%s kind=%s type=%s", got.Source, got.Kind, got.Type)
	}
	if got.Status != StatusPending {
		t.Errorf("Expected pending status, got %s", got.Status)
	}
	if got.BoardStatus != BoardScheduled {
		t.Errorf("Expected scheduled board status, got %s", got.BoardStatus)
	}

	if err := db.AddScheduledItem(&ScheduledItem{UserID: "u", Message: "x"}); err == nil {
		t.Error("Expected error for missing trigger_at")
	}
	if err := db.AddScheduledItem(&ScheduledItem{UserID: "u", TriggerAt: nowMs()}); err == nil {
		t.Error("Expected error for missing message")
	}
}

func TestScheduledItemRoundtrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	it := &ScheduledItem{
		UserID:    "user-1",
		SessionID: "session-9",
		Source:    "agent",
		Kind:      "task",
		Type:      "research",
		Message:   "summarize the quarterly report",
		TriggerAt: nowMs() + 60_000,
		Context:   map[string]any{"thread": "q3"},
		Recurring: &Recurrence{Type: "weekly", Hour: 9, Minute: 30, DayOfWeek: 1},
		DependsOn: []string{"item-a", "item-b"},
		Labels:    []string{"work"},
		TaskConfig: map[string]any{
			"maxIterations": float64(5),
		},
	}
	if err := db.AddScheduledItem(it); err != nil {
		t.Fatalf("AddScheduledItem failed: %v", err)
	}

	got, _ := db.GetScheduledItem(it.ID)
	if got.Recurring == nil || got.Recurring.Type != "weekly" || got.Recurring.Hour != 9 || got.Recurring.DayOfWeek != 1 {
		t.Errorf("Recurrence roundtrip failed: %+v", got.Recurring)
	}
	if len(got.DependsOn) != 2 || got.DependsOn[0] != "item-a" {
		t.Errorf("DependsOn roundtrip failed: %v", got.DependsOn)
	}
	if got.Context["thread"] != "q3" {
		t.Errorf("Context roundtrip failed: %v", got.Context)
	}
	if got.TaskConfig["maxIterations"] != float64(5) {
		t.Errorf("TaskConfig roundtrip failed: %v", got.TaskConfig)
	}
}

func TestClaimDueScheduledItems(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	due1 := addTestItem(t, db, "user-1", "water the plants", nowMs()-2000)
	due2 := addTestItem(t, db, "user-1", "call the bank", nowMs()-1000)
	addTestItem(t, db, "user-1", "future reminder", nowMs()+3600_000)

	claimed, err := db.ClaimDueScheduledItems()
	if err != nil {
		t.Fatalf("ClaimDueScheduledItems failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("Expected 2 due items, got %d", len(claimed))
	}
	if claimed[0].ID != due1.ID || claimed[1].ID != due2.ID {
		t.Errorf("Expected oldest-first order, got %s then %s", claimed[0].ID, claimed[1].ID)
	}
	for _, c := range claimed {
		if c.Status != StatusProcessing {
			t.Errorf("Claimed item %s not marked processing: %s", c.ID, c.Status)
		}
	}

	// A second claim pass finds nothing new.
	again, err := db.ClaimDueScheduledItems()
	if err != nil {
		t.Fatalf("Second claim failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected no items on second claim, got %d", len(again))
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	due := make(map[string]bool)
	for i := 0; i < 20; i++ {
		it := addTestItem(t, db, "user-1", "tick", nowMs()-int64(1000+i))
		due[it.ID] = true
	}

	var mu sync.Mutex
	claimedBy := make(map[string]int)
	var wg sync.WaitGroup
	for worker := 0; worker < 2; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := db.ClaimDueScheduledItems()
			if err != nil {
				t.Errorf("Concurrent claim failed: %v", err)
				return
			}
			mu.Lock()
			for _, it := range items {
				claimedBy[it.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for id, n := range claimedBy {
		if n > 1 {
			t.Errorf("Item %s claimed by %d workers", id, n)
		}
		if !due[id] {
			t.Errorf("Claimed unknown item %s", id)
		}
	}
	if len(claimedBy) != len(due) {
		t.Errorf("Expected every due item claimed exactly once: %d of %d", len(claimedBy), len(due))
	}
}

func TestExpireOldScheduledItems(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	stale := addTestItem(t, db, "user-1", "ancient reminder", nowMs()-25*3600_000)
	recent := addTestItem(t, db, "user-1", "recent reminder", nowMs()-3600_000)

	n, err := db.ExpireOldScheduledItems(24 * 3600_000)
	if err != nil {
		t.Fatalf("ExpireOldScheduledItems failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired item, got %d", n)
	}

	gotStale, _ := db.GetScheduledItem(stale.ID)
	if gotStale.Status != StatusExpired {
		t.Errorf("Expected expired status, got %s", gotStale.Status)
	}
	gotRecent, _ := db.GetScheduledItem(recent.ID)
	if gotRecent.Status != StatusPending {
		t.Errorf("Recent item must stay pending, got %s", gotRecent.Status)
	}
}

func TestConsolidateDuplicateScheduledItems(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	first := addTestItem(t, db, "user-1", "Take out the trash!", nowMs()+1000)
	addTestItem(t, db, "user-1", "take out the   trash", nowMs()+2000)
	addTestItem(t, db, "user-1", "TAKE OUT THE TRASH", nowMs()+3000)
	other := addTestItem(t, db, "user-1", "water the plants", nowMs()+1000)
	otherUser := addTestItem(t, db, "user-2", "take out the trash", nowMs()+1000)

	// Same message on a different cadence is not a duplicate.
	withRecurrence := &ScheduledItem{
		UserID:    "user-1",
		Message:   "take out the trash",
		TriggerAt: nowMs() + 4000,
		Recurring: &Recurrence{Type: "daily", Hour: 8},
	}
	if err := db.AddScheduledItem(withRecurrence); err != nil {
		t.Fatalf("AddScheduledItem failed: %v", err)
	}

	n, err := db.ConsolidateDuplicateScheduledItems()
	if err != nil {
		t.Fatalf("ConsolidateDuplicateScheduledItems failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 duplicates removed, got %d", n)
	}

	for _, id := range []string{first.ID, other.ID, otherUser.ID, withRecurrence.ID} {
		if it, _ := db.GetScheduledItem(id); it == nil {
			t.Errorf("Survivor %s was removed", id)
		}
	}

	// Running again is a no-op.
	n, _ = db.ConsolidateDuplicateScheduledItems()
	if n != 0 {
		t.Errorf("Expected idempotent consolidation, removed %d more", n)
	}
}

func TestHasSimilarPendingScheduledItem(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	addTestItem(t, db, "user-1", "Remind me to stretch before the run", nowMs()+1000)

	found, err := db.HasSimilarPendingScheduledItem("user-1", "stretch before the run")
	if err != nil {
		t.Fatalf("HasSimilarPendingScheduledItem failed: %v", err)
	}
	if !found {
		t.Error("Expected containment match")
	}

	found, _ = db.HasSimilarPendingScheduledItem("user-1", "book dentist appointment")
	if found {
		t.Error("Unexpected match for unrelated message")
	}

	found, _ = db.HasSimilarPendingScheduledItem("user-2", "stretch before the run")
	if found {
		t.Error("Similarity must be scoped per user")
	}
}

func TestScheduledItemTransitions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	it := addTestItem(t, db, "user-1", "send the invoice", nowMs()-1000)

	if _, err := db.ClaimDueScheduledItems(); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if err := db.MarkScheduledItemFired(it.ID); err != nil {
		t.Fatalf("MarkScheduledItemFired failed: %v", err)
	}
	got, _ := db.GetScheduledItem(it.ID)
	if got.Status != StatusFired || got.FiredAt == 0 {
		t.Errorf("Fired transition wrong: status=%s fired_at=%d", got.Status, got.FiredAt)
	}
	if got.BoardStatus != BoardDone {
		t.Errorf("Expected done board status after firing, got %s", got.BoardStatus)
	}

	if err := db.MarkScheduledItemActed(it.ID); err != nil {
		t.Fatalf("MarkScheduledItemActed failed: %v", err)
	}
	got, _ = db.GetScheduledItem(it.ID)
	if got.Status != StatusActed || got.ActedAt == 0 {
		t.Errorf("Acted transition wrong: status=%s acted_at=%d", got.Status, got.ActedAt)
	}

	// Recurrence path: back to pending at a future trigger.
	next := nowMs() + 24*3600_000
	if err := db.ResetScheduledItemToPending(it.ID, next, BoardScheduled); err != nil {
		t.Fatalf("ResetScheduledItemToPending failed: %v", err)
	}
	got, _ = db.GetScheduledItem(it.ID)
	if got.Status != StatusPending || got.TriggerAt != next {
		t.Errorf("Reset wrong: status=%s trigger_at=%d", got.Status, got.TriggerAt)
	}
	if got.BoardStatus != BoardScheduled {
		t.Errorf("Expected board reset to scheduled, got %s", got.BoardStatus)
	}
}

func TestScheduledItemBoardPatch(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	it := addTestItem(t, db, "user-1", "draft the proposal", nowMs()+1000)

	board := BoardWaiting
	priority := 2
	if err := db.UpdateScheduledItemBoard(it.ID, BoardPatch{
		BoardStatus: &board,
		Priority:    &priority,
		Labels:      []string{"work", "blocked"},
	}); err != nil {
		t.Fatalf("UpdateScheduledItemBoard failed: %v", err)
	}

	got, _ := db.GetScheduledItem(it.ID)
	if got.BoardStatus != BoardWaiting {
		t.Errorf("Expected waiting board status, got %s", got.BoardStatus)
	}
	if got.Priority != 2 {
		t.Errorf("Expected priority 2, got %d", got.Priority)
	}
	if len(got.Labels) != 2 || got.Labels[1] != "blocked" {
		t.Errorf("Labels patch failed: %v", got.Labels)
	}

	// Fields absent from the patch are untouched.
	if got.Message != "draft the proposal" || got.Status != StatusPending {
		t.Errorf("Patch touched unrelated fields: %+v", got)
	}
}

func TestScheduledItemResultAndNotification(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	it := addTestItem(t, db, "user-1", "research flight prices", nowMs()-1000)

	res := &ItemResult{Response: "Cheapest direct flight is 210 EUR on Tuesday", CompletedAt: nowMs(), IterationsUsed: 3}
	if err := db.SetScheduledItemResult(it.ID, res); err != nil {
		t.Fatalf("SetScheduledItemResult failed: %v", err)
	}

	unnotified, err := db.UnnotifiedResults("user-1")
	if err != nil {
		t.Fatalf("UnnotifiedResults failed: %v", err)
	}
	if len(unnotified) != 1 || unnotified[0].ID != it.ID {
		t.Fatalf("Expected 1 unnotified result, got %d", len(unnotified))
	}
	if unnotified[0].Result == nil || unnotified[0].Result.IterationsUsed != 3 {
		t.Errorf("Result roundtrip failed: %+v", unnotified[0].Result)
	}

	if err := db.MarkScheduledItemNotified(it.ID, nowMs()); err != nil {
		t.Fatalf("MarkScheduledItemNotified failed: %v", err)
	}
	unnotified, _ = db.UnnotifiedResults("user-1")
	if len(unnotified) != 0 {
		t.Errorf("Expected no unnotified results after marking, got %d", len(unnotified))
	}
}

func TestGetScheduledItemsForUserFilters(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	a := addTestItem(t, db, "user-1", "first", nowMs()+1000)
	b := addTestItem(t, db, "user-1", "second", nowMs()+2000)
	addTestItem(t, db, "user-2", "other user", nowMs()+1000)

	db.MarkScheduledItemFired(b.ID)

	all, err := db.GetScheduledItemsForUser("user-1")
	if err != nil {
		t.Fatalf("GetScheduledItemsForUser failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 items for user-1, got %d", len(all))
	}

	pending, _ := db.GetScheduledItemsForUser("user-1", StatusPending)
	if len(pending) != 1 || pending[0].ID != a.ID {
		t.Errorf("Status filter wrong: %d items", len(pending))
	}

	counts, _ := db.CountScheduledByStatus()
	if counts[StatusPending] != 2 || counts[StatusFired] != 1 {
		t.Errorf("Status counts wrong: %v", counts)
	}
}

func TestRecentFiredAgentItems(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	agent := &ScheduledItem{UserID: "user-1", Source: "agent", Message: "proactive nudge", TriggerAt: nowMs() - 1000}
	if err := db.AddScheduledItem(agent); err != nil {
		t.Fatalf("AddScheduledItem failed: %v", err)
	}
	user := addTestItem(t, db, "user-1", "user reminder", nowMs()-1000)

	db.MarkScheduledItemFired(agent.ID)
	db.MarkScheduledItemFired(user.ID)

	recent, err := db.RecentFiredAgentItems("user-1", nowMs()-time.Hour.Milliseconds())
	if err != nil {
		t.Fatalf("RecentFiredAgentItems failed: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != agent.ID {
		t.Errorf("Expected only the agent-sourced item, got %d", len(recent))
	}
}
