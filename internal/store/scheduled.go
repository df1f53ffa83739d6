package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const scheduledCols = `id, user_id, session_id, source, kind, type, message, context, trigger_at,
	status, board_status, recurring, source_memory_id, task_config, depends_on,
	priority, labels, goal_id, result, fired_at, acted_at, created_at, updated_at`

func scanScheduledItem(row rowScanner) (*ScheduledItem, error) {
	var it ScheduledItem
	var sessionID, context, recurring, sourceMemoryID, taskConfig, goalID, result sql.NullString
	var status, boardStatus, dependsOn, labels string
	var firedAt, actedAt sql.NullInt64

	err := row.Scan(
		&it.ID, &it.UserID, &sessionID, &it.Source, &it.Kind, &it.Type, &it.Message, &context, &it.TriggerAt,
		&status, &boardStatus, &recurring, &sourceMemoryID, &taskConfig, &dependsOn,
		&it.Priority, &labels, &goalID, &result, &firedAt, &actedAt, &it.CreatedAt, &it.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	it.Status = ItemStatus(status)
	it.BoardStatus = BoardStatus(boardStatus)
	it.SessionID = sessionID.String
	it.SourceMemoryID = sourceMemoryID.String
	it.GoalID = goalID.String
	if firedAt.Valid {
		it.FiredAt = firedAt.Int64
	}
	if actedAt.Valid {
		it.ActedAt = actedAt.Int64
	}
	if context.Valid && context.String != "" {
		json.Unmarshal([]byte(context.String), &it.Context)
	}
	if recurring.Valid && recurring.String != "" {
		var r Recurrence
		if json.Unmarshal([]byte(recurring.String), &r) == nil && r.Type != "" {
			it.Recurring = &r
		}
	}
	if taskConfig.Valid && taskConfig.String != "" {
		json.Unmarshal([]byte(taskConfig.String), &it.TaskConfig)
	}
	if result.Valid && result.String != "" {
		var res ItemResult
		if json.Unmarshal([]byte(result.String), &res) == nil {
			it.Result = &res
		}
	}
	json.Unmarshal([]byte(dependsOn), &it.DependsOn)
	json.Unmarshal([]byte(labels), &it.Labels)

	return &it, nil
}

func scanScheduledRows(rows *sql.Rows) ([]*ScheduledItem, error) {
	var result []*ScheduledItem
	for rows.Next() {
		it, err := scanScheduledItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

// AddScheduledItem enqueues one item as pending.
func (g *DB) AddScheduledItem(it *ScheduledItem) error {
	if it.UserID == "" {
		return fmt.Errorf("scheduled item user_id is required")
	}
	if strings.TrimSpace(it.Message) == "" {
		return fmt.Errorf("scheduled item message is required")
	}
	if it.TriggerAt <= 0 {
		return fmt.Errorf("scheduled item trigger_at is required")
	}

	now := nowMs()
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Source == "" {
		it.Source = "user"
	}
	if it.Kind == "" {
		it.Kind = "nudge"
	}
	if it.Type == "" {
		it.Type = "reminder"
	}
	if it.Status == "" {
		it.Status = StatusPending
	}
	if it.BoardStatus == "" {
		it.BoardStatus = BoardScheduled
	}
	if it.CreatedAt == 0 {
		it.CreatedAt = now
	}
	it.UpdatedAt = now

	var recurring any
	if it.Recurring != nil {
		recurring = marshalJSON(it.Recurring, "")
	}
	var context any
	if it.Context != nil {
		context = marshalJSON(it.Context, "")
	}
	var taskConfig any
	if it.TaskConfig != nil {
		taskConfig = marshalJSON(it.TaskConfig, "")
	}
	var result any
	if it.Result != nil {
		result = marshalJSON(it.Result, "")
	}

	_, err := g.db.Exec(`
		INSERT INTO scheduled_items (id, user_id, session_id, source, kind, type, message, context, trigger_at,
			status, board_status, recurring, source_memory_id, task_config, depends_on,
			priority, labels, goal_id, result, fired_at, acted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		it.ID, it.UserID, nullableString(it.SessionID), it.Source, it.Kind, it.Type, it.Message, context, it.TriggerAt,
		string(it.Status), string(it.BoardStatus), recurring, nullableString(it.SourceMemoryID), taskConfig,
		marshalJSON(it.DependsOn, "[]"),
		it.Priority, marshalJSON(it.Labels, "[]"), nullableString(it.GoalID), result,
		nullableMs(it.FiredAt), nullableMs(it.ActedAt), it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scheduled item: %w", err)
	}
	return nil
}

// GetScheduledItem retrieves one item; (nil, nil) when absent.
func (g *DB) GetScheduledItem(id string) (*ScheduledItem, error) {
	row := g.db.QueryRow(`SELECT `+scheduledCols+` FROM scheduled_items WHERE id = ?`, id)
	return scanScheduledItem(row)
}

// GetScheduledItemsForUser lists a user's items soonest-first,
// optionally narrowed to the given statuses.
func (g *DB) GetScheduledItemsForUser(userID string, statuses ...ItemStatus) ([]*ScheduledItem, error) {
	query := `SELECT ` + scheduledCols + ` FROM scheduled_items WHERE user_id = ?`
	args := []any{userID}
	if len(statuses) > 0 {
		placeholders := strings.Repeat("?,", len(statuses))
		query += ` AND status IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY trigger_at ASC`

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled items: %w", err)
	}
	defer rows.Close()

	return scanScheduledRows(rows)
}

// ClaimDueScheduledItems atomically flips due pending items to
// processing and returns them soonest-first. Each row is claimed with a
// guarded single-statement update, so concurrent claimers always
// observe disjoint sets.
func (g *DB) ClaimDueScheduledItems() ([]*ScheduledItem, error) {
	now := nowMs()

	rows, err := g.db.Query(`
		SELECT id FROM scheduled_items
		WHERE status = 'pending' AND trigger_at <= ?
		ORDER BY trigger_at ASC, rowid ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due items: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if rows.Scan(&id) == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	var claimed []*ScheduledItem
	for _, id := range ids {
		res, err := g.db.Exec(`
			UPDATE scheduled_items SET status = 'processing', updated_at = ?
			WHERE id = ? AND status = 'pending'
		`, now, id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim item %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // another claimer won this row
		}
		item, err := g.GetScheduledItem(id)
		if err != nil {
			return nil, err
		}
		if item != nil {
			claimed = append(claimed, item)
		}
	}
	return claimed, nil
}

// ExpireOldScheduledItems sweeps pending and stuck processing items
// whose trigger time is older than maxAgeMs to expired. Returns the
// number of rows swept.
func (g *DB) ExpireOldScheduledItems(maxAgeMs int64) (int, error) {
	now := nowMs()
	res, err := g.db.Exec(`
		UPDATE scheduled_items SET status = 'expired', updated_at = ?
		WHERE status IN ('pending', 'processing') AND trigger_at < ?
	`, now, now-maxAgeMs)
	if err != nil {
		return 0, fmt.Errorf("failed to expire items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ConsolidateDuplicateScheduledItems collapses pending items that share
// a user, normalized message, and recurrence shape, keeping the
// earliest trigger. Returns the number of duplicates removed; running
// it twice removes nothing the second time.
func (g *DB) ConsolidateDuplicateScheduledItems() (int, error) {
	rows, err := g.db.Query(`
		SELECT id, user_id, message, recurring FROM scheduled_items
		WHERE status = 'pending'
		ORDER BY trigger_at ASC, rowid ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to query pending items: %w", err)
	}

	seen := make(map[string]bool)
	var dupIDs []string
	for rows.Next() {
		var id, userID, message string
		var recurring sql.NullString
		if err := rows.Scan(&id, &userID, &message, &recurring); err != nil {
			continue
		}
		key := userID + "|" + normalizeMessage(message) + "|" + recurrenceKey(recurring.String)
		if seen[key] {
			dupIDs = append(dupIDs, id)
			continue
		}
		seen[key] = true
	}
	rows.Close()

	if len(dupIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(dupIDs))
	args := make([]any, len(dupIDs))
	for i, id := range dupIDs {
		args[i] = id
	}
	res, err := g.db.Exec(`DELETE FROM scheduled_items WHERE id IN (`+placeholders[:len(placeholders)-1]+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete duplicate items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// HasSimilarPendingScheduledItem reports whether the user already has a
// pending item whose message matches (or contains / is contained by)
// the given one after normalization.
func (g *DB) HasSimilarPendingScheduledItem(userID, message string) (bool, error) {
	norm := normalizeMessage(message)
	if norm == "" {
		return false, nil
	}

	rows, err := g.db.Query(`
		SELECT message FROM scheduled_items WHERE user_id = ? AND status = 'pending'
	`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var existing string
		if rows.Scan(&existing) != nil {
			continue
		}
		existingNorm := normalizeMessage(existing)
		if existingNorm == "" {
			continue
		}
		if existingNorm == norm ||
			strings.Contains(existingNorm, norm) ||
			strings.Contains(norm, existingNorm) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// MarkScheduledItemFired transitions a claimed item to fired and moves
// it off the board.
func (g *DB) MarkScheduledItemFired(id string) error {
	now := nowMs()
	res, err := g.db.Exec(`
		UPDATE scheduled_items SET status = 'fired', board_status = 'done', fired_at = ?, updated_at = ?
		WHERE id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark item fired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled item not found: %s", id)
	}
	return nil
}

// MarkScheduledItemActed records that the user responded to a fired
// item.
func (g *DB) MarkScheduledItemActed(id string) error {
	now := nowMs()
	res, err := g.db.Exec(`
		UPDATE scheduled_items SET status = 'acted', acted_at = ?, updated_at = ?
		WHERE id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark item acted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled item not found: %s", id)
	}
	return nil
}

// ResetScheduledItemToPending returns a claimed item to the queue with
// a new trigger time, optionally moving its board status (e.g. to
// waiting for unmet dependencies).
func (g *DB) ResetScheduledItemToPending(id string, triggerAt int64, boardStatus BoardStatus) error {
	query := `UPDATE scheduled_items SET status = 'pending', trigger_at = ?, updated_at = ?`
	args := []any{triggerAt, nowMs()}
	if boardStatus != "" {
		query += `, board_status = ?`
		args = append(args, string(boardStatus))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := g.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to reset item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled item not found: %s", id)
	}
	return nil
}

// UpdateScheduledItemBoard applies a partial board-facing update.
func (g *DB) UpdateScheduledItemBoard(id string, p BoardPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{nowMs()}

	if p.BoardStatus != nil {
		sets = append(sets, "board_status = ?")
		args = append(args, string(*p.BoardStatus))
	}
	if p.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *p.Priority)
	}
	if p.Labels != nil {
		sets = append(sets, "labels = ?")
		args = append(args, marshalJSON(p.Labels, "[]"))
	}
	if p.GoalID != nil {
		sets = append(sets, "goal_id = ?")
		args = append(args, nullableString(*p.GoalID))
	}
	if p.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, marshalJSON(p.Result, ""))
	}

	args = append(args, id)
	res, err := g.db.Exec(`UPDATE scheduled_items SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update scheduled item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled item not found: %s", id)
	}
	return nil
}

// SetScheduledItemResult stores the outcome a task produced.
func (g *DB) SetScheduledItemResult(id string, result *ItemResult) error {
	res, err := g.db.Exec(`
		UPDATE scheduled_items SET result = ?, updated_at = ? WHERE id = ?
	`, marshalJSON(result, ""), nowMs(), id)
	if err != nil {
		return fmt.Errorf("failed to set item result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled item not found: %s", id)
	}
	return nil
}

// MarkScheduledItemNotified stamps a result as delivered so the digest
// never repeats it.
func (g *DB) MarkScheduledItemNotified(id string, notifiedAt int64) error {
	item, err := g.GetScheduledItem(id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("scheduled item not found: %s", id)
	}
	if item.Result == nil {
		return fmt.Errorf("scheduled item %s has no result", id)
	}
	item.Result.NotifiedAt = notifiedAt
	return g.SetScheduledItemResult(id, item.Result)
}

// UnnotifiedResults returns a user's items whose results have not been
// delivered yet, oldest completion first.
func (g *DB) UnnotifiedResults(userID string) ([]*ScheduledItem, error) {
	rows, err := g.db.Query(`
		SELECT `+scheduledCols+` FROM scheduled_items
		WHERE user_id = ? AND result IS NOT NULL
		ORDER BY updated_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	items, err := scanScheduledRows(rows)
	if err != nil {
		return nil, err
	}

	var unnotified []*ScheduledItem
	for _, it := range items {
		if it.Result != nil && it.Result.NotifiedAt == 0 {
			unnotified = append(unnotified, it)
		}
	}
	return unnotified, nil
}

// UsersWithUnnotifiedResults lists users who have at least one result
// awaiting digest delivery.
func (g *DB) UsersWithUnnotifiedResults() ([]string, error) {
	rows, err := g.db.Query(`
		SELECT DISTINCT user_id FROM scheduled_items
		WHERE result IS NOT NULL
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query result users: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if rows.Scan(&id) == nil {
			candidates = append(candidates, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var users []string
	for _, id := range candidates {
		items, err := g.UnnotifiedResults(id)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			users = append(users, id)
		}
	}
	return users, nil
}

// StaleBoardTasks returns task-kind items still open on the board
// (scheduled, waiting, or in progress) that nothing has touched since
// the cutoff, oldest first.
func (g *DB) StaleBoardTasks(cutoffMs int64) ([]*ScheduledItem, error) {
	rows, err := g.db.Query(`
		SELECT `+scheduledCols+` FROM scheduled_items
		WHERE kind = 'task'
		  AND board_status IN ('scheduled', 'waiting', 'in_progress')
		  AND updated_at < ?
		ORDER BY updated_at ASC
	`, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", err)
	}
	defer rows.Close()

	return scanScheduledRows(rows)
}

// RecentFiredAgentItems returns agent-initiated items fired since the
// cutoff, for the engagement cap.
func (g *DB) RecentFiredAgentItems(userID string, sinceMs int64) ([]*ScheduledItem, error) {
	rows, err := g.db.Query(`
		SELECT `+scheduledCols+` FROM scheduled_items
		WHERE user_id = ? AND source = 'agent' AND status = 'fired' AND fired_at >= ?
		ORDER BY fired_at DESC
	`, userID, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query fired agent items: %w", err)
	}
	defer rows.Close()

	return scanScheduledRows(rows)
}

// CountScheduledByStatus aggregates queue states for stats.
func (g *DB) CountScheduledByStatus() (map[ItemStatus]int, error) {
	rows, err := g.db.Query(`SELECT status, COUNT(*) FROM scheduled_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count scheduled items: %w", err)
	}
	defer rows.Close()

	counts := make(map[ItemStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[ItemStatus(status)] = count
	}
	return counts, rows.Err()
}

// normalizeMessage lowercases, strips punctuation, and collapses
// whitespace so near-identical reminder texts compare equal.
func normalizeMessage(msg string) string {
	msg = strings.ToLower(msg)
	var b strings.Builder
	for _, r := range msg {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '\t', r == '\n':
			b.WriteRune(r)
		case r > 127: // keep non-ASCII text intact
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// recurrenceKey canonicalizes a recurrence JSON blob so equivalent
// schedules compare equal regardless of key order.
func recurrenceKey(raw string) string {
	if raw == "" {
		return ""
	}
	var r Recurrence
	if json.Unmarshal([]byte(raw), &r) != nil || r.Type == "" {
		return ""
	}
	return fmt.Sprintf("%s@%02d:%02d/%d", r.Type, r.Hour, r.Minute, r.DayOfWeek)
}

// nullableString renders "" as NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
