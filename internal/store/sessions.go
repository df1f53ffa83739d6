package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CreateSession records a new conversation. A caller-supplied ID is
// kept (channel adapters reuse their own connection IDs); otherwise one
// is generated.
func (g *DB) CreateSession(id, userID, source string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		ID:        id,
		UserID:    userID,
		Source:    source,
		CreatedAt: nowMs(),
	}
	_, err := g.db.Exec(`
		INSERT INTO sessions (id, user_id, source, created_at) VALUES (?, ?, ?, ?)
	`, s.ID, s.UserID, s.Source, s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a session by ID; returns (nil, nil) when absent.
func (g *DB) GetSession(id string) (*Session, error) {
	var s Session
	err := g.db.QueryRow(`
		SELECT id, user_id, source, created_at FROM sessions WHERE id = ?
	`, id).Scan(&s.ID, &s.UserID, &s.Source, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// AddSessionMessage appends one turn to a session.
func (g *DB) AddSessionMessage(sessionID, role, content string) (*SessionMessage, error) {
	switch role {
	case "user", "assistant", "system":
	default:
		return nil, fmt.Errorf("invalid message role: %q", role)
	}

	msg := &SessionMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: nowMs(),
	}
	_, err := g.db.Exec(`
		INSERT INTO session_messages (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session message: %w", err)
	}
	return msg, nil
}

// GetSessionMessages returns a session's messages in insertion order.
func (g *DB) GetSessionMessages(sessionID string) ([]*SessionMessage, error) {
	rows, err := g.db.Query(`
		SELECT id, session_id, role, content, created_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session messages: %w", err)
	}
	defer rows.Close()

	var msgs []*SessionMessage
	for rows.Next() {
		var m SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// CountSessionMessages returns the number of messages in a session.
func (g *DB) CountSessionMessages(sessionID string) (int, error) {
	var count int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM session_messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count session messages: %w", err)
	}
	return count, nil
}

// SessionsNeedingSummary returns sessions with messages whose last
// activity is older than cutoffMs and which have no summary row yet.
func (g *DB) SessionsNeedingSummary(cutoffMs int64) ([]*Session, error) {
	rows, err := g.db.Query(`
		SELECT s.id, s.user_id, s.source, s.created_at
		FROM sessions s
		WHERE EXISTS (SELECT 1 FROM session_messages m WHERE m.session_id = s.id)
		  AND NOT EXISTS (SELECT 1 FROM session_summaries su WHERE su.session_id = s.id)
		  AND (SELECT MAX(m.created_at) FROM session_messages m WHERE m.session_id = s.id) < ?
		ORDER BY s.created_at ASC
	`, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions needing summary: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.Source, &s.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// AddSessionSummary inserts the one summary row a session gets. A
// second insert for the same session violates the primary key and
// returns an error; callers check GetSessionSummary first.
func (g *DB) AddSessionSummary(s *SessionSummary) error {
	if s.SessionID == "" {
		return fmt.Errorf("summary session_id is required")
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = nowMs()
	}

	var embBytes []byte
	if len(s.Embedding) > 0 {
		embBytes, _ = json.Marshal(s.Embedding)
	}

	_, err := g.db.Exec(`
		INSERT INTO session_summaries (session_id, user_id, summary, topics, message_count, duration_ms, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.SessionID, s.UserID, s.Summary, marshalJSON(s.Topics, "[]"), s.MessageCount, s.DurationMs, embBytes, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session summary: %w", err)
	}
	return nil
}

// GetSessionSummary retrieves a session's summary; (nil, nil) when the
// session has not been summarized.
func (g *DB) GetSessionSummary(sessionID string) (*SessionSummary, error) {
	row := g.db.QueryRow(`
		SELECT session_id, user_id, summary, topics, message_count, duration_ms, embedding, created_at
		FROM session_summaries WHERE session_id = ?
	`, sessionID)
	return scanSummary(row)
}

// GetRecentSummaries returns a user's newest session summaries.
func (g *DB) GetRecentSummaries(userID string, limit int) ([]*SessionSummary, error) {
	rows, err := g.db.Query(`
		SELECT session_id, user_id, summary, topics, message_count, duration_ms, embedding, created_at
		FROM session_summaries
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var result []*SessionSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// CountSessionSummaries returns how many sessions have been summarized
// for a user.
func (g *DB) CountSessionSummaries(userID string) (int, error) {
	var n int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM session_summaries WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count summaries: %w", err)
	}
	return n, nil
}

func scanSummary(row rowScanner) (*SessionSummary, error) {
	var s SessionSummary
	var topics string
	var embBytes []byte
	err := row.Scan(&s.SessionID, &s.UserID, &s.Summary, &topics, &s.MessageCount, &s.DurationMs, &embBytes, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(topics), &s.Topics)
	if len(embBytes) > 0 {
		json.Unmarshal(embBytes, &s.Embedding)
	}
	return &s, nil
}

// PruneSessionMessages deletes raw messages older than cutoffMs from
// sessions that already have a summary. Returns the number of messages
// removed.
func (g *DB) PruneSessionMessages(cutoffMs int64) (int, error) {
	res, err := g.db.Exec(`
		DELETE FROM session_messages
		WHERE created_at < ?
		  AND session_id IN (SELECT session_id FROM session_summaries)
	`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("failed to prune session messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecentUserMessages returns the newest user-role messages across a
// user's sessions, newest first. Behavioral inference works from this
// window.
func (g *DB) RecentUserMessages(userID string, limit int) ([]*SessionMessage, error) {
	rows, err := g.db.Query(`
		SELECT m.id, m.session_id, m.role, m.content, m.created_at
		FROM session_messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.user_id = ? AND m.role = 'user'
		ORDER BY m.created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query user messages: %w", err)
	}
	defer rows.Close()

	var msgs []*SessionMessage
	for rows.Next() {
		var m SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// CountUserMessages returns the total user-role message count across a
// user's sessions, used to detect when inference has new material.
func (g *DB) CountUserMessages(userID string) (int, error) {
	var count int
	err := g.db.QueryRow(`
		SELECT COUNT(*)
		FROM session_messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.user_id = ? AND m.role = 'user'
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count user messages: %w", err)
	}
	return count, nil
}

// UnansweredSession is a session whose conversation stopped on a user
// message, with that final message attached.
type UnansweredSession struct {
	SessionID     string
	UserID        string
	LastMessage   string
	LastMessageAt int64
}

// UnansweredSessions returns sessions whose final message is user-role
// and landed between lastAfter and lastBefore. The gap scanner reads
// these as threads the agent left hanging.
func (g *DB) UnansweredSessions(lastBefore, lastAfter int64) ([]*UnansweredSession, error) {
	rows, err := g.db.Query(`
		SELECT s.id, s.user_id, m.content, m.created_at
		FROM sessions s
		JOIN session_messages m ON m.session_id = s.id
		WHERE m.rowid = (SELECT MAX(m2.rowid) FROM session_messages m2 WHERE m2.session_id = s.id)
		  AND m.role = 'user'
		  AND m.created_at <= ?
		  AND m.created_at >= ?
		ORDER BY m.created_at ASC
	`, lastBefore, lastAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to query unanswered sessions: %w", err)
	}
	defer rows.Close()

	var result []*UnansweredSession
	for rows.Next() {
		var u UnansweredSession
		if err := rows.Scan(&u.SessionID, &u.UserID, &u.LastMessage, &u.LastMessageAt); err != nil {
			return nil, err
		}
		result = append(result, &u)
	}
	return result, rows.Err()
}

// ActiveUserIDs lists users with session activity since the cutoff.
func (g *DB) ActiveUserIDs(sinceMs int64) ([]string, error) {
	rows, err := g.db.Query(`
		SELECT DISTINCT s.user_id
		FROM sessions s
		JOIN session_messages m ON m.session_id = s.id
		WHERE m.created_at >= ? AND s.user_id != ''
		ORDER BY s.user_id
	`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
