package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SetStaticProfileEntry upserts one confirmed fact about a user.
func (g *DB) SetStaticProfileEntry(userID, key, value string, confidence float64) error {
	if userID == "" || key == "" {
		return fmt.Errorf("profile user_id and key are required")
	}
	_, err := g.db.Exec(`
		INSERT INTO static_profile (user_id, key, value, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
	`, userID, key, value, confidence, nowMs())
	if err != nil {
		return fmt.Errorf("failed to set profile entry: %w", err)
	}
	return nil
}

// GetStaticProfile returns all of a user's profile entries sorted by key.
func (g *DB) GetStaticProfile(userID string) ([]*StaticProfileEntry, error) {
	rows, err := g.db.Query(`
		SELECT user_id, key, value, confidence, updated_at
		FROM static_profile WHERE user_id = ? ORDER BY key ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query static profile: %w", err)
	}
	defer rows.Close()

	var entries []*StaticProfileEntry
	for rows.Next() {
		var e StaticProfileEntry
		if err := rows.Scan(&e.UserID, &e.Key, &e.Value, &e.Confidence, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// GetStaticProfileEntry fetches one profile fact; (nil, nil) when absent.
func (g *DB) GetStaticProfileEntry(userID, key string) (*StaticProfileEntry, error) {
	var e StaticProfileEntry
	err := g.db.QueryRow(`
		SELECT user_id, key, value, confidence, updated_at
		FROM static_profile WHERE user_id = ? AND key = ?
	`, userID, key).Scan(&e.UserID, &e.Key, &e.Value, &e.Confidence, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteStaticProfileEntry removes one profile fact.
func (g *DB) DeleteStaticProfileEntry(userID, key string) error {
	_, err := g.db.Exec(`DELETE FROM static_profile WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return fmt.Errorf("failed to delete profile entry: %w", err)
	}
	return nil
}

// GetDynamicProfile returns the fast-changing per-user context;
// (nil, nil) when the user has none yet.
func (g *DB) GetDynamicProfile(userID string) (*DynamicProfile, error) {
	var data string
	err := g.db.QueryRow(`SELECT data FROM dynamic_profile WHERE user_id = ?`, userID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p DynamicProfile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode dynamic profile: %w", err)
	}
	return &p, nil
}

// SetDynamicProfile upserts the user's dynamic profile.
func (g *DB) SetDynamicProfile(userID string, p *DynamicProfile) error {
	if userID == "" {
		return fmt.Errorf("profile user_id is required")
	}
	_, err := g.db.Exec(`
		INSERT INTO dynamic_profile (user_id, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, userID, marshalJSON(p, "{}"), nowMs())
	if err != nil {
		return fmt.Errorf("failed to set dynamic profile: %w", err)
	}
	return nil
}

// GetBehavioralPatterns returns the inferred patterns for a user plus
// the message count they were last computed from; (nil, 0, nil) when
// inference has never run.
func (g *DB) GetBehavioralPatterns(userID string) (*BehavioralPatterns, int, error) {
	var data string
	var analyzedCount int
	err := g.db.QueryRow(`
		SELECT data, last_analyzed_count FROM behavioral_patterns WHERE user_id = ?
	`, userID).Scan(&data, &analyzedCount)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var p BehavioralPatterns
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, 0, fmt.Errorf("failed to decode behavioral patterns: %w", err)
	}
	return &p, analyzedCount, nil
}

// SetBehavioralPatterns upserts the inferred patterns along with the
// message count that produced them.
func (g *DB) SetBehavioralPatterns(userID string, p *BehavioralPatterns, analyzedCount int) error {
	if userID == "" {
		return fmt.Errorf("patterns user_id is required")
	}
	_, err := g.db.Exec(`
		INSERT INTO behavioral_patterns (user_id, data, last_analyzed_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			data = excluded.data,
			last_analyzed_count = excluded.last_analyzed_count,
			updated_at = excluded.updated_at
	`, userID, marshalJSON(p, "{}"), analyzedCount, nowMs())
	if err != nil {
		return fmt.Errorf("failed to set behavioral patterns: %w", err)
	}
	return nil
}

// SetRuntimeKey stores or rotates one gated-skill secret.
func (g *DB) SetRuntimeKey(key, value string) error {
	if key == "" {
		return fmt.Errorf("runtime key name is required")
	}
	_, err := g.db.Exec(`
		INSERT INTO runtime_keys (key, value, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value, nowMs())
	if err != nil {
		return fmt.Errorf("failed to set runtime key: %w", err)
	}
	return nil
}

// GetRuntimeKey retrieves one secret; ("", nil) when absent.
func (g *DB) GetRuntimeKey(key string) (string, error) {
	var value string
	err := g.db.QueryRow(`SELECT value FROM runtime_keys WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// DeleteRuntimeKey removes one secret.
func (g *DB) DeleteRuntimeKey(key string) error {
	_, err := g.db.Exec(`DELETE FROM runtime_keys WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete runtime key: %w", err)
	}
	return nil
}

// ListRuntimeKeyNames lists stored key names without their values.
func (g *DB) ListRuntimeKeyNames() ([]string, error) {
	rows, err := g.db.Query(`SELECT key FROM runtime_keys ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runtime keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
