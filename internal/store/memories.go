package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
)

// documentDateSlack tolerates small clock skew between the gateway and
// callers supplying their own document dates.
const documentDateSlack = 60 * time.Second

const memoryCols = `id, user_id, content, category, memory_type, importance, confidence, prominence,
	access_count, times_confirmed, is_latest, source, source_chunk, learned_from,
	document_date, event_date, last_accessed, created_at, updated_at, last_decayed_at,
	embedding, contradiction_ids, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var category, memoryType string
	var eventDate, lastAccessed sql.NullInt64
	var embBytes []byte
	var contradictions, metadata string

	err := row.Scan(
		&m.ID, &m.UserID, &m.Content, &category, &memoryType, &m.Importance, &m.Confidence, &m.Prominence,
		&m.AccessCount, &m.TimesConfirmed, &m.IsLatest, &m.Source, &m.SourceChunk, &m.LearnedFrom,
		&m.DocumentDate, &eventDate, &lastAccessed, &m.CreatedAt, &m.UpdatedAt, &m.LastDecayedAt,
		&embBytes, &contradictions, &metadata,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.Category = Category(category)
	m.MemoryType = MemoryType(memoryType)
	if eventDate.Valid {
		m.EventDate = eventDate.Int64
	}
	if lastAccessed.Valid {
		m.LastAccessed = lastAccessed.Int64
	}
	if len(embBytes) > 0 {
		json.Unmarshal(embBytes, &m.Embedding)
	}
	if contradictions != "" {
		json.Unmarshal([]byte(contradictions), &m.ContradictionIDs)
	}
	if metadata != "" && metadata != "{}" {
		json.Unmarshal([]byte(metadata), &m.Metadata)
	}

	return &m, nil
}

func scanMemoryRows(rows *sql.Rows) ([]*Memory, error) {
	var result []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// AddMemory inserts a new memory row and indexes its embedding. Missing
// bookkeeping fields are defaulted; a new row is always the latest
// version of itself.
func (g *DB) AddMemory(m *Memory) error {
	if m.UserID == "" {
		return fmt.Errorf("memory user_id is required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("memory content is required")
	}
	if !ValidCategory(m.Category) {
		return fmt.Errorf("invalid category: %q", m.Category)
	}

	now := nowMs()
	if m.DocumentDate == 0 {
		m.DocumentDate = now
	}
	if m.DocumentDate > now+documentDateSlack.Milliseconds() {
		return fmt.Errorf("document_date %d is in the future", m.DocumentDate)
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.MemoryType == "" {
		m.MemoryType = TypeRegular
	}
	if m.Importance == 0 {
		m.Importance = 5
	}
	if m.Confidence == 0 {
		m.Confidence = 0.7
	}
	if m.Prominence == 0 {
		m.Prominence = 1.0
	}
	if m.TimesConfirmed == 0 {
		m.TimesConfirmed = 1
	}
	m.IsLatest = true
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = now
	}
	if m.LastDecayedAt == 0 {
		m.LastDecayedAt = now
	}

	var embBytes []byte
	if len(m.Embedding) > 0 {
		embBytes, _ = json.Marshal(m.Embedding)
	}

	res, err := g.db.Exec(`
		INSERT INTO memories (id, user_id, content, category, memory_type, importance, confidence, prominence,
			access_count, times_confirmed, is_latest, source, source_chunk, learned_from,
			document_date, event_date, last_accessed, created_at, updated_at, last_decayed_at,
			embedding, contradiction_ids, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.UserID, m.Content, string(m.Category), string(m.MemoryType), m.Importance, m.Confidence, m.Prominence,
		m.AccessCount, m.TimesConfirmed, m.IsLatest, m.Source, m.SourceChunk, m.LearnedFrom,
		m.DocumentDate, nullableMs(m.EventDate), nullableMs(m.LastAccessed), m.CreatedAt, m.UpdatedAt, m.LastDecayedAt,
		embBytes, marshalJSON(m.ContradictionIDs, "[]"), marshalJSON(m.Metadata, "{}"),
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}

	if rowid, err := res.LastInsertId(); err == nil {
		g.upsertMemoryVec(rowid, m.ID, m.Embedding)
	}

	return nil
}

// GetMemory retrieves a memory by ID; returns (nil, nil) when absent.
func (g *DB) GetMemory(id string) (*Memory, error) {
	row := g.db.QueryRow(`SELECT `+memoryCols+` FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// GetMemoriesByIDs retrieves memories in the given order, skipping IDs
// that no longer exist.
func (g *DB) GetMemoriesByIDs(ids []string) ([]*Memory, error) {
	result := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		m, err := g.GetMemory(id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			result = append(result, m)
		}
	}
	return result, nil
}

// GetMemoriesByUser lists a user's memories newest-first, narrowed by
// the given filters.
func (g *DB) GetMemoriesByUser(userID string, f MemoryFilters) ([]*Memory, error) {
	query := `SELECT ` + memoryCols + ` FROM memories WHERE user_id = ?`
	args := []any{userID}

	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(f.Category))
	}
	if f.MemoryType != "" {
		query += ` AND memory_type = ?`
		args = append(args, string(f.MemoryType))
	}
	if f.IsLatest != nil {
		query += ` AND is_latest = ?`
		args = append(args, *f.IsLatest)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	return scanMemoryRows(rows)
}

// UpdateMemory applies a partial update and refreshes updated_at.
// Prominence maintenance from the decay loop goes through
// ApplyProminenceDecay instead, which leaves updated_at alone.
func (g *DB) UpdateMemory(id string, p MemoryPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{nowMs()}

	if p.Content != nil {
		if strings.TrimSpace(*p.Content) == "" {
			return fmt.Errorf("memory content is required")
		}
		sets = append(sets, "content = ?")
		args = append(args, *p.Content)
	}
	if p.Importance != nil {
		sets = append(sets, "importance = ?")
		args = append(args, *p.Importance)
	}
	if p.Confidence != nil {
		sets = append(sets, "confidence = ?")
		args = append(args, *p.Confidence)
	}
	if p.Prominence != nil {
		sets = append(sets, "prominence = ?")
		args = append(args, *p.Prominence)
	}
	if p.IsLatest != nil {
		sets = append(sets, "is_latest = ?")
		args = append(args, *p.IsLatest)
	}
	if p.MemoryType != nil {
		if *p.MemoryType == "" {
			return fmt.Errorf("memory_type cannot be empty")
		}
		sets = append(sets, "memory_type = ?")
		args = append(args, string(*p.MemoryType))
	}
	if p.EventDate != nil {
		sets = append(sets, "event_date = ?")
		args = append(args, nullableMs(*p.EventDate))
	}
	if p.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, marshalJSON(p.Metadata, "{}"))
	}

	args = append(args, id)
	res, err := g.db.Exec(`UPDATE memories SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory not found: %s", id)
	}
	return nil
}

// UpdateMemoryEmbedding replaces a memory's embedding and re-indexes it.
func (g *DB) UpdateMemoryEmbedding(id string, embedding []float64) error {
	embBytes, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	res, err := g.db.Exec(`UPDATE memories SET embedding = ? WHERE id = ?`, embBytes, id)
	if err != nil {
		return fmt.Errorf("failed to update embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory not found: %s", id)
	}
	if rowid, err := g.memoryRowid(id); err == nil {
		g.upsertMemoryVec(rowid, id, embedding)
	}
	return nil
}

// ReinforceMemory records a re-confirmation: bumps times_confirmed,
// raises confidence by 0.05 capped at 0.99, and restores prominence
// to 1.0.
func (g *DB) ReinforceMemory(id string) error {
	now := nowMs()
	res, err := g.db.Exec(`
		UPDATE memories SET
			times_confirmed = times_confirmed + 1,
			confidence = MIN(0.99, confidence + 0.05),
			prominence = 1.0,
			last_accessed = ?,
			updated_at = ?
		WHERE id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to reinforce memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory not found: %s", id)
	}
	return nil
}

// AddContradiction cross-links two memories as contradicting each
// other. Both rows gain the other's ID; duplicates are ignored.
func (g *DB) AddContradiction(idA, idB string) error {
	if idA == idB {
		return fmt.Errorf("memory cannot contradict itself")
	}

	tx, err := g.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	appendID := func(id, other string) error {
		var raw string
		if err := tx.QueryRow(`SELECT contradiction_ids FROM memories WHERE id = ?`, id).Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("memory not found: %s", id)
			}
			return err
		}
		var ids []string
		json.Unmarshal([]byte(raw), &ids)
		for _, existing := range ids {
			if existing == other {
				return nil
			}
		}
		ids = append(ids, other)
		_, err := tx.Exec(`UPDATE memories SET contradiction_ids = ?, updated_at = ? WHERE id = ?`,
			marshalJSON(ids, "[]"), nowMs(), id)
		return err
	}

	if err := appendID(idA, idB); err != nil {
		return fmt.Errorf("failed to add contradiction: %w", err)
	}
	if err := appendID(idB, idA); err != nil {
		return fmt.Errorf("failed to add contradiction: %w", err)
	}

	return tx.Commit()
}

// IncrementAccessCounts bumps access_count and last_accessed for every
// given memory in one statement.
func (g *DB) IncrementAccessCounts(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	args = append(args, nowMs())
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := g.db.Exec(`
		UPDATE memories SET access_count = access_count + 1, last_accessed = ?
		WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to increment access counts: %w", err)
	}
	return nil
}

// MarkSuperseded retires a memory from latest-only retrieval. Used both
// for archival and for NREM fusion sources.
func (g *DB) MarkSuperseded(id string) error {
	res, err := g.db.Exec(`
		UPDATE memories SET is_latest = 0, memory_type = ?, updated_at = ? WHERE id = ?
	`, string(TypeSuperseded), nowMs(), id)
	if err != nil {
		return fmt.Errorf("failed to mark superseded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory not found: %s", id)
	}
	return nil
}

// MarkSupersededBatch retires several memories in one transaction.
func (g *DB) MarkSupersededBatch(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := g.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowMs()
	var count int
	for _, id := range ids {
		res, err := tx.Exec(`
			UPDATE memories SET is_latest = 0, memory_type = ?, updated_at = ? WHERE id = ?
		`, string(TypeSuperseded), now, id)
		if err != nil {
			return 0, fmt.Errorf("failed to mark superseded: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			count++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// MemoryHit pairs a memory with its cosine similarity to a query.
type MemoryHit struct {
	Memory     *Memory
	Similarity float64
}

// KeywordCandidates returns up to limit latest memories matching the
// query's keywords, best keyword rank first. Uses the FTS5 index when
// available, otherwise a Go-side LIKE scan.
func (g *DB) KeywordCandidates(userID, query string, limit int) ([]*Memory, error) {
	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	if g.ftsAvailable {
		ftsQuery := strings.Join(keywords, " OR ")
		rows, err := g.db.Query(`
			SELECT `+prefixCols("m", memoryCols)+`
			FROM memory_fts
			JOIN memories m ON m.rowid = memory_fts.rowid
			WHERE memory_fts.content MATCH ? AND m.user_id = ? AND m.is_latest = 1
			ORDER BY memory_fts.rank
			LIMIT ?
		`, ftsQuery, userID, limit)
		if err == nil {
			defer rows.Close()
			result, err := scanMemoryRows(rows)
			if err == nil {
				return result, nil
			}
		}
		// fall through to the scan path on any FTS error
	}

	// Fallback: scan the user's latest memories and count keyword hits.
	rows, err := g.db.Query(`
		SELECT `+memoryCols+` FROM memories WHERE user_id = ? AND is_latest = 1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan memories: %w", err)
	}
	defer rows.Close()

	all, err := scanMemoryRows(rows)
	if err != nil {
		return nil, err
	}

	type scored struct {
		m     *Memory
		score int
	}
	var candidates []scored
	for _, m := range all {
		lower := strings.ToLower(m.Content)
		matches := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				matches++
			}
		}
		if matches > 0 {
			candidates = append(candidates, scored{m: m, score: matches})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	result := make([]*Memory, 0, limit)
	for i := 0; i < len(candidates) && i < limit; i++ {
		result = append(result, candidates[i].m)
	}
	return result, nil
}

// SemanticCandidates returns up to limit latest memories nearest to the
// query embedding with their cosine similarities, best first. Uses the
// vec0 index when available, otherwise a Go-side scan. excludeID skips
// one memory (the query's own row during relation detection).
func (g *DB) SemanticCandidates(userID string, queryEmb []float64, limit int, excludeID string) ([]MemoryHit, error) {
	if len(queryEmb) == 0 {
		return nil, nil
	}

	if g.vecAvailable && g.vecDim == len(queryEmb) {
		emb32 := normalizeFloat32(float64ToFloat32(queryEmb))
		if serialized, err := sqlite_vec.SerializeFloat32(emb32); err == nil {
			rows, err := g.db.Query(`
				SELECT `+prefixCols("m", memoryCols)+`, vec_distance_cosine(v.embedding, ?) AS distance
				FROM memory_vec v
				JOIN memories m ON m.rowid = v.rowid
				WHERE m.user_id = ? AND m.is_latest = 1 AND m.id != ?
				ORDER BY distance ASC
				LIMIT ?
			`, serialized, userID, excludeID, limit)
			if err == nil {
				defer rows.Close()
				var hits []MemoryHit
				scanOK := true
				for rows.Next() {
					m := &Memory{}
					var category, memoryType string
					var eventDate, lastAccessed sql.NullInt64
					var embBytes []byte
					var contradictions, metadata string
					var distance float64
					if err := rows.Scan(
						&m.ID, &m.UserID, &m.Content, &category, &memoryType, &m.Importance, &m.Confidence, &m.Prominence,
						&m.AccessCount, &m.TimesConfirmed, &m.IsLatest, &m.Source, &m.SourceChunk, &m.LearnedFrom,
						&m.DocumentDate, &eventDate, &lastAccessed, &m.CreatedAt, &m.UpdatedAt, &m.LastDecayedAt,
						&embBytes, &contradictions, &metadata, &distance,
					); err != nil {
						scanOK = false
						break
					}
					m.Category = Category(category)
					m.MemoryType = MemoryType(memoryType)
					if eventDate.Valid {
						m.EventDate = eventDate.Int64
					}
					if lastAccessed.Valid {
						m.LastAccessed = lastAccessed.Int64
					}
					if len(embBytes) > 0 {
						json.Unmarshal(embBytes, &m.Embedding)
					}
					json.Unmarshal([]byte(contradictions), &m.ContradictionIDs)
					if metadata != "" && metadata != "{}" {
						json.Unmarshal([]byte(metadata), &m.Metadata)
					}
					hits = append(hits, MemoryHit{Memory: m, Similarity: 1.0 - distance})
				}
				if scanOK && rows.Err() == nil {
					return hits, nil
				}
			}
			// fall through to the scan path on any vec error
		}
	}

	// Fallback: cosine over the user's latest memories with embeddings.
	rows, err := g.db.Query(`
		SELECT `+memoryCols+` FROM memories
		WHERE user_id = ? AND is_latest = 1 AND embedding IS NOT NULL AND id != ?
	`, userID, excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan memories: %w", err)
	}
	defer rows.Close()

	all, err := scanMemoryRows(rows)
	if err != nil {
		return nil, err
	}

	hits := make([]MemoryHit, 0, len(all))
	for _, m := range all {
		if len(m.Embedding) == 0 {
			continue
		}
		sim := cosineSim(queryEmb, m.Embedding)
		hits = append(hits, MemoryHit{Memory: m, Similarity: sim})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// DecayCandidates returns the rows whose prominence bookkeeping is
// stalest, oldest first. Superseded rows are included so they can reach
// the hard-delete floor.
func (g *DB) DecayCandidates(limit int) ([]*Memory, error) {
	rows, err := g.db.Query(`
		SELECT `+memoryCols+` FROM memories
		WHERE prominence > 0
		ORDER BY last_decayed_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decay candidates: %w", err)
	}
	defer rows.Close()

	return scanMemoryRows(rows)
}

// ApplyProminenceDecay writes new prominence values in one transaction.
// Touches last_decayed_at only; decay is maintenance, not a semantic
// change, so updated_at stays put.
func (g *DB) ApplyProminenceDecay(updates map[string]float64, decayedAt int64) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := g.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for id, prominence := range updates {
		if prominence < 0 {
			prominence = 0
		}
		if prominence > 1 {
			prominence = 1
		}
		if _, err := tx.Exec(`
			UPDATE memories SET prominence = ?, last_decayed_at = ? WHERE id = ?
		`, prominence, decayedAt, id); err != nil {
			return fmt.Errorf("failed to apply decay: %w", err)
		}
	}

	return tx.Commit()
}

// ArchiveCandidates returns latest memories created at or before
// cutoffMs, the pool the utility-score archiver ranks.
func (g *DB) ArchiveCandidates(cutoffMs int64) ([]*Memory, error) {
	rows, err := g.db.Query(`
		SELECT `+memoryCols+` FROM memories
		WHERE is_latest = 1 AND created_at <= ?
	`, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive candidates: %w", err)
	}
	defer rows.Close()

	return scanMemoryRows(rows)
}

// PruneDecayedMemories hard-deletes superseded rows whose prominence
// has decayed below the floor. Relations cascade; the vec index entries
// are removed explicitly. Returns the number of rows deleted.
func (g *DB) PruneDecayedMemories(floor float64) (int, error) {
	rows, err := g.db.Query(`
		SELECT rowid, id FROM memories WHERE memory_type = ? AND prominence < ?
	`, string(TypeSuperseded), floor)
	if err != nil {
		return 0, fmt.Errorf("failed to query prune candidates: %w", err)
	}

	var rowids []int64
	var ids []string
	for rows.Next() {
		var rowid int64
		var id string
		if rows.Scan(&rowid, &id) == nil {
			rowids = append(rowids, rowid)
			ids = append(ids, id)
		}
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, nil
	}

	for _, rowid := range rowids {
		g.deleteMemoryVec(rowid)
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := g.db.Exec(`DELETE FROM memories WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Latest memories at or above this prominence count as active; below
// it they are dormant, the band dream consolidation draws from.
const activeProminenceFloor = 0.5

// UserMemoryStats summarizes one user's memory population.
type UserMemoryStats struct {
	Total         int            `json:"total"`
	Latest        int            `json:"latest"`
	Active        int            `json:"active"`
	Dormant       int            `json:"dormant"`
	ByCategory    map[string]int `json:"by_category"`
	AvgProminence float64        `json:"avg_prominence"`
}

// MemoryStatsForUser aggregates counts and average prominence over a
// user's latest memories.
func (g *DB) MemoryStatsForUser(userID string) (*UserMemoryStats, error) {
	stats := &UserMemoryStats{ByCategory: make(map[string]int)}

	if err := g.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE user_id = ?`, userID).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("failed to count memories: %w", err)
	}

	if err := g.db.QueryRow(`
		SELECT COALESCE(SUM(prominence >= ?), 0), COALESCE(SUM(prominence < ?), 0)
		FROM memories WHERE user_id = ? AND is_latest = 1
	`, activeProminenceFloor, activeProminenceFloor, userID).Scan(&stats.Active, &stats.Dormant); err != nil {
		return nil, fmt.Errorf("failed to count active memories: %w", err)
	}

	rows, err := g.db.Query(`
		SELECT category, COUNT(*), AVG(prominence) FROM memories
		WHERE user_id = ? AND is_latest = 1
		GROUP BY category
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate memories: %w", err)
	}
	defer rows.Close()

	var weightedProminence float64
	for rows.Next() {
		var category string
		var count int
		var avgProminence float64
		if err := rows.Scan(&category, &count, &avgProminence); err != nil {
			return nil, err
		}
		stats.ByCategory[category] = count
		stats.Latest += count
		weightedProminence += avgProminence * float64(count)
	}
	if stats.Latest > 0 {
		stats.AvgProminence = weightedProminence / float64(stats.Latest)
	}

	return stats, rows.Err()
}

// UserIDs lists every user with at least one memory.
func (g *DB) UserIDs() ([]string, error) {
	rows, err := g.db.Query(`SELECT DISTINCT user_id FROM memories ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
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

// nullableMs renders a millisecond timestamp as NULL when unset.
func nullableMs(ms int64) any {
	if ms == 0 {
		return nil
	}
	return ms
}

// prefixCols qualifies each column in a comma-separated list with a
// table alias for use in joins.
func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// extractKeywords lowercases the query, strips punctuation and drops
// stopwords and short tokens.
func extractKeywords(query string) []string {
	query = strings.ToLower(query)
	for _, p := range []string{".", ",", "!", "?", ":", ";", "'", "\"", "(", ")"} {
		query = strings.ReplaceAll(query, p, " ")
	}

	stopWords := map[string]bool{
		"the": true, "and": true, "for": true, "with": true, "about": true,
		"was": true, "were": true, "are": true, "have": true, "has": true,
		"had": true, "will": true, "would": true, "could": true, "should": true,
		"you": true, "your": true, "they": true, "them": true, "their": true,
		"this": true, "that": true, "what": true, "which": true, "when": true,
		"where": true, "who": true, "why": true, "how": true, "did": true,
		"does": true, "not": true, "but": true, "out": true, "into": true,
		"from": true, "then": true, "than": true, "tell": true, "know": true,
	}

	var keywords []string
	for _, word := range strings.Fields(query) {
		if len(word) >= 3 && !stopWords[word] {
			keywords = append(keywords, word)
		}
	}
	return keywords
}
