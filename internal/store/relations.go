package store

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// maxChainDepth caps version-chain walks so a malformed cycle can't
// hang a caller.
const maxChainDepth = 50

const relationCols = `id, source_id, target_id, relation_type, confidence, created_at`

func scanRelation(row rowScanner) (*Relation, error) {
	var r Relation
	var relType string
	err := row.Scan(&r.ID, &r.SourceID, &r.TargetID, &relType, &r.Confidence, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Type = RelationType(relType)
	return &r, nil
}

func scanRelationRows(rows *sql.Rows) ([]*Relation, error) {
	var result []*Relation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// AddRelation inserts a typed edge between two existing memories.
// Re-adding the same (source, target, type) tuple is a no-op; a
// self-loop or a missing endpoint is an error.
func (g *DB) AddRelation(sourceID, targetID string, relType RelationType, confidence float64) error {
	if sourceID == targetID {
		return fmt.Errorf("relation cannot link a memory to itself")
	}
	if !ValidRelationType(relType) {
		return fmt.Errorf("invalid relation type: %q", relType)
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("relation confidence %f out of range", confidence)
	}

	_, err := g.db.Exec(`
		INSERT INTO memory_relations (id, source_id, target_id, relation_type, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation_type) DO NOTHING
	`, uuid.NewString(), sourceID, targetID, string(relType), confidence, nowMs())
	if err != nil {
		return fmt.Errorf("failed to insert relation: %w", err)
	}
	return nil
}

// GetRelations returns every edge touching the memory, in either
// direction.
func (g *DB) GetRelations(memoryID string) ([]*Relation, error) {
	rows, err := g.db.Query(`
		SELECT `+relationCols+` FROM memory_relations
		WHERE source_id = ? OR target_id = ?
		ORDER BY created_at ASC
	`, memoryID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	defer rows.Close()

	return scanRelationRows(rows)
}

// GetOutgoingRelations returns edges whose source is the memory,
// optionally filtered by type ("" = all).
func (g *DB) GetOutgoingRelations(memoryID string, relType RelationType) ([]*Relation, error) {
	query := `SELECT ` + relationCols + ` FROM memory_relations WHERE source_id = ?`
	args := []any{memoryID}
	if relType != "" {
		query += ` AND relation_type = ?`
		args = append(args, string(relType))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outgoing relations: %w", err)
	}
	defer rows.Close()

	return scanRelationRows(rows)
}

// GetIncomingRelations returns edges whose target is the memory,
// optionally filtered by type ("" = all).
func (g *DB) GetIncomingRelations(memoryID string, relType RelationType) ([]*Relation, error) {
	query := `SELECT ` + relationCols + ` FROM memory_relations WHERE target_id = ?`
	args := []any{memoryID}
	if relType != "" {
		query += ` AND relation_type = ?`
		args = append(args, string(relType))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incoming relations: %w", err)
	}
	defer rows.Close()

	return scanRelationRows(rows)
}

// DeleteRelation removes one edge tuple.
func (g *DB) DeleteRelation(sourceID, targetID string, relType RelationType) error {
	_, err := g.db.Exec(`
		DELETE FROM memory_relations WHERE source_id = ? AND target_id = ? AND relation_type = ?
	`, sourceID, targetID, string(relType))
	if err != nil {
		return fmt.Errorf("failed to delete relation: %w", err)
	}
	return nil
}

// PruneOrphanRelations deletes edges whose endpoints no longer exist.
// Cascading deletes keep this table clean in normal operation; the
// sweep covers rows written while foreign keys were off or by older
// builds. Returns the number of edges removed.
func (g *DB) PruneOrphanRelations() (int, error) {
	res, err := g.db.Exec(`
		DELETE FROM memory_relations
		WHERE source_id NOT IN (SELECT id FROM memories)
		   OR target_id NOT IN (SELECT id FROM memories)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune relations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetUpdated returns the memories this one updates (the older versions
// it directly supersedes).
func (g *DB) GetUpdated(memoryID string) ([]*Memory, error) {
	return g.relatedMemories(memoryID, RelationUpdates, true)
}

// GetExtended returns the memories this one extends.
func (g *DB) GetExtended(memoryID string) ([]*Memory, error) {
	return g.relatedMemories(memoryID, RelationExtends, true)
}

// GetSources returns the memories a derived memory was fused from.
func (g *DB) GetSources(memoryID string) ([]*Memory, error) {
	return g.relatedMemories(memoryID, RelationDerives, true)
}

// GetDerived returns the derived memories that were fused from this one.
func (g *DB) GetDerived(memoryID string) ([]*Memory, error) {
	return g.relatedMemories(memoryID, RelationDerives, false)
}

// relatedMemories resolves one hop of a typed edge. outgoing=true
// follows source->target, outgoing=false target->source.
func (g *DB) relatedMemories(memoryID string, relType RelationType, outgoing bool) ([]*Memory, error) {
	var rels []*Relation
	var err error
	if outgoing {
		rels, err = g.GetOutgoingRelations(memoryID, relType)
	} else {
		rels, err = g.GetIncomingRelations(memoryID, relType)
	}
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(rels))
	for _, r := range rels {
		if outgoing {
			ids = append(ids, r.TargetID)
		} else {
			ids = append(ids, r.SourceID)
		}
	}
	return g.GetMemoriesByIDs(ids)
}

// GetLatestVersion follows incoming UPDATES edges to the newest version
// on the memory's update chain. A memory with no newer version returns
// itself. Cycles terminate at the first repeated node.
func (g *DB) GetLatestVersion(memoryID string) (*Memory, error) {
	visited := map[string]bool{memoryID: true}
	current := memoryID

	for depth := 0; depth < maxChainDepth; depth++ {
		rels, err := g.GetIncomingRelations(current, RelationUpdates)
		if err != nil {
			return nil, err
		}
		if len(rels) == 0 {
			break
		}

		// Multiple branches: prefer the newest updater by document date.
		next := ""
		var nextDate int64 = -1
		for _, r := range rels {
			if visited[r.SourceID] {
				continue
			}
			m, err := g.GetMemory(r.SourceID)
			if err != nil {
				return nil, err
			}
			if m == nil {
				continue
			}
			if m.DocumentDate > nextDate {
				nextDate = m.DocumentDate
				next = m.ID
			}
		}
		if next == "" {
			break
		}
		visited[next] = true
		current = next
	}

	return g.GetMemory(current)
}

// GetUpdateHistory returns the memory and every older version on its
// UPDATES chain, newest document date first.
func (g *DB) GetUpdateHistory(memoryID string) ([]*Memory, error) {
	visited := map[string]bool{}
	var history []*Memory

	queue := []string{memoryID}
	for depth := 0; depth < maxChainDepth && len(queue) > 0; depth++ {
		var nextQueue []string
		for _, id := range queue {
			if visited[id] {
				continue
			}
			visited[id] = true

			m, err := g.GetMemory(id)
			if err != nil {
				return nil, err
			}
			if m == nil {
				continue
			}
			history = append(history, m)

			rels, err := g.GetOutgoingRelations(id, RelationUpdates)
			if err != nil {
				return nil, err
			}
			for _, r := range rels {
				if !visited[r.TargetID] {
					nextQueue = append(nextQueue, r.TargetID)
				}
			}
		}
		queue = nextQueue
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].DocumentDate > history[j].DocumentDate
	})
	return history, nil
}

// CountRelations returns the number of edges per relation type.
func (g *DB) CountRelations() (map[RelationType]int, error) {
	rows, err := g.db.Query(`SELECT relation_type, COUNT(*) FROM memory_relations GROUP BY relation_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count relations: %w", err)
	}
	defer rows.Close()

	counts := make(map[RelationType]int)
	for rows.Next() {
		var relType string
		var count int
		if err := rows.Scan(&relType, &count); err != nil {
			return nil, err
		}
		counts[RelationType(relType)] = count
	}
	return counts, rows.Err()
}
