package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// DB wraps the single SQLite connection behind every substrate table.
// All writes from every component funnel through this one handle.
type DB struct {
	db           *sql.DB
	path         string
	vecAvailable bool
	ftsAvailable bool
	vecDim       int // embedding dimension used in memory_vec (0 = not yet determined)
}

// Open opens or creates the substrate database under statePath.
func Open(statePath string) (*DB, error) {
	dbPath := filepath.Join(statePath, "engram.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	g := &DB{db: db, path: dbPath}

	if err := g.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// Check whether the sqlite-vec extension is available
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		log.Printf("[store] sqlite-vec not available: %v, falling back to full scan", err)
	} else {
		log.Printf("[store] sqlite-vec %s loaded", vecVersion)
		g.vecAvailable = true
		// Restore vecDim on restart; migration v4 may have run in an earlier process.
		if g.vecDim == 0 {
			if err := g.initVecTableFromMemories(); err != nil {
				log.Printf("[store] vec init warning: %v", err)
			}
		}
	}

	// Probe FTS5: migrations attempt creation but mark themselves complete
	// even when FTS5 is not compiled in.
	var ftsCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM memory_fts WHERE memory_fts MATCH 'xyzzyprobe'").Scan(&ftsCount); err == nil {
		g.ftsAvailable = true
	} else {
		log.Printf("[store] FTS5 not available: %v, keyword search falls back to LIKE scan", err)
	}

	return g, nil
}

// Close closes the database connection.
func (g *DB) Close() error {
	return g.db.Close()
}

// Path returns the location of the database file.
func (g *DB) Path() string {
	return g.path
}

// migrate creates the base schema and then applies incremental migrations.
func (g *DB) migrate() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Versioned long-term memories. All timestamps are integer
	-- milliseconds since epoch.
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		category TEXT NOT NULL CHECK (category IN ('preference','fact','event','relationship','insight')),
		memory_type TEXT NOT NULL DEFAULT 'regular' CHECK (memory_type IN ('regular','static_profile','summary','derived','superseded')),
		importance INTEGER NOT NULL DEFAULT 5 CHECK (importance BETWEEN 1 AND 10),
		confidence REAL NOT NULL DEFAULT 0.7 CHECK (confidence >= 0.0 AND confidence <= 1.0),
		prominence REAL NOT NULL DEFAULT 1.0 CHECK (prominence >= 0.0 AND prominence <= 1.0),
		access_count INTEGER NOT NULL DEFAULT 0,
		times_confirmed INTEGER NOT NULL DEFAULT 1,
		is_latest BOOLEAN NOT NULL DEFAULT 1,
		source TEXT NOT NULL DEFAULT '',
		source_chunk TEXT NOT NULL DEFAULT '',
		learned_from TEXT NOT NULL DEFAULT '',
		document_date INTEGER NOT NULL,
		event_date INTEGER,
		last_accessed INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		embedding BLOB,
		contradiction_ids TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);
	CREATE INDEX IF NOT EXISTS idx_memories_user_latest ON memories(user_id, is_latest);
	CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
	CREATE INDEX IF NOT EXISTS idx_memories_prominence ON memories(prominence);

	-- Typed edges between memories. UPDATES points newer -> older,
	-- EXTENDS detail -> base, DERIVES fused -> source.
	CREATE TABLE IF NOT EXISTS memory_relations (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relation_type TEXT NOT NULL CHECK (relation_type IN ('UPDATES','EXTENDS','DERIVES')),
		confidence REAL NOT NULL DEFAULT 1.0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (source_id) REFERENCES memories(id) ON DELETE CASCADE,
		FOREIGN KEY (target_id) REFERENCES memories(id) ON DELETE CASCADE,
		UNIQUE (source_id, target_id, relation_type),
		CHECK (source_id != target_id)
	);

	CREATE INDEX IF NOT EXISTS idx_relations_source ON memory_relations(source_id);
	CREATE INDEX IF NOT EXISTS idx_relations_target ON memory_relations(target_id);
	CREATE INDEX IF NOT EXISTS idx_relations_type ON memory_relations(relation_type);

	-- Conversation sessions and raw message log
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user','assistant','system')),
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, created_at);

	-- One offline summary per completed session
	CREATE TABLE IF NOT EXISTS session_summaries (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		topics TEXT NOT NULL DEFAULT '[]',
		message_count INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		embedding BLOB,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_session_summaries_user ON session_summaries(user_id);

	-- Durable work queue for reminders, follow-ups and background tasks
	CREATE TABLE IF NOT EXISTS scheduled_items (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT,
		source TEXT NOT NULL DEFAULT 'user' CHECK (source IN ('user','agent')),
		kind TEXT NOT NULL DEFAULT 'nudge' CHECK (kind IN ('nudge','task')),
		type TEXT NOT NULL DEFAULT 'reminder',
		message TEXT NOT NULL,
		context TEXT,
		trigger_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','processing','fired','acted','expired')),
		board_status TEXT NOT NULL DEFAULT 'scheduled' CHECK (board_status IN ('scheduled','waiting','in_progress','done','archived')),
		recurring TEXT,
		source_memory_id TEXT,
		task_config TEXT,
		depends_on TEXT NOT NULL DEFAULT '[]',
		priority INTEGER NOT NULL DEFAULT 0,
		labels TEXT NOT NULL DEFAULT '[]',
		goal_id TEXT,
		result TEXT,
		fired_at INTEGER,
		acted_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scheduled_status_trigger ON scheduled_items(status, trigger_at);
	CREATE INDEX IF NOT EXISTS idx_scheduled_board ON scheduled_items(board_status);

	-- Per-user profile tiers
	CREATE TABLE IF NOT EXISTS static_profile (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 1.0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, key)
	);

	CREATE TABLE IF NOT EXISTS dynamic_profile (
		user_id TEXT PRIMARY KEY,
		data TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS behavioral_patterns (
		user_id TEXT PRIMARY KEY,
		data TEXT NOT NULL DEFAULT '{}',
		last_analyzed_count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	-- Gated-skill secrets
	CREATE TABLE IF NOT EXISTS runtime_keys (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Record schema version
	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := g.db.Exec(schema)
	if err != nil {
		return err
	}

	return g.runMigrations()
}

// runMigrations applies incremental schema changes
func (g *DB) runMigrations() error {
	var version int
	err := g.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		version = 1 // Assume v1 if can't read
	}

	// Migration v2: decay bookkeeping. last_decayed_at lets the light
	// gardener tick walk the stalest rows in small batches instead of
	// rescanning the whole table; updated_at stays reserved for
	// semantic changes.
	if version < 2 {
		migrations := []string{
			"ALTER TABLE memories ADD COLUMN last_decayed_at INTEGER NOT NULL DEFAULT 0",
			"CREATE INDEX IF NOT EXISTS idx_memories_last_decayed ON memories(last_decayed_at)",
		}
		for _, sql := range migrations {
			// Ignore errors for columns that already exist
			g.db.Exec(sql)
		}
		g.db.Exec("INSERT INTO schema_version (version) VALUES (2)")
	}

	// Migration v3: FTS5 virtual table for memory keyword search.
	// Feeds the keyword half of hybrid retrieval with fast MATCH
	// candidate selection instead of a Go-side full table scan.
	if version < 3 {
		log.Println("[store] Migrating to schema v3: FTS5 index for memory keyword search")
		migrations := []string{
			`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
				id UNINDEXED,
				content,
				content=memories,
				content_rowid=rowid
			)`,
			`INSERT INTO memory_fts(rowid, id, content)
				SELECT rowid, id, content FROM memories`,
			`CREATE TRIGGER IF NOT EXISTS memories_ai
				AFTER INSERT ON memories
				BEGIN
					INSERT INTO memory_fts(rowid, id, content) VALUES (NEW.rowid, NEW.id, NEW.content);
				END`,
			`CREATE TRIGGER IF NOT EXISTS memories_au
				AFTER UPDATE OF content ON memories
				BEGIN
					INSERT INTO memory_fts(memory_fts, rowid, id, content) VALUES ('delete', OLD.rowid, OLD.id, OLD.content);
					INSERT INTO memory_fts(rowid, id, content) VALUES (NEW.rowid, NEW.id, NEW.content);
				END`,
			`CREATE TRIGGER IF NOT EXISTS memories_ad
				AFTER DELETE ON memories
				BEGIN
					INSERT INTO memory_fts(memory_fts, rowid, id, content) VALUES ('delete', OLD.rowid, OLD.id, OLD.content);
				END`,
		}
		for _, sql := range migrations {
			if _, err := g.db.Exec(sql); err != nil {
				// Non-fatal: FTS5 may not be compiled in; fall back gracefully
				log.Printf("[store] Migration v3 warning (FTS5 may be unavailable): %v", err)
				break
			}
		}
		g.db.Exec("INSERT INTO schema_version (version) VALUES (3)")
		log.Println("[store] Migration to v3 completed")
	}

	// Migration v4: sqlite-vec ANN index for memory embedding search.
	// Creates a vec0 virtual table for fast cosine KNN queries, replacing
	// the O(n) Go-side scan in the semantic candidate query. Backfills from
	// the memories table on first run. Skipped gracefully if sqlite-vec is
	// not compiled in or no embeddings exist yet; the table dimension is
	// determined dynamically from existing embeddings.
	if version < 4 {
		log.Println("[store] Migrating to schema v4: sqlite-vec memory_vec index")
		if err := g.initVecTableFromMemories(); err != nil {
			log.Printf("[store] Migration v4 warning: %v, vec index deferred to first AddMemory", err)
		}
		g.db.Exec("INSERT INTO schema_version (version) VALUES (4)")
		log.Println("[store] Migration to v4 completed")
	}

	// Migration v5: index scheduled_items(user_id, status) for the
	// engagement and digest scans. The (status, trigger_at) index can't
	// serve per-user lookups, which degrade to full-table scans as the
	// queue grows.
	if version < 5 {
		log.Println("[store] Migrating to schema v5: idx_scheduled_user_status")
		g.db.Exec("CREATE INDEX IF NOT EXISTS idx_scheduled_user_status ON scheduled_items(user_id, status)")
		g.db.Exec("INSERT INTO schema_version (version) VALUES (5)")
		log.Println("[store] Migration to v5 completed")
	}

	// Migration v6: attribute sessions to users. Summarization and
	// behavioral inference run offline and need to resolve a session's
	// owner without the gateway in the loop.
	if version < 6 {
		log.Println("[store] Migrating to schema v6: sessions.user_id")
		migrations := []string{
			"ALTER TABLE sessions ADD COLUMN user_id TEXT NOT NULL DEFAULT ''",
			"CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)",
		}
		for _, sql := range migrations {
			// Ignore errors for columns that already exist
			g.db.Exec(sql)
		}
		g.db.Exec("INSERT INTO schema_version (version) VALUES (6)")
		log.Println("[store] Migration to v6 completed")
	}

	return nil
}

// initVecTableFromMemories reads the embedding dimension from existing rows,
// creates the memory_vec virtual table with that dimension (if it doesn't
// already exist), and backfills all existing embeddings. No-ops if no
// memories carry embeddings yet.
func (g *DB) initVecTableFromMemories() error {
	var embBytes []byte
	err := g.db.QueryRow(`SELECT embedding FROM memories WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil // no memories with embeddings yet; defer to first AddMemory
	}
	var emb64 []float64
	if err := json.Unmarshal(embBytes, &emb64); err != nil || len(emb64) == 0 {
		return nil
	}
	return g.ensureVecTable(len(emb64))
}

// ensureVecTable creates the memory_vec virtual table for the given embedding
// dimension (if not yet created) and backfills all existing memories.
// Idempotent for the same dim.
//
// Schema uses integer rowid (from the memories table) + auxiliary +memory_id
// column, avoiding vec0's TEXT PRIMARY KEY partitioning behaviour which
// breaks KNN queries.
func (g *DB) ensureVecTable(dim int) error {
	if g.vecDim == dim {
		return nil // already set up for this dimension
	}
	if g.vecDim != 0 && g.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, g.vecDim)
	}

	_, err := g.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_vec USING vec0(
			embedding float[%d],
			+memory_id TEXT
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("failed to create memory_vec(float[%d]): %w", dim, err)
	}
	g.vecDim = dim

	// Backfill all existing memories into the new index, keyed by
	// memories.rowid for stable integer keying.
	rows, err := g.db.Query(`SELECT rowid, id, embedding FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil // backfill failure is non-fatal
	}
	defer rows.Close()

	tx, err := g.db.Begin()
	if err != nil {
		return nil
	}

	var count int
	for rows.Next() {
		var rowid int64
		var id string
		var emb []byte
		if err := rows.Scan(&rowid, &id, &emb); err != nil {
			continue
		}
		var emb64 []float64
		if err := json.Unmarshal(emb, &emb64); err != nil || len(emb64) != dim {
			continue
		}
		emb32 := normalizeFloat32(float64ToFloat32(emb64)) // normalize for cosine-compatible L2
		serialized, serErr := sqlite_vec.SerializeFloat32(emb32)
		if serErr != nil {
			continue
		}
		// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
		tx.Exec(`DELETE FROM memory_vec WHERE rowid = ?`, rowid)
		if _, err := tx.Exec(`INSERT INTO memory_vec(rowid, embedding, memory_id) VALUES (?, ?, ?)`, rowid, serialized, id); err != nil {
			log.Printf("[store] vec backfill failed for %s: %v", id, err)
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return nil
	}
	if count > 0 {
		log.Printf("[store] vec backfill: indexed %d memories (dim=%d)", count, dim)
	}
	return nil
}

// upsertMemoryVec writes one memory's embedding into the vec index,
// creating the vec table on first use. Failures degrade to the Go-side
// scan and are not fatal.
func (g *DB) upsertMemoryVec(rowid int64, id string, embedding []float64) {
	if !g.vecAvailable || len(embedding) == 0 {
		return
	}
	if g.vecDim == 0 {
		if err := g.ensureVecTable(len(embedding)); err != nil {
			log.Printf("[store] vec table init failed: %v", err)
			return
		}
	}
	if len(embedding) != g.vecDim {
		log.Printf("[store] vec upsert skipped for %s: dim %d != %d", id, len(embedding), g.vecDim)
		return
	}
	emb32 := normalizeFloat32(float64ToFloat32(embedding))
	serialized, err := sqlite_vec.SerializeFloat32(emb32)
	if err != nil {
		return
	}
	g.db.Exec(`DELETE FROM memory_vec WHERE rowid = ?`, rowid)
	if _, err := g.db.Exec(`INSERT INTO memory_vec(rowid, embedding, memory_id) VALUES (?, ?, ?)`, rowid, serialized, id); err != nil {
		log.Printf("[store] vec upsert failed for %s: %v", id, err)
	}
}

// deleteMemoryVec removes one memory's entry from the vec index.
func (g *DB) deleteMemoryVec(rowid int64) {
	if !g.vecAvailable || g.vecDim == 0 {
		return
	}
	g.db.Exec(`DELETE FROM memory_vec WHERE rowid = ?`, rowid)
}

// memoryRowid resolves the integer rowid backing a memory id.
func (g *DB) memoryRowid(id string) (int64, error) {
	var rowid int64
	err := g.db.QueryRow(`SELECT rowid FROM memories WHERE id = ?`, id).Scan(&rowid)
	return rowid, err
}

// float64ToFloat32 converts a float64 slice to float32
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector.
// Normalizing before storing in vec0 makes L2 distance equivalent to cosine distance:
//
//	cosine_dist = L2_dist² / 2   (for unit vectors)
//	L2_threshold = sqrt(2 * cosine_dist_threshold)
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineSim converts an L2 distance (on normalized vectors) to cosine
// similarity: cosine_sim = 1 - L2²/2
func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}

// cosineSim computes cosine similarity between two embeddings
func cosineSim(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// nowMs returns the current wall clock in integer milliseconds.
func nowMs() int64 {
	return time.Now().UnixMilli()
}

// marshalJSON renders v as a JSON string, falling back to the given
// default on nil or marshal failure.
func marshalJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}

// Stats returns row counts per table, plus latest/superseded splits for
// memories.
func (g *DB) Stats() (map[string]int, error) {
	stats := make(map[string]int)

	tables := []string{"memories", "memory_relations", "sessions", "session_messages", "session_summaries", "scheduled_items"}
	for _, table := range tables {
		var count int
		err := g.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			return nil, err
		}
		stats[table] = count
	}

	var latest, superseded int
	if err := g.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE is_latest = 1`).Scan(&latest); err == nil {
		stats["memories_latest"] = latest
	}
	if err := g.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE memory_type = 'superseded'`).Scan(&superseded); err == nil {
		stats["memories_superseded"] = superseded
	}

	return stats, nil
}

// Clear removes all data (for testing/reset)
func (g *DB) Clear() error {
	tables := []string{
		"memory_relations", "memories",
		"session_summaries", "session_messages", "sessions",
		"scheduled_items",
		"static_profile", "dynamic_profile", "behavioral_patterns",
		"runtime_keys",
	}

	for _, table := range tables {
		if _, err := g.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if g.vecAvailable && g.vecDim != 0 {
		g.db.Exec(`DELETE FROM memory_vec`)
	}

	return nil
}

// TestSetMemoryTimestamps overrides bookkeeping timestamps (for testing only).
// Zero-valued arguments leave the corresponding column unchanged.
func (g *DB) TestSetMemoryTimestamps(id string, createdAt, updatedAt, lastDecayedAt int64) error {
	if createdAt != 0 {
		if _, err := g.db.Exec(`UPDATE memories SET created_at = ? WHERE id = ?`, createdAt, id); err != nil {
			return err
		}
	}
	if updatedAt != 0 {
		if _, err := g.db.Exec(`UPDATE memories SET updated_at = ? WHERE id = ?`, updatedAt, id); err != nil {
			return err
		}
	}
	if lastDecayedAt != 0 {
		if _, err := g.db.Exec(`UPDATE memories SET last_decayed_at = ? WHERE id = ?`, lastDecayedAt, id); err != nil {
			return err
		}
	}
	return nil
}

// TestSetSessionMessageTime overrides a message timestamp (for testing only).
func (g *DB) TestSetSessionMessageTime(id string, createdAt int64) error {
	_, err := g.db.Exec(`UPDATE session_messages SET created_at = ? WHERE id = ?`, createdAt, id)
	return err
}

// TestSetScheduledItemTimes overrides scheduled-item bookkeeping
// timestamps (for testing only). Zero-valued arguments leave the
// corresponding column unchanged.
func (g *DB) TestSetScheduledItemTimes(id string, createdAt, updatedAt int64) error {
	if createdAt != 0 {
		if _, err := g.db.Exec(`UPDATE scheduled_items SET created_at = ? WHERE id = ?`, createdAt, id); err != nil {
			return err
		}
	}
	if updatedAt != 0 {
		if _, err := g.db.Exec(`UPDATE scheduled_items SET updated_at = ? WHERE id = ?`, updatedAt, id); err != nil {
			return err
		}
	}
	return nil
}
