package store

// Category classifies what a memory is about.
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryFact         Category = "fact"
	CategoryEvent        Category = "event"
	CategoryRelationship Category = "relationship"
	CategoryInsight      Category = "insight"
)

// ValidCategory reports whether c is one of the known categories.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryPreference, CategoryFact, CategoryEvent, CategoryRelationship, CategoryInsight:
		return true
	}
	return false
}

// MemoryType classifies how a memory came to be and whether it still
// participates in retrieval.
type MemoryType string

const (
	TypeRegular       MemoryType = "regular"
	TypeStaticProfile MemoryType = "static_profile"
	TypeSummary       MemoryType = "summary"
	TypeDerived       MemoryType = "derived"
	TypeSuperseded    MemoryType = "superseded"
)

// RelationType is the kind of a typed edge between two memories.
type RelationType string

const (
	// RelationUpdates points from the newer version to the older one.
	RelationUpdates RelationType = "UPDATES"
	// RelationExtends points from the more detailed memory to the one
	// it elaborates.
	RelationExtends RelationType = "EXTENDS"
	// RelationDerives points from a fused (derived) memory to each of
	// its sources.
	RelationDerives RelationType = "DERIVES"
)

// ValidRelationType reports whether t is a known relation type.
func ValidRelationType(t RelationType) bool {
	switch t {
	case RelationUpdates, RelationExtends, RelationDerives:
		return true
	}
	return false
}

// Memory is one versioned entry in the substrate. Timestamps are
// integer milliseconds since epoch.
type Memory struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Content          string         `json:"content"`
	Category         Category       `json:"category"`
	MemoryType       MemoryType     `json:"memory_type"`
	Importance       int            `json:"importance"`        // 1..10
	Confidence       float64        `json:"confidence"`        // 0..1
	Prominence       float64        `json:"prominence"`        // 0..1, salience for ranking and decay
	AccessCount      int            `json:"access_count"`
	TimesConfirmed   int            `json:"times_confirmed"`
	IsLatest         bool           `json:"is_latest"`
	Source           string         `json:"source,omitempty"`
	SourceChunk      string         `json:"source_chunk,omitempty"`
	LearnedFrom      string         `json:"learned_from,omitempty"`
	DocumentDate     int64          `json:"document_date"`
	EventDate        int64          `json:"event_date,omitempty"`
	LastAccessed     int64          `json:"last_accessed,omitempty"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
	LastDecayedAt    int64          `json:"last_decayed_at,omitempty"`
	Embedding        []float64      `json:"embedding,omitempty"`
	ContradictionIDs []string       `json:"contradiction_ids,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// MemoryPatch is a partial update for UpdateMemory. Nil fields are
// left unchanged. Applying a patch refreshes updated_at; prominence
// maintenance goes through the dedicated decay methods instead.
type MemoryPatch struct {
	Content    *string
	Importance *int
	Confidence *float64
	Prominence *float64
	IsLatest   *bool
	MemoryType *MemoryType
	EventDate  *int64
	Metadata   map[string]any
}

// MemoryFilters narrows GetMemoriesByUser.
type MemoryFilters struct {
	Category   Category
	MemoryType MemoryType
	IsLatest   *bool
	Limit      int
}

// Relation is a typed edge between two memories.
type Relation struct {
	ID         string       `json:"id"`
	SourceID   string       `json:"source_id"`
	TargetID   string       `json:"target_id"`
	Type       RelationType `json:"relation_type"`
	Confidence float64      `json:"confidence"`
	CreatedAt  int64        `json:"created_at"`
}

// Session groups the messages of one conversation.
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id,omitempty"`
	Source    string `json:"source,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// SessionMessage is one turn inside a session; insertion order is the
// conversation order.
type SessionMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"` // "user", "assistant", "system"
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// SessionSummary is the offline summary of a completed session; at
// most one exists per session.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Summary      string    `json:"summary"`
	Topics       []string  `json:"topics,omitempty"`
	MessageCount int       `json:"message_count"`
	DurationMs   int64     `json:"duration_ms"`
	Embedding    []float64 `json:"embedding,omitempty"`
	CreatedAt    int64     `json:"created_at"`
}

// Item queue states.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusFired      ItemStatus = "fired"
	StatusActed      ItemStatus = "acted"
	StatusExpired    ItemStatus = "expired"
)

// BoardStatus is the user-facing lifecycle, separate from the queue
// state.
type BoardStatus string

const (
	BoardScheduled  BoardStatus = "scheduled"
	BoardWaiting    BoardStatus = "waiting"
	BoardInProgress BoardStatus = "in_progress"
	BoardDone       BoardStatus = "done"
	BoardArchived   BoardStatus = "archived"
)

// Recurrence re-materializes a fired item on a calendar cadence,
// evaluated in the user's local timezone.
type Recurrence struct {
	Type      string `json:"type"` // "daily", "weekly", "weekdays", "weekends"
	Hour      int    `json:"hour"`
	Minute    int    `json:"minute"`
	DayOfWeek int    `json:"dayOfWeek,omitempty"` // 0=Sunday, weekly only
}

// ItemResult holds the outcome a task item produced, plus digest
// bookkeeping.
type ItemResult struct {
	Response       string `json:"response,omitempty"`
	CompletedAt    int64  `json:"completedAt,omitempty"`
	IterationsUsed int    `json:"iterationsUsed,omitempty"`
	NotifiedAt     int64  `json:"notifiedAt,omitempty"`
}

// ScheduledItem is one row of the durable work queue.
type ScheduledItem struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id,omitempty"`
	Source         string         `json:"source"` // "user" or "agent"
	Kind           string         `json:"kind"`   // "nudge" or "task"
	Type           string         `json:"type"`   // free tag: reminder, goal_checkin, ...
	Message        string         `json:"message"`
	Context        map[string]any `json:"context,omitempty"`
	TriggerAt      int64          `json:"trigger_at"`
	Status         ItemStatus     `json:"status"`
	BoardStatus    BoardStatus    `json:"board_status"`
	Recurring      *Recurrence    `json:"recurring,omitempty"`
	SourceMemoryID string         `json:"source_memory_id,omitempty"`
	TaskConfig     map[string]any `json:"task_config,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Priority       int            `json:"priority"`
	Labels         []string       `json:"labels,omitempty"`
	GoalID         string         `json:"goal_id,omitempty"`
	Result         *ItemResult    `json:"result,omitempty"`
	FiredAt        int64          `json:"fired_at,omitempty"`
	ActedAt        int64          `json:"acted_at,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// BoardPatch is a partial update for the board-facing item fields.
type BoardPatch struct {
	BoardStatus *BoardStatus
	Priority    *int
	Labels      []string
	GoalID      *string
	Result      *ItemResult
}

// StaticProfileEntry is one confirmed key/value fact about a user.
type StaticProfileEntry struct {
	UserID     string  `json:"user_id"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	UpdatedAt  int64   `json:"updated_at"`
}

// DynamicProfile is the fast-changing per-user context.
type DynamicProfile struct {
	RecentTopics      []string `json:"recentTopics,omitempty"`
	ActiveProjects    []string `json:"activeProjects,omitempty"`
	CurrentMood       string   `json:"currentMood,omitempty"`
	LastInteractionAt int64    `json:"lastInteractionAt,omitempty"`
}

// Affect is a valence/arousal pair in [-1,1] x [0,1].
type Affect struct {
	Valence float64 `json:"valence"`
	Arousal float64 `json:"arousal"`
}

// BehavioralPatterns aggregates what the gardener infers about a user
// from their message history. HourCounts and TermCounts are the
// running aggregates that make inference incremental.
type BehavioralPatterns struct {
	CommunicationStyle  string         `json:"communicationStyle,omitempty"`
	ExpertiseAreas      []string       `json:"expertiseAreas,omitempty"`
	ActiveHours         []int          `json:"activeHours,omitempty"`
	ResponsePreferences string         `json:"responsePreferences,omitempty"`
	MessageFrequency    float64        `json:"messageFrequency,omitempty"` // messages per day
	SessionEngagement   float64        `json:"sessionEngagement,omitempty"`
	TopicSwitch         float64        `json:"topicSwitch,omitempty"`
	ResponseLength      float64        `json:"responseLength,omitempty"` // EMA of user message length
	AffectState         *Affect        `json:"affectState,omitempty"`
	SmoothedAffect      *Affect        `json:"smoothedAffect,omitempty"`
	HourCounts          []int          `json:"hourCounts,omitempty"` // 24 buckets
	TermCounts          map[string]int `json:"termCounts,omitempty"`
}

// RuntimeKey is one gated-skill secret.
type RuntimeKey struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	CreatedAt int64  `json:"created_at"`
}
