package consolidate

import (
	"context"
	"fmt"
	"log"

	"github.com/vthunder/engram/internal/llm"
	"github.com/vthunder/engram/internal/store"
)

// derivedEdgeConfidence is the confidence written on DERIVES edges
// from a fused memory to its sources.
const derivedEdgeConfidence = 0.9

// Service loads each user's memories, dreams over them, and applies
// the results to the store.
type Service struct {
	db   *store.DB
	nrem llm.Provider
	rem  llm.Provider

	Config Config
}

// NewService creates a dream service. The REM provider may be nil to
// skip exploration; usually both point at the same model.
func NewService(db *store.DB, nrem, rem llm.Provider) *Service {
	return &Service{db: db, nrem: nrem, rem: rem, Config: DefaultConfig()}
}

// Run dreams over every user. Returns the number of derived memories
// created.
func (s *Service) Run(ctx context.Context) (int, error) {
	users, err := s.db.UserIDs()
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	created := 0
	for _, userID := range users {
		n, err := s.RunForUser(ctx, userID)
		if err != nil {
			log.Printf("[dream] Dream failed for %s: %v", userID, err)
			continue
		}
		created += n
	}
	return created, nil
}

// RunForUser dreams over one user's memories and persists the outcome:
// each fusion becomes a derived memory with DERIVES edges to its
// sources, the sources are superseded, and surviving REM proposals
// become relations.
func (s *Service) RunForUser(ctx context.Context, userID string) (int, error) {
	latest := true
	mems, err := s.db.GetMemoriesByUser(userID, store.MemoryFilters{IsLatest: &latest})
	if err != nil {
		return 0, fmt.Errorf("failed to load memories: %w", err)
	}
	if len(mems) == 0 {
		return 0, nil
	}

	result, err := Dream(ctx, mems, s.db.GetRelations, s.nrem, s.rem, s.Config)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, fusion := range result.Fusions {
		if err := s.db.AddMemory(fusion.Derived); err != nil {
			log.Printf("[dream] Failed to store derived memory: %v", err)
			continue
		}
		for _, sourceID := range fusion.SourceIDs {
			if err := s.db.AddRelation(fusion.Derived.ID, sourceID, store.RelationDerives, derivedEdgeConfidence); err != nil {
				log.Printf("[dream] Failed to link derived memory to %s: %v", sourceID, err)
			}
		}
		if _, err := s.db.MarkSupersededBatch(fusion.SourceIDs); err != nil {
			log.Printf("[dream] Failed to supersede fusion sources: %v", err)
		}
		created++
		log.Printf("[dream] Fused %d memories for %s: %s",
			len(fusion.SourceIDs), userID, truncate(fusion.Derived.Content, 80))
	}

	applied := 0
	for _, p := range result.Proposals {
		if err := s.db.AddRelation(p.SourceID, p.TargetID, p.Type, p.Confidence); err != nil {
			log.Printf("[dream] Failed to apply REM proposal %s -> %s: %v", p.SourceID, p.TargetID, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		log.Printf("[dream] Applied %d REM relations for %s", applied, userID)
	}

	return created, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
