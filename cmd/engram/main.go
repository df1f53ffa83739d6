package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vthunder/engram/internal/channel"
	"github.com/vthunder/engram/internal/config"
	"github.com/vthunder/engram/internal/consolidate"
	"github.com/vthunder/engram/internal/embedding"
	"github.com/vthunder/engram/internal/extract"
	"github.com/vthunder/engram/internal/filter"
	"github.com/vthunder/engram/internal/gardener"
	"github.com/vthunder/engram/internal/gateway"
	"github.com/vthunder/engram/internal/journal"
	"github.com/vthunder/engram/internal/llm"
	"github.com/vthunder/engram/internal/memory"
	"github.com/vthunder/engram/internal/proactive"
	"github.com/vthunder/engram/internal/relation"
	"github.com/vthunder/engram/internal/scheduler"
	"github.com/vthunder/engram/internal/store"
)

func main() {
	log.Println("engram - persistent memory substrate")
	log.Println("====================================")

	// Load .env file (optional - won't error if missing)
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, using environment variables")
	} else {
		log.Println("[config] Loaded .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	os.MkdirAll(cfg.StatePath, 0755)

	db, err := store.Open(cfg.StatePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	// Embeddings: Ollama primary, TF-IDF fallback, LRU cache in front.
	embedder := embedding.NewCached(
		embedding.NewFallback(embedding.NewOllama(cfg.OllamaURL, cfg.OllamaEmbedModel), nil), 0, 0)

	// Extraction, reranking, and consolidation prefer the hosted model
	// and fall back to the local one.
	var provider llm.Provider = llm.NewAnthropic(llm.AnthropicConfig{
		APIKey:   cfg.AnthropicAPIKey,
		Model:    cfg.AnthropicModel,
		Endpoint: cfg.AnthropicEndpoint,
	})
	if !provider.IsAvailable() {
		provider = llm.NewOllama(cfg.OllamaURL, cfg.OllamaModel)
		log.Println("[main] No Anthropic key, using local model")
	}

	memories := memory.NewStore(db, embedder, provider)
	applyMemoryTunables(memories, cfg.Tunables)
	memories.SetRelationDetector(relation.NewDetector(db, embedder, provider))

	jnl := journal.New(cfg.StatePath)

	extractor := extract.NewExtractor(db, memories, embedder, provider)
	summarizer := extract.NewSummarizer(db, embedder, provider)
	if n := cfg.Tunables.Gardener.SummaryMinMessages; n > 0 {
		summarizer.MinMessages = n
	}

	dreams := consolidate.NewService(db, provider, provider)
	if n := cfg.Tunables.Gardener.MinClusterSize; n > 0 {
		dreams.Config.MinClusterSize = n
	}

	// Chat surfaces register their own sources; until then deliveries
	// land in the daemon log.
	registry := channel.NewRegistry()
	registry.SetDefault(channel.ConsoleSource{})

	sched := scheduler.New(db, registry, jnl)
	applySchedulerTunables(sched, cfg.Tunables.Scheduler)
	sched.GetTimezone = func(string) string { return cfg.DefaultTimezone }

	grd := gardener.New(db, memories, jnl)
	applyGardenerTunables(grd, cfg.Tunables.Gardener)
	grd.Summarizer = summarizer
	grd.Consolidator = dreams
	grd.Evaluator = proactive.New(db, provider)

	gw := gateway.New(db, extractor)
	gw.Scheduler = sched
	gw.Gardener = grd
	gw.Monitor = scheduler.NewReminderMonitor(db, filepath.Join(cfg.StatePath, "reminders.json"), jnl)
	gw.GetTimezone = sched.GetTimezone
	gw.Gate = filter.NewTurnGate(embedder)

	if err := gw.Start(); err != nil {
		log.Fatalf("Failed to start background loops: %v", err)
	}
	log.Println("[main] All subsystems started. Press Ctrl+C to stop.")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[main] Shutting down...")
	gw.Shutdown()
	log.Println("[main] Goodbye!")
}

func applyMemoryTunables(m *memory.Store, t config.Tunables) {
	if t.Search.KeywordWeight > 0 || t.Search.SemanticWeight > 0 {
		m.KeywordWeight = t.Search.KeywordWeight
		m.SemanticWeight = t.Search.SemanticWeight
		m.ProminenceWeight = t.Search.ProminenceWeight
	}
	if t.Search.Candidates > 0 {
		m.CandidateLimit = t.Search.Candidates
	}
	for _, cat := range []store.Category{
		store.CategoryPreference, store.CategoryFact, store.CategoryEvent,
		store.CategoryRelationship, store.CategoryInsight,
	} {
		if rate := t.Decay.Rate(string(cat)); rate > 0 {
			m.DecayRates[cat] = rate
		}
	}
}

func applySchedulerTunables(s *scheduler.Scheduler, t config.SchedulerTunables) {
	if t.IntervalSeconds > 0 {
		s.Interval = time.Duration(t.IntervalSeconds) * time.Second
	}
	if t.MaxItemAgeHours > 0 {
		s.MaxItemAge = time.Duration(t.MaxItemAgeHours) * time.Hour
	}
	if t.EngagementWindowMins > 0 {
		s.EngagementWindow = time.Duration(t.EngagementWindowMins) * time.Minute
	}
	if t.DependencyRetryMinutes > 0 {
		s.DependencyRetry = time.Duration(t.DependencyRetryMinutes) * time.Minute
	}
	if t.DigestCron != "" {
		s.DigestSchedule = t.DigestCron
	}
	if t.QuietStartHour > 0 {
		s.QuietStartHour = t.QuietStartHour
	}
	if t.QuietEndHour > 0 {
		s.QuietEndHour = t.QuietEndHour
	}
	if t.ConsolidateEveryTicks > 0 {
		s.ConsolidateEvery = t.ConsolidateEveryTicks
	}
}

func applyGardenerTunables(g *gardener.Gardener, t config.GardenerTunables) {
	if t.LightIntervalSeconds > 0 {
		g.LightInterval = time.Duration(t.LightIntervalSeconds) * time.Second
	}
	if t.DeepEveryLightTicks > 0 {
		g.DeepEvery = t.DeepEveryLightTicks
	}
	if t.SleepCron != "" {
		g.SleepSchedule = t.SleepCron
	}
	if t.BusyCPUPercent > 0 {
		g.BusyCPUPercent = t.BusyCPUPercent
	}
	if t.ArchiveThreshold > 0 {
		g.ArchiveThreshold = t.ArchiveThreshold
	}
	if t.ArchiveMinAgeDays > 0 {
		g.ArchiveMinAgeDays = t.ArchiveMinAgeDays
	}
	if t.ArchiveMaxPerRun > 0 {
		g.ArchiveMaxPerRun = t.ArchiveMaxPerRun
	}
	if t.SessionRetentionDays > 0 {
		g.MessageRetention = time.Duration(t.SessionRetentionDays) * 24 * time.Hour
	}
}
