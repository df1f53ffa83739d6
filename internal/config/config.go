// Package config loads engram's runtime configuration: connection-ish
// settings from environment variables, operator tunables from an
// optional engram.yaml next to the state directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for the engram daemon.
type Config struct {
	// StatePath is the root directory for the database and queue files.
	StatePath string

	// Ollama endpoint used for both embeddings and local LLM calls.
	OllamaURL        string
	OllamaEmbedModel string
	OllamaModel      string

	// Anthropic settings for the hosted LLM provider (optional).
	AnthropicAPIKey   string
	AnthropicModel    string
	AnthropicEndpoint string

	// DefaultTimezone is used when no per-user timezone is known.
	DefaultTimezone string

	Tunables Tunables
}

// Tunables are the operator-adjustable knobs, loadable from engram.yaml.
// All durations are plain integers (seconds/hours/days) to keep the
// YAML surface simple.
type Tunables struct {
	Decay     DecayTunables     `yaml:"decay"`
	Search    SearchTunables    `yaml:"search"`
	Gardener  GardenerTunables  `yaml:"gardener"`
	Scheduler SchedulerTunables `yaml:"scheduler"`
}

// DecayTunables holds per-category prominence decay rates (per day).
type DecayTunables struct {
	Preference   float64 `yaml:"preference"`
	Fact         float64 `yaml:"fact"`
	Event        float64 `yaml:"event"`
	Relationship float64 `yaml:"relationship"`
	Insight      float64 `yaml:"insight"`
	Default      float64 `yaml:"default"`
}

// Rate returns the decay rate for a memory category.
func (d DecayTunables) Rate(category string) float64 {
	switch category {
	case "preference":
		return d.Preference
	case "fact":
		return d.Fact
	case "event":
		return d.Event
	case "relationship":
		return d.Relationship
	case "insight":
		return d.Insight
	default:
		return d.Default
	}
}

// SearchTunables holds the hybrid search weights and candidate pool size.
type SearchTunables struct {
	KeywordWeight    float64 `yaml:"keyword_weight"`
	SemanticWeight   float64 `yaml:"semantic_weight"`
	ProminenceWeight float64 `yaml:"prominence_weight"`
	Candidates       int     `yaml:"candidates"`
}

// GardenerTunables controls the maintenance loop cadence and archival.
type GardenerTunables struct {
	LightIntervalSeconds int     `yaml:"light_interval_seconds"`
	DeepEveryLightTicks  int     `yaml:"deep_every_light_ticks"`
	SleepCron            string  `yaml:"sleep_cron"`
	BusyCPUPercent       float64 `yaml:"busy_cpu_percent"`

	ArchiveThreshold  float64 `yaml:"archive_threshold"`
	ArchiveMinAgeDays int     `yaml:"archive_min_age_days"`
	ArchiveMaxPerRun  int     `yaml:"archive_max_per_run"`

	MinClusterSize       int `yaml:"min_cluster_size"`
	SummaryMinMessages   int `yaml:"summary_min_messages"`
	SessionRetentionDays int `yaml:"session_retention_days"`
}

// SchedulerTunables controls the proactive scheduler.
type SchedulerTunables struct {
	IntervalSeconds        int    `yaml:"interval_seconds"`
	MaxItemAgeHours        int    `yaml:"max_item_age_hours"`
	QuietStartHour         int    `yaml:"quiet_start_hour"`
	QuietEndHour           int    `yaml:"quiet_end_hour"`
	EngagementWindowMins   int    `yaml:"engagement_window_minutes"`
	DigestCron             string `yaml:"digest_cron"`
	ConsolidateEveryTicks  int    `yaml:"consolidate_every_ticks"`
	DependencyRetryMinutes int    `yaml:"dependency_retry_minutes"`
}

// DefaultTunables returns the baked-in defaults; engram.yaml overrides
// individual fields.
func DefaultTunables() Tunables {
	return Tunables{
		Decay: DecayTunables{
			Preference:   0.004,
			Fact:         0.008,
			Event:        0.05,
			Relationship: 0.006,
			Insight:      0.012,
			Default:      0.01,
		},
		Search: SearchTunables{
			KeywordWeight:    0.3,
			SemanticWeight:   0.7,
			ProminenceWeight: 0.0,
			Candidates:       50,
		},
		Gardener: GardenerTunables{
			LightIntervalSeconds: 60,
			DeepEveryLightTicks:  72,
			SleepCron:            "0 3 * * *",
			BusyCPUPercent:       75,
			ArchiveThreshold:     0.1,
			ArchiveMinAgeDays:    14,
			ArchiveMaxPerRun:     50,
			MinClusterSize:       2,
			SummaryMinMessages:   4,
			SessionRetentionDays: 7,
		},
		Scheduler: SchedulerTunables{
			IntervalSeconds:        30,
			MaxItemAgeHours:        24,
			QuietStartHour:         22,
			QuietEndHour:           8,
			EngagementWindowMins:   120,
			DigestCron:             "0 8 * * *",
			ConsolidateEveryTicks:  20,
			DependencyRetryMinutes: 60,
		},
	}
}

// Load builds the configuration from the environment plus an optional
// engram.yaml in the state directory. Call godotenv.Load() first if a
// .env file should be honored.
func Load() (*Config, error) {
	statePath := envOr("ENGRAM_STATE_PATH", "state")

	cfg := &Config{
		StatePath:         statePath,
		OllamaURL:         envOr("OLLAMA_URL", "http://localhost:11434"),
		OllamaEmbedModel:  envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		OllamaModel:       envOr("OLLAMA_MODEL", "llama3.1"),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:    os.Getenv("ANTHROPIC_DEFAULT_MODEL"),
		AnthropicEndpoint: os.Getenv("ANTHROPIC_API_ENDPOINT"),
		DefaultTimezone:   envOr("ENGRAM_TIMEZONE", "UTC"),
		Tunables:          DefaultTunables(),
	}

	yamlPath := filepath.Join(statePath, "engram.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg.Tunables); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", yamlPath, err)
		}
	}

	return cfg, nil
}

// envOr returns the environment variable value or a default.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
