// Package config provides configuration for the Recall engine. Settings
// load from a YAML file with environment overrides under the RECALL_
// prefix. Scoring weights live in their own section and can be reloaded
// at runtime without restarting the engine.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/recall/pkg/types"
)

// Config holds all configuration for the engine.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Gateway GatewayConfig `yaml:"gateway"`
	Engine  EngineConfig  `yaml:"engine"`
	Weights Weights       `yaml:"weights"`
}

// StorageConfig selects and configures the item store backend.
type StorageConfig struct {
	Engine   string `yaml:"engine" env:"RECALL_STORAGE_ENGINE"`       // sqlite or postgres
	DataPath string `yaml:"data_path" env:"RECALL_STORAGE_DATA_PATH"` // SQLite data directory
	Postgres string `yaml:"postgres_dsn" env:"RECALL_STORAGE_POSTGRES_DSN"`
}

// GatewayConfig configures the external embedding and synthesis clients.
type GatewayConfig struct {
	Provider             string        `yaml:"provider" env:"RECALL_GATEWAY_PROVIDER"` // ollama or openai
	OllamaURL            string        `yaml:"ollama_url" env:"RECALL_GATEWAY_OLLAMA_URL"`
	OllamaModel          string        `yaml:"ollama_model" env:"RECALL_GATEWAY_OLLAMA_MODEL"`
	OllamaEmbeddingModel string        `yaml:"ollama_embedding_model" env:"RECALL_GATEWAY_OLLAMA_EMBEDDING_MODEL"`
	OpenAIAPIKey         string        `yaml:"openai_api_key" env:"RECALL_GATEWAY_OPENAI_API_KEY"`
	OpenAIModel          string        `yaml:"openai_model" env:"RECALL_GATEWAY_OPENAI_MODEL"`
	OpenAIEmbeddingModel string        `yaml:"openai_embedding_model" env:"RECALL_GATEWAY_OPENAI_EMBEDDING_MODEL"`
	EmbeddingDimension   int           `yaml:"embedding_dimension" env:"RECALL_GATEWAY_EMBEDDING_DIMENSION"`
	Timeout              time.Duration `yaml:"timeout" env:"RECALL_GATEWAY_TIMEOUT"`
	MaxRetries           int           `yaml:"max_retries" env:"RECALL_GATEWAY_MAX_RETRIES"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay" env:"RECALL_GATEWAY_RETRY_BASE_DELAY"`
	RequestsPerSecond    float64       `yaml:"requests_per_second" env:"RECALL_GATEWAY_REQUESTS_PER_SECOND"`
	EmbeddingCacheSize   int           `yaml:"embedding_cache_size" env:"RECALL_GATEWAY_EMBEDDING_CACHE_SIZE"`
}

// EngineConfig holds the behavioral thresholds of the read/write/compaction
// paths. Every threshold the engine consults lives here so deployments can
// tune without code changes.
type EngineConfig struct {
	// Write gate
	DuplicateThreshold float64 `yaml:"duplicate_threshold" env:"RECALL_ENGINE_DUPLICATE_THRESHOLD"` // cosine at or above: corroborate
	AmbiguousThreshold float64 `yaml:"ambiguous_threshold" env:"RECALL_ENGINE_AMBIGUOUS_THRESHOLD"` // lower bound of the resolver band
	MinWriteConfidence float64 `yaml:"min_write_confidence" env:"RECALL_ENGINE_MIN_WRITE_CONFIDENCE"`

	// Retrieval
	DefaultK           int     `yaml:"default_k" env:"RECALL_ENGINE_DEFAULT_K"`
	DiversityThreshold float64 `yaml:"diversity_threshold" env:"RECALL_ENGINE_DIVERSITY_THRESHOLD"` // max pairwise cosine in results

	// Compaction
	CompactionInterval    time.Duration `yaml:"compaction_interval" env:"RECALL_ENGINE_COMPACTION_INTERVAL"`
	HotWindow             time.Duration `yaml:"hot_window" env:"RECALL_ENGINE_HOT_WINDOW"` // episodic age before demotion eligibility
	ClusterThreshold      float64       `yaml:"cluster_threshold" env:"RECALL_ENGINE_CLUSTER_THRESHOLD"`
	PromotionSeenCount    int           `yaml:"promotion_seen_count" env:"RECALL_ENGINE_PROMOTION_SEEN_COUNT"`
	PromotionDistinctDays int           `yaml:"promotion_distinct_days" env:"RECALL_ENGINE_PROMOTION_DISTINCT_DAYS"`
	PromotionMinPriority  float64       `yaml:"promotion_min_priority" env:"RECALL_ENGINE_PROMOTION_MIN_PRIORITY"`

	// Per-tier active item caps; zero means uncapped
	TierCaps map[types.Tier]int `yaml:"tier_caps"`

	// Read-path token budget
	TokenBudget      int                `yaml:"token_budget" env:"RECALL_ENGINE_TOKEN_BUDGET"`
	TierTokenBudgets map[types.Tier]int `yaml:"tier_token_budgets"`
}

// Budget builds the read-path token budget from the configured caps.
func (e *EngineConfig) Budget() types.TokenBudget {
	return types.TokenBudget{Total: e.TokenBudget, PerTier: e.TierTokenBudgets}
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Gateway: GatewayConfig{
			Provider:             "ollama",
			OllamaURL:            "http://localhost:11434",
			OllamaModel:          "qwen2.5:7b",
			OllamaEmbeddingModel: "nomic-embed-text",
			OpenAIModel:          "gpt-4o-mini",
			OpenAIEmbeddingModel: "text-embedding-3-small",
			EmbeddingDimension:   768,
			Timeout:              30 * time.Second,
			MaxRetries:           3,
			RetryBaseDelay:       200 * time.Millisecond,
			RequestsPerSecond:    10,
			EmbeddingCacheSize:   2048,
		},
		Engine: EngineConfig{
			DuplicateThreshold: 0.92,
			AmbiguousThreshold: 0.80,
			MinWriteConfidence: 0.70,

			DefaultK:           8,
			DiversityThreshold: 0.85,

			CompactionInterval:    time.Hour,
			HotWindow:             14 * 24 * time.Hour,
			ClusterThreshold:      0.80,
			PromotionSeenCount:    3,
			PromotionDistinctDays: 2,
			PromotionMinPriority:  0.5,

			TierCaps: map[types.Tier]int{
				types.TierProfile:    500,
				types.TierEpisodic:   2000,
				types.TierReflective: 500,
				types.TierTask:       200,
			},

			TokenBudget: 1200,
			TierTokenBudgets: map[types.Tier]int{
				types.TierProfile:    400,
				types.TierEpisodic:   350,
				types.TierReflective: 250,
				types.TierTask:       200,
			},
		},
		Weights: DefaultWeights(),
	}
}

// LoadConfig reads configuration from the given YAML file, then applies
// environment overrides. A missing file is not an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}

	if err := cfg.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
