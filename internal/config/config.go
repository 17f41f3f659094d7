package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration. Provider keys are secrets: never log them.
type Config struct {
	// Server
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Upload limits
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"` // 10MB in bytes

	// LLM providers; an empty key disables that provider
	DefaultProvider string        `env:"DEFAULT_PROVIDER" envDefault:"openai"`
	OpenAIKey       string        `env:"OPENAI_API_KEY"`
	AnthropicKey    string        `env:"ANTHROPIC_API_KEY"`
	CohereKey       string        `env:"COHERE_API_KEY"`
	GeminiKey       string        `env:"GEMINI_API_KEY"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`

	// Context sources
	FetchTimeout    time.Duration `env:"FETCH_TIMEOUT" envDefault:"15s"`
	URLContextChars int           `env:"URL_CONTEXT_CHARS" envDefault:"1000"`
	PreviewChars    int           `env:"PREVIEW_CHARS" envDefault:"500"`
	SummaryChars    int           `env:"SUMMARY_CHARS" envDefault:"12000"` // page text sent for summaries
	VectorTopK      int           `env:"VECTOR_TOP_K" envDefault:"5"`
	VectorMaxTokens int           `env:"VECTOR_MAX_TOKENS" envDefault:"3000"`

	// Memory policies
	MemoryWindow    int `env:"MEMORY_WINDOW" envDefault:"5"`
	MemoryMaxTokens int `env:"MEMORY_MAX_TOKENS" envDefault:"5000"`

	// Vector index
	IndexProvider     string `env:"INDEX_PROVIDER" envDefault:"memory"` // "memory" or "postgres"
	DBURL             string `env:"DB_URL"`
	EmbeddingModel    string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	DefaultCollection string `env:"DEFAULT_COLLECTION" envDefault:"documents"`

	// Ingestion queue
	QueueProvider string `env:"QUEUE_PROVIDER" envDefault:"none"` // "none" (ingest inline) or "nats"
	QueueURL      string `env:"QUEUE_URL"`

	// Page cache
	CacheProvider string        `env:"CACHE_PROVIDER" envDefault:"none"` // "none" or "redis"
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	PageCacheTTL  time.Duration `env:"PAGE_CACHE_TTL" envDefault:"10m"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}

// Validate rejects combinations that would start but lose data. Queued ingestion
// runs in a separate worker process, so both sides must share a persistent index.
func (c Config) Validate() error {
	if c.QueueProvider == "nats" && c.IndexProvider != "postgres" {
		return fmt.Errorf("QUEUE_PROVIDER=nats requires INDEX_PROVIDER=postgres (got %q): the ingest worker cannot write to another process's index", c.IndexProvider)
	}
	return nil
}
