// Package app builds the runtime dependencies shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/v3"

	"doc-chat/internal/cache"
	"doc-chat/internal/chunker"
	"doc-chat/internal/config"
	"doc-chat/internal/conversation"
	"doc-chat/internal/embeddings"
	"doc-chat/internal/fetch"
	"doc-chat/internal/httputil"
	"doc-chat/internal/index"
	"doc-chat/internal/ingest"
	"doc-chat/internal/llm"
	"doc-chat/internal/logger"
	"doc-chat/internal/memory"
	"doc-chat/internal/queue"
	"doc-chat/internal/source"
	"doc-chat/internal/summary"
)

// Deps bundles common runtime dependencies for services.
type Deps struct {
	Config     config.Config
	Log        *slog.Logger
	Providers  *llm.Registry
	Cache      cache.PageCache
	Fetcher    fetch.Fetcher
	Index      index.VectorIndex // nil when no index is configured
	Queue      queue.Queue       // nil when ingestion runs inline
	Ingest     *ingest.Service
	Gatherer   *source.Gatherer
	Summarizer *summary.Summarizer
	Sessions   *conversation.Registry
	Checks     []httputil.Check

	closers []func() error
}

// Build loads env, config, and shared components.
func Build(ctx context.Context) (Deps, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Deps{}, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return Deps{}, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.New(cfg.LogLevel)
	d := Deps{Config: cfg, Log: log}

	d.Providers = buildProviders(ctx, cfg, log, &d)

	pageCache, err := buildCache(cfg, log, &d)
	if err != nil {
		d.Close()
		return Deps{}, fmt.Errorf("failed to initialize cache: %w", err)
	}
	d.Cache = pageCache
	d.Fetcher = fetch.NewCachedFetcher(fetch.NewHTTPFetcher(cfg.FetchTimeout), pageCache, cfg.PageCacheTTL, log)

	idx, err := buildIndex(cfg, log, &d)
	if err != nil {
		d.Close()
		return Deps{}, fmt.Errorf("failed to initialize index: %w", err)
	}
	d.Index = idx

	q, err := buildQueue(cfg, log, &d)
	if err != nil {
		d.Close()
		return Deps{}, fmt.Errorf("failed to initialize queue: %w", err)
	}
	d.Queue = q
	d.Ingest = ingest.NewService(idx, q, chunker.DefaultOptions, log)

	d.Gatherer = source.NewGatherer(d.Fetcher, idx, source.Options{
		URLChars:     cfg.URLContextChars,
		PreviewChars: cfg.PreviewChars,
		PageChars:    cfg.SummaryChars,
		TopK:         cfg.VectorTopK,
		MaxTokens:    cfg.VectorMaxTokens,
	}, log)
	d.Summarizer = summary.New(d.Gatherer, d.Providers, log)

	d.Sessions = conversation.NewRegistry(conversation.Deps{
		Providers: d.Providers,
		Gatherer:  d.Gatherer,
		Memory:    memory.Options{Window: cfg.MemoryWindow, MaxTokens: cfg.MemoryMaxTokens},
		Log:       log,
	}, conversation.Settings{
		Provider:   llm.Provider(cfg.DefaultProvider),
		Tier:       llm.TierBasic,
		Memory:     memory.KindSlidingWindow,
		Collection: cfg.DefaultCollection,
	})
	return d, nil
}

// Close releases connections opened by Build, newest first.
func (d Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && d.Log != nil {
			d.Log.Warn("close failed", "err", err)
		}
	}
}

// buildProviders registers every provider with a credential. A missing or
// unusable credential disables that provider only.
func buildProviders(ctx context.Context, cfg config.Config, log *slog.Logger, d *Deps) *llm.Registry {
	reg := llm.NewRegistry()
	add := func(p llm.Provider, envKey, key string, build func() (llm.Adapter, error)) {
		if key == "" {
			reg.Disable(p, envKey+" not set")
			log.Info("provider disabled", "provider", p, "reason", "missing credential")
			return
		}
		a, err := build()
		if err != nil {
			reg.Disable(p, err.Error())
			log.Warn("provider disabled", "provider", p, "err", err)
			return
		}
		reg.Register(a)
		log.Info("provider enabled", "provider", p)
	}

	add(llm.ProviderOpenAI, "OPENAI_API_KEY", cfg.OpenAIKey, func() (llm.Adapter, error) {
		return llm.NewOpenAI(cfg.OpenAIKey, cfg.ProviderTimeout)
	})
	add(llm.ProviderAnthropic, "ANTHROPIC_API_KEY", cfg.AnthropicKey, func() (llm.Adapter, error) {
		return llm.NewAnthropic(cfg.AnthropicKey, cfg.ProviderTimeout)
	})
	add(llm.ProviderCohere, "COHERE_API_KEY", cfg.CohereKey, func() (llm.Adapter, error) {
		return llm.NewCohere(cfg.CohereKey, cfg.ProviderTimeout)
	})
	add(llm.ProviderGemini, "GEMINI_API_KEY", cfg.GeminiKey, func() (llm.Adapter, error) {
		g, err := llm.NewGemini(ctx, cfg.GeminiKey, cfg.ProviderTimeout)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, g.Close)
		return g, nil
	})
	return reg
}

func buildCache(cfg config.Config, log *slog.Logger, d *Deps) (cache.PageCache, error) {
	switch cfg.CacheProvider {
	case "redis":
		c, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, c.Close)
		d.Checks = append(d.Checks, httputil.Check{Name: "redis", Ping: c.Ping})
		log.Info("using Redis page cache", "addr", cfg.RedisAddr, "ttl", cfg.PageCacheTTL)
		return c, nil
	case "none", "":
		return cache.NewNoOpCache(), nil
	default:
		return nil, fmt.Errorf("invalid CACHE_PROVIDER: %s (valid options: none, redis)", cfg.CacheProvider)
	}
}

func buildIndex(cfg config.Config, log *slog.Logger, d *Deps) (index.VectorIndex, error) {
	if cfg.IndexProvider == "none" {
		log.Info("vector index disabled")
		return nil, nil
	}
	if cfg.IndexProvider != "memory" && cfg.IndexProvider != "postgres" {
		return nil, fmt.Errorf("invalid INDEX_PROVIDER: %s (valid options: none, memory, postgres)", cfg.IndexProvider)
	}
	if cfg.OpenAIKey == "" {
		log.Warn("vector index disabled", "reason", "OPENAI_API_KEY not set; embeddings unavailable")
		return nil, nil
	}
	embedder, err := embeddings.NewOpenAIEmbedder(cfg.OpenAIKey, openai.EmbeddingModel(cfg.EmbeddingModel))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI embedder: %w", err)
	}

	if cfg.IndexProvider == "memory" {
		log.Info("using in-memory vector index", "embedding_model", cfg.EmbeddingModel)
		return index.NewMemory(embedder), nil
	}
	if cfg.DBURL == "" {
		return nil, fmt.Errorf("DB_URL is required when INDEX_PROVIDER=postgres")
	}
	pg, err := index.NewPostgres(cfg.DBURL, embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
	}
	d.closers = append(d.closers, pg.Close)
	d.Checks = append(d.Checks, httputil.Check{Name: "postgres", Ping: pg.Ping})
	log.Info("using Postgres vector index", "embedding_model", cfg.EmbeddingModel)
	return pg, nil
}

func buildQueue(cfg config.Config, log *slog.Logger, d *Deps) (queue.Queue, error) {
	switch cfg.QueueProvider {
	case "nats":
		if cfg.QueueURL == "" {
			return nil, fmt.Errorf("QUEUE_URL is required when QUEUE_PROVIDER=nats")
		}
		nc, err := nats.Connect(cfg.QueueURL, nats.Name("doc-chat"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		d.closers = append(d.closers, func() error { return nc.Drain() })
		d.Checks = append(d.Checks, httputil.Check{Name: "nats", Ping: func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}})
		log.Info("using NATS queue")
		return queue.NewNATS(log, nc), nil
	case "none", "":
		log.Info("ingestion runs inline")
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid QUEUE_PROVIDER: %s (valid options: none, nats)", cfg.QueueProvider)
	}
}
