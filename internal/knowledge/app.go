package knowledge

import (
	"context"
	"fmt"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/courseatlas/internal/knowledge/biz"
	"github.com/kart-io/courseatlas/internal/knowledge/handler"
	"github.com/kart-io/courseatlas/internal/knowledge/store"
	"github.com/kart-io/courseatlas/pkg/app"
	"github.com/kart-io/courseatlas/pkg/component/milvus"
	"github.com/kart-io/courseatlas/pkg/llm"
	"github.com/kart-io/courseatlas/pkg/llm/resilience"
	"github.com/kart-io/courseatlas/pkg/pool"

	// Register embedding providers.
	_ "github.com/kart-io/courseatlas/pkg/llm/ollama"
	_ "github.com/kart-io/courseatlas/pkg/llm/openai"
)

const (
	appName        = "courseatlas"
	appDescription = `CourseAtlas Knowledge Service

The course-knowledge aggregation and retrieval core for CourseAtlas.

This server provides:
  - Ingestion of catalog, review, evaluation, and forum records
  - Entity resolution and passage normalization
  - Vector indexing and similarity retrieval
  - Token-budgeted context assembly for external generators`
)

// NewApp creates a new application instance.
func NewApp() *app.App {
	opts := NewOptions()

	return app.NewApp(
		app.WithName(appName),
		app.WithDescription(appDescription),
		app.WithOptions(opts),
		app.WithRunFunc(func() error {
			return Run(opts)
		}),
	)
}

// Run runs the knowledge service with the given options.
func Run(opts *Options) error {
	printBanner(opts)

	opts.Log.AddInitialField("service.name", appName)
	opts.Log.AddInitialField("service.version", app.GetVersion())
	if err := opts.Log.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("Starting knowledge service...")

	var closeFns []func()

	// Vector store.
	vectorStore, closeStore, err := buildVectorStore(opts)
	if err != nil {
		return err
	}
	if closeStore != nil {
		closeFns = append(closeFns, closeStore)
	}
	logger.Infow("Vector store initialized", "driver", opts.Knowledge.StoreDriver)

	// Embedding provider.
	embedProvider, err := llm.NewEmbeddingProvider(opts.Embedding.Provider, opts.Embedding.ToConfigMap())
	if err != nil {
		return fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	logger.Infow("Embedding provider initialized",
		"provider", opts.Embedding.Provider,
		"model", opts.Embedding.Model,
	)

	// Query cache.
	queryCache, closeCache := buildQueryCache(opts)
	if closeCache != nil {
		closeFns = append(closeFns, closeCache)
	}

	// Quarantine store.
	quarantine, err := store.NewQuarantineStore(opts.Knowledge.QuarantinePath)
	if err != nil {
		return fmt.Errorf("failed to open quarantine store: %w", err)
	}
	logger.Infow("Quarantine store initialized", "path", opts.Knowledge.QuarantinePath)

	// Ingestion worker pool.
	workers, err := pool.New("ingest", pool.IngestConfig(opts.Knowledge.Workers))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	closeFns = append(closeFns, workers.Release)

	// Biz layer.
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = opts.Embedding.MaxRetries
	resolver := biz.NewResolver(biz.ResolverConfig{
		MaxEditDistance: opts.Knowledge.MaxEditDistance,
		DeptAliases:     opts.Knowledge.DeptAliases,
	})
	normalizer := biz.NewNormalizer(biz.NormalizerConfig{
		MaxTokens: opts.Knowledge.MaxTokens,
	})
	indexer := biz.NewIndexer(biz.IndexerConfig{
		BatchSize: opts.Knowledge.BatchSize,
		QueueSize: opts.Knowledge.QueueSize,
		Retry:     retry,
	}, embedProvider, vectorStore)
	retriever := biz.NewRetriever(biz.RetrieverConfig{
		DefaultK:         opts.Knowledge.DefaultK,
		OverfetchFactor:  opts.Knowledge.OverfetchFactor,
		NearDupThreshold: opts.Knowledge.NearDupThreshold,
		SimilarityWeight: opts.Knowledge.SimilarityWeight,
		RecencyWeight:    opts.Knowledge.RecencyWeight,
		RecencyHalfLife:  opts.Knowledge.RecencyHalfLife,
		Retry:            retry,
	}, embedProvider, vectorStore)
	assembler := biz.NewAssembler(biz.AssemblerConfig{
		DefaultTokenBudget: opts.Knowledge.TokenBudget,
	})
	service := biz.NewService(resolver, normalizer, indexer, retriever, assembler,
		queryCache, quarantine, vectorStore, workers)
	logger.Infow("Knowledge service initialized",
		"cache.enabled", opts.Cache.Enabled,
		"default_k", opts.Knowledge.DefaultK,
		"token_budget", opts.Knowledge.TokenBudget,
	)

	// Handler layer and HTTP server.
	knowledgeHandler := handler.NewKnowledgeHandler(service)
	srv := NewServer(opts.HTTP, knowledgeHandler, closeFns...)

	logger.Info("Knowledge service is ready")
	return srv.Run()
}

func buildVectorStore(opts *Options) (store.VectorStore, func(), error) {
	switch opts.Knowledge.StoreDriver {
	case StoreDriverMilvus:
		client, err := milvus.New(opts.Milvus)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize milvus: %w", err)
		}
		ms, err := store.NewMilvusStore(context.Background(), client,
			opts.Knowledge.Collection, opts.Knowledge.EmbeddingDim)
		if err != nil {
			_ = client.Close(context.Background())
			return nil, nil, fmt.Errorf("failed to initialize milvus store: %w", err)
		}
		return ms, func() { _ = ms.Close(context.Background()) }, nil
	default:
		return store.NewMemoryStore(), nil, nil
	}
}

func buildQueryCache(opts *Options) (*biz.QueryCache, func()) {
	if !opts.Cache.Enabled {
		logger.Info("Query cache is disabled")
		return nil, nil
	}

	redisOpts := opts.Cache.Redis
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         redisOpts.Addr,
		Password:     redisOpts.Password,
		DB:           redisOpts.Database,
		MaxRetries:   redisOpts.MaxRetries,
		PoolSize:     redisOpts.PoolSize,
		MinIdleConns: redisOpts.MinIdleConns,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warnw("failed to connect to redis, cache will be disabled", "error", err.Error())
		_ = redisClient.Close()
		return nil, nil
	}

	cache := biz.NewQueryCache(redisClient, &biz.QueryCacheConfig{
		Enabled:   true,
		TTL:       opts.Cache.TTL,
		KeyPrefix: opts.Cache.KeyPrefix,
	})
	logger.Infow("Query cache initialized",
		"addr", redisOpts.Addr,
		"ttl", opts.Cache.TTL,
	)
	return cache, func() { _ = redisClient.Close() }
}

func printBanner(opts *Options) {
	fmt.Printf("Starting %s...\n", appName)
	fmt.Printf("  Embedding: %s (%s)\n", opts.Embedding.Provider, opts.Embedding.Model)
	fmt.Printf("  Store: %s\n", opts.Knowledge.StoreDriver)
}
