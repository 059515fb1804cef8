// Package knowledge provides the CourseAtlas knowledge service
// application.
package knowledge

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	httpopts "github.com/kart-io/courseatlas/pkg/options/http"
	logopts "github.com/kart-io/courseatlas/pkg/options/logger"
	milvusopts "github.com/kart-io/courseatlas/pkg/options/milvus"
	redisopts "github.com/kart-io/courseatlas/pkg/options/redis"
)

// Store driver names.
const (
	StoreDriverMemory = "memory"
	StoreDriverMilvus = "milvus"
)

// Options contains all knowledge service options.
type Options struct {
	// HTTP contains HTTP server configuration.
	HTTP *httpopts.Options `json:"http" mapstructure:"http"`

	// Log contains logger configuration.
	Log *logopts.Options `json:"log" mapstructure:"log"`

	// Milvus contains Milvus connection configuration.
	Milvus *milvusopts.Options `json:"milvus" mapstructure:"milvus"`

	// Embedding contains embedding provider configuration.
	Embedding *LLMProviderOptions `json:"embedding" mapstructure:"embedding"`

	// Knowledge contains pipeline tuning.
	Knowledge *KnowledgeOptions `json:"knowledge" mapstructure:"knowledge"`

	// Cache contains query cache configuration.
	Cache *CacheOptions `json:"cache" mapstructure:"cache"`
}

// LLMProviderOptions configures the embedding provider. Generation is
// external to this service, so only embedding settings exist.
type LLMProviderOptions struct {
	// Provider is the provider name (ollama, openai).
	Provider string `json:"provider" mapstructure:"provider"`

	// BaseURL is the API base address.
	BaseURL string `json:"base-url" mapstructure:"base-url"`

	// APIKey authenticates against hosted providers.
	APIKey string `json:"api-key" mapstructure:"api-key"`

	// Model is the embedding model name.
	Model string `json:"model" mapstructure:"model"`

	// Timeout bounds each embed request.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MaxRetries is the retry budget for transient failures.
	MaxRetries int `json:"max-retries" mapstructure:"max-retries"`

	// Organization is the optional OpenAI organization ID.
	Organization string `json:"organization" mapstructure:"organization"`
}

// NewLLMProviderOptions creates default embedding provider options.
func NewLLMProviderOptions() *LLMProviderOptions {
	return &LLMProviderOptions{
		Provider:   "ollama",
		BaseURL:    "http://localhost:11434",
		Model:      "nomic-embed-text",
		Timeout:    120 * time.Second,
		MaxRetries: 3,
	}
}

// ToConfigMap converts the options into the provider factory form.
func (o *LLMProviderOptions) ToConfigMap() map[string]any {
	return map[string]any{
		"base_url":     o.BaseURL,
		"api_key":      o.APIKey,
		"embed_model":  o.Model,
		"timeout":      o.Timeout,
		"organization": o.Organization,
	}
}

// KnowledgeOptions contains pipeline-specific configuration.
type KnowledgeOptions struct {
	// StoreDriver selects the vector store backend (memory, milvus).
	StoreDriver string `json:"store-driver" mapstructure:"store-driver"`

	// Collection is the Milvus collection name.
	Collection string `json:"collection" mapstructure:"collection"`

	// EmbeddingDim is the embedding vector dimension.
	EmbeddingDim int `json:"embedding-dim" mapstructure:"embedding-dim"`

	// QuarantinePath is the SQLite file holding quarantined records.
	QuarantinePath string `json:"quarantine-path" mapstructure:"quarantine-path"`

	// MaxEditDistance is the instructor fuzzy-match threshold.
	MaxEditDistance int `json:"max-edit-distance" mapstructure:"max-edit-distance"`

	// DeptAliases maps department abbreviations to subject codes.
	DeptAliases map[string]string `json:"dept-aliases" mapstructure:"dept-aliases"`

	// MaxTokens caps normalized passage bodies.
	MaxTokens int `json:"max-tokens" mapstructure:"max-tokens"`

	// BatchSize is the embedding batch size.
	BatchSize int `json:"batch-size" mapstructure:"batch-size"`

	// QueueSize bounds the indexer's pending queue.
	QueueSize int `json:"queue-size" mapstructure:"queue-size"`

	// Workers is the ingestion worker-pool capacity.
	Workers int `json:"workers" mapstructure:"workers"`

	// DefaultK is the default retrieval depth.
	DefaultK int `json:"default-k" mapstructure:"default-k"`

	// OverfetchFactor over-fetches search candidates.
	OverfetchFactor int `json:"overfetch-factor" mapstructure:"overfetch-factor"`

	// NearDupThreshold is the near-duplicate cosine distance.
	NearDupThreshold float64 `json:"near-dup-threshold" mapstructure:"near-dup-threshold"`

	// SimilarityWeight and RecencyWeight combine into rerank scores.
	SimilarityWeight float64 `json:"similarity-weight" mapstructure:"similarity-weight"`
	RecencyWeight    float64 `json:"recency-weight" mapstructure:"recency-weight"`

	// RecencyHalfLife is the recency prior half-life.
	RecencyHalfLife time.Duration `json:"recency-half-life" mapstructure:"recency-half-life"`

	// TokenBudget is the default context assembly budget.
	TokenBudget int `json:"token-budget" mapstructure:"token-budget"`
}

// NewKnowledgeOptions creates default knowledge options.
func NewKnowledgeOptions() *KnowledgeOptions {
	return &KnowledgeOptions{
		StoreDriver:      StoreDriverMemory,
		Collection:       "course_passages",
		EmbeddingDim:     768, // nomic-embed-text dimension
		QuarantinePath:   "_output/quarantine.db",
		MaxEditDistance:  2,
		DeptAliases:      map[string]string{},
		MaxTokens:        512,
		BatchSize:        16,
		QueueSize:        256,
		Workers:          8,
		DefaultK:         8,
		OverfetchFactor:  3,
		NearDupThreshold: 0.02,
		SimilarityWeight: 0.75,
		RecencyWeight:    0.25,
		RecencyHalfLife:  90 * 24 * time.Hour,
		TokenBudget:      2048,
	}
}

// CacheOptions configures the query cache.
type CacheOptions struct {
	// Enabled toggles the cache.
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// TTL is the cache expiry.
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`

	// KeyPrefix namespaces cache keys.
	KeyPrefix string `json:"key-prefix" mapstructure:"key-prefix"`

	// Redis contains connection configuration.
	Redis *redisopts.Options `json:"redis" mapstructure:"redis"`
}

// NewCacheOptions creates default cache options.
func NewCacheOptions() *CacheOptions {
	return &CacheOptions{
		Enabled:   false,
		TTL:       time.Hour,
		KeyPrefix: "courseatlas:query:",
		Redis:     redisopts.NewOptions(),
	}
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		HTTP:      httpopts.NewOptions(),
		Log:       logopts.NewOptions(),
		Milvus:    milvusopts.NewOptions(),
		Embedding: NewLLMProviderOptions(),
		Knowledge: NewKnowledgeOptions(),
		Cache:     NewCacheOptions(),
	}
}

// AddFlags adds flags to the flagset.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.HTTP.AddFlags(fs)
	o.Log.AddFlags(fs)
	o.Milvus.AddFlags(fs)
	o.addEmbeddingFlags(fs)
	o.addKnowledgeFlags(fs)
	o.addCacheFlags(fs)
}

func (o *Options) addEmbeddingFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Embedding.Provider, "embedding.provider", o.Embedding.Provider, "Embedding provider (ollama, openai)")
	fs.StringVar(&o.Embedding.BaseURL, "embedding.base-url", o.Embedding.BaseURL, "Embedding API base URL")
	fs.StringVar(&o.Embedding.APIKey, "embedding.api-key", o.Embedding.APIKey, "Embedding API key (for OpenAI)")
	fs.StringVar(&o.Embedding.Model, "embedding.model", o.Embedding.Model, "Embedding model name")
	fs.DurationVar(&o.Embedding.Timeout, "embedding.timeout", o.Embedding.Timeout, "Embedding request timeout")
	fs.IntVar(&o.Embedding.MaxRetries, "embedding.max-retries", o.Embedding.MaxRetries, "Embedding max retries")
}

func (o *Options) addKnowledgeFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Knowledge.StoreDriver, "knowledge.store-driver", o.Knowledge.StoreDriver, "Vector store backend (memory, milvus)")
	fs.StringVar(&o.Knowledge.Collection, "knowledge.collection", o.Knowledge.Collection, "Milvus collection name")
	fs.IntVar(&o.Knowledge.EmbeddingDim, "knowledge.embedding-dim", o.Knowledge.EmbeddingDim, "Embedding vector dimension")
	fs.StringVar(&o.Knowledge.QuarantinePath, "knowledge.quarantine-path", o.Knowledge.QuarantinePath, "SQLite path for quarantined records")
	fs.IntVar(&o.Knowledge.MaxEditDistance, "knowledge.max-edit-distance", o.Knowledge.MaxEditDistance, "Instructor fuzzy-match edit distance")
	fs.IntVar(&o.Knowledge.MaxTokens, "knowledge.max-tokens", o.Knowledge.MaxTokens, "Passage body token cap")
	fs.IntVar(&o.Knowledge.BatchSize, "knowledge.batch-size", o.Knowledge.BatchSize, "Embedding batch size")
	fs.IntVar(&o.Knowledge.QueueSize, "knowledge.queue-size", o.Knowledge.QueueSize, "Indexer pending queue size")
	fs.IntVar(&o.Knowledge.Workers, "knowledge.workers", o.Knowledge.Workers, "Ingestion worker pool capacity")
	fs.IntVar(&o.Knowledge.DefaultK, "knowledge.default-k", o.Knowledge.DefaultK, "Default retrieval depth")
	fs.IntVar(&o.Knowledge.OverfetchFactor, "knowledge.overfetch-factor", o.Knowledge.OverfetchFactor, "Search overfetch factor")
	fs.Float64Var(&o.Knowledge.NearDupThreshold, "knowledge.near-dup-threshold", o.Knowledge.NearDupThreshold, "Near-duplicate cosine distance threshold")
	fs.Float64Var(&o.Knowledge.SimilarityWeight, "knowledge.similarity-weight", o.Knowledge.SimilarityWeight, "Rerank similarity weight")
	fs.Float64Var(&o.Knowledge.RecencyWeight, "knowledge.recency-weight", o.Knowledge.RecencyWeight, "Rerank recency weight")
	fs.DurationVar(&o.Knowledge.RecencyHalfLife, "knowledge.recency-half-life", o.Knowledge.RecencyHalfLife, "Recency prior half-life")
	fs.IntVar(&o.Knowledge.TokenBudget, "knowledge.token-budget", o.Knowledge.TokenBudget, "Default context token budget")
}

func (o *Options) addCacheFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&o.Cache.Enabled, "cache.enabled", o.Cache.Enabled, "Enable query result cache")
	fs.DurationVar(&o.Cache.TTL, "cache.ttl", o.Cache.TTL, "Cache TTL duration")
	fs.StringVar(&o.Cache.KeyPrefix, "cache.key-prefix", o.Cache.KeyPrefix, "Cache key prefix")
	o.Cache.Redis.AddFlags(fs, "cache.")
}

// Validate validates the options.
func (o *Options) Validate() error {
	for _, errs := range [][]error{
		o.HTTP.Validate(),
		o.Milvus.Validate(),
		o.Cache.Redis.Validate(),
	} {
		for _, err := range errs {
			return err
		}
	}
	if err := o.Log.Validate(); err != nil {
		return err
	}

	if o.Embedding.Provider == "" {
		return fmt.Errorf("embedding.provider is required")
	}
	if o.Embedding.BaseURL == "" {
		return fmt.Errorf("embedding.base-url is required")
	}
	if o.Embedding.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if o.Embedding.Provider == "openai" && o.Embedding.APIKey == "" {
		return fmt.Errorf("embedding.api-key is required for openai provider")
	}
	if o.Embedding.Timeout <= 0 {
		return fmt.Errorf("embedding.timeout must be positive")
	}

	k := o.Knowledge
	if k.StoreDriver != StoreDriverMemory && k.StoreDriver != StoreDriverMilvus {
		return fmt.Errorf("knowledge.store-driver must be %q or %q", StoreDriverMemory, StoreDriverMilvus)
	}
	if k.StoreDriver == StoreDriverMilvus && k.EmbeddingDim <= 0 {
		return fmt.Errorf("knowledge.embedding-dim must be positive for the milvus driver")
	}
	if k.MaxEditDistance < 0 {
		return fmt.Errorf("knowledge.max-edit-distance must not be negative")
	}
	if k.BatchSize <= 0 {
		return fmt.Errorf("knowledge.batch-size must be positive")
	}
	if k.OverfetchFactor <= 0 {
		return fmt.Errorf("knowledge.overfetch-factor must be positive")
	}
	if k.NearDupThreshold <= 0 || k.NearDupThreshold >= 1 {
		return fmt.Errorf("knowledge.near-dup-threshold must be in (0, 1)")
	}
	if k.SimilarityWeight < 0 || k.RecencyWeight < 0 {
		return fmt.Errorf("rerank weights must not be negative")
	}
	if k.TokenBudget <= 0 {
		return fmt.Errorf("knowledge.token-budget must be positive")
	}
	return nil
}

// Complete fills in derived values.
func (o *Options) Complete() error {
	return nil
}
