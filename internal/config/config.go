// Package config provides configuration loading and structs for the Chishiki server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Index     IndexConfig     `yaml:"index"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// MaxUploadBytes limits the size of a single document upload.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// StorageConfig holds paths for the database and the keyword index.
// An empty keyword index path keeps the keyword index in memory.
type StorageConfig struct {
	DatabasePath     string `yaml:"database_path"`
	KeywordIndexPath string `yaml:"keyword_index_path"`
}

// EmbeddingConfig selects the embedding provider and tunes the adapter.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"` // openai, azure, ollama or mock
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	APIVersion        string        `yaml:"api_version"`
	Dimensions        int           `yaml:"dimensions"`
	BatchSize         int           `yaml:"batch_size"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Concurrency       int           `yaml:"concurrency"`
	CacheSize         int           `yaml:"cache_size"`
}

// APIKey reads the provider key from the environment variable named by APIKeyEnv.
func (e *EmbeddingConfig) APIKey() string {
	if e.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.APIKeyEnv)
}

// ChunkingConfig holds chunk sizing.
type ChunkingConfig struct {
	MaxTokens     int    `yaml:"max_tokens"`
	OverlapTokens int    `yaml:"overlap_tokens"`
	Estimator     string `yaml:"estimator"` // words or chars
	CharsPerToken int    `yaml:"chars_per_token"`
}

// IngestionConfig sizes the background worker pool.
type IngestionConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// IndexConfig tunes the in-memory vector index.
type IndexConfig struct {
	MinVectors    int     `yaml:"min_vectors"`
	Lists         int     `yaml:"lists"`
	Probes        int     `yaml:"probes"`
	RebuildGrowth float64 `yaml:"rebuild_growth"`
	Iterations    int     `yaml:"iterations"`
}

// RetrievalConfig holds query defaults.
type RetrievalConfig struct {
	DefaultTopK   int     `yaml:"default_top_k"`
	MaxTopK       int     `yaml:"max_top_k"`
	Oversample    int     `yaml:"oversample"`
	DedupMode     string  `yaml:"dedup_mode"` // global or per_document
	MinSimilarity float64 `yaml:"min_similarity"`
	FallbackK     int     `yaml:"fallback_k"`
	HybridWeight  float64 `yaml:"hybrid_weight"`
}

// WatchConfig holds drop-directory settings.
type WatchConfig struct {
	Directories []string      `yaml:"directories"`
	Patterns    []string      `yaml:"patterns"`
	Recursive   *bool         `yaml:"recursive"`
	Debounce    time.Duration `yaml:"debounce"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	if cfg.Storage.KeywordIndexPath != "" {
		cfg.Storage.KeywordIndexPath = expandPath(cfg.Storage.KeywordIndexPath, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var problems []string
	if c.Embedding.Dimensions <= 0 {
		problems = append(problems, "embedding.dimensions must be positive")
	}
	switch c.Embedding.Provider {
	case "openai", "azure", "ollama", "mock":
	default:
		problems = append(problems, fmt.Sprintf("unknown embedding.provider %q", c.Embedding.Provider))
	}
	if c.Chunking.OverlapTokens >= c.Chunking.MaxTokens {
		problems = append(problems, "chunking.overlap_tokens must be smaller than chunking.max_tokens")
	}
	switch c.Retrieval.DedupMode {
	case "global", "per_document":
	default:
		problems = append(problems, fmt.Sprintf("unknown retrieval.dedup_mode %q", c.Retrieval.DedupMode))
	}
	if c.Retrieval.HybridWeight < 0 || c.Retrieval.HybridWeight > 1 {
		problems = append(problems, "retrieval.hybrid_weight must be within [0, 1]")
	}
	if c.Retrieval.MinSimilarity < 0 || c.Retrieval.MinSimilarity > 1 {
		problems = append(problems, "retrieval.min_similarity must be within [0, 1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
