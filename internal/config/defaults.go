package config

import "time"

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "/usr/local/etc/chishiki/config.yaml"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 32 << 20
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/chishiki/data/chishiki.db"
	}

	e := &cfg.Embedding
	if e.Provider == "" {
		e.Provider = "openai"
	}
	if e.Model == "" {
		switch e.Provider {
		case "ollama":
			e.Model = "nomic-embed-text"
		case "mock":
			e.Model = "mock"
		default:
			e.Model = "text-embedding-3-small"
		}
	}
	if e.APIKeyEnv == "" {
		switch e.Provider {
		case "openai":
			e.APIKeyEnv = "OPENAI_API_KEY"
		case "azure":
			e.APIKeyEnv = "AZURE_OPENAI_API_KEY"
		}
	}
	if e.Dimensions == 0 {
		switch e.Provider {
		case "ollama":
			e.Dimensions = 768
		case "mock":
			e.Dimensions = 384
		default:
			e.Dimensions = 1536
		}
	}
	if e.BatchSize == 0 {
		e.BatchSize = 64
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 3
	}
	if e.InitialBackoff == 0 {
		e.InitialBackoff = 500 * time.Millisecond
	}
	if e.MaxBackoff == 0 {
		e.MaxBackoff = 10 * time.Second
	}
	if e.Timeout == 0 {
		e.Timeout = 30 * time.Second
	}
	if e.Concurrency == 0 {
		e.Concurrency = 2
	}
	if e.CacheSize == 0 {
		e.CacheSize = 1000
	}

	if cfg.Chunking.MaxTokens == 0 {
		cfg.Chunking.MaxTokens = 500
	}
	if cfg.Chunking.OverlapTokens == 0 {
		cfg.Chunking.OverlapTokens = 50
	}
	if cfg.Chunking.Estimator == "" {
		cfg.Chunking.Estimator = "words"
	}
	if cfg.Chunking.CharsPerToken == 0 {
		cfg.Chunking.CharsPerToken = 4
	}

	if cfg.Ingestion.Workers == 0 {
		cfg.Ingestion.Workers = 4
	}
	if cfg.Ingestion.QueueSize == 0 {
		cfg.Ingestion.QueueSize = 256
	}

	if cfg.Index.MinVectors == 0 {
		cfg.Index.MinVectors = 1000
	}
	if cfg.Index.Probes == 0 {
		cfg.Index.Probes = 8
	}
	if cfg.Index.RebuildGrowth == 0 {
		cfg.Index.RebuildGrowth = 2.0
	}
	if cfg.Index.Iterations == 0 {
		cfg.Index.Iterations = 10
	}

	if cfg.Retrieval.DefaultTopK == 0 {
		cfg.Retrieval.DefaultTopK = 5
	}
	if cfg.Retrieval.MaxTopK == 0 {
		cfg.Retrieval.MaxTopK = 100
	}
	if cfg.Retrieval.Oversample == 0 {
		cfg.Retrieval.Oversample = 3
	}
	if cfg.Retrieval.DedupMode == "" {
		cfg.Retrieval.DedupMode = "global"
	}
	if cfg.Retrieval.FallbackK == 0 {
		cfg.Retrieval.FallbackK = 3
	}

	if cfg.Watch.Patterns == nil {
		cfg.Watch.Patterns = []string{"**/*.{txt,text,log,md,rst,csv,json,pdf,docx,xlsx,pptx,odt,odp,ods}"}
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
