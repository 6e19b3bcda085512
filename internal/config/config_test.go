package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
embedding:
  provider: ollama
  initial_backoff: 250ms
  timeout: 1m
retrieval:
  dedup_mode: per_document
  hybrid_weight: 0.3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if !filepath.IsAbs(cfg.Storage.DatabasePath) {
		t.Errorf("database_path should be absolute, got %s", cfg.Storage.DatabasePath)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
	if cfg.Embedding.InitialBackoff != 250*time.Millisecond || cfg.Embedding.Timeout != time.Minute {
		t.Errorf("durations not parsed: %+v", cfg.Embedding)
	}
	if cfg.Embedding.Model != "nomic-embed-text" || cfg.Embedding.Dimensions != 768 {
		t.Errorf("ollama defaults not applied: %+v", cfg.Embedding)
	}
	if cfg.Retrieval.DedupMode != "per_document" || cfg.Retrieval.HybridWeight != 0.3 {
		t.Errorf("unexpected retrieval config: %+v", cfg.Retrieval)
	}
	if cfg.Storage.KeywordIndexPath != "" {
		t.Errorf("keyword index path should stay empty, got %s", cfg.Storage.KeywordIndexPath)
	}
}

func TestLoad_debugTrue(t *testing.T) {
	cfg, err := Load(writeConfig(t, "debug: true\nstorage:\n  database_path: \"test.db\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: "./data/chishiki.db"
  keyword_index_path: "./data/keyword"
watch:
  directories: ["./inbox"]
`)
	dir := filepath.Dir(path)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "data", "chishiki.db"); cfg.Storage.DatabasePath != want {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, want)
	}
	if want := filepath.Join(dir, "data", "keyword"); cfg.Storage.KeywordIndexPath != want {
		t.Errorf("keyword_index_path = %s, want %s", cfg.Storage.KeywordIndexPath, want)
	}
	if len(cfg.Watch.Directories) != 1 || cfg.Watch.Directories[0] != filepath.Join(dir, "inbox") {
		t.Errorf("watch directories: got %v", cfg.Watch.Directories)
	}
	if !cfg.Watch.RecursiveOrDefault() {
		t.Error("recursive should default to true")
	}
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "server: [", "failed to parse config"},
		{"overlap too large", "chunking:\n  max_tokens: 10\n  overlap_tokens: 10\n", "overlap_tokens"},
		{"unknown provider", "embedding:\n  provider: bert\n", "embedding.provider"},
		{"unknown dedup", "retrieval:\n  dedup_mode: per_doc\n", "dedup_mode"},
		{"hybrid weight", "retrieval:\n  hybrid_weight: 2\n", "hybrid_weight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" || cfg.Server.Port != 8080 {
		t.Errorf("default server: got %+v", cfg.Server)
	}
	if cfg.Embedding.Provider != "openai" || cfg.Embedding.Model != "text-embedding-3-small" ||
		cfg.Embedding.Dimensions != 1536 || cfg.Embedding.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("default embedding: got %+v", cfg.Embedding)
	}
	if cfg.Chunking.MaxTokens != 500 || cfg.Chunking.OverlapTokens != 50 {
		t.Errorf("default chunking: got %+v", cfg.Chunking)
	}
	if cfg.Retrieval.DefaultTopK != 5 || cfg.Retrieval.Oversample != 3 || cfg.Retrieval.FallbackK != 3 ||
		cfg.Retrieval.DedupMode != "global" {
		t.Errorf("default retrieval: got %+v", cfg.Retrieval)
	}
	if cfg.Index.MinVectors != 1000 || cfg.Index.Probes != 8 {
		t.Errorf("default index: got %+v", cfg.Index)
	}
	if len(cfg.Watch.Patterns) != 1 || cfg.Watch.Debounce != 500*time.Millisecond {
		t.Errorf("default watch: got %+v", cfg.Watch)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestApplyDefaults_WatchRecursiveWhenDirectoriesSet(t *testing.T) {
	cfg := &Config{Watch: WatchConfig{Directories: []string{"/tmp/docs"}}}
	ApplyDefaults(cfg)
	if cfg.Watch.Recursive == nil || !*cfg.Watch.Recursive {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	f := false
	w := &WatchConfig{Recursive: &f}
	if w.RecursiveOrDefault() {
		t.Error("explicit false should be honored")
	}
	if !(&WatchConfig{}).RecursiveOrDefault() {
		t.Error("nil should default to true")
	}
}

func TestEmbeddingConfig_APIKey(t *testing.T) {
	t.Setenv("CHISHIKI_TEST_KEY", "secret")
	e := &EmbeddingConfig{APIKeyEnv: "CHISHIKI_TEST_KEY"}
	if e.APIKey() != "secret" {
		t.Errorf("APIKey() = %q", e.APIKey())
	}
	if (&EmbeddingConfig{}).APIKey() != "" {
		t.Error("empty env name should yield empty key")
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DatabasePath: "/tmp/db"},
		Watch:   WatchConfig{Debounce: 2 * time.Second},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
	if loaded.Watch.Debounce != 2*time.Second {
		t.Errorf("loaded debounce: got %v", loaded.Watch.Debounce)
	}
}
