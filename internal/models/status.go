package models

// IngestionStats describes the ingestion worker pool load.
type IngestionStats struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Active  int `json:"active"`
}

// IndexStats describes the in-memory vector index.
type IndexStats struct {
	Size       int    `json:"size"`
	Strategy   string `json:"strategy"`
	Dimensions int    `json:"dimensions"`
}

// StatusConfig is the subset of configuration reported by status.
type StatusConfig struct {
	EmbeddingProvider   string `json:"embedding_provider"`
	EmbeddingModel      string `json:"embedding_model"`
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	MaxTokens           int    `json:"max_tokens"`
	OverlapTokens       int    `json:"overlap_tokens"`
	DatabasePath        string `json:"database_path,omitempty"`
	KeywordIndexPath    string `json:"keyword_index_path,omitempty"`
}

// Status is the response of GET /api/v1/status.
type Status struct {
	Documents         int64                    `json:"documents"`
	Chunks            int64                    `json:"chunks"`
	DocumentsByStatus map[DocumentStatus]int64 `json:"documents_by_status"`
	VectorIndex       IndexStats               `json:"vector_index"`
	KeywordIndex      bool                     `json:"keyword_index"`
	Ingestion         IngestionStats           `json:"ingestion"`
	RetrievalMode     string                   `json:"retrieval_mode"`
	DiskUsageBytes    *int64                   `json:"disk_usage_bytes,omitempty"`
	Config            *StatusConfig            `json:"config,omitempty"`
}
