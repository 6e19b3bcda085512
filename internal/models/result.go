package models

// SearchHit is a single vector store hit. Distance is cosine distance (0 = identical).
type SearchHit struct {
	Chunk         *DocumentChunk `json:"chunk"`
	DocumentTitle string         `json:"document_title"`
	Distance      float64        `json:"distance"`
}

// Similarity returns 1 - Distance.
func (h *SearchHit) Similarity() float64 {
	return 1 - h.Distance
}

// RetrievedChunk is a ranked chunk with its originating document for citation display.
type RetrievedChunk struct {
	Chunk         *DocumentChunk `json:"chunk"`
	DocumentID    string         `json:"document_id"`
	DocumentTitle string         `json:"document_title"`
	Similarity    float64        `json:"similarity"`
	KeywordScore  float64        `json:"keyword_score,omitempty"`
	Score         float64        `json:"score"`
	Rank          int            `json:"rank"`
}

// RetrieveResponse is the response for a retrieval request.
type RetrieveResponse struct {
	Query     string            `json:"query"`
	Mode      string            `json:"mode"`
	Results   []*RetrievedChunk `json:"results"`
	Fallback  bool              `json:"fallback,omitempty"` // threshold matched nothing; closest chunks returned
	QueryTime int64             `json:"query_time_ms"`
}
