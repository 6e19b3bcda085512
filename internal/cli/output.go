// Package cli provides output formatting and an HTTP client for the
// chishiki command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact is one result per line.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const snippetLen = 240

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputText:
		return OutputText, nil
	case OutputCompact, OutputJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

// WriteRetrieveResults writes a retrieval response to w in the given format.
func WriteRetrieveResults(w io.Writer, response *models.RetrieveResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for _, r := range response.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", r.Rank, r.Score, r.DocumentID,
				utils.Truncate(utils.SingleLine(r.Chunk.Content), 120))
		}
		return nil
	default:
		writeRetrieveText(w, response)
		return nil
	}
}

func writeRetrieveText(w io.Writer, response *models.RetrieveResponse) {
	fmt.Fprintf(w, "\nFound %d chunks in %dms (mode: %s)\n", len(response.Results), response.QueryTime, response.Mode)
	if response.Fallback {
		fmt.Fprintln(w, "No chunk met the similarity threshold; showing the closest matches.")
	}
	fmt.Fprintln(w)
	for _, r := range response.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Score: %.4f (Similarity: %.4f", r.Rank, r.Score, r.Similarity)
		if r.KeywordScore > 0 {
			fmt.Fprintf(w, ", Keyword: %.4f", r.KeywordScore)
		}
		fmt.Fprintln(w, ")")
		fmt.Fprintf(w, "Document: %s", r.DocumentID)
		if r.DocumentTitle != "" {
			fmt.Fprintf(w, " (%s)", r.DocumentTitle)
		}
		fmt.Fprintf(w, " chunk #%d\n", r.Chunk.ChunkIndex)
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(utils.SingleLine(r.Chunk.Content), snippetLen))
	}
}

// WriteStatus writes a status report to w as aligned text or JSON.
func WriteStatus(w io.Writer, status *models.Status, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, status)
	}
	fmt.Fprintf(w, "documents:          %d\n", status.Documents)
	statuses := make([]string, 0, len(status.DocumentsByStatus))
	for s := range status.DocumentsByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "  %-16s  %d\n", s+":", status.DocumentsByStatus[models.DocumentStatus(s)])
	}
	fmt.Fprintf(w, "chunks:             %d\n", status.Chunks)
	fmt.Fprintf(w, "vector_index:       %d vectors, %s, %d dims\n",
		status.VectorIndex.Size, status.VectorIndex.Strategy, status.VectorIndex.Dimensions)
	fmt.Fprintf(w, "keyword_index:      %t\n", status.KeywordIndex)
	if status.Ingestion.Workers > 0 {
		fmt.Fprintf(w, "ingestion:          %d workers, %d queued, %d active\n",
			status.Ingestion.Workers, status.Ingestion.Queued, status.Ingestion.Active)
	}
	if status.RetrievalMode != "" {
		fmt.Fprintf(w, "retrieval_mode:     %s\n", status.RetrievalMode)
	}
	if status.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage:         %s\n", utils.HumanBytes(*status.DiskUsageBytes))
	}
	if c := status.Config; c != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# configuration")
		fmt.Fprintf(w, "embedding:          %s/%s (%d dims)\n", c.EmbeddingProvider, c.EmbeddingModel, c.EmbeddingDimensions)
		fmt.Fprintf(w, "chunking:           %d tokens, %d overlap\n", c.MaxTokens, c.OverlapTokens)
		if c.DatabasePath != "" {
			fmt.Fprintf(w, "database_path:      %s\n", c.DatabasePath)
		}
		if c.KeywordIndexPath != "" {
			fmt.Fprintf(w, "keyword_index_path: %s\n", c.KeywordIndexPath)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
