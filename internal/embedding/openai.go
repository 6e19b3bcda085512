package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model,omitempty"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// OpenAIProvider calls an OpenAI-compatible /embeddings endpoint (OpenAI, Ollama's /v1).
type OpenAIProvider struct {
	endpoint string
	apiKey   string
	model    string
	dims     int
	client   *http.Client
}

// NewOpenAIProvider creates a provider for cfg.BaseURL + "/embeddings".
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	return &OpenAIProvider{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/embeddings",
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		dims:     requestDimensions(cfg),
		client:   newHTTPClient(cfg.Timeout),
	}
}

// EmbedBatch implements Provider.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.apiKey)
	return postEmbeddings(ctx, p.client, p.endpoint, header, embeddingRequest{
		Input:      texts,
		Model:      p.model,
		Dimensions: p.dims,
	})
}

// AzureProvider calls an Azure OpenAI embeddings deployment.
type AzureProvider struct {
	endpoint string
	apiKey   string
	dims     int
	client   *http.Client
}

// NewAzureProvider creates a provider for the deployment named by cfg.Model
// under the resource endpoint cfg.BaseURL.
func NewAzureProvider(cfg ProviderConfig) *AzureProvider {
	version := cfg.APIVersion
	if version == "" {
		version = "2024-02-01"
	}
	endpoint := fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		strings.TrimRight(cfg.BaseURL, "/"), url.PathEscape(cfg.Model), url.QueryEscape(version))
	return &AzureProvider{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		dims:     requestDimensions(cfg),
		client:   newHTTPClient(cfg.Timeout),
	}
}

// EmbedBatch implements Provider.
func (p *AzureProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	header := http.Header{}
	header.Set("api-key", p.apiKey)
	return postEmbeddings(ctx, p.client, p.endpoint, header, embeddingRequest{
		Input:      texts,
		Dimensions: p.dims,
	})
}

// requestDimensions returns the dimensions parameter to send. Only the
// text-embedding-3 family accepts it.
func requestDimensions(cfg ProviderConfig) int {
	if strings.HasPrefix(cfg.Model, "text-embedding-3") {
		return cfg.Dimensions
	}
	return 0
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func postEmbeddings(ctx context.Context, client *http.Client, endpoint string, header http.Header, reqBody embeddingRequest) ([][]float32, error) {
	if len(reqBody.Input) == 0 {
		return nil, nil
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = header
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: preview(body)}
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse response (body: %s): %w", preview(body), err)
	}
	if embResp.Error != nil {
		return nil, fmt.Errorf("API error: %s", embResp.Error.Message)
	}

	// A short or long response is passed through so the adapter can report it.
	if len(embResp.Data) != len(reqBody.Input) {
		out := make([][]float32, len(embResp.Data))
		for i, d := range embResp.Data {
			out[i] = d.Embedding
		}
		return out, nil
	}
	out := make([][]float32, len(reqBody.Input))
	for _, d := range embResp.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, fmt.Errorf("invalid embedding index %d in response", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func preview(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}
