// Package embedding turns chunk text into vectors through a remote provider,
// with batching, retries, rate limiting and a query cache.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Provider is the external embedding service. It must return exactly one vector
// per input text, in input order.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderConfig selects and configures a Provider.
type ProviderConfig struct {
	Kind       string // openai, ollama, azure, mock
	BaseURL    string
	Model      string
	APIKey     string
	APIVersion string
	Dimensions int
	Timeout    time.Duration
}

// NewProvider creates a provider of the configured kind.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case "openai", "":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAIProvider(cfg), nil
	case "ollama":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434/v1"
		}
		if cfg.APIKey == "" {
			cfg.APIKey = "ollama"
		}
		return NewOpenAIProvider(cfg), nil
	case "azure":
		if cfg.BaseURL == "" || cfg.APIKey == "" {
			return nil, fmt.Errorf("azure provider requires base_url and an API key")
		}
		return NewAzureProvider(cfg), nil
	case "mock":
		return NewMockProvider(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Kind)
	}
}

// TransientError marks a provider failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether err is worth retrying: network failures, timeouts,
// HTTP 429 and 5xx, and errors wrapped in TransientError.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
