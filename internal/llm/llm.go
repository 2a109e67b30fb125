// Package llm talks to chat-completion backends.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
)

// Provider is the interface for LLM providers.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	Name() string
}

// StatusError is a non-200 reply from a provider.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.Status, e.Body)
}

// New picks a provider from configuration. An Ollama provider whose server is
// unreachable falls back to OpenAI when an API key is available. It returns
// nil when nothing is usable.
func New(ctx context.Context, cfg config.LLM, logger *slog.Logger) Provider {
	if strings.EqualFold(cfg.Provider, "ollama") {
		p := NewOllamaProvider(cfg.Model, cfg.OllamaURL)
		err := p.Ping(ctx)
		if err == nil {
			logger.Info("using ollama", "model", cfg.Model)
			return p
		}
		logger.Warn("ollama not available, trying OpenAI fallback", "error", err)
	}

	if key := os.Getenv(cfg.APIKeyEnv); key != "" {
		logger.Info("using openai", "model", cfg.OpenAIModel)
		return NewOpenAIProvider(cfg.OpenAIModel, key)
	}

	logger.Warn("no LLM provider available; translation and analysis are disabled",
		"hint", "start Ollama or set "+cfg.APIKeyEnv)
	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 180 * time.Second}
}

// postJSON sends body as JSON and decodes a 200 reply into out.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s API error: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Provider: provider, Status: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
