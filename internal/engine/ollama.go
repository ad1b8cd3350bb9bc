package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"resty.dev/v3"
)

// OllamaClient implements ModelClient using a local Ollama server.
type OllamaClient struct {
	model string
	http  *resty.Client
}

// NewOllamaClient creates a client for the Ollama API at baseURL
// (default http://localhost:11434). An empty model means llama3.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3"
	}
	return &OllamaClient{
		model: model,
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(120 * time.Second),
	}
}

// Close releases idle connections.
func (c *OllamaClient) Close() error { return c.http.Close() }

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Complete asks the model for a JSON answer to prompt.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := ollamaRequest{
		Model:   c.model,
		Prompt:  prompt,
		Format:  "json",
		Options: map[string]any{"temperature": 0.3},
	}
	var out ollamaResponse
	err := withRetry(ctx, 2, func() error {
		resp, err := c.http.R().SetContext(ctx).SetBody(req).Post("/api/generate")
		if err != nil {
			return err
		}
		if resp.StatusCode() != http.StatusOK {
			return &apiError{StatusCode: resp.StatusCode(), Body: resp.String()}
		}
		return json.Unmarshal(resp.Bytes(), &out)
	})
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Response, nil
}
