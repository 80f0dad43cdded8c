// Package llm provides the generation-model client used for entity
// extraction and query rewriting. The backend is Ollama's /api/generate
// endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	qerrors "github.com/quiverdocs/quiver/internal/errors"
)

// DefaultHost is the default Ollama API endpoint.
const DefaultHost = "http://localhost:11434"

// GenerateOptions tune a single generation call.
type GenerateOptions struct {
	// Temperature controls sampling randomness.
	Temperature float64
	// MaxTokens caps the response length (0 = backend default).
	MaxTokens int
	// JSON requests structured JSON output from the backend.
	JSON bool
}

// GenerateResponse carries the model's primary output and, when the
// backend separates it, the reasoning trace. Some models leave the
// response empty and put their answer in the reasoning field.
type GenerateResponse struct {
	Response  string
	Reasoning string
}

// Client generates text with a named model.
type Client interface {
	// Generate produces a completion for the prompt with the given model.
	Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (*GenerateResponse, error)
}

// OllamaClient implements Client over Ollama's HTTP API.
type OllamaClient struct {
	host   string
	client *http.Client
}

// Verify interface implementation at compile time.
var _ Client = (*OllamaClient)(nil)

// NewOllamaClient creates a generation client for the given host.
// An empty host uses the default endpoint.
func NewOllamaClient(host string, timeout time.Duration) *OllamaClient {
	if host == "" {
		host = DefaultHost
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		host:   host,
		client: &http.Client{Timeout: timeout},
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Thinking string `json:"thinking"`
	Done     bool   `json:"done"`
}

// Generate produces a completion for the prompt.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (*GenerateResponse, error) {
	reqBody := ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": opts.Temperature,
		},
	}
	if opts.MaxTokens > 0 {
		reqBody.Options["num_predict"] = opts.MaxTokens
	}
	if opts.JSON {
		reqBody.Format = "json"
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeGenerateService, "generation request failed", err).
			WithDetail("model", model)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, qerrors.New(qerrors.ErrCodeGenerateService,
			fmt.Sprintf("generation failed with status %d: %s", resp.StatusCode, string(respBody)), nil).
			WithDetail("model", model)
	}

	var apiResp ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeGenerateService, "failed to decode generation response", err)
	}

	return &GenerateResponse{
		Response:  apiResp.Response,
		Reasoning: apiResp.Thinking,
	}, nil
}
