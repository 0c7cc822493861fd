// Package ollama provides an Ollama-backed embedding provider for
// deployments that keep vectors local instead of calling OpenAI.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
)

// EmbedClient implements embed.Provider using Ollama's HTTP API.
type EmbedClient struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

// NewEmbedClient creates an Ollama embedding client. dims must match the
// model's output size (768 for nomic-embed-text).
func NewEmbedClient(baseURL, model string, dims int) *EmbedClient {
	return &EmbedClient{
		baseURL: baseURL,
		model:   model,
		dims:    dims,
		client:  &http.Client{},
	}
}

func (c *EmbedClient) Dimensions() int { return c.dims }

type ollamaEmbedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns one vector per input text. Ollama's embeddings endpoint is
// single-prompt, so batches turn into sequential calls.
func (c *EmbedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.embedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d]: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (c *EmbedClient) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(ollamaEmbedReq{Model: c.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewProviderError("ollama", "embeddings", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, domain.NewProviderError("ollama", "embeddings", transient,
			fmt.Errorf("status %d", resp.StatusCode))
	}

	var result ollamaEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.NewProviderError("ollama", "embeddings", false,
			fmt.Errorf("decode: %w", err))
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
