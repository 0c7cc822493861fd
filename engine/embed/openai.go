package embed

import (
	"context"
	"errors"
	"net"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider produces embeddings via the OpenAI embeddings API.
type OpenAIProvider struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
}

// OpenAIConfig configures the OpenAI embedding provider. Injected at
// construction; no ambient globals.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Dimensions of the chosen model; 1536 when zero.
	Dimensions int
}

// NewOpenAIProvider creates an embedding provider backed by OpenAI.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	model := openai.EmbeddingModel(cfg.Model)
	if cfg.Model == "" {
		model = openai.SmallEmbedding3
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(conf),
		model:  model,
		dims:   dims,
	}
}

// Dimensions implements Provider.
func (p *OpenAIProvider) Dimensions() int { return p.dims }

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: p.model,
		Input: texts,
	})
	if err != nil {
		return nil, domain.NewProviderError("openai", "embeddings", openaiTransient(err), err)
	}
	if len(resp.Data) != len(texts) {
		return nil, domain.NewProviderError("openai", "embeddings", false,
			errors.New("response count does not match input count"))
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// openaiTransient classifies an OpenAI SDK error as retryable. Timeouts,
// rate limits, and 5xx responses are transient; auth and bad-request
// failures are not.
func openaiTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
