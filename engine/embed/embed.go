// Package embed turns text into fixed-length vectors. The Client wraps any
// Provider with transparent batching, bounded retry of transient failures,
// rate limiting, and L2 normalization so cosine similarity downstream
// reduces to a dot product.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/fn"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/resilience"
)

// Provider is a raw embedding backend. One vector per input text, same
// order. Implementations classify their failures via domain.ProviderError.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the vector dimensionality the provider produces,
	// or 0 if unknown ahead of the first call.
	Dimensions() int
}

// Options tunes the Client.
type Options struct {
	// BatchSize is the provider's per-request text limit.
	BatchSize int
	// Workers bounds concurrent batch requests.
	Workers int
	// Retry governs backoff for transient provider failures.
	Retry fn.RetryOpts
	// RatePerSec throttles provider calls; 0 disables throttling.
	RatePerSec float64
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize: 100,
		Workers:   4,
		Retry: fn.RetryOpts{
			MaxAttempts: 4,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     15 * time.Second,
			Jitter:      true,
		},
	}
}

// Client is the embedding adapter used by ingestion and query pipelines.
type Client struct {
	provider Provider
	opts     Options
	limiter  *resilience.Limiter
	logger   *slog.Logger
}

// NewClient wraps a provider.
func NewClient(provider Provider, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultOptions().Retry
	}
	opts.Retry.RetryIf = domain.IsTransient

	c := &Client{provider: provider, opts: opts, logger: logger}
	if opts.RatePerSec > 0 {
		c.limiter = resilience.NewLimiter(resilience.LimiterOpts{
			Rate:  opts.RatePerSec,
			Burst: opts.Workers,
		})
	}
	return c
}

// Dimensions reports the provider's vector dimensionality.
func (c *Client) Dimensions() int { return c.provider.Dimensions() }

// Embed returns one normalized vector per input text, in input order.
// Oversized requests are split into provider-sized batches; transient
// provider failures are retried with exponential backoff, everything else
// surfaces immediately.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batches := fn.Chunk(texts, c.opts.BatchSize)
	results := fn.ParMapResult(batches, c.opts.Workers, func(batch []string) fn.Result[[][]float32] {
		return fn.Retry(ctx, c.opts.Retry, func(ctx context.Context) fn.Result[[][]float32] {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return fn.Err[[][]float32](err)
				}
			}
			return fn.FromPair(c.provider.Embed(ctx, batch))
		})
	})

	collected, err := fn.Collect(results).Unwrap()
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	out := make([][]float32, 0, len(texts))
	for i, vecs := range collected {
		if len(vecs) != len(batches[i]) {
			return nil, domain.NewProviderError("embed", "batch", false,
				fmt.Errorf("got %d vectors for %d texts", len(vecs), len(batches[i])))
		}
		out = append(out, vecs...)
	}

	dims := c.provider.Dimensions()
	for i, v := range out {
		if dims > 0 && len(v) != dims {
			return nil, domain.NewProviderError("embed", "batch", false,
				fmt.Errorf("vector %d has %d dimensions, want %d", i, len(v), dims))
		}
		Normalize(v)
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedChunks fills in the Embedding field of each chunk, preserving order.
func (c *Client) EmbedChunks(ctx context.Context, chunks []domain.Chunk) ([]domain.Chunk, error) {
	texts := fn.Map(chunks, func(ch domain.Chunk) string { return ch.Text })
	vecs, err := c.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Chunk, len(chunks))
	for i, ch := range chunks {
		ch.Embedding = vecs[i]
		out[i] = ch
	}
	return out, nil
}

// Normalize scales v to unit L2 norm in place. Zero vectors are left as-is.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}
