// Package answer turns an assembled context block and a question into a
// grounded natural-language answer with citations.
package answer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/EchoQueryAI/echoquery-mvp/engine/assemble"
	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/fn"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/resilience"
)

// noAnswerToken is what the model is told to emit when the context does not
// contain the answer. Detection is substring-based so a chatty model that
// wraps the token in prose still counts.
const noAnswerToken = "NO_ANSWER"

const systemPrompt = `You answer questions about recorded audio using only the transcript excerpts provided.

Rules:
- Use ONLY the excerpts between the BEGIN CONTEXT and END CONTEXT lines. Never use outside knowledge.
- Cite every claim with the marker of the excerpt it came from, written exactly like [c1] or [c3].
- If the excerpts do not contain the answer, reply with exactly ` + noAnswerToken + ` and nothing else.
- Be concise. Do not restate the question.`

// Generator produces raw model text for a prompt pair. Implementations wrap
// a specific chat backend.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// Client runs generation behind a circuit breaker and maps raw model output
// into a domain.Answer.
type Client struct {
	gen     Generator
	breaker *resilience.Breaker
	retry   fn.RetryOpts
	now     func() time.Time
}

// Options configures a Client. Zero values get sane defaults.
type Options struct {
	Breaker *resilience.Breaker
	Retry   fn.RetryOpts
}

func NewClient(gen Generator, opts Options) *Client {
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewBreaker(resilience.BreakerOpts{})
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry.MaxAttempts = 3
	}
	opts.Retry.RetryIf = domain.IsTransient
	return &Client{gen: gen, breaker: opts.Breaker, retry: opts.Retry, now: time.Now}
}

// Answer asks the backend to answer question from asm's context. An empty
// context short-circuits to the designed no-content answer without calling
// the backend at all.
func (c *Client) Answer(ctx context.Context, question string, asm assemble.Assembly) (domain.Answer, error) {
	if err := domain.ValidateQuestion(question); err != nil {
		return domain.Answer{}, err
	}
	if asm.Context == "" {
		return c.noContext(), nil
	}

	user := fmt.Sprintf("BEGIN CONTEXT\n%s\nEND CONTEXT\n\nQuestion: %s", asm.Context, question)

	res := fn.Retry(ctx, c.retry, func(ctx context.Context) fn.Result[string] {
		return resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[string] {
			return fn.FromPair(c.gen.Generate(ctx, systemPrompt, user))
		})
	})
	raw, err := res.Unwrap()
	if err != nil {
		return domain.Answer{}, fmt.Errorf("answer: generate: %w", err)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, noAnswerToken) {
		return c.noContext(), nil
	}

	return domain.Answer{
		Text:          raw,
		CitedChunkIDs: citedChunkIDs(raw, asm.Citations),
		GeneratedAt:   c.now().UTC(),
	}, nil
}

func (c *Client) noContext() domain.Answer {
	return domain.Answer{
		Text:        "I couldn't find anything in the recordings that answers that.",
		NoContext:   true,
		GeneratedAt: c.now().UTC(),
	}
}

var markerRe = regexp.MustCompile(`\[(c\d+)\]`)

// ParseMarkers extracts citation markers from model output, unique, in
// order of first appearance.
func ParseMarkers(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range markerRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// citedChunkIDs resolves markers in the model output against the citation
// table. Markers the model invented are dropped.
func citedChunkIDs(text string, citations []assemble.Citation) []string {
	byMarker := make(map[string]string, len(citations))
	for _, c := range citations {
		byMarker[c.Marker] = c.ChunkID
	}
	var ids []string
	for _, marker := range ParseMarkers(text) {
		if id, ok := byMarker[marker]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
