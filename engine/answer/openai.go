package answer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	openai "github.com/sashabaranov/go-openai"
)

// chatAPI is the one go-openai call the generator needs.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIGenerator answers via the OpenAI chat completions API.
type OpenAIGenerator struct {
	client      chatAPI
	model       string
	temperature float32
}

// NewOpenAIGenerator builds a generator for the given model. Empty model
// defaults to GPT-4o mini, which is cheap enough to run per question.
func NewOpenAIGenerator(client *openai.Client, model string) *OpenAIGenerator {
	return newOpenAIGenerator(client, model)
}

func newOpenAIGenerator(client chatAPI, model string) *OpenAIGenerator {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIGenerator{client: client, model: model, temperature: 0.1}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, system, user string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", domain.NewProviderError("openai", "chat_completion", chatTransient(err), err)
	}
	if len(resp.Choices) == 0 {
		return "", domain.NewProviderError("openai", "chat_completion", false,
			fmt.Errorf("response contained no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

func chatTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
