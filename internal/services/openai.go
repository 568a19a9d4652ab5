package services

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI generates conversation titles using an OpenAI-compatible chat completion
// endpoint.
type OpenAI struct {
	model  string
	prompt string

	client *goopenai.Client
}

// NewOpenAI creates a new OpenAI instance with the specified API key, model name, and
// title prompt. An empty baseURL targets the official API; set it to use a compatible
// self-hosted endpoint.
func NewOpenAI(apiKey, baseURL, model, prompt string) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:  model,
		prompt: prompt,
		client: goopenai.NewClientWithConfig(cfg),
	}
}

// GenerateTitle generates a short title for a conversation from its first message.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: o.model,
		Messages: []goopenai.ChatCompletionMessage{
			{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: o.prompt,
			},
			{
				Role:    goopenai.ChatMessageRoleUser,
				Content: message,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return resp.Choices[0].Message.Content, nil
}
