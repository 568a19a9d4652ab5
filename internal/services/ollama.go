package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// Ollama generates conversation titles using a local Ollama model.
type Ollama struct {
	host   string
	model  string
	prompt string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL, model name, and
// title prompt. The host parameter should be a valid URL pointing to an Ollama server.
// If the provided host URL is invalid, the function will panic.
func NewOllama(host, model, prompt string) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:   host,
		model:  model,
		prompt: prompt,
		client: api.NewClient(u, &http.Client{}),
	}
}

// GenerateTitle generates a short title for a conversation from its first message. It
// sends a single non-streamed request and returns the response content as the title.
// The context can be used to cancel ongoing requests.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    "system",
				Content: o.prompt,
			},
			{
				Role:    "user",
				Content: message,
			},
		},
		Stream: &f,
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return title, nil
}
