package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

type ollamaClient struct {
	http            *resty.Client
	model           string
	temperature     float64
	maxOutputTokens int
}

func (c *ollamaClient) Provider() string {
	return "ollama"
}

func (c *ollamaClient) Model() string {
	return c.model
}

func (c *ollamaClient) Generate(ctx context.Context, prompt Prompt) (string, error) {
	messages := chatMessages(prompt)
	if len(messages) == 0 {
		return "", fmt.Errorf("empty prompt")
	}

	payload := map[string]any{
		"model":    c.model,
		"messages": messages,
		"stream":   false,
	}
	options := map[string]any{}
	if c.temperature > 0 {
		options["temperature"] = c.temperature
	}
	if c.maxOutputTokens > 0 {
		options["num_predict"] = c.maxOutputTokens
	}
	if len(options) > 0 {
		payload["options"] = options
	}

	resp, err := c.http.R().SetContext(ctx).SetBody(payload).Post("/api/chat")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() >= 300 {
		return "", &StatusError{Provider: "ollama", Status: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	return ExtractText(resp.Body())
}
