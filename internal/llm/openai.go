package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

type openAIClient struct {
	http            *resty.Client
	model           string
	temperature     float64
	maxOutputTokens int
}

func (c *openAIClient) Provider() string {
	return "openai"
}

func (c *openAIClient) Model() string {
	return c.model
}

func (c *openAIClient) Generate(ctx context.Context, prompt Prompt) (string, error) {
	messages := chatMessages(prompt)
	if len(messages) == 0 {
		return "", fmt.Errorf("empty prompt")
	}
	payload := map[string]any{
		"model":    c.model,
		"messages": messages,
	}
	if c.temperature > 0 {
		payload["temperature"] = c.temperature
	}
	if c.maxOutputTokens > 0 {
		payload["max_tokens"] = c.maxOutputTokens
	}

	resp, err := c.http.R().SetContext(ctx).SetBody(payload).Post("/chat/completions")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() >= 300 {
		return "", &StatusError{Provider: "openai", Status: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	return ExtractText(resp.Body())
}
