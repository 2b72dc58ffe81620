package llm

import (
	"context"
	"fmt"
	"net/http"

	"launchpad/agent/internal/payment"
)

// x402Client calls a chat-completions endpoint that charges per request
// with the same payment handshake as the trading platform.
type x402Client struct {
	req             *payment.Requester
	path            string
	model           string
	temperature     float64
	maxOutputTokens int
}

func (c *x402Client) Provider() string {
	return "x402"
}

func (c *x402Client) Model() string {
	return c.model
}

func (c *x402Client) Generate(ctx context.Context, prompt Prompt) (string, error) {
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

	var raw []byte
	if err := c.req.RequestWithPayment(ctx, http.MethodPost, c.path, payload, &raw); err != nil {
		return "", err
	}
	return ExtractText(raw)
}
