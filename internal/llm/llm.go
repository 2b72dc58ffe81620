package llm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"launchpad/agent/internal/logger"
	"launchpad/agent/internal/payment"
	"launchpad/agent/internal/retry"
)

type Prompt struct {
	System string
	User   string
}

type Client interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
	Provider() string
	Model() string
}

type Config struct {
	Provider        string
	Model           string
	BaseURL         string
	APIKey          string
	Temperature     float64
	MaxOutputTokens int
	TimeoutSeconds  int

	// Signer and Network are used by the x402 provider to pay per call.
	Signer     payment.Signer
	Network    string
	MaxPayment *big.Int
	// Path overrides the x402 chat endpoint path.
	Path string

	// Retry applies to network failures only. Zero value means 3 attempts.
	Retry retry.Policy
}

// StatusError is a non-success HTTP reply from a model endpoint.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error (%d): %s", e.Provider, e.Status, e.Body)
}

func New(cfg Config) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		return nil, errors.New("no llm provider configured")
	}
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	model := strings.TrimSpace(cfg.Model)

	var client Client
	switch provider {
	case "openai":
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("openai selected but no API key provided (OPENAI_API_KEY)")
		}
		if model == "" {
			return nil, errors.New("openai selected but no model configured")
		}
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		client = &openAIClient{
			http:            newHTTP(baseURL, timeout).SetAuthToken(apiKey),
			model:           model,
			temperature:     cfg.Temperature,
			maxOutputTokens: cfg.MaxOutputTokens,
		}
	case "ollama":
		if model == "" {
			model = "llama3.2"
		}
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		client = &ollamaClient{
			http:            newHTTP(baseURL, timeout),
			model:           model,
			temperature:     cfg.Temperature,
			maxOutputTokens: cfg.MaxOutputTokens,
		}
	case "x402":
		if baseURL == "" {
			return nil, errors.New("x402 selected but no base url configured")
		}
		if cfg.Signer == nil {
			return nil, errors.New("x402 selected but no payment signer available")
		}
		if model == "" {
			return nil, errors.New("x402 selected but no model configured")
		}
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			path = "/v1/chat/completions"
		}
		headers := map[string]string{}
		if key := strings.TrimSpace(cfg.APIKey); key != "" {
			headers["Authorization"] = "Bearer " + key
		}
		client = &x402Client{
			req: payment.NewRequester(payment.Options{
				BaseURL:    baseURL,
				Timeout:    time.Duration(timeout) * time.Second,
				Headers:    headers,
				Signer:     cfg.Signer,
				Network:    cfg.Network,
				MaxPayment: cfg.MaxPayment,
			}),
			path:            path,
			model:           model,
			temperature:     cfg.Temperature,
			maxOutputTokens: cfg.MaxOutputTokens,
		}
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", provider)
	}

	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	policy.Retryable = IsNetworkFailure
	return &retrying{Client: client, policy: policy}, nil
}

func newHTTP(baseURL string, timeoutSeconds int) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(time.Duration(timeoutSeconds)*time.Second).
		SetHeader("Content-Type", "application/json")
}

// IsNetworkFailure reports transport-level failures. Replies from the model
// service, including rate limits and payment failures, are not retried here.
func IsNetworkFailure(err error) bool {
	var statusErr *StatusError
	var apiErr *payment.APIError
	var verifyErr *payment.VerificationError
	var rlErr *payment.RateLimitError
	switch {
	case errors.As(err, &statusErr), errors.As(err, &apiErr),
		errors.As(err, &verifyErr), errors.As(err, &rlErr):
		return false
	}
	return retry.IsTransient(err)
}

type retrying struct {
	Client
	policy retry.Policy
}

func (r *retrying) Generate(ctx context.Context, prompt Prompt) (string, error) {
	attempt := 0
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) (string, error) {
		attempt++
		text, err := r.Client.Generate(ctx, prompt)
		if err != nil && attempt < r.policy.MaxAttempts && IsNetworkFailure(err) {
			logger.Warnf("[llm] %s/%s attempt %d failed: %v", r.Provider(), r.Model(), attempt, err)
		}
		return text, err
	})
}

func chatMessages(prompt Prompt) []map[string]string {
	messages := []map[string]string{}
	if strings.TrimSpace(prompt.System) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": prompt.System})
	}
	if strings.TrimSpace(prompt.User) != "" {
		messages = append(messages, map[string]string{"role": "user", "content": prompt.User})
	}
	return messages
}
