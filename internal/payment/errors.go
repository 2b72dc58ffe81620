package payment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// VerificationError is returned when the server still demands payment after
// a signed retry. The usual cause is an empty USDC balance.
type VerificationError struct {
	Path    string
	Amount  string
	Asset   string
	Message string
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("payment verification failed for %s after signed retry (likely insufficient USDC balance to pay %s of %s)", e.Path, e.Amount, e.Asset)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// RateLimitError is returned once rate-limit retries are exhausted.
type RateLimitError struct {
	Path       string
	Attempts   int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s after %d attempts (retry after %s)", e.Path, e.Attempts, e.RetryAfter)
}

// APIError carries a non-success platform response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// parseAPIError accepts {"error":"..."}, {"message":"...","code":"..."} and
// {"error":{"message":"...","code":"..."}} bodies, falling back to raw text.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var flat struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(body, &flat); err == nil {
		apiErr.Message = strings.TrimSpace(flat.Message)
		apiErr.Code = rawString(flat.Code)
		if len(flat.Error) > 0 {
			var nested struct {
				Message string          `json:"message"`
				Code    json.RawMessage `json:"code"`
			}
			if s := rawString(flat.Error); s != "" {
				if apiErr.Message == "" {
					apiErr.Message = s
				}
			} else if json.Unmarshal(flat.Error, &nested) == nil {
				if apiErr.Message == "" {
					apiErr.Message = strings.TrimSpace(nested.Message)
				}
				if apiErr.Code == "" {
					apiErr.Code = rawString(nested.Code)
				}
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = truncate(strings.TrimSpace(string(body)), 300)
	}
	return apiErr
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
