package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"launchpad/agent/internal/retry"
)

func TestExtractTextShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"chat completions", `{"choices":[{"message":{"role":"assistant","content":"{\"action\":\"wait\"}"}}]}`, `{"action":"wait"}`},
		{"content string", `{"content":"hello"}`, "hello"},
		{"content parts", `{"content":[{"type":"text","text":"hi "},{"type":"text","text":"there"}]}`, "hi there"},
		{"message content", `{"message":{"role":"assistant","content":"from ollama"}}`, "from ollama"},
		{"response", `{"response":"generated"}`, "generated"},
		{"text", `{"text":"plain"}`, "plain"},
		{"responses api", `{"output":[{"type":"message","content":[{"type":"output_text","text":"out"}]}]}`, "out"},
		{"raw string", `just some words`, "just some words"},
		{"json string", `"quoted"`, "quoted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractText([]byte(tt.body))
			if err != nil {
				t.Fatalf("ExtractText: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractTextEmpty(t *testing.T) {
	if _, err := ExtractText([]byte(`{}`)); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if _, err := ExtractText([]byte(`{"error":{"message":"overloaded"}}`)); err == nil {
		t.Fatalf("expected model error")
	}
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }}
}

func TestOpenAIChatCompletions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		var body struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "gpt-test" || len(body.Messages) != 2 {
			t.Errorf("body = %+v", body)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	client, err := New(Config{Provider: "openai", Model: "gpt-test", APIKey: "sk-test", BaseURL: srv.URL, Retry: fastRetry()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := client.Generate(context.Background(), Prompt{System: "sys", User: "usr"})
	if err != nil || got != "ok" {
		t.Fatalf("Generate = %q, %v", got, err)
	}
	if client.Provider() != "openai" || client.Model() != "gpt-test" {
		t.Fatalf("provider/model = %s/%s", client.Provider(), client.Model())
	}
}

func TestStatusErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad model"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client, _ := New(Config{Provider: "ollama", Model: "m", BaseURL: srv.URL, Retry: fastRetry()})
	_, err := client.Generate(context.Background(), Prompt{User: "hi"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadRequest {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNetworkFailureIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, _ := New(Config{Provider: "ollama", Model: "m", BaseURL: url, Retry: fastRetry()})
	r := client.(*retrying)
	var calls int
	r.Client = &countingClient{Client: r.Client, calls: &calls}
	if _, err := client.Generate(context.Background(), Prompt{User: "hi"}); err == nil {
		t.Fatalf("expected connection error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

type countingClient struct {
	Client
	calls *int
}

func (c *countingClient) Generate(ctx context.Context, p Prompt) (string, error) {
	*c.calls++
	return c.Client.Generate(ctx, p)
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	for _, cfg := range []Config{
		{},
		{Provider: "openai", Model: "x"},
		{Provider: "x402", BaseURL: "http://localhost", Model: "x"},
		{Provider: "bogus"},
	} {
		if _, err := New(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}
