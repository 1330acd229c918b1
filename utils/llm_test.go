package utils

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shopassist/config"
)

func TestLLMCompletePrependsSystemPrompt(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"  phones under 20k  "}}]}`))
	}))
	defer srv.Close()

	c := NewLLMClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "m", Timeout: time.Second}, srv.Client())
	out, err := c.Complete(context.Background(), "be helpful", []ChatMessage{{Role: "user", Content: "phone"}}, 100)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "phones under 20k" {
		t.Fatalf("unexpected content %q", out)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "phone" || got.MaxTokens != 100 {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestLLMCompleteErrors(t *testing.T) {
	c := NewLLMClient(config.LLMConfig{BaseURL: "http://unused"}, nil)
	if _, err := c.Complete(context.Background(), "", nil, 10); !errors.Is(err, ErrLLMNotConfigured) {
		t.Fatalf("expected ErrLLMNotConfigured, got %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	c = NewLLMClient(config.LLMConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	if _, err := c.Complete(context.Background(), "", nil, 10); err == nil {
		t.Fatal("expected error on non-200")
	}
}
