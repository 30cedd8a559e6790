package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"ai-speech-sentence-service/internal/observability/metrics"
)

func TestOpenAIBackend_FallbackOverHTTP(t *testing.T) {
	var (
		mu     sync.Mutex
		models []string
		bodies []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		model, _ := body["model"].(string)
		mu.Lock()
		models = append(models, model)
		bodies = append(bodies, body)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if model == "llama-3.3-70b-versatile" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limit reached","type":"rate_limit_exceeded"}}`))
			return
		}
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "` + model + `",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "Xin chào các bạn."},
				"finish_reason": "stop"
			}]
		}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig(ProviderGroq)
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL + "/"
	c, err := New(context.Background(), cfg, WithMetrics(metrics.NewMetrics(prometheus.NewRegistry())))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := c.Refine(context.Background(), "xin chao cac ban", "vi-VN")
	if got != "Xin chào các bạn." {
		t.Errorf("expected refined text, got %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(models) != 2 || models[1] != "llama-3.1-8b-instant" {
		t.Fatalf("expected fallback to second groq model, got %v", models)
	}
	if temp, _ := bodies[1]["temperature"].(float64); temp != 0.3 {
		t.Errorf("expected temperature 0.3, got %v", bodies[1]["temperature"])
	}
	if mt, _ := bodies[1]["max_tokens"].(float64); mt != 500 {
		t.Errorf("expected max_tokens 500, got %v", bodies[1]["max_tokens"])
	}
}

func TestOpenAIBackend_ServerErrorIsNotRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer srv.Close()

	b := newOpenAIBackend(Config{APIKey: "k", BaseURL: srv.URL + "/", Temperature: 0.3, MaxTokens: 500})
	_, err := b.complete(context.Background(), "gpt-4o-mini", "system", "prompt")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrRateLimited) {
		t.Errorf("400 must not be treated as a rate limit: %v", err)
	}
}

func TestGeminiBackend_GenerateContent(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "gemini-2.5-flash") {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hôm nay "},{"text":"trời đẹp."}]}}]}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig(ProviderGemini)
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL
	c, err := New(context.Background(), cfg, WithMetrics(metrics.NewMetrics(prometheus.NewRegistry())))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := c.Refine(context.Background(), "hom nay troi dep", "vi-VN")
	if got != "Hôm nay trời đẹp." {
		t.Errorf("expected joined parts, got %q", got)
	}
	if c.CurrentModel() != "gemini-2.0-flash" {
		t.Errorf("expected fallback to gemini-2.0-flash, got %s", c.CurrentModel())
	}

	mu.Lock()
	defer mu.Unlock()
	last := paths[len(paths)-1]
	if !strings.Contains(last, "gemini-2.0-flash:generateContent") {
		t.Errorf("unexpected request path %s", last)
	}
}
