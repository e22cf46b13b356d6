package openrouter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProbePing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"openai/gpt-4o-mini","object":"model","created":1,"owned_by":"openai"}]}`))
	}))
	defer srv.Close()

	ok := NewProbe(Config{BaseURL: srv.URL, APIKey: "k", Model: "openai/gpt-4o-mini"})
	if err := ok.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	missing := NewProbe(Config{BaseURL: srv.URL, APIKey: "k", Model: "x-ai/grok-4.1-fast"})
	if err := missing.Ping(context.Background()); err == nil {
		t.Fatal("Ping() error = nil, want missing model error")
	}
}

func TestProbeWithoutKey(t *testing.T) {
	t.Parallel()

	if err := NewProbe(Config{Model: "m"}).Ping(context.Background()); err == nil {
		t.Fatal("Ping() error = nil, want unconfigured error")
	}
}
