package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	orchestratoragent "github.com/tanpawarit/Chative-Order-Orchestrator/agent/agents/orchestrator"
)

func newMemoryApp(t *testing.T) *App {
	t.Helper()

	cfg := &Config{
		Store: StoreConfig{Backend: BackendMemory, ConversationTTL: 30 * time.Minute},
		HTTP:  HTTPConfig{AdminToken: "secret"},

		Orchestrator: orchestratoragent.Config{HandoffConfidence: 0.6, MaxHops: 2},
	}
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("KITCHEN_CAPACITY", "5")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Fatalf("backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Kitchen.Capacity != 5 {
		t.Fatalf("kitchen capacity = %d, want 5", cfg.Kitchen.Capacity)
	}
	if cfg.Orchestrator.MaxHops != 2 || cfg.Dispatch.MaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Orchestrator, cfg.Dispatch)
	}
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "etcd")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoadConfigNeedsCallbackURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("CALLBACK_ENABLED", "true")
	t.Setenv("QSTASH_TOKEN", "tok")
	t.Setenv("QSTASH_CURRENT_SIGNING_KEY", "cur")
	t.Setenv("QSTASH_NEXT_SIGNING_KEY", "next")

	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "CALLBACK_URL") {
		t.Fatalf("LoadConfig() error = %v, want missing CALLBACK_URL", err)
	}
}

func TestAppServesOrderConversation(t *testing.T) {
	t.Parallel()

	a := newMemoryApp(t)
	ctx := context.Background()

	seeded, err := a.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if seeded.Items == 0 || seeded.Drivers == 0 {
		t.Fatalf("Seed() = %+v, want items and drivers", seeded)
	}
	again, err := a.Seed(ctx)
	if err != nil {
		t.Fatalf("second Seed() error = %v", err)
	}
	if again.Items != 0 || again.Drivers != 0 {
		t.Fatalf("second Seed() = %+v, want nothing new", again)
	}

	reply, err := a.Orchestrator.Handle(ctx, "c1", "I want 2 margherita pizzas")
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if reply.WorkerID != "order" {
		t.Fatalf("reply worker = %q, want order", reply.WorkerID)
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/admin/metrics")
	if err != nil {
		t.Fatalf("GET /admin/metrics error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("admin without token status = %d, want 401", resp.StatusCode)
	}
}

func TestAppMCPServerAndBackground(t *testing.T) {
	t.Parallel()

	a := newMemoryApp(t)
	s, err := a.MCPServer("test")
	if err != nil {
		t.Fatalf("MCPServer() error = %v", err)
	}
	if _, ok := s.ListTools()["order_get"]; !ok {
		t.Fatal("order_get is not exposed over MCP")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunBackground(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunBackground() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunBackground() did not stop after cancel")
	}
}
