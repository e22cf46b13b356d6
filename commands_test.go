package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	orchestratoragent "github.com/tanpawarit/Chative-Order-Orchestrator/agent/agents/orchestrator"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/app"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

func newChatApp(t *testing.T) *app.App {
	t.Helper()

	a, err := app.New(context.Background(), &app.Config{
		Store:        app.StoreConfig{Backend: app.BackendMemory},
		Orchestrator: orchestratoragent.Config{HandoffConfidence: 0.6, MaxHops: 2},
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if _, err := a.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	return a
}

func TestChatLoopRoutesAndEnds(t *testing.T) {
	t.Parallel()

	a := newChatApp(t)
	ctx := context.Background()
	in := strings.NewReader("I want 2 margherita pizzas\n\n/end\n")
	var out bytes.Buffer

	if err := chatLoop(ctx, a, "term-1", in, &out); err != nil {
		t.Fatalf("chatLoop() error = %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "[router -> order]") || !strings.Contains(got, "order: ") {
		t.Fatalf("unexpected transcript:\n%s", got)
	}

	_, err := a.Orchestrator.Handle(ctx, "term-1", "hello again")
	if !errors.Is(err, contractx.ErrConversationEnded) {
		t.Fatalf("Handle() after /end error = %v, want conversation ended", err)
	}
}

func TestChatLoopQuitKeepsConversation(t *testing.T) {
	t.Parallel()

	a := newChatApp(t)
	var out bytes.Buffer
	if err := chatLoop(context.Background(), a, "term-2", strings.NewReader("/quit\n"), &out); err != nil {
		t.Fatalf("chatLoop() error = %v", err)
	}
	st, err := a.Orchestrator.Get(context.Background(), "term-2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !st.Active {
		t.Fatal("conversation ended on /quit")
	}
}

func TestUnknownCommandFails(t *testing.T) {
	rootCmd.SetArgs([]string{"bogus"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
