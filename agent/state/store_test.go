package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
)

func newTestStore(t *testing.T) *KVStore {
	t.Helper()
	store, err := NewKVStore(kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("NewKVStore() error = %v", err)
	}
	return store
}

func TestKVStoreCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, created, err := store.Create(ctx, NewConversation("c-1", "cust-1", "router", now))
	if err != nil || !created {
		t.Fatalf("Create() = %v, %v", created, err)
	}
	first.AppendMessage(Message{Role: RoleCustomer, Text: "hi", Timestamp: now})
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	again, created, err := store.Create(ctx, NewConversation("c-1", "other", "router", now))
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if created {
		t.Fatal("second Create() reported created=true")
	}
	if again.CustomerID != "cust-1" || len(again.Messages) != 1 {
		t.Fatalf("second Create() returned %+v, want the stored conversation", again)
	}
}

func TestKVStoreSaveRejectsStaleWriter(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := store.Create(ctx, NewConversation("c-2", "", "router", now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	a, _ := store.Load(ctx, "c-2")
	b, _ := store.Load(ctx, "c-2")

	a.AppendMessage(Message{Role: RoleCustomer, Text: "first", Timestamp: now})
	if err := store.Save(ctx, a); err != nil {
		t.Fatalf("Save(a) error = %v", err)
	}
	b.AppendMessage(Message{Role: RoleCustomer, Text: "second", Timestamp: now})
	if err := store.Save(ctx, b); !errors.Is(err, ErrStaleState) {
		t.Fatalf("Save(b) error = %v, want ErrStaleState", err)
	}

	got, _ := store.Load(ctx, "c-2")
	if got.Version != 2 || len(got.Messages) != 1 || got.Messages[0].Text != "first" {
		t.Fatalf("stored state = %+v", got)
	}
}

func TestKVStoreLoadMissing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if _, err := store.Load(context.Background(), "nope"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("Load() error = %v, want ErrStateNotFound", err)
	}
	if _, err := store.Load(context.Background(), "  "); !errors.Is(err, ErrInvalidConversation) {
		t.Fatalf("Load() error = %v, want ErrInvalidConversation", err)
	}
}

func TestConversationRecordHandoffMovesControl(t *testing.T) {
	t.Parallel()

	st := NewConversation("c-3", "", "router", time.Now())
	st.ActiveTask = "general"
	err := st.RecordHandoff(HandoffResult{From: "router", To: "order", Reason: "new_order"})
	if err != nil {
		t.Fatalf("RecordHandoff() error = %v", err)
	}
	if st.ActiveWorker != "order" || st.ActiveTask != "" || len(st.Handoffs) != 1 {
		t.Fatalf("state after handoff = %+v", st)
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestConversationMergeContextDeletesNil(t *testing.T) {
	t.Parallel()

	st := NewConversation("c-4", "", "router", time.Now())
	st.MergeContext(map[string]any{"order_id": "o-1", "address": "1 Main"})
	st.MergeContext(map[string]any{"address": nil})

	if st.ContextString("order_id") != "o-1" {
		t.Fatalf("order_id = %q", st.ContextString("order_id"))
	}
	if _, ok := st.Context["address"]; ok {
		t.Fatal("address should be removed")
	}
}

func TestConversationEndKeepsFirstTimestamp(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st := NewConversation("c-5", "", "router", start)
	st.End(start.Add(time.Minute))
	st.End(start.Add(time.Hour))

	if st.Active || st.EndedAt == nil || !st.EndedAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("End() state = %+v", st)
	}
}
