package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
)

func TestHubDeliversOnlyToConversationSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	a, cancelA := hub.Subscribe("conv-a")
	defer cancelA()
	b, cancelB := hub.Subscribe("conv-b")
	defer cancelB()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := hub.Publish(context.Background(), Typing("conv-a", "order", now)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case ev := <-a:
		if ev.Type != TypeTyping || ev.WorkerID != "order" {
			t.Fatalf("event = %+v, want typing from order", ev)
		}
	default:
		t.Fatalf("conv-a subscriber got no event")
	}
	select {
	case ev := <-b:
		t.Fatalf("conv-b subscriber got %+v, want nothing", ev)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	ch, cancel := hub.Subscribe("conv-1")
	if got := hub.Subscribers("conv-1"); got != 1 {
		t.Fatalf("Subscribers() = %d, want 1", got)
	}
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after cancel")
	}
	if got := hub.Subscribers("conv-1"); got != 0 {
		t.Fatalf("Subscribers() = %d, want 0", got)
	}
	if err := hub.Publish(context.Background(), Event{Type: TypeMessage, ConversationID: "conv-1"}); err != nil {
		t.Fatalf("Publish() after cancel error = %v", err)
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	hub.buffer = 1
	ch, cancel := hub.Subscribe("conv-1")
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := hub.Publish(context.Background(), Event{Type: TypeMessage, ConversationID: "conv-1"}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestFanoutJoinsErrors(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	ch, cancel := hub.Subscribe("conv-1")
	defer cancel()

	boom := errors.New("broker down")
	err := Fanout{failingPublisher{err: boom}, nil, hub}.Publish(context.Background(), Event{Type: TypeMessage, ConversationID: "conv-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("Publish() error = %v, want %v", err, boom)
	}
	if len(ch) != 1 {
		t.Fatalf("hub did not receive the event after a failing publisher")
	}
}

func TestHandoffEventCarriesSourceTargetReason(t *testing.T) {
	t.Parallel()

	h := statex.HandoffResult{From: "router", To: "order", Reason: "intent place_order", Timestamp: time.Now()}
	ev := Handoff("conv-1", h)

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["type"] != "handoff" || decoded["agent_id"] != "order" {
		t.Fatalf("payload = %s", raw)
	}
	handoff, _ := decoded["handoff"].(map[string]any)
	if handoff["from"] != "router" || handoff["to"] != "order" || handoff["reason"] != "intent place_order" {
		t.Fatalf("handoff payload = %v", handoff)
	}
}

func TestEncodeEventForBroker(t *testing.T) {
	t.Parallel()

	msg, err := encodeEvent(Failure("conv-9", "support", "fatal", "worker unavailable", time.Now()))
	if err != nil {
		t.Fatalf("encodeEvent() error = %v", err)
	}
	if msg.Type != "error" || msg.ContentType != "application/json" {
		t.Fatalf("publishing = %+v", msg)
	}
	if msg.Headers["conversation_id"] != "conv-9" {
		t.Fatalf("headers = %v", msg.Headers)
	}
	var ev Event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if ev.ErrorKind != "fatal" {
		t.Fatalf("error kind = %q, want fatal", ev.ErrorKind)
	}
}

func TestDialAMQPRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := DialAMQP(AMQPConfig{Exchange: "x"}); err == nil {
		t.Fatalf("DialAMQP() error = nil, want error for empty url")
	}
}
