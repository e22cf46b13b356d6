package events

import (
	"context"
	"errors"
	"time"

	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
)

type Type string

const (
	TypeConnected Type = "connected"
	TypeMessage   Type = "message"
	TypeTyping    Type = "typing"
	TypeHandoff   Type = "handoff"
	TypeError     Type = "error"
)

// Event is one live update for a conversation. Payload fields are set
// according to Type.
type Event struct {
	Type           Type                    `json:"type"`
	ConversationID string                  `json:"conversation_id"`
	WorkerID       string                  `json:"agent_id,omitempty"`
	Text           string                  `json:"text,omitempty"`
	Handoff        *statex.HandoffResult   `json:"handoff,omitempty"`
	Metadata       *statex.MessageMetadata `json:"metadata,omitempty"`
	ErrorKind      string                  `json:"error_kind,omitempty"`
	Timestamp      time.Time               `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout forwards every event to each publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func Typing(conversationID, workerID string, now time.Time) Event {
	return Event{Type: TypeTyping, ConversationID: conversationID, WorkerID: workerID, Text: "typing...", Timestamp: now.UTC()}
}

func Handoff(conversationID string, h statex.HandoffResult) Event {
	return Event{Type: TypeHandoff, ConversationID: conversationID, WorkerID: h.To, Handoff: &h, Timestamp: h.Timestamp.UTC()}
}

func Message(conversationID string, m statex.Message) Event {
	return Event{
		Type:           TypeMessage,
		ConversationID: conversationID,
		WorkerID:       m.WorkerID,
		Text:           m.Text,
		Metadata:       m.Metadata,
		Timestamp:      m.Timestamp.UTC(),
	}
}

func Failure(conversationID, workerID, kind, text string, now time.Time) Event {
	return Event{Type: TypeError, ConversationID: conversationID, WorkerID: workerID, ErrorKind: kind, Text: text, Timestamp: now.UTC()}
}
