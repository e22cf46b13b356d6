package events

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultSubscriberBuffer = 32

// Hub fans events out to the subscribers of each conversation. A subscriber
// that cannot keep up loses events rather than blocking the turn.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

var _ Publisher = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}, 16),
		buffer: defaultSubscriberBuffer,
	}
}

// Subscribe registers a listener for conversationID. The returned cancel func
// unregisters it and closes the channel.
func (h *Hub) Subscribe(conversationID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}
	id := strings.TrimSpace(conversationID)

	h.mu.Lock()
	set, ok := h.subs[id]
	if !ok {
		set = make(map[*subscriber]struct{}, 2)
		h.subs[id] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[id]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, id)
			}
		}
		h.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
	return sub.ch, cancel
}

func (h *Hub) Publish(ctx context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[ev.ConversationID] {
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("conversation_id", ev.ConversationID).
				Str("event", string(ev.Type)).
				Msg("live subscriber is full, dropping event")
		}
	}
	return nil
}

// Subscribers reports how many listeners a conversation has.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}
