package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConversationState is the persisted source of truth for one conversation.
// Messages and Handoffs are append-only.
type ConversationState struct {
	ConversationID string `json:"conversation_id"`
	CustomerID     string `json:"customer_id"`

	ActiveWorker string `json:"active_worker"`
	// ActiveTask names the multi-turn task the active worker is in the
	// middle of. Empty means the worker holds no task.
	ActiveTask string `json:"active_task,omitempty"`
	// Relinquished is set when the active worker finished its last turn and
	// gave up control, so any differing intent may move the conversation.
	Relinquished bool `json:"relinquished,omitempty"`

	Messages []Message       `json:"messages"`
	Context  map[string]any  `json:"context"`
	Handoffs []HandoffResult `json:"handoffs,omitempty"`

	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Version increments on every successful save.
	Version int64 `json:"version"`
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
)

type Message struct {
	Role      Role             `json:"role"`
	WorkerID  string           `json:"worker_id,omitempty"`
	Text      string           `json:"text"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

type MessageMetadata struct {
	PromptTokens     int      `json:"prompt_tokens,omitempty"`
	CompletionTokens int      `json:"completion_tokens,omitempty"`
	TotalTokens      int      `json:"total_tokens,omitempty"`
	LatencyMS        int64    `json:"latency_ms,omitempty"`
	Tools            []string `json:"tools,omitempty"`
	Degraded         bool     `json:"degraded,omitempty"`
}

type HandoffResult struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Reason    string         `json:"reason"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

var (
	ErrNilConversation     = errors.New("conversation state is nil")
	ErrInvalidConversation = errors.New("conversation id is empty")
	ErrEmptyWorker         = errors.New("worker id is empty")
)

func NewConversation(conversationID, customerID, initialWorker string, now time.Time) *ConversationState {
	return &ConversationState{
		ConversationID: conversationID,
		CustomerID:     customerID,
		ActiveWorker:   initialWorker,
		Messages:       make([]Message, 0, 8),
		Context:        make(map[string]any, 8),
		Active:         true,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

func (s *ConversationState) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

func (s *ConversationState) AppendMessage(m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	s.Messages = append(s.Messages, m)
	s.Touch(m.Timestamp)
}

// RecordHandoff appends h and moves control to h.To. The receiving worker
// starts without a task.
func (s *ConversationState) RecordHandoff(h HandoffResult) error {
	if strings.TrimSpace(h.To) == "" {
		return ErrEmptyWorker
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	s.Handoffs = append(s.Handoffs, h)
	s.ActiveWorker = h.To
	s.ActiveTask = ""
	s.Relinquished = false
	s.Touch(h.Timestamp)
	return nil
}

// MergeContext applies patch; a nil value removes the key.
func (s *ConversationState) MergeContext(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	if s.Context == nil {
		s.Context = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(s.Context, k)
			continue
		}
		s.Context[k] = v
	}
}

func (s *ConversationState) ContextString(key string) string {
	if s == nil || s.Context == nil {
		return ""
	}
	switch v := s.Context[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ContextInto decodes a structured context value into out.
func (s *ConversationState) ContextInto(key string, out any) bool {
	if s == nil || s.Context == nil {
		return false
	}
	v, ok := s.Context[key]
	if !ok || v == nil {
		return false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// End marks the conversation inactive. Ending twice keeps the first timestamp.
func (s *ConversationState) End(now time.Time) {
	if !s.Active {
		return
	}
	ended := now.UTC()
	s.Active = false
	s.EndedAt = &ended
	s.Touch(now)
}

// Recent returns up to n of the latest messages.
func (s *ConversationState) Recent(n int) []Message {
	if n <= 0 || len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

func (s *ConversationState) LastHandoff() (HandoffResult, bool) {
	if len(s.Handoffs) == 0 {
		return HandoffResult{}, false
	}
	return s.Handoffs[len(s.Handoffs)-1], true
}

// Clone returns a deep copy, so workers can read state without sharing it.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out ConversationState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return &out
}

func (s *ConversationState) Validate() error {
	if s == nil {
		return ErrNilConversation
	}
	if strings.TrimSpace(s.ConversationID) == "" {
		return ErrInvalidConversation
	}
	if strings.TrimSpace(s.ActiveWorker) == "" {
		return ErrEmptyWorker
	}
	for i := 1; i < len(s.Messages); i++ {
		if s.Messages[i].Timestamp.Before(s.Messages[i-1].Timestamp) {
			return fmt.Errorf("message %d is older than its predecessor", i)
		}
	}
	if n := len(s.Handoffs); n > 0 && s.Handoffs[n-1].To != s.ActiveWorker {
		return fmt.Errorf("active worker %s does not match last handoff target %s", s.ActiveWorker, s.Handoffs[n-1].To)
	}
	return nil
}
