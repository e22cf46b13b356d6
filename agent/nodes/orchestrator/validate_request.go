package orchestratornode

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/trace"
)

const maxMessageLength = 4000

var (
	ErrInvalidMessage      = fmt.Errorf("%w: message is empty", contractx.ErrValidation)
	ErrMessageTooLong      = fmt.Errorf("%w: message is too long", contractx.ErrValidation)
	ErrInvalidConversation = fmt.Errorf("%w: conversation id is empty", contractx.ErrValidation)
)

type GraphInput struct {
	ConversationID string
	Text           string
}

// GraphOutput is the reply of one turn.
type GraphOutput struct {
	WorkerID contractx.WorkerID     `json:"agent_id"`
	Text     string                 `json:"text"`
	Handoff  *statex.HandoffResult  `json:"handoff,omitempty"`
	Handoffs []statex.HandoffResult `json:"handoffs,omitempty"`
	Metadata statex.MessageMetadata `json:"metadata"`
}

// Outcome is one worker run inside a turn.
type Outcome struct {
	WorkerID contractx.WorkerID
	Result   contractx.TurnResult
	Err      error
	Latency  time.Duration
	// Fallback marks the router's static reply after classification failed.
	Fallback bool
	applied  bool
}

type GraphState struct {
	ConversationID string
	Text           string
	Now            time.Time

	Conversation *statex.ConversationState
	Intent       *contractx.Intent
	ClassifyErr  error

	// Handoffs recorded during this turn, in order.
	Handoffs []statex.HandoffResult
	Outcomes []Outcome
	Replies  []statex.Message

	Events []events.Event
	Traces []trace.Record
}

func ValidateRequest(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	conversationID := strings.TrimSpace(in.ConversationID)
	if conversationID == "" {
		return nil, ErrInvalidConversation
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrInvalidMessage
	}
	if len(text) > maxMessageLength {
		return nil, ErrMessageTooLong
	}

	return &GraphState{
		ConversationID: conversationID,
		Text:           text,
		Now:            nowFn().UTC(),
	}, nil
}

// last returns the most recent worker run, or nil before any ran.
func (s *GraphState) last() *Outcome {
	if len(s.Outcomes) == 0 {
		return nil
	}
	return &s.Outcomes[len(s.Outcomes)-1]
}
