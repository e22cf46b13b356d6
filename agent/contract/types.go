package contract

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
)

type WorkerID string

const (
	WorkerRouter    WorkerID = "router"
	WorkerOrder     WorkerID = "order"
	WorkerInventory WorkerID = "inventory"
	WorkerKitchen   WorkerID = "kitchen"
	WorkerDelivery  WorkerID = "delivery"
	WorkerSupport   WorkerID = "support"
)

// Workers lists every worker in a stable order.
var Workers = []WorkerID{
	WorkerRouter,
	WorkerOrder,
	WorkerInventory,
	WorkerKitchen,
	WorkerDelivery,
	WorkerSupport,
}

func (w WorkerID) Valid() bool {
	for _, id := range Workers {
		if id == w {
			return true
		}
	}
	return false
}

func (w WorkerID) String() string { return string(w) }

type ToolRequest struct {
	Tool           string         `json:"tool"`
	Version        int            `json:"version,omitempty"`
	Args           map[string]any `json:"args,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	WorkerID       WorkerID       `json:"worker_id,omitempty"`
}

type ToolResult struct {
	Tool      string          `json:"tool"`
	Version   int             `json:"version,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Attempts  int             `json:"attempts"`
	Replayed  bool            `json:"replayed,omitempty"`
}

// Decode unmarshals the operation result into v.
func (r ToolResult) Decode(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("%w: tool=%s returned no result", ErrValidation, r.Tool)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("decode tool=%s result: %w", r.Tool, err)
	}
	return nil
}

type HistoryLine struct {
	Role     string `json:"role"`
	WorkerID string `json:"worker_id,omitempty"`
	Text     string `json:"text"`
}

type ClassifyRequest struct {
	ConversationID string        `json:"conversation_id"`
	Text           string        `json:"text"`
	ActiveWorker   WorkerID      `json:"active_worker"`
	History        []HistoryLine `json:"history,omitempty"`
}

type Intent struct {
	Name       string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Worker     WorkerID `json:"worker"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

type CompletionMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type CompletionRequest struct {
	WorkerID WorkerID            `json:"worker_id"`
	Prompt   string              `json:"prompt"`
	Messages []CompletionMessage `json:"messages"`
	Tools    []*schema.ToolInfo  `json:"-"`
}

type Completion struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     TokenUsage `json:"usage"`
}

type TurnRequest struct {
	Conversation *statex.ConversationState
	Text         string
	Handoff      *statex.HandoffResult
	Now          time.Time
}

type HandoffRequest struct {
	Target WorkerID `json:"target"`
	Reason string   `json:"reason"`
}

type TurnResult struct {
	Text         string          `json:"text"`
	Tools        []string        `json:"tools,omitempty"`
	ContextPatch map[string]any  `json:"context_patch,omitempty"`
	Task         string          `json:"task,omitempty"`
	Relinquish   bool            `json:"relinquish,omitempty"`
	Handoff      *HandoffRequest `json:"handoff,omitempty"`
	Usage        TokenUsage      `json:"usage"`
	Degraded     bool            `json:"degraded,omitempty"`
}
