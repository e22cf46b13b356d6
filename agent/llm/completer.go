package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

// Completer runs worker completions on per-worker tool-calling chat models.
type Completer struct {
	models map[contractx.WorkerID]einomodel.ToolCallingChatModel

	mu      sync.Mutex
	runners map[contractx.WorkerID]compose.Runnable[[]*schema.Message, *schema.Message]
}

var _ contractx.Completer = (*Completer)(nil)

func NewCompleter(models map[contractx.WorkerID]einomodel.ToolCallingChatModel) (*Completer, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("%w: completer needs at least one model", contractx.ErrValidation)
	}
	return &Completer{
		models:  models,
		runners: make(map[contractx.WorkerID]compose.Runnable[[]*schema.Message, *schema.Message], len(models)),
	}, nil
}

// runner binds the worker's tools on first use. A worker's tool set is fixed
// for the life of the process.
func (c *Completer) runner(ctx context.Context, worker contractx.WorkerID, tools []*schema.ToolInfo) (compose.Runnable[[]*schema.Message, *schema.Message], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runners[worker]; ok {
		return r, nil
	}
	chatModel, ok := c.models[worker]
	if !ok {
		return nil, fmt.Errorf("%w: no model for worker=%s", contractx.ErrValidation, worker)
	}
	var bound einomodel.BaseChatModel = chatModel
	if len(tools) > 0 {
		withTools, err := chatModel.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("%w: bind tools for worker=%s: %v", contractx.ErrModelInvoke, worker, err)
		}
		bound = withTools
	}
	r, err := compileChatGraph(ctx, bound, fmt.Sprintf("worker.%s.completion_graph", worker))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	c.runners[worker] = r
	return r, nil
}

func (c *Completer) Complete(ctx context.Context, req contractx.CompletionRequest) (contractx.Completion, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return contractx.Completion{}, fmt.Errorf("%w: worker=%s", contractx.ErrPromptMissing, req.WorkerID)
	}
	r, err := c.runner(ctx, req.WorkerID, req.Tools)
	if err != nil {
		return contractx.Completion{}, err
	}

	msgs, err := toSchemaMessages(req)
	if err != nil {
		return contractx.Completion{}, err
	}
	msg, err := r.Invoke(ctx, msgs)
	if err != nil {
		return contractx.Completion{}, fmt.Errorf("%w: %w: worker=%s: %v", contractx.ErrTransient, contractx.ErrModelInvoke, req.WorkerID, err)
	}
	if msg == nil {
		return contractx.Completion{}, fmt.Errorf("%w: empty completion", contractx.ErrSchemaViolation)
	}

	calls, err := fromSchemaToolCalls(msg.ToolCalls)
	if err != nil {
		return contractx.Completion{}, err
	}
	out := contractx.Completion{
		Text:      strings.TrimSpace(msg.Content),
		ToolCalls: calls,
	}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		u := msg.ResponseMeta.Usage
		out.Usage = contractx.TokenUsage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return contractx.Completion{}, fmt.Errorf("%w: completion has neither text nor tool calls", contractx.ErrSchemaViolation)
	}
	return out, nil
}

func toSchemaMessages(req contractx.CompletionRequest) ([]*schema.Message, error) {
	out := make([]*schema.Message, 0, len(req.Messages)+1)
	out = append(out, schema.SystemMessage(req.Prompt))
	for _, m := range req.Messages {
		switch m.Role {
		case "user", "customer":
			out = append(out, schema.UserMessage(m.Content))
		case "assistant", "worker":
			calls := make([]schema.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("%w: encode tool args for %s: %v", contractx.ErrValidation, tc.Name, err)
				}
				calls = append(calls, schema.ToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: schema.FunctionCall{Name: tc.Name, Arguments: string(args)},
				})
			}
			out = append(out, schema.AssistantMessage(m.Content, calls))
		case "tool":
			out = append(out, schema.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("%w: unknown message role %q", contractx.ErrValidation, m.Role)
		}
	}
	return out, nil
}

func fromSchemaToolCalls(calls []schema.ToolCall) ([]contractx.ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]contractx.ToolCall, 0, len(calls))
	for _, call := range calls {
		name := strings.TrimSpace(call.Function.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, name, err)
			}
		}
		out = append(out, contractx.ToolCall{ID: call.ID, Name: name, Args: args})
	}
	return out, nil
}
