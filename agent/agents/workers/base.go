// Package workers implements the six conversation workers. Each one is a
// thin decision layer over dispatcher operations.
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	promptx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/prompt"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
	toolx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/tool"
)

const (
	maxToolRounds   = 3
	historyForModel = 8
)

// Context keys shared between workers through the conversation.
const (
	ctxOrderID     = "order_id"
	ctxOrderNumber = "order_number"
	ctxCart        = "cart"
	ctxAddress     = "address"
	ctxPromo       = "promo_code"
	ctxCheckoutID  = "checkout_id"
	ctxIssue       = "issue_category"
	ctxAsked       = "support_asked"
)

// handoffKeys are copied into every handoff snapshot when present.
var handoffKeys = []string{ctxOrderID, ctxOrderNumber, ctxCart, ctxAddress, ctxPromo, ctxIssue}

type Deps struct {
	Dispatcher contractx.Dispatcher
	Prompts    promptx.PromptSet
	// Compose routes the final reply through text.complete. Without it every
	// worker answers from its deterministic path.
	Compose bool
	// NoDriverWait is the pickup wait in minutes quoted when no driver is free.
	NoDriverWait int
	Now          func() time.Time
	NewID        func() string
}

// turn is the state threaded through a worker's runtime graph.
type turn struct {
	req    contractx.TurnRequest
	st     *statex.ConversationState
	result contractx.TurnResult
	// quiet skips text.complete, e.g. for fixed prompts like confirmations.
	quiet bool
}

func (t *turn) patch(key string, v any) {
	if t.result.ContextPatch == nil {
		t.result.ContextPatch = make(map[string]any, 4)
	}
	t.result.ContextPatch[key] = v
}

// sayf sets the reply text.
func (t *turn) sayf(format string, args ...any) {
	t.result.Text = fmt.Sprintf(format, args...)
}

func (t *turn) handoff(target contractx.WorkerID, reason string) {
	t.result.Handoff = &contractx.HandoffRequest{Target: target, Reason: reason}
}

type resolver func(ctx context.Context, t *turn) error

type base struct {
	id         contractx.WorkerID
	dispatcher contractx.Dispatcher
	prompt     string
	compose    bool
	now        func() time.Time
	runner     compose.Runnable[contractx.TurnRequest, contractx.TurnResult]
}

func newBase(ctx context.Context, id contractx.WorkerID, deps Deps, resolve resolver) (*base, error) {
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher is required", contractx.ErrValidation)
	}
	b := &base{
		id:         id,
		dispatcher: deps.Dispatcher,
		compose:    deps.Compose,
		now:        deps.Now,
	}
	if b.now == nil {
		b.now = time.Now
	}
	if deps.Compose {
		text, err := deps.Prompts.For(id)
		if err != nil {
			return nil, err
		}
		b.prompt = text
	}
	runner, err := compileWorkerGraph(ctx, id, resolve, b.composeReply)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s worker graph: %v", contractx.ErrValidation, id, err)
	}
	b.runner = runner
	return b, nil
}

func (b *base) ID() contractx.WorkerID { return b.id }

func (b *base) ResolveTurn(ctx context.Context, req contractx.TurnRequest) (contractx.TurnResult, error) {
	if req.Conversation == nil {
		return contractx.TurnResult{}, fmt.Errorf("%w: conversation is required", contractx.ErrValidation)
	}
	return b.runner.Invoke(ctx, req)
}

// PrepareHandoff snapshots the shared context the target needs to continue.
func (b *base) PrepareHandoff(_ context.Context, st *statex.ConversationState, target contractx.WorkerID, reason string) (statex.HandoffResult, error) {
	if st == nil {
		return statex.HandoffResult{}, statex.ErrNilConversation
	}
	if !target.Valid() {
		return statex.HandoffResult{}, fmt.Errorf("%w: unknown handoff target %q", contractx.ErrValidation, target)
	}
	snapshot := make(map[string]any, len(handoffKeys)+2)
	for _, key := range handoffKeys {
		if v, ok := st.Context[key]; ok && v != nil {
			snapshot[key] = v
		}
	}
	if st.ActiveTask != "" {
		snapshot["interrupted_task"] = st.ActiveTask
	}
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == statex.RoleCustomer {
			snapshot["last_customer_message"] = st.Messages[i].Text
			break
		}
	}
	return statex.HandoffResult{
		From:      string(b.id),
		To:        string(target),
		Reason:    reason,
		Context:   snapshot,
		Timestamp: b.now().UTC(),
	}, nil
}

// call invokes one dispatcher operation and decodes its result into out.
func (b *base) call(ctx context.Context, t *turn, tool string, args any, key string, out any) error {
	a, err := toolx.ArgsOf(args)
	if err != nil {
		return err
	}
	t.result.Tools = append(t.result.Tools, tool)
	res, err := b.dispatcher.Invoke(ctx, contractx.ToolRequest{
		Tool:           tool,
		Args:           a,
		IdempotencyKey: key,
		ConversationID: t.st.ConversationID,
		WorkerID:       b.id,
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("conversation_id", t.st.ConversationID).
			Str("worker", string(b.id)).
			Str("operation", tool).
			Str("error_kind", string(contractx.KindOf(err))).
			Msg("tool call failed")
		return err
	}
	if out == nil {
		return nil
	}
	return res.Decode(out)
}

// composeReply lets the text-completion capability phrase the reply over the
// facts the deterministic path produced, with read-only tools available. Any
// failure keeps the deterministic text and marks the turn degraded.
func (b *base) composeReply(ctx context.Context, t *turn) error {
	if !b.compose || t.quiet || t.result.Text == "" {
		return nil
	}

	history := t.st.Recent(historyForModel + 1)
	if n := len(history); n > 0 && history[n-1].Role == statex.RoleCustomer && history[n-1].Text == t.req.Text {
		history = history[:n-1]
	}
	msgs := make([]contractx.CompletionMessage, 0, len(history)+maxToolRounds*2+1)
	for _, m := range history {
		role := "user"
		if m.Role == statex.RoleWorker {
			role = "assistant"
		}
		msgs = append(msgs, contractx.CompletionMessage{Role: role, Content: m.Text})
	}
	msgs = append(msgs, contractx.CompletionMessage{
		Role:    "user",
		Content: fmt.Sprintf("%s\n\n[facts for your reply]\n%s", t.req.Text, t.result.Text),
	})

	var usage contractx.TokenUsage
	for round := 0; round < maxToolRounds; round++ {
		var out contractx.Completion
		err := b.call(ctx, t, toolx.TextComplete, contractx.CompletionRequest{
			WorkerID: b.id,
			Prompt:   b.prompt,
			Messages: msgs,
		}, "", &out)
		usage = usage.Add(out.Usage)
		if err != nil {
			t.result.Degraded = true
			t.result.Usage = t.result.Usage.Add(usage)
			return nil
		}
		if len(out.ToolCalls) == 0 {
			if out.Text != "" {
				t.result.Text = out.Text
			}
			t.result.Usage = t.result.Usage.Add(usage)
			return nil
		}

		msgs = append(msgs, contractx.CompletionMessage{Role: "assistant", Content: out.Text, ToolCalls: out.ToolCalls})
		for _, tc := range out.ToolCalls {
			msgs = append(msgs, contractx.CompletionMessage{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    b.runModelTool(ctx, t, tc),
			})
		}
	}
	// Out of rounds: the deterministic text stands.
	t.result.Degraded = true
	t.result.Usage = t.result.Usage.Add(usage)
	return nil
}

func (b *base) runModelTool(ctx context.Context, t *turn, tc contractx.ToolCall) string {
	if !allowed(b.id, tc.Name) {
		return fmt.Sprintf(`{"error":"tool %s is not available"}`, tc.Name)
	}
	var raw json.RawMessage
	if err := b.call(ctx, t, tc.Name, tc.Args, "", &raw); err != nil {
		payload, _ := json.Marshal(map[string]string{"error": err.Error(), "error_kind": string(contractx.KindOf(err))})
		return string(payload)
	}
	return string(raw)
}

func allowed(worker contractx.WorkerID, tool string) bool {
	for _, name := range toolx.ToolNamesForWorker(worker) {
		if name == tool {
			return true
		}
	}
	return false
}

func compileWorkerGraph(
	ctx context.Context,
	id contractx.WorkerID,
	resolve resolver,
	composeReply resolver,
) (compose.Runnable[contractx.TurnRequest, contractx.TurnResult], error) {
	graph := compose.NewGraph[contractx.TurnRequest, contractx.TurnResult]()

	if err := graph.AddLambdaNode("resolve",
		compose.InvokableLambda(func(ctx context.Context, req contractx.TurnRequest) (*turn, error) {
			t := &turn{req: req, st: req.Conversation}
			if err := resolve(ctx, t); err != nil {
				return nil, err
			}
			return t, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add resolve node: %w", err)
	}

	if err := graph.AddLambdaNode("compose_reply",
		compose.InvokableLambda(func(ctx context.Context, t *turn) (*turn, error) {
			return t, composeReply(ctx, t)
		}),
	); err != nil {
		return nil, fmt.Errorf("add compose node: %w", err)
	}

	if err := graph.AddLambdaNode("finalize",
		compose.InvokableLambda(func(ctx context.Context, t *turn) (contractx.TurnResult, error) {
			if t == nil {
				return contractx.TurnResult{}, errors.New("worker turn is nil")
			}
			t.result.Text = strings.TrimSpace(t.result.Text)
			return t.result, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add finalize node: %w", err)
	}

	branch := compose.NewGraphBranch(
		func(ctx context.Context, t *turn) (string, error) {
			if t == nil || t.quiet || t.result.Text == "" {
				return "finalize", nil
			}
			return "compose_reply", nil
		},
		map[string]bool{
			"compose_reply": true,
			"finalize":      true,
		},
	)
	if err := graph.AddBranch("resolve", branch); err != nil {
		return nil, fmt.Errorf("add resolve branch: %w", err)
	}
	if err := graph.AddEdge(compose.START, "resolve"); err != nil {
		return nil, fmt.Errorf("add edge start->resolve: %w", err)
	}
	if err := graph.AddEdge("compose_reply", "finalize"); err != nil {
		return nil, fmt.Errorf("add edge compose->finalize: %w", err)
	}
	if err := graph.AddEdge("finalize", compose.END); err != nil {
		return nil, fmt.Errorf("add edge finalize->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName(fmt.Sprintf("worker.%s.runtime_graph", id)))
	if err != nil {
		return nil, fmt.Errorf("compile worker graph: %w", err)
	}
	return runner, nil
}

// customerOf is the ledger identity of the conversation's customer.
func customerOf(st *statex.ConversationState) string {
	if id := strings.TrimSpace(st.CustomerID); id != "" {
		return id
	}
	return "guest-" + st.ConversationID
}

// turnKey is unique per inbound message, so a replayed message reuses it.
func turnKey(st *statex.ConversationState, suffix string) string {
	return fmt.Sprintf("%s:%d:%s", st.ConversationID, len(st.Messages), suffix)
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

var (
	numberWordPattern = regexp.MustCompile(`\b(one|two|three|four|five|six|seven|eight|nine|ten|a couple of)\s`)
	numberWords       = map[string]string{
		"one": "1", "two": "2", "three": "3", "four": "4", "five": "5",
		"six": "6", "seven": "7", "eight": "8", "nine": "9", "ten": "10",
		"a couple of": "2",
	}
)

// normalizeQuantities turns spelled-out quantities into digits.
func normalizeQuantities(text string) string {
	return numberWordPattern.ReplaceAllStringFunc(strings.ToLower(text), func(m string) string {
		return numberWords[strings.TrimSpace(m)] + " "
	})
}

func containsAny(text string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
