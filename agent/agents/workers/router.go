package workers

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/order"
	statex "github.com/tanpawarit/Chative-Order-Orchestrator/agent/state"
	toolx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/tool"
)

const (
	routerFallback   = "Sorry, I didn't catch that. Could you rephrase?"
	classifyHistory  = 6
	openingHoursText = "We're open every day from 11am to 10pm, and delivery runs until 9:30pm."
	routerOffer      = "I can take a new order, check on an existing one, or help with a problem. What would you like to do?"
)

var greeting = regexp.MustCompile(`\b(hi|hello|hey|good (morning|afternoon|evening))\b`)

// Router classifies inbound text and answers general questions itself.
type Router struct {
	*base
}

var _ contractx.Router = (*Router)(nil)

func NewRouter(ctx context.Context, deps Deps) (*Router, error) {
	r := &Router{}
	b, err := newBase(ctx, contractx.WorkerRouter, deps, r.resolve)
	if err != nil {
		return nil, err
	}
	r.base = b
	return r, nil
}

// Fallback is the static reply used when classification is unavailable.
func (r *Router) Fallback() string { return routerFallback }

func (r *Router) Classify(ctx context.Context, st *statex.ConversationState, text string) (contractx.Intent, error) {
	if st == nil {
		return contractx.Intent{}, statex.ErrNilConversation
	}
	history := make([]contractx.HistoryLine, 0, classifyHistory)
	for _, m := range st.Recent(classifyHistory) {
		history = append(history, contractx.HistoryLine{Role: string(m.Role), WorkerID: m.WorkerID, Text: m.Text})
	}
	req := contractx.ClassifyRequest{
		ConversationID: st.ConversationID,
		Text:           text,
		ActiveWorker:   contractx.WorkerID(st.ActiveWorker),
		History:        history,
	}

	var intent contractx.Intent
	t := &turn{st: st}
	if err := r.call(ctx, t, toolx.IntentClassify, req, "", &intent); err != nil {
		return contractx.Intent{}, err
	}
	if !intent.Worker.Valid() {
		return contractx.Intent{}, fmt.Errorf("%w: classifier returned worker %q", contractx.ErrSchemaViolation, intent.Worker)
	}
	return intent, nil
}

func (r *Router) resolve(ctx context.Context, t *turn) error {
	text := strings.ToLower(t.req.Text)
	switch {
	case containsAny(text, "menu", "what do you have", "what do you sell", "what can i order"):
		return r.menu(ctx, t, text)
	case containsAny(text, "hours", "open", "close"):
		t.result.Text = openingHoursText
	case greeting.MatchString(text):
		t.result.Text = "Hi! " + routerOffer
	default:
		t.result.Text = routerOffer
	}
	return nil
}

func (r *Router) menu(ctx context.Context, t *turn, text string) error {
	category := ""
	for _, c := range []string{"pizza", "burger", "salad", "drink"} {
		if strings.Contains(text, c) {
			category = c
			break
		}
	}
	var items []order.MenuItem
	if err := r.call(ctx, t, toolx.OrderMenu, map[string]any{"category": category}, "", &items); err != nil {
		t.result.Text = "Our menu has pizzas, burgers, salads and drinks. What are you in the mood for?"
		return nil
	}

	byCategory := map[string][]string{}
	for _, it := range items {
		byCategory[it.Category] = append(byCategory[it.Category], fmt.Sprintf("%s %s", it.Name, formatCents(it.PriceCents)))
	}
	cats := make([]string, 0, len(byCategory))
	for c := range byCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	var sb strings.Builder
	sb.WriteString("Here's our menu:")
	for _, c := range cats {
		fmt.Fprintf(&sb, "\n- %ss: %s", c, strings.Join(byCategory[c], ", "))
	}
	sb.WriteString("\nJust tell me what you'd like to order.")
	t.result.Text = sb.String()
	return nil
}
