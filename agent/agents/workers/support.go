package workers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/order"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/policy"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/support"
	toolx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/tool"
)

const (
	TaskResolveIssue = "resolve_issue"

	issueUnknown = "unspecified"
)

var (
	delayPattern = regexp.MustCompile(`(\d+)\s*(?:min|mins|minute|minutes)\b`)
	hourPattern  = regexp.MustCompile(`(\d+)\s*(?:hr|hrs|hour|hours)\b`)

	issueWords = []struct {
		category policy.Category
		words    []string
	}{
		{policy.CategoryWrongItem, []string{
			"wrong item", "wrong order", "wrong food", "wrong dish", "wrong meal", "wrong pizza", "wrong burger",
			"wrong drink", "wrong one", "not what i ordered", "someone else's",
		}},
		{policy.CategoryMissingItem, []string{"missing", "forgot", "didn't get", "did not get", "left out", "not in the bag"}},
		{policy.CategoryLateDelivery, []string{"late", "took too long", "taking forever", "delayed", "still waiting", "slow"}},
		{policy.CategoryQualityIssue, []string{"cold", "soggy", "burnt", "burned", "stale", "raw", "undercooked", "quality", "gross", "bad"}},
	}
)

// Support settles complaints through the policy table and the ledger, and
// escalates what the table cannot decide.
type Support struct {
	*base
}

func NewSupport(ctx context.Context, deps Deps) (*Support, error) {
	w := &Support{}
	b, err := newBase(ctx, contractx.WorkerSupport, deps, w.resolve)
	if err != nil {
		return nil, err
	}
	w.base = b
	return w, nil
}

type issue struct {
	category string
	delay    int
	hasDelay bool
	details  string
}

func (w *Support) resolve(ctx context.Context, t *turn) error {
	text := strings.ToLower(t.req.Text)
	orderID := t.st.ContextString(ctxOrderID)

	if t.st.ActiveTask == "" && containsAny(text, "cancel") {
		return w.cancel(ctx, t, orderID)
	}

	is := issue{category: t.st.ContextString(ctxIssue), details: t.req.Text}
	if c := inferCategory(text); c != "" {
		is.category = c
	}
	is.delay, is.hasDelay = parseDelay(text)
	asked := t.st.ContextString(ctxAsked)

	switch {
	case is.category == "" && asked == "":
		t.result.Task = TaskResolveIssue
		t.patch(ctxAsked, "category")
		t.quiet = true
		t.result.Text = "I'm sorry to hear that. What went wrong: was the order late, wrong, missing something, or a quality problem?"
		return nil
	case is.category == "":
		is.category = issueUnknown
	case is.category == string(policy.CategoryLateDelivery) && !is.hasDelay && asked != "delay":
		t.result.Task = TaskResolveIssue
		t.patch(ctxIssue, is.category)
		t.patch(ctxAsked, "delay")
		t.quiet = true
		t.result.Text = "Sorry about the wait. Roughly how many minutes late was it?"
		return nil
	}

	t.result.Relinquish = true
	t.patch(ctxIssue, nil)
	t.patch(ctxAsked, nil)

	if orderID == "" {
		return w.ticketOnly(ctx, t, is)
	}
	return w.settle(ctx, t, orderID, is)
}

func (w *Support) settle(ctx context.Context, t *turn, orderID string, is issue) error {
	var o order.Order
	if err := w.call(ctx, t, toolx.OrderGet, map[string]any{"order_id": orderID}, "", &o); err != nil {
		if errors.Is(err, contractx.ErrNotFound) {
			return w.ticketOnly(ctx, t, is)
		}
		return w.unavailable(t)
	}

	facts := map[string]any{
		"category":          is.category,
		"order_total_cents": o.Quote.TotalCents,
		"delay_minutes":     is.delay,
	}
	if cost := w.affectedCost(ctx, t, o, is.details); cost > 0 {
		facts["item_cost_cents"] = cost
	}
	var decision policy.Decision
	err := w.call(ctx, t, toolx.PolicyResolve, facts, "", &decision)
	if errors.Is(err, contractx.ErrUnknownIssueCategory) {
		return w.escalate(ctx, t, orderID, "issue category could not be determined", is)
	}
	if err != nil {
		return w.unavailable(t)
	}

	key := fmt.Sprintf("%s:resolution:%s", orderID, decision.Category)
	var res support.Resolution
	if err := w.call(ctx, t, toolx.SupportApplyDecision, map[string]any{
		"order_id":    orderID,
		"customer_id": customerOf(t.st),
		"decision":    decision,
	}, key, &res); err != nil {
		return w.escalate(ctx, t, orderID, "ledger could not apply decision", is)
	}

	var ticket support.Ticket
	ticketErr := w.call(ctx, t, toolx.SupportTicket, map[string]any{
		"order_id":    orderID,
		"customer_id": customerOf(t.st),
		"category":    string(decision.Category),
		"details":     is.details,
	}, key+":ticket", &ticket)

	var sb strings.Builder
	fmt.Fprintf(&sb, "I'm sorry about order %s. ", o.OrderNumber)
	switch {
	case res.Refund != nil && res.Refund.RequiresApproval:
		fmt.Fprintf(&sb, "A %s refund needs a manager's approval, so I've escalated it (reference %s).", formatCents(decision.RefundCents), res.Refund.EscalationID)
	case res.Refund != nil && res.Refund.Refund != nil:
		fmt.Fprintf(&sb, "I've issued a refund of %s.", formatCents(res.Refund.Refund.AmountCents))
	}
	if res.Credit != nil {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), " ") {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "I've added %s in credit to your account for next time.", formatCents(res.Credit.AmountCents))
	}
	if ticketErr == nil {
		fmt.Fprintf(&sb, " Your ticket number is %s.", ticket.TicketID)
	}
	t.result.Text = sb.String()
	return nil
}

// affectedCost prices the order lines the customer names in their complaint.
func (w *Support) affectedCost(ctx context.Context, t *turn, o order.Order, details string) int64 {
	var named []order.Line
	if err := w.call(ctx, t, toolx.OrderParseItems, map[string]any{"text": normalizeQuantities(details)}, "", &named); err != nil {
		return 0
	}
	var cost int64
	for _, n := range named {
		for _, l := range o.Items {
			if l.ItemID != n.ItemID {
				continue
			}
			qty := n.Quantity
			if qty > l.Quantity {
				qty = l.Quantity
			}
			cost += l.UnitPriceCents * int64(qty)
		}
	}
	return cost
}

func (w *Support) escalate(ctx context.Context, t *turn, orderID, reason string, is issue) error {
	var esc support.Escalation
	err := w.call(ctx, t, toolx.SupportEscalate, map[string]any{
		"order_id": orderID,
		"reason":   reason,
		"context": map[string]any{
			"conversation_id": t.st.ConversationID,
			"customer_id":     customerOf(t.st),
			"category":        is.category,
			"details":         is.details,
		},
	}, turnKey(t.st, "escalate"), &esc)
	if err != nil {
		return w.unavailable(t)
	}
	t.sayf("I've passed this to a member of our team who will review it personally (reference %s).", esc.EscalationID)
	return nil
}

func (w *Support) ticketOnly(ctx context.Context, t *turn, is issue) error {
	var ticket support.Ticket
	if err := w.call(ctx, t, toolx.SupportTicket, map[string]any{
		"customer_id": customerOf(t.st),
		"category":    is.category,
		"details":     is.details,
	}, turnKey(t.st, "ticket"), &ticket); err != nil {
		return w.unavailable(t)
	}
	t.sayf("I couldn't find an order in this conversation, so I've opened ticket %s and our team will get back to you.", ticket.TicketID)
	return nil
}

func (w *Support) cancel(ctx context.Context, t *turn, orderID string) error {
	t.result.Relinquish = true
	if orderID == "" {
		t.result.Text = "There's no placed order in this conversation to cancel."
		t.patch(ctxCart, nil)
		t.patch(ctxCheckoutID, nil)
		return nil
	}
	var o order.Order
	err := w.call(ctx, t, toolx.OrderAdvance, map[string]any{
		"order_id": orderID,
		"stage":    string(order.StageCancelled),
		"note":     "cancelled by customer",
	}, orderID+":cancel", &o)
	switch {
	case err == nil:
		t.sayf("Order %s has been cancelled.", o.OrderNumber)
	case errors.Is(err, contractx.ErrInvalidStatusTransition):
		t.result.Text = "Your order is already out for delivery, so it can't be cancelled now. If something goes wrong with it, just tell me."
	default:
		return w.unavailable(t)
	}
	return nil
}

func (w *Support) unavailable(t *turn) error {
	t.quiet = true
	t.result.Text = "I can't reach our support systems right now. Please try again in a moment."
	return nil
}

func inferCategory(text string) string {
	for _, iw := range issueWords {
		if containsAny(text, iw.words...) {
			return string(iw.category)
		}
	}
	return ""
}

func parseDelay(text string) (int, bool) {
	if m := delayPattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		return n, err == nil
	}
	if m := hourPattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		return n * 60, err == nil
	}
	return 0, false
}
