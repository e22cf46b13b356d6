package workers

import (
	"context"
	"errors"
	"strings"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/delivery"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/kitchen"
	toolx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/tool"
)

const defaultDriverWait = 15

var deliveryIssueWords = []string{
	"never arrived", "didn't arrive", "did not arrive", "not arrived", "lost", "damaged",
	"spilled", "rude", "wrong address", "left at", "stolen",
}

// Delivery assigns drivers, reports arrival times and logs delivery issues.
type Delivery struct {
	*base
	driverWait int
}

func NewDelivery(ctx context.Context, deps Deps) (*Delivery, error) {
	w := &Delivery{driverWait: deps.NoDriverWait}
	if w.driverWait <= 0 {
		w.driverWait = defaultDriverWait
	}
	b, err := newBase(ctx, contractx.WorkerDelivery, deps, w.resolve)
	if err != nil {
		return nil, err
	}
	w.base = b
	return w, nil
}

func (w *Delivery) resolve(ctx context.Context, t *turn) error {
	t.result.Relinquish = true
	orderID := t.st.ContextString(ctxOrderID)
	if orderID == "" {
		var drivers []delivery.AvailableDriver
		if err := w.call(ctx, t, toolx.DeliveryDrivers, nil, "", &drivers); err != nil {
			return w.unavailable(t)
		}
		t.sayf("I don't see an order in this conversation yet. We have %d drivers on the road right now.", len(drivers))
		return nil
	}
	number := t.st.ContextString(ctxOrderNumber)
	text := strings.ToLower(t.req.Text)

	if containsAny(text, deliveryIssueWords...) {
		var issue delivery.Issue
		err := w.call(ctx, t, toolx.DeliveryReportIssue, map[string]any{
			"order_id":    orderID,
			"description": t.req.Text,
		}, turnKey(t.st, "delivery-issue"), &issue)
		if err != nil {
			return w.unavailable(t)
		}
		t.sayf("I'm sorry about that. I've logged delivery ticket %s for order %s and our team will follow up.", issue.TicketID, number)
		if containsAny(text, "refund", "money back", "credit") {
			t.handoff(contractx.WorkerSupport, "customer wants compensation for a delivery issue")
		}
		return nil
	}

	var eta delivery.ETA
	err := w.call(ctx, t, toolx.DeliveryETA, map[string]any{"order_id": orderID}, "", &eta)
	switch {
	case err == nil:
		w.describe(t, number, eta.Assignment, eta.RemainingMinutes)
		return nil
	case !errors.Is(err, contractx.ErrNotFound):
		return w.unavailable(t)
	}

	var kitchenETA kitchen.ETA
	if err := w.call(ctx, t, toolx.KitchenOrderETA, map[string]any{"order_id": orderID}, "", &kitchenETA); err == nil &&
		kitchenETA.Status != kitchen.StatusReady && kitchenETA.Status != kitchen.StatusHandedOff {
		t.sayf("Order %s is still in the kitchen, ready in about %d minutes. A driver will be assigned once it's ready.", number, kitchenETA.RemainingMinutes)
		return nil
	}

	var assigned delivery.Assignment
	err = w.call(ctx, t, toolx.DeliveryAssign, map[string]any{
		"order_id": orderID,
		"address":  t.st.ContextString(ctxAddress),
	}, orderID+":assign", &assigned)
	switch {
	case err == nil:
		w.describe(t, number, assigned, assigned.ETAMinutes)
	case errors.Is(err, contractx.ErrNoDriverAvailable):
		t.sayf("All our drivers are busy at the moment. We expect one to pick up order %s in about %d minutes.", number, w.driverWait)
	default:
		return w.unavailable(t)
	}
	return nil
}

func (w *Delivery) describe(t *turn, number string, a delivery.Assignment, minutes int) {
	switch a.Status {
	case delivery.StatusDelivered:
		t.sayf("Order %s was delivered by %s.", number, a.DriverName)
	case delivery.StatusDelivering:
		t.sayf("%s is on the way with order %s by %s and should arrive in about %d minutes.", a.DriverName, number, a.Vehicle, minutes)
	default:
		t.sayf("%s has been assigned to order %s and should arrive in about %d minutes.", a.DriverName, number, minutes)
	}
}

func (w *Delivery) unavailable(t *turn) error {
	t.quiet = true
	t.result.Text = "I can't reach delivery tracking right now. Please try again in a moment."
	return nil
}
