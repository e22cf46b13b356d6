package workers

import (
	"context"
	"errors"
	"strings"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/kitchen"
	toolx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/tool"
)

// Kitchen reports preparation progress and handles rush requests.
type Kitchen struct {
	*base
}

func NewKitchen(ctx context.Context, deps Deps) (*Kitchen, error) {
	w := &Kitchen{}
	b, err := newBase(ctx, contractx.WorkerKitchen, deps, w.resolve)
	if err != nil {
		return nil, err
	}
	w.base = b
	return w, nil
}

func (w *Kitchen) resolve(ctx context.Context, t *turn) error {
	t.result.Relinquish = true
	orderID := t.st.ContextString(ctxOrderID)
	if orderID == "" {
		var qs kitchen.QueueStatus
		if err := w.call(ctx, t, toolx.KitchenQueueStatus, nil, "", &qs); err != nil {
			return w.unavailable(t)
		}
		t.sayf("I don't see an order in this conversation yet. The kitchen has %d orders in the queue, with about a %d minute wait.", qs.Depth, qs.AvgWaitMinutes)
		return nil
	}
	number := t.st.ContextString(ctxOrderNumber)

	prefix := ""
	if containsAny(strings.ToLower(t.req.Text), "rush", "hurry", "asap", "faster", "priority", "quick") {
		err := w.call(ctx, t, toolx.KitchenPrioritize, map[string]any{"order_id": orderID}, turnKey(t.st, "prioritize"), nil)
		switch {
		case err == nil:
			prefix = "I've moved your order up the queue. "
		case errors.Is(err, contractx.ErrInvalidStatusTransition):
			prefix = "Your order is already being prepared, so it can't jump the queue. "
		}
	}

	var eta kitchen.ETA
	err := w.call(ctx, t, toolx.KitchenOrderETA, map[string]any{"order_id": orderID}, "", &eta)
	if errors.Is(err, contractx.ErrNotFound) {
		// Off the kitchen board means it is with delivery.
		t.handoff(contractx.WorkerDelivery, "order has left the kitchen")
		t.result.Text = prefix + "Your order has left the kitchen."
		return nil
	}
	if err != nil {
		return w.unavailable(t)
	}

	switch eta.Status {
	case kitchen.StatusReceived:
		t.sayf("%sOrder %s is number %d in the queue and should be ready in about %d minutes.", prefix, number, eta.Position, eta.RemainingMinutes)
	case kitchen.StatusPreparing:
		t.sayf("%sOrder %s is being prepared and should be ready in about %d minutes.", prefix, number, eta.RemainingMinutes)
	case kitchen.StatusReady:
		t.sayf("%sOrder %s is ready and waiting for a driver.", prefix, number)
	default:
		t.handoff(contractx.WorkerDelivery, "order has left the kitchen")
		t.sayf("%sOrder %s has left the kitchen.", prefix, number)
	}
	return nil
}

func (w *Kitchen) unavailable(t *turn) error {
	t.quiet = true
	t.result.Text = "I can't reach the kitchen board right now. Please try again in a moment."
	return nil
}
