package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/delivery"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/kitchen"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/order"
	"golang.org/x/sync/errgroup"
)

// TimelineEvent is one step an order went through, whichever engine saw it.
type TimelineEvent struct {
	Source string    `json:"source"`
	Stage  string    `json:"stage"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

type OrderTimeline struct {
	Order    order.Order     `json:"order"`
	Timeline []TimelineEvent `json:"timeline"`
}

type Tracking struct {
	OrderID     string        `json:"order_id"`
	OrderNumber string        `json:"order_number"`
	Stage       order.Stage   `json:"stage"`
	Kitchen     *kitchen.ETA  `json:"kitchen,omitempty"`
	Delivery    *delivery.ETA `json:"delivery,omitempty"`
}

// orderView gathers everything known about an order in parallel. Kitchen and
// delivery parts are nil when those engines never saw the order.
func orderView(r *http.Request, deps Deps, orderID string) (order.Order, *kitchen.ETA, *delivery.ETA, error) {
	var (
		o    order.Order
		kETA *kitchen.ETA
		dETA *delivery.ETA
	)
	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		var err error
		o, err = deps.Orders.Get(ctx, orderID)
		return err
	})
	g.Go(func() error {
		eta, err := deps.Kitchen.OrderETA(ctx, orderID)
		if errors.Is(err, contractx.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		kETA = &eta
		return nil
	})
	g.Go(func() error {
		eta, err := deps.Delivery.DeliveryETA(ctx, orderID)
		if errors.Is(err, contractx.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		dETA = &eta
		return nil
	})

	if err := g.Wait(); err != nil {
		return order.Order{}, nil, nil, err
	}
	return o, kETA, dETA, nil
}

func handleOrderTracking(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, kETA, dETA, err := orderView(r, deps, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, Tracking{
			OrderID:     o.OrderID,
			OrderNumber: o.OrderNumber,
			Stage:       o.Stage,
			Kitchen:     kETA,
			Delivery:    dETA,
		})
	}
}

func handleOrderTimeline(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, kETA, dETA, err := orderView(r, deps, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, OrderTimeline{Order: o, Timeline: timeline(o, kETA, dETA)})
	}
}

func timeline(o order.Order, kETA *kitchen.ETA, dETA *delivery.ETA) []TimelineEvent {
	out := make([]TimelineEvent, 0, len(o.Timeline)+4)
	for _, ev := range o.Timeline {
		out = append(out, TimelineEvent{Source: "order", Stage: string(ev.Stage), At: ev.At, Note: ev.Note})
	}
	if kETA != nil {
		at := kETA.EstimatedReadyAt
		stage := string(kETA.Status)
		note := "estimated ready"
		if kETA.Status == kitchen.StatusReady || kETA.Status == kitchen.StatusHandedOff {
			note = ""
		}
		out = append(out, TimelineEvent{Source: "kitchen", Stage: stage, At: at, Note: note})
	}
	if dETA != nil {
		out = append(out, TimelineEvent{Source: "delivery", Stage: string(delivery.StatusAssigned), At: dETA.AssignedAt, Note: dETA.DriverName})
		if dETA.PickedUpAt != nil {
			out = append(out, TimelineEvent{Source: "delivery", Stage: string(delivery.StatusDelivering), At: *dETA.PickedUpAt})
		}
		if dETA.DeliveredAt != nil {
			out = append(out, TimelineEvent{Source: "delivery", Stage: string(delivery.StatusDelivered), At: *dETA.DeliveredAt})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
