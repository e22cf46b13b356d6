package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/delivery"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/inventory"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/kitchen"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/order"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/events"
)

type Config struct {
	Interval time.Duration `split_words:"true" default:"15s"`
}

// Engines are the stateful engines the runner moves forward.
type Engines struct {
	Inventory *inventory.Engine
	Kitchen   *kitchen.Engine
	Delivery  *delivery.Engine
	Orders    *order.Engine
}

// Scheduler arranges an extra tick at a known future time, such as the
// moment an order is expected to come out of the kitchen.
type Scheduler interface {
	Schedule(ctx context.Context, orderID string, at time.Time) error
}

// Report summarizes one tick.
type Report struct {
	ExpiredHolds int                   `json:"expired_holds"`
	Kitchen      []kitchen.Transition  `json:"kitchen,omitempty"`
	HandedOver   []string              `json:"handed_over,omitempty"`
	Waiting      []string              `json:"waiting,omitempty"`
	Delivered    []delivery.Transition `json:"delivered,omitempty"`
}

type Option func(*Runner)

func WithEvents(p events.Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.events = p
		}
	}
}

func WithScheduler(s Scheduler) Option {
	return func(r *Runner) {
		if s != nil {
			r.scheduler = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Runner re-evaluates time-driven state: expired holds, kitchen progress,
// kitchen to delivery hand-over and arrivals.
type Runner struct {
	engines   Engines
	interval  time.Duration
	events    events.Publisher
	scheduler Scheduler
	now       func() time.Time
}

func New(engines Engines, cfg Config, opts ...Option) (*Runner, error) {
	if engines.Inventory == nil || engines.Kitchen == nil || engines.Delivery == nil || engines.Orders == nil {
		return nil, errors.New("progress runner needs inventory, kitchen, delivery and order engines")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	r := &Runner{
		engines:  engines,
		interval: interval,
		events:   events.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Run ticks until ctx is done. A failed tick is logged and retried on the
// next one.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Msg("progress runner started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("progress runner stopped")
			return nil
		case <-ticker.C:
			rep, err := r.Tick(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("progress tick")
				continue
			}
			if len(rep.Kitchen)+len(rep.HandedOver)+len(rep.Delivered) > 0 {
				log.Debug().
					Int("kitchen", len(rep.Kitchen)).
					Int("handed_over", len(rep.HandedOver)).
					Int("delivered", len(rep.Delivered)).
					Msg("progress tick")
			}
		}
	}
}

// Tick performs one pass. Steps run in order and a failing step does not stop
// the ones after it; their errors are joined.
func (r *Runner) Tick(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)

	n, err := r.engines.Inventory.Sweep(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep holds: %w", err))
	}
	rep.ExpiredHolds = n

	moved, err := r.engines.Kitchen.Reevaluate(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("kitchen reevaluate: %w", err))
	}
	rep.Kitchen = moved
	r.scheduleReady(ctx, moved)

	if err := r.handOverReady(ctx, &rep); err != nil {
		errs = append(errs, err)
	}

	delivered, err := r.engines.Delivery.Reevaluate(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("delivery reevaluate: %w", err))
	}
	for _, tr := range delivered {
		o, err := r.engines.Orders.AdvanceStage(ctx, tr.OrderID, order.StageComplete, "delivered")
		if err != nil && !ignorable(err) {
			errs = append(errs, fmt.Errorf("complete order %s: %w", tr.OrderID, err))
			continue
		}
		rep.Delivered = append(rep.Delivered, tr)
		r.notify(ctx, o, string(contractx.WorkerDelivery), fmt.Sprintf("Order %s has been delivered. Enjoy your meal!", o.OrderNumber))
	}

	return rep, errors.Join(errs...)
}

func (r *Runner) scheduleReady(ctx context.Context, moved []kitchen.Transition) {
	if r.scheduler == nil {
		return
	}
	for _, tr := range moved {
		if tr.To != kitchen.StatusPreparing {
			continue
		}
		eta, err := r.engines.Kitchen.OrderETA(ctx, tr.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", tr.OrderID).Msg("kitchen eta for callback")
			continue
		}
		if err := r.scheduler.Schedule(ctx, tr.OrderID, eta.EstimatedReadyAt); err != nil {
			log.Warn().Err(err).Str("order_id", tr.OrderID).Msg("schedule ready callback")
		}
	}
}

// handOverReady moves each ready kitchen entry to a driver. Entries with no
// driver available stay ready and are retried next tick.
func (r *Runner) handOverReady(ctx context.Context, rep *Report) error {
	entries, err := r.engines.Kitchen.Peek(ctx)
	if err != nil {
		return fmt.Errorf("kitchen peek: %w", err)
	}

	var errs []error
	for _, en := range entries {
		if en.Status != kitchen.StatusReady {
			continue
		}
		o, err := r.engines.Orders.Get(ctx, en.OrderID)
		if err != nil && !errors.Is(err, contractx.ErrNotFound) {
			errs = append(errs, fmt.Errorf("load order %s: %w", en.OrderID, err))
			continue
		}
		if err == nil && o.Stage == order.StageCancelled {
			if _, err := r.engines.Kitchen.HandOver(ctx, en.OrderID); err != nil && !ignorable(err) {
				errs = append(errs, fmt.Errorf("drop cancelled %s: %w", en.OrderID, err))
			}
			continue
		}

		a, err := r.engines.Delivery.Assign(ctx, delivery.AssignRequest{OrderID: en.OrderID, Address: o.Address})
		if errors.Is(err, contractx.ErrNoDriverAvailable) {
			rep.Waiting = append(rep.Waiting, en.OrderID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("assign %s: %w", en.OrderID, err))
			continue
		}
		if _, err := r.engines.Kitchen.HandOver(ctx, en.OrderID); err != nil && !ignorable(err) {
			errs = append(errs, fmt.Errorf("hand over %s: %w", en.OrderID, err))
			continue
		}
		if picked, err := r.engines.Delivery.PickUp(ctx, en.OrderID); err == nil {
			a = picked
		} else if !ignorable(err) {
			errs = append(errs, fmt.Errorf("pick up %s: %w", en.OrderID, err))
			continue
		}
		if o.OrderID != "" {
			if advanced, err := r.engines.Orders.AdvanceStage(ctx, en.OrderID, order.StageDelivery, "picked up by "+a.DriverName); err == nil {
				o = advanced
			} else if !ignorable(err) {
				errs = append(errs, fmt.Errorf("advance order %s: %w", en.OrderID, err))
			}
		}

		rep.HandedOver = append(rep.HandedOver, en.OrderID)
		log.Info().Str("order_id", en.OrderID).Str("driver_id", a.DriverID).Msg("order handed to driver")
		r.notify(ctx, o, string(contractx.WorkerDelivery),
			fmt.Sprintf("Order %s is on its way with %s. Estimated arrival in %d minutes.", o.OrderNumber, a.DriverName, a.ETAMinutes))
	}
	return errors.Join(errs...)
}

func (r *Runner) notify(ctx context.Context, o order.Order, workerID, text string) {
	if o.ConversationID == "" {
		return
	}
	ev := events.Event{
		Type:           events.TypeMessage,
		ConversationID: o.ConversationID,
		WorkerID:       workerID,
		Text:           text,
		Timestamp:      r.now().UTC(),
	}
	if err := r.events.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("order_id", o.OrderID).Msg("publish progress event")
	}
}

// ignorable reports errors that mean another pass already did the work.
func ignorable(err error) bool {
	return errors.Is(err, contractx.ErrInvalidStatusTransition) || errors.Is(err, contractx.ErrNotFound)
}
