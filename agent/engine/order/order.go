package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
)

const orderKeyPrefix = "order:"

type Stage string

const (
	StagePlaced    Stage = "placed"
	StageKitchen   Stage = "kitchen"
	StageDelivery  Stage = "delivery"
	StageComplete  Stage = "complete"
	StageCancelled Stage = "cancelled"
)

var nextStages = map[Stage][]Stage{
	StagePlaced:   {StageKitchen, StageCancelled},
	StageKitchen:  {StageDelivery, StageCancelled},
	StageDelivery: {StageComplete},
}

type Config struct {
	TaxPercent       int           `split_words:"true" default:"8"`
	DeliveryFeeCents int64         `split_words:"true" default:"499"`
	OrderTTL         time.Duration `split_words:"true" default:"168h"`
}

type Promo struct {
	Code            string `json:"code"`
	DiscountPercent int    `json:"discount_percent"`
	FreeDelivery    bool   `json:"free_delivery"`
	Description     string `json:"description"`
}

var promos = map[string]Promo{
	"WELCOME10": {Code: "WELCOME10", DiscountPercent: 10, Description: "10% off first order"},
	"SAVE20":    {Code: "SAVE20", DiscountPercent: 20, Description: "20% off"},
	"FREESHIP":  {Code: "FREESHIP", FreeDelivery: true, Description: "free delivery"},
}

func ValidatePromo(code string) (Promo, error) {
	p, ok := promos[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Promo{}, fmt.Errorf("%w: invalid promo code %q", contractx.ErrValidation, code)
	}
	return p, nil
}

type Quote struct {
	SubtotalCents    int64  `json:"subtotal_cents"`
	DiscountCents    int64  `json:"discount_cents"`
	TaxCents         int64  `json:"tax_cents"`
	DeliveryFeeCents int64  `json:"delivery_fee_cents"`
	TotalCents       int64  `json:"total_cents"`
	PromoCode        string `json:"promo_code,omitempty"`
}

type StageEvent struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

type Order struct {
	OrderID        string       `json:"order_id"`
	OrderNumber    string       `json:"order_number"`
	ConversationID string       `json:"conversation_id,omitempty"`
	CustomerID     string       `json:"customer_id,omitempty"`
	Items          []Line       `json:"items"`
	Address        string       `json:"address"`
	Notes          string       `json:"notes,omitempty"`
	Quote          Quote        `json:"quote"`
	Stage          Stage        `json:"stage"`
	Timeline       []StageEvent `json:"timeline"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

type CreateInput struct {
	OrderID        string `json:"order_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	Items          []Line `json:"items"`
	Address        string `json:"address"`
	PromoCode      string `json:"promo_code,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// Engine prices and stores orders and tracks their lifecycle stage.
type Engine struct {
	store kv.Store
	menu  *Menu
	cfg   Config
	now   func() time.Time
	newID func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithMenu(menu *Menu) Option {
	return func(e *Engine) {
		if menu != nil {
			e.menu = menu
		}
	}
}

func New(store kv.Store, cfg Config, opts ...Option) *Engine {
	if cfg.TaxPercent <= 0 {
		cfg.TaxPercent = 8
	}
	if cfg.DeliveryFeeCents <= 0 {
		cfg.DeliveryFeeCents = 499
	}
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = 7 * 24 * time.Hour
	}
	e := &Engine{
		store: store,
		menu:  DefaultMenu(),
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Engine) Menu() *Menu { return e.menu }

func (e *Engine) ParseItems(text string) []Line { return e.menu.ParseItems(text) }

// normalize checks each line against the menu and fills in name, category and price.
func (e *Engine) normalize(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: order has no items", contractx.ErrValidation)
	}
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		it, ok := e.menu.Item(l.ItemID)
		if !ok {
			return nil, fmt.Errorf("%w: unknown menu item %q", contractx.ErrValidation, l.ItemID)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be > 0", contractx.ErrValidation, l.ItemID)
		}
		for _, c := range l.Customizations {
			if !it.allows(c) {
				return nil, fmt.Errorf("%w: %s does not offer %q", contractx.ErrValidation, it.Name, c)
			}
		}
		out = append(out, Line{
			ItemID:         it.ItemID,
			Name:           it.Name,
			Category:       it.Category,
			Quantity:       l.Quantity,
			UnitPriceCents: it.PriceCents,
			Customizations: l.Customizations,
		})
	}
	return out, nil
}

// Quote prices lines with an optional promo code.
func (e *Engine) Quote(lines []Line, promoCode string) (Quote, error) {
	lines, err := e.normalize(lines)
	if err != nil {
		return Quote{}, err
	}
	var promo Promo
	if strings.TrimSpace(promoCode) != "" {
		if promo, err = ValidatePromo(promoCode); err != nil {
			return Quote{}, err
		}
	}

	var q Quote
	for _, l := range lines {
		q.SubtotalCents += l.SubtotalCents()
	}
	q.PromoCode = promo.Code
	q.DiscountCents = percentOf(q.SubtotalCents, promo.DiscountPercent)
	taxable := q.SubtotalCents - q.DiscountCents
	q.TaxCents = percentOf(taxable, e.cfg.TaxPercent)
	if !promo.FreeDelivery {
		q.DeliveryFeeCents = e.cfg.DeliveryFeeCents
	}
	q.TotalCents = taxable + q.TaxCents + q.DeliveryFeeCents
	return q, nil
}

// Create stores a priced order. Creating an id that already exists returns
// the stored order unchanged.
func (e *Engine) Create(ctx context.Context, in CreateInput) (Order, error) {
	if strings.TrimSpace(in.Address) == "" {
		return Order{}, fmt.Errorf("%w: delivery address is required", contractx.ErrValidation)
	}
	lines, err := e.normalize(in.Items)
	if err != nil {
		return Order{}, err
	}
	quote, err := e.Quote(lines, in.PromoCode)
	if err != nil {
		return Order{}, err
	}

	id := strings.TrimSpace(in.OrderID)
	if id == "" {
		id = e.newID()
	}
	now := e.now().UTC()
	o := Order{
		OrderID:        id,
		OrderNumber:    orderNumber(id),
		ConversationID: in.ConversationID,
		CustomerID:     in.CustomerID,
		Items:          lines,
		Address:        strings.TrimSpace(in.Address),
		Notes:          in.Notes,
		Quote:          quote,
		Stage:          StagePlaced,
		Timeline:       []StageEvent{{Stage: StagePlaced, At: now}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := kv.SetNXJSON(ctx, e.store, orderKeyPrefix+id, o, e.cfg.OrderTTL)
	if err != nil {
		return Order{}, err
	}
	if !created {
		return e.Get(ctx, id)
	}
	log.Info().Str("order_id", id).Str("order_number", o.OrderNumber).Int64("total_cents", quote.TotalCents).Msg("order created")
	return o, nil
}

func orderNumber(id string) string {
	compact := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(compact) > 8 {
		compact = compact[:8]
	}
	return "ORD-" + compact
}

func (e *Engine) Get(ctx context.Context, orderID string) (Order, error) {
	o, err := kv.GetJSON[Order](ctx, e.store, orderKeyPrefix+orderID)
	if errors.Is(err, kv.ErrNotFound) {
		return Order{}, fmt.Errorf("%w: order %s", contractx.ErrNotFound, orderID)
	}
	if err != nil {
		return Order{}, err
	}
	return *o, nil
}

// AdvanceStage moves an order forward. Re-applying the current stage is a no-op.
func (e *Engine) AdvanceStage(ctx context.Context, orderID string, next Stage, note string) (Order, error) {
	o, err := kv.UpdateJSON(ctx, e.store, orderKeyPrefix+orderID, e.cfg.OrderTTL, func(o *Order, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: order %s", contractx.ErrNotFound, orderID)
		}
		if o.Stage == next {
			return kv.ErrSkip
		}
		allowed := false
		for _, s := range nextStages[o.Stage] {
			if s == next {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: order %s cannot move from %s to %s", contractx.ErrInvalidStatusTransition, orderID, o.Stage, next)
		}
		now := e.now().UTC()
		o.Stage = next
		o.UpdatedAt = now
		o.Timeline = append(o.Timeline, StageEvent{Stage: next, At: now, Note: note})
		return nil
	})
	if errors.Is(err, kv.ErrConflict) {
		return Order{}, fmt.Errorf("%w: %v", contractx.ErrTransient, err)
	}
	if err != nil {
		return Order{}, err
	}
	return *o, nil
}

// percentOf rounds half up to the nearest cent.
func percentOf(cents int64, pct int) int64 {
	return (cents*int64(pct) + 50) / 100
}
