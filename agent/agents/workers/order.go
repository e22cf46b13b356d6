package workers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/inventory"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/kitchen"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/order"
	toolx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/tool"
)

const (
	TaskBuildOrder   = "build_order"
	TaskConfirmOrder = "confirm_order"
)

var (
	addressPattern = regexp.MustCompile(`(?i)\b(?:deliver(?:y)?(?:\s+it)?\s+to|send(?:\s+it)?\s+to|my\s+address\s+is|address\s*(?:is|:))\s+(.+)$`)
	streetPattern  = regexp.MustCompile(`^\s*\d+\s+[A-Za-z]`)
	promoPattern   = regexp.MustCompile(`(?i)\b(?:promo|coupon|code)(?:\s+code)?\s*:?\s+([A-Za-z0-9]{3,20})\b`)
	confirmPattern = regexp.MustCompile(`(?i)^\s*(yes|yep|yeah|y|sure|ok|okay|confirm|place it|go ahead|sounds good)\b`)
	declinePattern = regexp.MustCompile(`(?i)^\s*(no|nope|cancel|never ?mind|forget it)\b`)
	removePattern  = regexp.MustCompile(`(?i)\b(remove|take off|drop|without the)\b`)
)

// Order builds a cart over several turns and places the order once the
// customer confirms. Every mutation carries an idempotency key derived from
// the checkout id, so a replayed confirmation never double-applies.
type Order struct {
	*base
	newID func() string
}

func NewOrder(ctx context.Context, deps Deps) (*Order, error) {
	w := &Order{newID: deps.NewID}
	if w.newID == nil {
		w.newID = uuid.NewString
	}
	b, err := newBase(ctx, contractx.WorkerOrder, deps, w.resolve)
	if err != nil {
		return nil, err
	}
	w.base = b
	return w, nil
}

type cartState struct {
	lines   []order.Line
	address string
	promo   string
	notes   []string
}

func (w *Order) resolve(ctx context.Context, t *turn) error {
	cart := cartState{
		address: t.st.ContextString(ctxAddress),
		promo:   t.st.ContextString(ctxPromo),
	}
	t.st.ContextInto(ctxCart, &cart.lines)

	if t.st.ActiveTask == TaskConfirmOrder {
		switch {
		case confirmPattern.MatchString(t.req.Text):
			return w.checkout(ctx, t, cart)
		case declinePattern.MatchString(t.req.Text):
			t.patch(ctxCart, nil)
			t.patch(ctxPromo, nil)
			t.patch(ctxCheckoutID, nil)
			t.result.Relinquish = true
			t.result.Text = "No problem, I've cleared your cart. Anything else I can help with?"
			return nil
		}
	}

	text := t.req.Text
	if m := addressPattern.FindStringSubmatchIndex(text); m != nil {
		cart.address = strings.TrimSpace(strings.TrimRight(text[m[2]:m[3]], ".!"))
		text = text[:m[0]]
	} else if cart.address == "" && len(cart.lines) > 0 && streetPattern.MatchString(text) {
		cart.address = strings.TrimSpace(strings.TrimRight(text, ".!"))
		text = ""
	}
	if m := promoPattern.FindStringSubmatch(text); m != nil {
		cart.promo = strings.ToUpper(m[1])
	}

	if strings.TrimSpace(text) != "" {
		var parsed []order.Line
		if err := w.call(ctx, t, toolx.OrderParseItems, map[string]any{"text": normalizeQuantities(text)}, "", &parsed); err != nil {
			return w.unavailable(t)
		}
		if removePattern.MatchString(text) {
			cart.lines = removeLines(cart.lines, parsed)
		} else {
			cart.lines = mergeLines(cart.lines, parsed)
		}
	}

	cart.lines = w.checkStock(ctx, t, &cart)
	return w.present(ctx, t, cart)
}

// checkStock drops lines the kitchen cannot cover and notes substitutes.
func (w *Order) checkStock(ctx context.Context, t *turn, cart *cartState) []order.Line {
	kept := cart.lines[:0:0]
	for _, line := range cart.lines {
		var level inventory.StockLevel
		if err := w.call(ctx, t, toolx.InventoryCheck, map[string]any{"item_id": line.ItemID}, "", &level); err != nil {
			kept = append(kept, line)
			continue
		}
		if level.Available >= line.Quantity {
			kept = append(kept, line)
			continue
		}
		if level.Available > 0 {
			cart.notes = append(cart.notes, fmt.Sprintf("We only have %d %s left, so I've adjusted the quantity.", level.Available, line.Name))
			line.Quantity = level.Available
			kept = append(kept, line)
			continue
		}
		cart.notes = append(cart.notes, w.substituteNote(ctx, t, line))
	}
	return kept
}

func (w *Order) substituteNote(ctx context.Context, t *turn, line order.Line) string {
	var subs []inventory.StockLevel
	if err := w.call(ctx, t, toolx.InventorySubstitutes, map[string]any{"item_id": line.ItemID, "limit": 3}, "", &subs); err != nil || len(subs) == 0 {
		return fmt.Sprintf("Sorry, we don't have enough %s.", line.Name)
	}
	names := make([]string, 0, len(subs))
	for _, s := range subs {
		names = append(names, s.Name)
	}
	return fmt.Sprintf("Sorry, we don't have enough %s. You could try %s instead.", line.Name, strings.Join(names, ", "))
}

func (w *Order) present(ctx context.Context, t *turn, cart cartState) error {
	t.patch(ctxCart, cart.lines)
	if cart.address != "" {
		t.patch(ctxAddress, cart.address)
	}
	notes := strings.Join(cart.notes, " ")

	if len(cart.lines) == 0 {
		t.result.Task = TaskBuildOrder
		t.result.Text = strings.TrimSpace(notes + " What would you like to order? We have pizzas, burgers, salads and drinks.")
		return nil
	}

	var quote order.Quote
	err := w.call(ctx, t, toolx.OrderQuote, map[string]any{"items": cart.lines, "promo_code": cart.promo}, "", &quote)
	if errors.Is(err, contractx.ErrValidation) && cart.promo != "" {
		notes = strings.TrimSpace(fmt.Sprintf("%s The code %s isn't valid, so I've left it off.", notes, cart.promo))
		cart.promo = ""
		err = w.call(ctx, t, toolx.OrderQuote, map[string]any{"items": cart.lines}, "", &quote)
	}
	if err != nil {
		return w.unavailable(t)
	}
	if cart.promo != "" {
		t.patch(ctxPromo, cart.promo)
	} else {
		t.patch(ctxPromo, nil)
	}

	summary := fmt.Sprintf("%s. Total %s including tax and delivery", describeLines(cart.lines), formatCents(quote.TotalCents))
	if quote.DiscountCents > 0 {
		summary += fmt.Sprintf(" (you save %s with %s)", formatCents(quote.DiscountCents), quote.PromoCode)
	}

	if cart.address == "" {
		t.result.Task = TaskBuildOrder
		t.result.Text = strings.TrimSpace(fmt.Sprintf("%s Your cart: %s. What's the delivery address?", notes, summary))
		return nil
	}
	// Each confirmation prompt mints its own checkout id.
	t.patch(ctxCheckoutID, w.newID())
	t.result.Task = TaskConfirmOrder
	t.result.Text = strings.TrimSpace(fmt.Sprintf("%s Your order: %s, delivered to %s. Shall I place it?", notes, summary, cart.address))
	return nil
}

func (w *Order) checkout(ctx context.Context, t *turn, cart cartState) error {
	if len(cart.lines) == 0 || cart.address == "" {
		return w.present(ctx, t, cart)
	}
	checkoutID := t.st.ContextString(ctxCheckoutID)
	if checkoutID == "" {
		checkoutID = w.newID()
	}
	t.patch(ctxCheckoutID, checkoutID)

	reservations := make([]inventory.Reservation, 0, len(cart.lines))
	for _, line := range cart.lines {
		var res inventory.Reservation
		err := w.call(ctx, t, toolx.InventoryReserve, map[string]any{
			"item_id":  line.ItemID,
			"quantity": line.Quantity,
			"order_id": checkoutID,
		}, checkoutID+":reserve:"+line.ItemID, &res)
		if err != nil {
			w.releaseAll(ctx, t, checkoutID, reservations)
			if errors.Is(err, contractx.ErrInsufficientStock) {
				cart.notes = append(cart.notes, w.substituteNote(ctx, t, line))
				cart.lines = removeLines(cart.lines, []order.Line{line})
				return w.present(ctx, t, cart)
			}
			t.patch(ctxCheckoutID, w.newID())
			return w.unavailable(t)
		}
		reservations = append(reservations, res)
	}

	var placed order.Order
	err := w.call(ctx, t, toolx.OrderCreate, order.CreateInput{
		OrderID:        checkoutID,
		ConversationID: t.st.ConversationID,
		CustomerID:     customerOf(t.st),
		Items:          cart.lines,
		Address:        cart.address,
		PromoCode:      cart.promo,
	}, checkoutID+":create", &placed)
	if err != nil {
		w.releaseAll(ctx, t, checkoutID, reservations)
		t.patch(ctxCheckoutID, w.newID())
		return w.unavailable(t)
	}

	for _, res := range reservations {
		if err := w.call(ctx, t, toolx.InventoryPromote, map[string]any{"reservation_id": res.ReservationID}, checkoutID+":promote:"+res.ReservationID, nil); err != nil {
			log.Error().Err(err).Str("order_id", placed.OrderID).Str("reservation_id", res.ReservationID).Msg("promote reservation")
		}
	}

	items := make([]kitchen.LineItem, 0, len(placed.Items))
	for _, l := range placed.Items {
		items = append(items, kitchen.LineItem{ItemID: l.ItemID, Category: l.Category, Quantity: l.Quantity, Customizations: l.Customizations})
	}
	var entry kitchen.Entry
	readyIn := ""
	if err := w.call(ctx, t, toolx.KitchenEnqueue, map[string]any{"order_id": placed.OrderID, "items": items}, checkoutID+":enqueue", &entry); err == nil {
		readyIn = fmt.Sprintf(" It should be ready in about %d minutes.", entry.EstimatedMinutes)
		if err := w.call(ctx, t, toolx.OrderAdvance, map[string]any{"order_id": placed.OrderID, "stage": string(order.StageKitchen)}, checkoutID+":stage:kitchen", nil); err != nil {
			log.Error().Err(err).Str("order_id", placed.OrderID).Msg("advance order to kitchen")
		}
	}
	if err := w.call(ctx, t, toolx.SupportRecordOrder, map[string]any{"customer_id": customerOf(t.st), "total_cents": placed.Quote.TotalCents}, checkoutID+":record", nil); err != nil {
		log.Warn().Err(err).Str("order_id", placed.OrderID).Msg("record customer order")
	}

	t.patch(ctxOrderID, placed.OrderID)
	t.patch(ctxOrderNumber, placed.OrderNumber)
	t.patch(ctxCart, nil)
	t.patch(ctxPromo, nil)
	t.patch(ctxCheckoutID, nil)
	t.result.Relinquish = true
	t.sayf("Order %s is placed! Total %s.%s", placed.OrderNumber, formatCents(placed.Quote.TotalCents), readyIn)
	return nil
}

func (w *Order) releaseAll(ctx context.Context, t *turn, checkoutID string, reservations []inventory.Reservation) {
	for _, res := range reservations {
		if err := w.call(ctx, t, toolx.InventoryRelease, map[string]any{"reservation_id": res.ReservationID}, checkoutID+":release:"+res.ReservationID, nil); err != nil {
			log.Error().Err(err).Str("reservation_id", res.ReservationID).Msg("release reservation")
		}
	}
}

func (w *Order) unavailable(t *turn) error {
	if t.result.Task == "" {
		t.result.Task = t.st.ActiveTask
	}
	t.quiet = true
	t.result.Text = "I'm having trouble reaching our ordering system right now. Please try again in a moment."
	return nil
}

func mergeLines(cart, add []order.Line) []order.Line {
	out := append([]order.Line(nil), cart...)
	for _, l := range add {
		merged := false
		for i := range out {
			if out[i].ItemID == l.ItemID {
				out[i].Quantity += l.Quantity
				out[i].Customizations = mergeStrings(out[i].Customizations, l.Customizations)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, l)
		}
	}
	return out
}

func removeLines(cart, drop []order.Line) []order.Line {
	out := make([]order.Line, 0, len(cart))
	for _, l := range cart {
		keep := true
		for _, d := range drop {
			if d.ItemID == l.ItemID {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, l)
		}
	}
	return out
}

func mergeStrings(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		found := false
		for _, have := range out {
			if have == s {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	return out
}

func describeLines(lines []order.Line) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		part := fmt.Sprintf("%dx %s", l.Quantity, l.Name)
		if len(l.Customizations) > 0 {
			part += " (" + strings.ReplaceAll(strings.Join(l.Customizations, ", "), "_", " ") + ")"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
