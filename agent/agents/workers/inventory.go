package workers

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/inventory"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/order"
	toolx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/tool"
)

// Inventory answers stock questions. It never holds a task.
type Inventory struct {
	*base
}

func NewInventory(ctx context.Context, deps Deps) (*Inventory, error) {
	w := &Inventory{}
	b, err := newBase(ctx, contractx.WorkerInventory, deps, w.resolve)
	if err != nil {
		return nil, err
	}
	w.base = b
	return w, nil
}

func (w *Inventory) resolve(ctx context.Context, t *turn) error {
	t.result.Relinquish = true
	text := strings.ToLower(t.req.Text)

	if containsAny(text, "low stock", "running low", "running out") {
		var low []inventory.StockLevel
		if err := w.call(ctx, t, toolx.InventoryLowStock, nil, "", &low); err != nil {
			return w.unavailable(t)
		}
		if len(low) == 0 {
			t.result.Text = "Everything is well stocked right now."
			return nil
		}
		t.sayf("Running low: %s.", describeLevels(low))
		return nil
	}

	var lines []order.Line
	if err := w.call(ctx, t, toolx.OrderParseItems, map[string]any{"text": normalizeQuantities(t.req.Text)}, "", &lines); err != nil {
		return w.unavailable(t)
	}
	if len(lines) == 0 {
		var all []inventory.StockLevel
		if err := w.call(ctx, t, toolx.InventoryList, nil, "", &all); err != nil {
			return w.unavailable(t)
		}
		in, out := make([]string, 0, len(all)), make([]string, 0, 2)
		for _, lvl := range all {
			if lvl.Available > 0 {
				in = append(in, lvl.Name)
			} else {
				out = append(out, lvl.Name)
			}
		}
		t.sayf("Available right now: %s.", strings.Join(in, ", "))
		if len(out) > 0 {
			t.result.Text += fmt.Sprintf(" Sold out: %s.", strings.Join(out, ", "))
		}
		return nil
	}

	answers := make([]string, 0, len(lines))
	for _, line := range lines {
		var level inventory.StockLevel
		if err := w.call(ctx, t, toolx.InventoryCheck, map[string]any{"item_id": line.ItemID}, "", &level); err != nil {
			answers = append(answers, fmt.Sprintf("I couldn't check %s just now.", line.Name))
			continue
		}
		switch {
		case level.Available == 0:
			var subs []inventory.StockLevel
			if err := w.call(ctx, t, toolx.InventorySubstitutes, map[string]any{"item_id": line.ItemID, "limit": 3}, "", &subs); err != nil || len(subs) == 0 {
				answers = append(answers, fmt.Sprintf("%s is sold out.", level.Name))
				continue
			}
			answers = append(answers, fmt.Sprintf("%s is sold out, but we have %s.", level.Name, describeLevels(subs)))
		case level.Available < line.Quantity:
			answers = append(answers, fmt.Sprintf("We only have %d %s left.", level.Available, level.Name))
		case level.LowStock:
			answers = append(answers, fmt.Sprintf("%s is available, only %d left.", level.Name, level.Available))
		default:
			answers = append(answers, fmt.Sprintf("%s is available.", level.Name))
		}
	}
	t.result.Text = strings.Join(answers, " ")
	return nil
}

func (w *Inventory) unavailable(t *turn) error {
	t.quiet = true
	t.result.Text = "I can't check stock right now. Please try again in a moment."
	return nil
}

func describeLevels(levels []inventory.StockLevel) string {
	parts := make([]string, 0, len(levels))
	for _, lvl := range levels {
		parts = append(parts, fmt.Sprintf("%s (%d left)", lvl.Name, lvl.Available))
	}
	return strings.Join(parts, ", ")
}
