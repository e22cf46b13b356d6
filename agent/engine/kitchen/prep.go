package kitchen

import "strings"

// Base preparation minutes per unit, keyed by category.
var baseMinutes = map[string]int{
	"pizza":  15,
	"burger": 8,
	"salad":  5,
	"drink":  1,
}

const (
	defaultBaseMinutes   = 10
	minutesPerOrderAhead = 2
	customizationExtra   = 3
	largeOrderExtra      = 5
	largeOrderItems      = 5
)

// CategoryOf returns the normalized category for a line, falling back to the
// item id prefix (pizza_margherita -> pizza).
func CategoryOf(it LineItem) string {
	cat := strings.ToLower(strings.TrimSpace(it.Category))
	if cat == "" {
		cat, _, _ = strings.Cut(strings.ToLower(it.ItemID), "_")
	}
	return strings.TrimSuffix(cat, "s")
}

// EstimatePrepTime returns whole minutes for a ticket with depthAhead orders
// in front of it. Work is done in hundredths of a minute and rounded up once.
func EstimatePrepTime(items []LineItem, depthAhead int, peak bool) int {
	total := 0
	count := 0
	customized := false
	for _, it := range items {
		qty := it.Quantity
		if qty <= 0 {
			qty = 1
		}
		base, ok := baseMinutes[CategoryOf(it)]
		if !ok {
			base = defaultBaseMinutes
		}
		total += base * qty * 100
		count += qty
		if len(it.Customizations) > 0 {
			customized = true
		}
	}
	if depthAhead > 0 {
		total += depthAhead * minutesPerOrderAhead * 100
	}
	if peak {
		total = total * 13 / 10
	}
	if customized {
		total += customizationExtra * 100
	}
	if count > largeOrderItems {
		total += largeOrderExtra * 100
	}
	return (total + 99) / 100
}
