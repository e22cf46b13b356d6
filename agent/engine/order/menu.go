package order

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type MenuItem struct {
	ItemID         string   `json:"item_id"`
	Name           string   `json:"name"`
	Category       string   `json:"category"`
	PriceCents     int64    `json:"price_cents"`
	Sizes          []string `json:"sizes,omitempty"`
	Customizations []string `json:"customizations,omitempty"`
	// Aliases are lower-case phrases that name the item on their own.
	Aliases []string `json:"-"`
}

func (m MenuItem) allows(customization string) bool {
	for _, c := range m.Customizations {
		if c == customization {
			return true
		}
	}
	return false
}

// Line is one parsed or ordered menu line.
type Line struct {
	ItemID         string   `json:"item_id"`
	Name           string   `json:"name"`
	Category       string   `json:"category"`
	Quantity       int      `json:"quantity"`
	UnitPriceCents int64    `json:"unit_price_cents"`
	Customizations []string `json:"customizations,omitempty"`
}

func (l Line) SubtotalCents() int64 { return l.UnitPriceCents * int64(l.Quantity) }

type Menu struct {
	items []MenuItem
	byID  map[string]MenuItem
}

func NewMenu(items []MenuItem) *Menu {
	m := &Menu{items: items, byID: make(map[string]MenuItem, len(items))}
	for _, it := range items {
		m.byID[it.ItemID] = it
	}
	return m
}

func DefaultMenu() *Menu {
	return NewMenu([]MenuItem{
		{ItemID: "pizza_pepperoni", Name: "Pepperoni Pizza", Category: "pizza", PriceCents: 1599, Sizes: []string{"small", "medium", "large"}, Customizations: []string{"extra_cheese", "no_onions", "thin_crust"}, Aliases: []string{"pepperoni"}},
		{ItemID: "pizza_margherita", Name: "Margherita Pizza", Category: "pizza", PriceCents: 1499, Sizes: []string{"small", "medium", "large"}, Customizations: []string{"extra_cheese", "no_basil", "thin_crust"}, Aliases: []string{"margherita"}},
		{ItemID: "pizza_veggie", Name: "Veggie Pizza", Category: "pizza", PriceCents: 1499, Sizes: []string{"small", "medium", "large"}, Customizations: []string{"extra_cheese", "thin_crust"}, Aliases: []string{"veggie pizza"}},
		{ItemID: "burger_cheese", Name: "Cheeseburger", Category: "burger", PriceCents: 1299, Sizes: []string{"regular", "double"}, Customizations: []string{"no_onions", "no_pickles", "extra_cheese"}, Aliases: []string{"cheeseburger", "cheese burger"}},
		{ItemID: "burger_chicken", Name: "Chicken Burger", Category: "burger", PriceCents: 1399, Sizes: []string{"regular"}, Customizations: []string{"spicy", "no_mayo", "extra_sauce"}, Aliases: []string{"chicken burger"}},
		{ItemID: "burger_veggie", Name: "Veggie Burger", Category: "burger", PriceCents: 1199, Sizes: []string{"regular"}, Customizations: []string{"no_onions", "no_pickles"}, Aliases: []string{"veggie burger"}},
		{ItemID: "salad_caesar", Name: "Caesar Salad", Category: "salad", PriceCents: 999, Sizes: []string{"regular", "large"}, Customizations: []string{"no_croutons", "extra_dressing", "add_chicken"}, Aliases: []string{"caesar"}},
		{ItemID: "salad_greek", Name: "Greek Salad", Category: "salad", PriceCents: 1099, Sizes: []string{"regular", "large"}, Customizations: []string{"no_olives", "extra_feta"}, Aliases: []string{"greek"}},
		{ItemID: "drink_coke", Name: "Coca-Cola", Category: "drink", PriceCents: 299, Sizes: []string{"regular", "large"}, Aliases: []string{"coke", "cola"}},
		{ItemID: "drink_water", Name: "Bottled Water", Category: "drink", PriceCents: 199, Sizes: []string{"regular"}, Aliases: []string{"water"}},
	})
}

func (m *Menu) Item(itemID string) (MenuItem, bool) {
	it, ok := m.byID[itemID]
	return it, ok
}

// Items lists the menu, optionally filtered by category.
func (m *Menu) Items(category string) []MenuItem {
	category = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(category)), "s")
	out := make([]MenuItem, 0, len(m.items))
	for _, it := range m.items {
		if category == "" || it.Category == category {
			out = append(out, it)
		}
	}
	return out
}

var quantityPattern = regexp.MustCompile(`(\d+)\s+([a-z][a-z-]*)`)

// ParseItems extracts menu lines from free text. "2 pepperoni" style
// quantities win; otherwise every named item counts once. Customizations are
// picked up when their phrase ("extra cheese") appears in the text.
func (m *Menu) ParseItems(text string) []Line {
	lower := strings.ToLower(text)
	qty := map[string]int{}
	var order []string
	add := func(itemID string, n int) {
		if _, seen := qty[itemID]; !seen {
			order = append(order, itemID)
		}
		qty[itemID] += n
	}

	for _, match := range quantityPattern.FindAllStringSubmatch(lower, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n <= 0 {
			continue
		}
		if it, ok := m.matchWord(match[2]); ok {
			add(it.ItemID, n)
		}
	}
	if len(order) == 0 {
		for _, it := range m.items {
			if m.mentions(lower, it) {
				add(it.ItemID, 1)
			}
		}
	}

	lines := make([]Line, 0, len(order))
	for _, id := range order {
		it := m.byID[id]
		line := Line{
			ItemID:         it.ItemID,
			Name:           it.Name,
			Category:       it.Category,
			Quantity:       qty[id],
			UnitPriceCents: it.PriceCents,
		}
		for _, c := range it.Customizations {
			if strings.Contains(lower, strings.ReplaceAll(c, "_", " ")) {
				line.Customizations = append(line.Customizations, c)
			}
		}
		lines = append(lines, line)
	}
	return lines
}

func (m *Menu) matchWord(word string) (MenuItem, bool) {
	candidates := []string{word, strings.TrimSuffix(word, "s")}
	for _, w := range candidates {
		if w == "" {
			continue
		}
		for _, it := range m.items {
			if strings.Contains(strings.ToLower(it.Name), w) {
				return it, true
			}
			for _, alias := range it.Aliases {
				if alias == w {
					return it, true
				}
			}
		}
	}
	return MenuItem{}, false
}

func (m *Menu) mentions(lower string, it MenuItem) bool {
	if strings.Contains(lower, strings.ToLower(it.Name)) {
		return true
	}
	for _, alias := range it.Aliases {
		if strings.Contains(lower, alias) {
			return true
		}
	}
	return false
}

// Categories returns the distinct menu categories in sorted order.
func (m *Menu) Categories() []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range m.items {
		if !seen[it.Category] {
			seen[it.Category] = true
			out = append(out, it.Category)
		}
	}
	sort.Strings(out)
	return out
}
