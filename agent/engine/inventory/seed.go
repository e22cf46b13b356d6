package inventory

// DefaultItems is the starting stock for a fresh store.
func DefaultItems() []Item {
	return []Item{
		{ItemID: "pizza_pepperoni", Name: "Pepperoni Pizza", Category: "pizza", OnHand: 50, LowStockThreshold: 10},
		{ItemID: "pizza_margherita", Name: "Margherita Pizza", Category: "pizza", OnHand: 45, LowStockThreshold: 10},
		{ItemID: "pizza_veggie", Name: "Veggie Pizza", Category: "pizza", OnHand: 40, LowStockThreshold: 10},
		{ItemID: "burger_cheese", Name: "Cheeseburger", Category: "burger", OnHand: 30, LowStockThreshold: 8},
		{ItemID: "burger_chicken", Name: "Chicken Burger", Category: "burger", OnHand: 25, LowStockThreshold: 8},
		{ItemID: "burger_veggie", Name: "Veggie Burger", Category: "burger", OnHand: 20, LowStockThreshold: 8},
		{ItemID: "salad_caesar", Name: "Caesar Salad", Category: "salad", OnHand: 20, LowStockThreshold: 5},
		{ItemID: "salad_greek", Name: "Greek Salad", Category: "salad", OnHand: 18, LowStockThreshold: 5},
		{ItemID: "drink_coke", Name: "Coca-Cola", Category: "drink", OnHand: 100, LowStockThreshold: 20},
		{ItemID: "drink_water", Name: "Bottled Water", Category: "drink", OnHand: 150, LowStockThreshold: 30},
	}
}
