package kitchen

import "testing"

func TestEstimatePrepTime(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		items []LineItem
		ahead int
		peak  bool
		want  int
	}{
		{
			name:  "two pizzas off peak",
			items: []LineItem{{ItemID: "pizza_pepperoni", Quantity: 2}},
			want:  30,
		},
		{
			name:  "queue depth and peak multiplier round up",
			items: []LineItem{{ItemID: "pizza_pepperoni", Quantity: 2}},
			ahead: 1,
			peak:  true,
			want:  42,
		},
		{
			name:  "customization adds three minutes after the multiplier",
			items: []LineItem{{ItemID: "burger_cheese", Quantity: 1, Customizations: []string{"no_onions"}}},
			peak:  true,
			want:  14,
		},
		{
			name: "large orders add five minutes",
			items: []LineItem{
				{ItemID: "drink_coke", Quantity: 4},
				{ItemID: "salad_caesar", Quantity: 2},
			},
			want: 19,
		},
		{
			name:  "explicit plural category and unknown category",
			items: []LineItem{{ItemID: "x", Category: "Salads", Quantity: 1}, {ItemID: "soup_tomato", Quantity: 1}},
			want:  15,
		},
	}

	for _, tc := range cases {
		if got := EstimatePrepTime(tc.items, tc.ahead, tc.peak); got != tc.want {
			t.Fatalf("%s: EstimatePrepTime() = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestEstimatePrepTimeMonotonicInDepth(t *testing.T) {
	t.Parallel()

	items := []LineItem{{ItemID: "burger_chicken", Quantity: 3, Customizations: []string{"spicy"}}}
	for _, peak := range []bool{false, true} {
		prev := 0
		for depth := 0; depth < 20; depth++ {
			got := EstimatePrepTime(items, depth, peak)
			if depth > 0 && got <= prev {
				t.Fatalf("EstimatePrepTime(depth=%d, peak=%v) = %d, not above %d", depth, peak, got, prev)
			}
			prev = got
		}
	}
}

func TestEstimatePrepTimeModifiersAddTime(t *testing.T) {
	t.Parallel()

	plain := []LineItem{{ItemID: "burger_cheese", Quantity: 2}}
	custom := []LineItem{{ItemID: "burger_cheese", Quantity: 2, Customizations: []string{"no_onions"}}}

	for depth := 0; depth < 5; depth++ {
		off := EstimatePrepTime(plain, depth, false)
		on := EstimatePrepTime(plain, depth, true)
		if on <= off {
			t.Fatalf("depth %d: peak = %d, off peak = %d, want peak strictly longer", depth, on, off)
		}
		for _, peak := range []bool{false, true} {
			base := EstimatePrepTime(plain, depth, peak)
			if got := EstimatePrepTime(custom, depth, peak); got != base+customizationExtra {
				t.Fatalf("depth %d peak %v: customized = %d, want %d", depth, peak, got, base+customizationExtra)
			}
		}
	}

	five := EstimatePrepTime([]LineItem{{ItemID: "drink_coke", Quantity: 5}}, 0, false)
	six := EstimatePrepTime([]LineItem{{ItemID: "drink_coke", Quantity: 6}}, 0, false)
	if five != 5 {
		t.Fatalf("five drinks = %d, want 5 with no large order extra", five)
	}
	if six != 6+largeOrderExtra {
		t.Fatalf("six drinks = %d, want %d", six, 6+largeOrderExtra)
	}
}
