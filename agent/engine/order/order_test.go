package order

import (
	"context"
	"errors"
	"testing"
	"time"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
)

func newTestEngine() *Engine {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	return New(kv.NewMemoryStore(), Config{}, WithClock(func() time.Time { return now }))
}

func TestParseItemsQuantitiesAndCustomizations(t *testing.T) {
	t.Parallel()

	menu := DefaultMenu()
	got := menu.ParseItems("I'd like 2 pepperoni pizzas with extra cheese and 1 coke")
	if len(got) != 2 {
		t.Fatalf("ParseItems() = %+v", got)
	}
	if got[0].ItemID != "pizza_pepperoni" || got[0].Quantity != 2 {
		t.Fatalf("ParseItems()[0] = %+v", got[0])
	}
	if len(got[0].Customizations) != 1 || got[0].Customizations[0] != "extra_cheese" {
		t.Fatalf("customizations = %v, want [extra_cheese]", got[0].Customizations)
	}
	if got[1].ItemID != "drink_coke" || got[1].Quantity != 1 || len(got[1].Customizations) != 0 {
		t.Fatalf("ParseItems()[1] = %+v", got[1])
	}
}

func TestParseItemsByNameWithoutQuantity(t *testing.T) {
	t.Parallel()

	got := DefaultMenu().ParseItems("a caesar salad and a margherita please")
	if len(got) != 2 || got[0].ItemID != "pizza_margherita" || got[1].ItemID != "salad_caesar" {
		t.Fatalf("ParseItems() = %+v", got)
	}
	if got[0].Quantity != 1 || got[1].Quantity != 1 {
		t.Fatalf("quantities = %d,%d; want 1,1", got[0].Quantity, got[1].Quantity)
	}

	if none := DefaultMenu().ParseItems("what time do you close?"); len(none) != 0 {
		t.Fatalf("ParseItems(no items) = %+v", none)
	}
}

func TestQuoteAppliesPromoTaxAndFee(t *testing.T) {
	t.Parallel()

	engine := newTestEngine()
	lines := []Line{{ItemID: "pizza_pepperoni", Quantity: 2}, {ItemID: "drink_coke", Quantity: 1}}

	plain, err := engine.Quote(lines, "")
	if err != nil {
		t.Fatalf("Quote() error = %v", err)
	}
	// 2*1599 + 299 = 3497; tax 8% = 279.76 -> 280; fee 499.
	if plain.SubtotalCents != 3497 || plain.TaxCents != 280 || plain.DeliveryFeeCents != 499 || plain.TotalCents != 4276 {
		t.Fatalf("Quote() = %+v", plain)
	}

	save, err := engine.Quote(lines, "save20")
	if err != nil {
		t.Fatalf("Quote(SAVE20) error = %v", err)
	}
	// discount 699.4 -> 699; taxable 2798; tax 223.84 -> 224.
	if save.DiscountCents != 699 || save.TaxCents != 224 || save.TotalCents != 2798+224+499 {
		t.Fatalf("Quote(SAVE20) = %+v", save)
	}

	free, _ := engine.Quote(lines, "FREESHIP")
	if free.DeliveryFeeCents != 0 || free.DiscountCents != 0 {
		t.Fatalf("Quote(FREESHIP) = %+v", free)
	}

	if _, err := engine.Quote(lines, "BOGUS"); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Quote(BOGUS) error = %v, want ErrValidation", err)
	}
	if _, err := engine.Quote([]Line{{ItemID: "drink_water", Quantity: 1, Customizations: []string{"spicy"}}}, ""); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Quote(bad customization) error = %v, want ErrValidation", err)
	}
}

func TestCreateIsIdempotentPerOrderID(t *testing.T) {
	t.Parallel()

	engine := newTestEngine()
	ctx := context.Background()
	in := CreateInput{
		OrderID:        "3f2a9c1e-0000-4000-8000-000000000000",
		ConversationID: "conv-1",
		Items:          []Line{{ItemID: "burger_cheese", Quantity: 1}},
		Address:        "1 Main St",
	}

	first, err := engine.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if first.OrderNumber != "ORD-3F2A9C1E" || first.Stage != StagePlaced {
		t.Fatalf("Create() = %+v", first)
	}

	in.Items = []Line{{ItemID: "drink_water", Quantity: 9}}
	second, err := engine.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create() again error = %v", err)
	}
	if second.Quote.TotalCents != first.Quote.TotalCents || len(second.Items) != 1 || second.Items[0].ItemID != "burger_cheese" {
		t.Fatalf("Create() again = %+v, want the original order", second)
	}

	if _, err := engine.Create(ctx, CreateInput{Items: in.Items}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Create(no address) error = %v, want ErrValidation", err)
	}
}

func TestAdvanceStageEnforcesLifecycle(t *testing.T) {
	t.Parallel()

	engine := newTestEngine()
	ctx := context.Background()
	o, err := engine.Create(ctx, CreateInput{OrderID: "o-1", Items: []Line{{ItemID: "salad_greek", Quantity: 1}}, Address: "2 Side St"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := engine.AdvanceStage(ctx, o.OrderID, StageDelivery, ""); !errors.Is(err, contractx.ErrInvalidStatusTransition) {
		t.Fatalf("placed->delivery error = %v, want ErrInvalidStatusTransition", err)
	}
	for _, stage := range []Stage{StageKitchen, StageKitchen, StageDelivery} {
		if _, err := engine.AdvanceStage(ctx, o.OrderID, stage, ""); err != nil {
			t.Fatalf("AdvanceStage(%s) error = %v", stage, err)
		}
	}
	if _, err := engine.AdvanceStage(ctx, o.OrderID, StageCancelled, ""); !errors.Is(err, contractx.ErrInvalidStatusTransition) {
		t.Fatalf("delivery->cancelled error = %v, want ErrInvalidStatusTransition", err)
	}
	done, err := engine.AdvanceStage(ctx, o.OrderID, StageComplete, "delivered")
	if err != nil {
		t.Fatalf("AdvanceStage(complete) error = %v", err)
	}
	if len(done.Timeline) != 4 {
		t.Fatalf("timeline = %+v, want placed, kitchen, delivery, complete", done.Timeline)
	}

	if _, err := engine.AdvanceStage(ctx, "missing", StageKitchen, ""); !errors.Is(err, contractx.ErrNotFound) {
		t.Fatalf("AdvanceStage(missing) error = %v, want ErrNotFound", err)
	}
}
