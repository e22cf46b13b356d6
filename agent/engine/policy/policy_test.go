package policy

import (
	"errors"
	"testing"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

func TestResolveLateDeliveryBoundaries(t *testing.T) {
	t.Parallel()

	engine := New(Config{})
	cases := []struct {
		delay      int
		wantRule   string
		wantRefund int64
		wantCredit int64
	}{
		{delay: 0, wantRule: "late_under_15", wantCredit: 400},
		{delay: 14, wantRule: "late_under_15", wantCredit: 400},
		{delay: 15, wantRule: "late_15_to_30", wantRefund: 1000},
		{delay: 20, wantRule: "late_15_to_30", wantRefund: 1000},
		{delay: 30, wantRule: "late_15_to_30", wantRefund: 1000},
		{delay: 31, wantRule: "late_over_30", wantRefund: 4000},
	}

	for _, tc := range cases {
		got, err := engine.Resolve("late_delivery", Facts{OrderTotalCents: 4000, DelayMinutes: tc.delay})
		if err != nil {
			t.Fatalf("Resolve(delay=%d) error = %v", tc.delay, err)
		}
		if got.Rule != tc.wantRule || got.RefundCents != tc.wantRefund || got.CreditCents != tc.wantCredit {
			t.Fatalf("Resolve(delay=%d) = %+v", tc.delay, got)
		}
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	t.Parallel()

	engine := New(Config{QualityRefundPercent: 50})
	facts := Facts{OrderTotalCents: 2599, DelayMinutes: 22}
	first, err := engine.Resolve("late delivery", facts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := engine.Resolve("late delivery", facts)
		if again != first {
			t.Fatalf("Resolve() = %+v, want %+v", again, first)
		}
	}
	if first.RefundCents != 650 {
		t.Fatalf("RefundCents = %d, want 650 (25%% of 2599 rounded half up)", first.RefundCents)
	}
}

func TestResolveWrongItemUsesItemCostPlusCredit(t *testing.T) {
	t.Parallel()

	engine := New(Config{})
	got, err := engine.Resolve("wrong_item", Facts{OrderTotalCents: 3000, ItemCostCents: 1299})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.RefundCents != 1299 || got.CreditCents != 450 {
		t.Fatalf("Resolve() = %+v", got)
	}

	estimated, err := engine.Resolve("missing", Facts{OrderTotalCents: 3000})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if estimated.Rule != "item_cost_estimated" || estimated.RefundCents != 900 {
		t.Fatalf("Resolve() without item cost = %+v", estimated)
	}
}

func TestResolveQualityIssueRateIsConfigurable(t *testing.T) {
	t.Parallel()

	got, err := New(Config{QualityRefundPercent: 40}).Resolve("quality_issue", Facts{OrderTotalCents: 1000})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.RefundCents != 400 || got.RefundPercent != 40 {
		t.Fatalf("Resolve() = %+v", got)
	}
}

func TestResolveRejectsUnknownCategoryAndNegativeDelay(t *testing.T) {
	t.Parallel()

	engine := New(Config{})
	if _, err := engine.Resolve("rude_driver", Facts{}); !errors.Is(err, contractx.ErrUnknownIssueCategory) {
		t.Fatalf("Resolve(unknown) error = %v, want ErrUnknownIssueCategory", err)
	}
	if _, err := engine.Resolve("late_delivery", Facts{DelayMinutes: -1}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Resolve(negative delay) error = %v, want ErrValidation", err)
	}
}
