package support

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/policy"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
)

func newTestLedger() *Ledger {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	var (
		mu  sync.Mutex
		seq int
	)
	return New(kv.NewMemoryStore(), Config{},
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	)
}

func TestIssueRefundEscalatesAboveLimit(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger()
	ctx := context.Background()

	small, err := ledger.IssueRefund(ctx, "o-1", "c-1", 10000, "late")
	if err != nil {
		t.Fatalf("IssueRefund(10000) error = %v", err)
	}
	if small.RequiresApproval || small.Refund == nil || small.Refund.Status != "processed" {
		t.Fatalf("IssueRefund(10000) = %+v", small)
	}

	big, err := ledger.IssueRefund(ctx, "o-2", "c-1", 10001, "cold food")
	if err != nil {
		t.Fatalf("IssueRefund(10001) error = %v", err)
	}
	if !big.RequiresApproval || big.Refund != nil || big.EscalationID == "" {
		t.Fatalf("IssueRefund(10001) = %+v", big)
	}
	esc, err := ledger.Escalation(ctx, big.EscalationID)
	if err != nil {
		t.Fatalf("Escalation() error = %v", err)
	}
	if esc.Status != "pending_review" || esc.OrderID != "o-2" {
		t.Fatalf("Escalation() = %+v", esc)
	}

	history, _ := ledger.CustomerHistory(ctx, "c-1")
	if history.RefundCount != 1 {
		t.Fatalf("RefundCount = %d, want 1", history.RefundCount)
	}

	if _, err := ledger.IssueRefund(ctx, "o-3", "c-1", 0, "none"); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("IssueRefund(0) error = %v, want ErrValidation", err)
	}
}

func TestApplyCreditAccumulatesUnderConcurrency(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.ApplyCredit(ctx, "c-9", 150, "sorry"); err != nil {
				t.Errorf("ApplyCredit() error = %v", err)
			}
		}()
	}
	wg.Wait()

	history, err := ledger.CustomerHistory(ctx, "c-9")
	if err != nil {
		t.Fatalf("CustomerHistory() error = %v", err)
	}
	if history.CreditBalanceCents != 1500 {
		t.Fatalf("CreditBalanceCents = %d, want 1500", history.CreditBalanceCents)
	}
}

func TestApplyDecisionExecutesRefundAndCredit(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger()
	ctx := context.Background()
	decision, err := policy.New(policy.Config{}).Resolve("missing_item", policy.Facts{OrderTotalCents: 4000, ItemCostCents: 999})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	res, err := ledger.ApplyDecision(ctx, "o-1", "c-1", decision)
	if err != nil {
		t.Fatalf("ApplyDecision() error = %v", err)
	}
	if res.Refund == nil || res.Refund.Refund.AmountCents != 999 {
		t.Fatalf("refund = %+v", res.Refund)
	}
	if res.Credit == nil || res.Credit.AmountCents != 600 {
		t.Fatalf("credit = %+v", res.Credit)
	}
	history, _ := ledger.CustomerHistory(ctx, "c-1")
	if history.CreditBalanceCents != 600 || history.RefundCount != 1 {
		t.Fatalf("CustomerHistory() = %+v", history)
	}
}

func TestCustomerHistoryTracksOrdersAndTickets(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger()
	ctx := context.Background()

	empty, err := ledger.CustomerHistory(ctx, "new")
	if err != nil || empty.TotalOrders != 0 {
		t.Fatalf("CustomerHistory(new) = %+v, %v", empty, err)
	}

	_, _ = ledger.RecordOrder(ctx, "c-2", 2599)
	_, _ = ledger.RecordOrder(ctx, "c-2", 1401)
	if _, err := ledger.CreateTicket(ctx, "o-1", "c-2", "quality_issue", "soggy"); err != nil {
		t.Fatalf("CreateTicket() error = %v", err)
	}
	got, _ := ledger.CustomerHistory(ctx, "c-2")
	if got.TotalOrders != 2 || got.TotalSpentCents != 4000 || got.ComplaintCount != 1 {
		t.Fatalf("CustomerHistory() = %+v", got)
	}
}

func TestFormatCents(t *testing.T) {
	t.Parallel()

	for cents, want := range map[int64]string{0: "$0.00", 5: "$0.05", 1299: "$12.99", -250: "-$2.50"} {
		if got := FormatCents(cents); got != want {
			t.Fatalf("FormatCents(%d) = %q, want %q", cents, got, want)
		}
	}
}
