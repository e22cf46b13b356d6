package policy

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

type Category string

const (
	CategoryLateDelivery Category = "late_delivery"
	CategoryWrongItem    Category = "wrong_item"
	CategoryMissingItem  Category = "missing_item"
	CategoryQualityIssue Category = "quality_issue"
)

const (
	lateCreditPercent        = 10
	latePartialRefundPercent = 25
	itemCreditPercent        = 15
	// Refund share used when the affected item's cost is unknown.
	unknownItemRefundPercent = 30

	lateMinorLimit   = 15
	latePartialLimit = 30
)

type Config struct {
	QualityRefundPercent int `split_words:"true" default:"50"`
}

// Facts are the order/issue inputs a decision is computed from. Amounts are cents.
type Facts struct {
	OrderTotalCents int64 `json:"order_total_cents"`
	ItemCostCents   int64 `json:"item_cost_cents,omitempty"`
	DelayMinutes    int   `json:"delay_minutes,omitempty"`
}

type Decision struct {
	Category      Category `json:"category"`
	Rule          string   `json:"rule"`
	RefundCents   int64    `json:"refund_cents"`
	CreditCents   int64    `json:"credit_cents"`
	RefundPercent int      `json:"refund_percent,omitempty"`
	CreditPercent int      `json:"credit_percent,omitempty"`
	Summary       string   `json:"summary"`
}

// Engine resolves support issues over a fixed rule table. It holds no state.
type Engine struct {
	qualityRefundPercent int
}

func New(cfg Config) Engine {
	pct := cfg.QualityRefundPercent
	if pct <= 0 || pct > 100 {
		pct = 50
	}
	return Engine{qualityRefundPercent: pct}
}

func ParseCategory(raw string) (Category, error) {
	normalized := strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case "late_delivery", "late", "delay", "delayed":
		return CategoryLateDelivery, nil
	case "wrong_item", "wrong", "wrong_order":
		return CategoryWrongItem, nil
	case "missing_item", "missing":
		return CategoryMissingItem, nil
	case "quality_issue", "quality", "food_quality":
		return CategoryQualityIssue, nil
	default:
		return "", fmt.Errorf("%w: %q", contractx.ErrUnknownIssueCategory, raw)
	}
}

func (e Engine) Resolve(category string, facts Facts) (Decision, error) {
	cat, err := ParseCategory(category)
	if err != nil {
		return Decision{}, err
	}
	if facts.OrderTotalCents < 0 || facts.ItemCostCents < 0 {
		return Decision{}, fmt.Errorf("%w: amounts must be >= 0", contractx.ErrValidation)
	}
	if facts.DelayMinutes < 0 {
		return Decision{}, fmt.Errorf("%w: delay must be >= 0", contractx.ErrValidation)
	}

	total := facts.OrderTotalCents
	switch cat {
	case CategoryLateDelivery:
		switch {
		case facts.DelayMinutes < lateMinorLimit:
			return Decision{
				Category:      cat,
				Rule:          "late_under_15",
				CreditCents:   percentOf(total, lateCreditPercent),
				CreditPercent: lateCreditPercent,
				Summary:       fmt.Sprintf("%d%% credit toward your next order", lateCreditPercent),
			}, nil
		case facts.DelayMinutes <= latePartialLimit:
			return Decision{
				Category:      cat,
				Rule:          "late_15_to_30",
				RefundCents:   percentOf(total, latePartialRefundPercent),
				RefundPercent: latePartialRefundPercent,
				Summary:       fmt.Sprintf("%d%% refund", latePartialRefundPercent),
			}, nil
		default:
			return Decision{
				Category:      cat,
				Rule:          "late_over_30",
				RefundCents:   total,
				RefundPercent: 100,
				Summary:       "full refund",
			}, nil
		}

	case CategoryWrongItem, CategoryMissingItem:
		refund := facts.ItemCostCents
		rule := "item_cost"
		if refund == 0 {
			refund = percentOf(total, unknownItemRefundPercent)
			rule = "item_cost_estimated"
		}
		if refund > total && total > 0 {
			refund = total
		}
		return Decision{
			Category:      cat,
			Rule:          rule,
			RefundCents:   refund,
			CreditCents:   percentOf(total, itemCreditPercent),
			CreditPercent: itemCreditPercent,
			Summary:       fmt.Sprintf("refund of the item cost plus %d%% credit", itemCreditPercent),
		}, nil

	default:
		return Decision{
			Category:      cat,
			Rule:          "quality",
			RefundCents:   percentOf(total, e.qualityRefundPercent),
			RefundPercent: e.qualityRefundPercent,
			Summary:       fmt.Sprintf("%d%% refund", e.qualityRefundPercent),
		}, nil
	}
}

// percentOf rounds half up to the nearest cent.
func percentOf(cents int64, pct int) int64 {
	return (cents*int64(pct) + 50) / 100
}
