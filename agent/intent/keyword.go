// Package intent holds the built-in keyword intent classifier.
package intent

import (
	"context"
	"fmt"
	"math"
	"strings"

	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
)

const (
	NewOrder       = "new_order"
	ModifyOrder    = "modify_order"
	OrderStatus    = "order_status"
	StockInquiry   = "stock_inquiry"
	DeliveryIssue  = "delivery_issue"
	CancelOrder    = "cancel_order"
	Complaint      = "complaint"
	RefundRequest  = "refund_request"
	GeneralInquiry = "general_inquiry"

	baseConfidence = 0.5
	perHit         = 0.2
)

type rule struct {
	intent   string
	worker   contractx.WorkerID
	keywords []string
}

// rules are checked in order; on equal hit counts the earlier rule wins.
var rules = []rule{
	{RefundRequest, contractx.WorkerSupport, []string{"refund", "money back", "return"}},
	{Complaint, contractx.WorkerSupport, []string{"complaint", "problem", "issue", "wrong", "bad", "cold", "missing", "soggy", "burnt"}},
	{CancelOrder, contractx.WorkerSupport, []string{"cancel", "nevermind", "don't want"}},
	{DeliveryIssue, contractx.WorkerDelivery, []string{"delivery", "driver", "address", "location", "arrive"}},
	{OrderStatus, contractx.WorkerKitchen, []string{"status", "where", "track", "eta", "when", "ready", "how long"}},
	{StockInquiry, contractx.WorkerInventory, []string{"in stock", "available", "availability", "out of", "sold out", "substitute", "instead"}},
	{ModifyOrder, contractx.WorkerOrder, []string{"change", "modify", "update", "add to"}},
	{NewOrder, contractx.WorkerOrder, []string{"order", "want", "get", "buy", "pizza", "burger", "salad", "food", "hungry"}},
}

// Keyword scores the text against fixed keyword lists. It is deterministic,
// so repeated calls with the same request give the same intent.
type Keyword struct{}

func (Keyword) Classify(ctx context.Context, req contractx.ClassifyRequest) (contractx.Intent, error) {
	if err := ctx.Err(); err != nil {
		return contractx.Intent{}, err
	}
	text := strings.ToLower(strings.TrimSpace(req.Text))
	if text == "" {
		return contractx.Intent{}, fmt.Errorf("%w: text is required", contractx.ErrValidation)
	}

	best, bestHits := -1, 0
	for i, r := range rules {
		hits := 0
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best < 0 {
		return contractx.Intent{Name: GeneralInquiry, Confidence: baseConfidence, Worker: contractx.WorkerRouter}, nil
	}
	confidence := math.Min(baseConfidence+perHit*float64(bestHits), 1)
	return contractx.Intent{
		Name:       rules[best].intent,
		Confidence: math.Round(confidence*100) / 100,
		Worker:     rules[best].worker,
	}, nil
}
