package support

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/policy"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
)

const (
	refundKeyPrefix     = "refund:"
	creditKeyPrefix     = "credit:"
	ticketKeyPrefix     = "ticket:"
	escalationKeyPrefix = "escalation:"
	customerKeyPrefix   = "customer:"
)

type Config struct {
	AutoRefundLimitCents int64         `split_words:"true" default:"10000"`
	RefundTTL            time.Duration `split_words:"true" default:"720h"`
	CreditTTL            time.Duration `split_words:"true" default:"2160h"`
	TicketTTL            time.Duration `split_words:"true" default:"720h"`
	EscalationTTL        time.Duration `split_words:"true" default:"168h"`
}

type Refund struct {
	RefundID    string    `json:"refund_id"`
	OrderID     string    `json:"order_id"`
	CustomerID  string    `json:"customer_id"`
	AmountCents int64     `json:"amount_cents"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status"`
	IssuedAt    time.Time `json:"issued_at"`
}

type RefundResult struct {
	Refund           *Refund `json:"refund,omitempty"`
	RequiresApproval bool    `json:"requires_approval"`
	EscalationID     string  `json:"escalation_id,omitempty"`
}

type Credit struct {
	CreditID    string    `json:"credit_id"`
	CustomerID  string    `json:"customer_id"`
	AmountCents int64     `json:"amount_cents"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Ticket struct {
	TicketID   string    `json:"ticket_id"`
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Category   string    `json:"category"`
	Details    string    `json:"details"`
	Status     string    `json:"status"`
	Priority   string    `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
}

type Escalation struct {
	EscalationID string         `json:"escalation_id"`
	OrderID      string         `json:"order_id"`
	Reason       string         `json:"reason"`
	Context      map[string]any `json:"context,omitempty"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Customer is the running account summary for one customer.
type Customer struct {
	CustomerID         string    `json:"customer_id"`
	CreditBalanceCents int64     `json:"credit_balance_cents"`
	TotalOrders        int       `json:"total_orders"`
	TotalSpentCents    int64     `json:"total_spent_cents"`
	RefundCount        int       `json:"refund_count"`
	ComplaintCount     int       `json:"complaint_count"`
	IsVIP              bool      `json:"is_vip"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type Resolution struct {
	Decision policy.Decision `json:"decision"`
	Refund   *RefundResult   `json:"refund,omitempty"`
	Credit   *Credit         `json:"credit,omitempty"`
}

// Ledger records refunds, credits, tickets and escalations.
type Ledger struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
	newID func() string
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.newID = fn
		}
	}
}

func New(store kv.Store, cfg Config, opts ...Option) *Ledger {
	if cfg.AutoRefundLimitCents <= 0 {
		cfg.AutoRefundLimitCents = 10000
	}
	if cfg.RefundTTL <= 0 {
		cfg.RefundTTL = 30 * 24 * time.Hour
	}
	if cfg.CreditTTL <= 0 {
		cfg.CreditTTL = 90 * 24 * time.Hour
	}
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = 30 * 24 * time.Hour
	}
	if cfg.EscalationTTL <= 0 {
		cfg.EscalationTTL = 7 * 24 * time.Hour
	}
	l := &Ledger{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// IssueRefund processes a refund up to the auto-approve limit. Larger amounts
// are escalated and reported as requiring approval.
func (l *Ledger) IssueRefund(ctx context.Context, orderID, customerID string, amountCents int64, reason string) (RefundResult, error) {
	if amountCents <= 0 {
		return RefundResult{}, fmt.Errorf("%w: refund amount must be > 0", contractx.ErrValidation)
	}
	if amountCents > l.cfg.AutoRefundLimitCents {
		esc, err := l.Escalate(ctx, orderID, fmt.Sprintf("refund approval needed: %s - %s", FormatCents(amountCents), reason), map[string]any{
			"amount_cents": amountCents,
			"reason":       reason,
			"customer_id":  customerID,
		})
		if err != nil {
			return RefundResult{}, err
		}
		return RefundResult{RequiresApproval: true, EscalationID: esc.EscalationID}, nil
	}

	refund := Refund{
		RefundID:    l.newID(),
		OrderID:     orderID,
		CustomerID:  customerID,
		AmountCents: amountCents,
		Reason:      reason,
		Status:      "processed",
		IssuedAt:    l.now().UTC(),
	}
	if err := kv.SetJSON(ctx, l.store, refundKeyPrefix+refund.RefundID, refund, l.cfg.RefundTTL); err != nil {
		return RefundResult{}, err
	}
	if customerID != "" {
		if _, err := l.updateCustomer(ctx, customerID, func(c *Customer) { c.RefundCount++ }); err != nil {
			return RefundResult{}, err
		}
	}
	log.Info().Str("order_id", orderID).Str("refund_id", refund.RefundID).Int64("amount_cents", amountCents).Msg("refund issued")
	return RefundResult{Refund: &refund}, nil
}

// ApplyCredit stores a credit record and raises the customer's balance.
func (l *Ledger) ApplyCredit(ctx context.Context, customerID string, amountCents int64, reason string) (Credit, error) {
	if strings.TrimSpace(customerID) == "" {
		return Credit{}, fmt.Errorf("%w: customer id is required", contractx.ErrValidation)
	}
	if amountCents <= 0 {
		return Credit{}, fmt.Errorf("%w: credit amount must be > 0", contractx.ErrValidation)
	}
	now := l.now().UTC()
	credit := Credit{
		CreditID:    l.newID(),
		CustomerID:  customerID,
		AmountCents: amountCents,
		Reason:      reason,
		Status:      "active",
		IssuedAt:    now,
		ExpiresAt:   now.Add(l.cfg.CreditTTL),
	}
	if err := kv.SetJSON(ctx, l.store, creditKeyPrefix+credit.CreditID, credit, l.cfg.CreditTTL); err != nil {
		return Credit{}, err
	}
	if _, err := l.updateCustomer(ctx, customerID, func(c *Customer) { c.CreditBalanceCents += amountCents }); err != nil {
		return Credit{}, err
	}
	return credit, nil
}

func (l *Ledger) CreateTicket(ctx context.Context, orderID, customerID, category, details string) (Ticket, error) {
	ticket := Ticket{
		TicketID:   l.newID(),
		OrderID:    orderID,
		CustomerID: customerID,
		Category:   category,
		Details:    details,
		Status:     "open",
		Priority:   "normal",
		CreatedAt:  l.now().UTC(),
	}
	if err := kv.SetJSON(ctx, l.store, ticketKeyPrefix+ticket.TicketID, ticket, l.cfg.TicketTTL); err != nil {
		return Ticket{}, err
	}
	if customerID != "" {
		if _, err := l.updateCustomer(ctx, customerID, func(c *Customer) { c.ComplaintCount++ }); err != nil {
			return Ticket{}, err
		}
	}
	return ticket, nil
}

// Escalate hands an issue to human review.
func (l *Ledger) Escalate(ctx context.Context, orderID, reason string, details map[string]any) (Escalation, error) {
	esc := Escalation{
		EscalationID: l.newID(),
		OrderID:      orderID,
		Reason:       reason,
		Context:      details,
		Status:       "pending_review",
		CreatedAt:    l.now().UTC(),
	}
	if err := kv.SetJSON(ctx, l.store, escalationKeyPrefix+esc.EscalationID, esc, l.cfg.EscalationTTL); err != nil {
		return Escalation{}, err
	}
	log.Warn().Str("order_id", orderID).Str("escalation_id", esc.EscalationID).Str("reason", reason).Msg("escalated to human")
	return esc, nil
}

func (l *Ledger) Escalation(ctx context.Context, escalationID string) (Escalation, error) {
	esc, err := kv.GetJSON[Escalation](ctx, l.store, escalationKeyPrefix+escalationID)
	if errors.Is(err, kv.ErrNotFound) {
		return Escalation{}, fmt.Errorf("%w: escalation %s", contractx.ErrNotFound, escalationID)
	}
	if err != nil {
		return Escalation{}, err
	}
	return *esc, nil
}

// CustomerHistory returns the account summary. Unknown customers get an empty summary.
func (l *Ledger) CustomerHistory(ctx context.Context, customerID string) (Customer, error) {
	c, err := kv.GetJSON[Customer](ctx, l.store, customerKeyPrefix+customerID)
	if errors.Is(err, kv.ErrNotFound) {
		return Customer{CustomerID: customerID}, nil
	}
	if err != nil {
		return Customer{}, err
	}
	return *c, nil
}

// RecordOrder adds a placed order to the customer's totals.
func (l *Ledger) RecordOrder(ctx context.Context, customerID string, totalCents int64) (Customer, error) {
	if strings.TrimSpace(customerID) == "" {
		return Customer{}, fmt.Errorf("%w: customer id is required", contractx.ErrValidation)
	}
	return l.updateCustomer(ctx, customerID, func(c *Customer) {
		c.TotalOrders++
		c.TotalSpentCents += totalCents
	})
}

// ApplyDecision carries out a policy decision for one order.
func (l *Ledger) ApplyDecision(ctx context.Context, orderID, customerID string, d policy.Decision) (Resolution, error) {
	res := Resolution{Decision: d}
	reason := fmt.Sprintf("%s: %s", d.Category, d.Summary)
	if d.RefundCents > 0 {
		refund, err := l.IssueRefund(ctx, orderID, customerID, d.RefundCents, reason)
		if err != nil {
			return Resolution{}, err
		}
		res.Refund = &refund
	}
	if d.CreditCents > 0 && customerID != "" {
		credit, err := l.ApplyCredit(ctx, customerID, d.CreditCents, reason)
		if err != nil {
			return res, err
		}
		res.Credit = &credit
	}
	return res, nil
}

func (l *Ledger) updateCustomer(ctx context.Context, customerID string, fn func(c *Customer)) (Customer, error) {
	c, err := kv.UpdateJSON(ctx, l.store, customerKeyPrefix+customerID, 0, func(c *Customer, exists bool) error {
		if !exists {
			c.CustomerID = customerID
		}
		fn(c)
		c.UpdatedAt = l.now().UTC()
		return nil
	})
	if errors.Is(err, kv.ErrConflict) {
		return Customer{}, fmt.Errorf("%w: %v", contractx.ErrTransient, err)
	}
	if err != nil {
		return Customer{}, err
	}
	return *c, nil
}

// FormatCents renders an amount as dollars, e.g. 1299 -> "$12.99".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
