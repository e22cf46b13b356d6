package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
)

const (
	itemKeyPrefix        = "inventory:item:"
	reservationKeyPrefix = "reservation:"

	defaultSubstituteLimit = 3
)

type Config struct {
	ReservationTTL    time.Duration `split_words:"true" default:"300s"`
	LowStockThreshold int           `split_words:"true" default:"10"`
}

// Item is the stored record for one stock-keeping unit. Holds live inside the
// record so one compare-and-set serializes every mutation of the item.
type Item struct {
	ItemID            string    `json:"item_id"`
	Name              string    `json:"name"`
	Category          string    `json:"category"`
	OnHand            int       `json:"on_hand"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	Holds             []Hold    `json:"holds,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Hold struct {
	ReservationID string    `json:"reservation_id"`
	OrderID       string    `json:"order_id"`
	Quantity      int       `json:"quantity"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type Reservation struct {
	ReservationID string    `json:"reservation_id"`
	ItemID        string    `json:"item_id"`
	OrderID       string    `json:"order_id"`
	Quantity      int       `json:"quantity"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type StockLevel struct {
	ItemID            string `json:"item_id"`
	Name              string `json:"name"`
	Category          string `json:"category"`
	OnHand            int    `json:"on_hand"`
	Reserved          int    `json:"reserved"`
	Available         int    `json:"available"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	LowStock          bool   `json:"low_stock"`
}

type StockOp string

const (
	StockSet      StockOp = "set"
	StockAdd      StockOp = "add"
	StockSubtract StockOp = "subtract"
)

// Engine manages stock counters and time-bounded holds on the shared store.
type Engine struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
	newID func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func New(store kv.Store, cfg Config, opts ...Option) *Engine {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 5 * time.Minute
	}
	if cfg.LowStockThreshold <= 0 {
		cfg.LowStockThreshold = 10
	}
	e := &Engine{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func itemKey(itemID string) string { return itemKeyPrefix + itemID }
func reservationKey(reservationID string) string { return reservationKeyPrefix + reservationID }

func (it *Item) reserved(now time.Time) int {
	total := 0
	for _, h := range it.Holds {
		if now.Before(h.ExpiresAt) {
			total += h.Quantity
		}
	}
	return total
}

func (it *Item) available(now time.Time) int {
	avail := it.OnHand - it.reserved(now)
	if avail < 0 {
		return 0
	}
	return avail
}

// pruneExpired drops dead holds and reports whether anything changed.
func (it *Item) pruneExpired(now time.Time) bool {
	kept := it.Holds[:0]
	for _, h := range it.Holds {
		if now.Before(h.ExpiresAt) {
			kept = append(kept, h)
		}
	}
	changed := len(kept) != len(it.Holds)
	it.Holds = kept
	return changed
}

func (it *Item) level(now time.Time) StockLevel {
	avail := it.available(now)
	return StockLevel{
		ItemID:            it.ItemID,
		Name:              it.Name,
		Category:          it.Category,
		OnHand:            it.OnHand,
		Reserved:          it.reserved(now),
		Available:         avail,
		LowStockThreshold: it.LowStockThreshold,
		LowStock:          avail <= it.LowStockThreshold,
	}
}

func (e *Engine) load(ctx context.Context, itemID string) (*Item, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, fmt.Errorf("%w: item id is required", contractx.ErrValidation)
	}
	it, err := kv.GetJSON[Item](ctx, e.store, itemKey(itemID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: item %s", contractx.ErrNotFound, itemID)
	}
	return it, err
}

// update applies fn to an existing item under compare-and-set.
func (e *Engine) update(ctx context.Context, itemID string, fn func(it *Item, now time.Time) error) (*Item, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, fmt.Errorf("%w: item id is required", contractx.ErrValidation)
	}
	it, err := kv.UpdateJSON(ctx, e.store, itemKey(itemID), 0, func(it *Item, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: item %s", contractx.ErrNotFound, itemID)
		}
		now := e.now()
		if err := fn(it, now); err != nil {
			return err
		}
		it.UpdatedAt = now.UTC()
		return nil
	})
	if errors.Is(err, kv.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", contractx.ErrTransient, err)
	}
	return it, err
}

func (e *Engine) CheckAvailability(ctx context.Context, itemID string) (int, error) {
	it, err := e.load(ctx, itemID)
	if err != nil {
		return 0, err
	}
	return it.available(e.now()), nil
}

func (e *Engine) Level(ctx context.Context, itemID string) (StockLevel, error) {
	it, err := e.load(ctx, itemID)
	if err != nil {
		return StockLevel{}, err
	}
	return it.level(e.now()), nil
}

// Reserve holds quantity units of the item for orderID until now+ttl.
// A non-positive ttl uses the configured default.
func (e *Engine) Reserve(ctx context.Context, itemID string, quantity int, orderID string, ttl time.Duration) (Reservation, error) {
	if quantity <= 0 {
		return Reservation{}, fmt.Errorf("%w: quantity must be > 0", contractx.ErrValidation)
	}
	if ttl <= 0 {
		ttl = e.cfg.ReservationTTL
	}

	var res Reservation
	_, err := e.update(ctx, itemID, func(it *Item, now time.Time) error {
		it.pruneExpired(now)
		if avail := it.available(now); quantity > avail {
			return fmt.Errorf("%w: item %s requested=%d available=%d", contractx.ErrInsufficientStock, itemID, quantity, avail)
		}
		res = Reservation{
			ReservationID: e.newID(),
			ItemID:        itemID,
			OrderID:       orderID,
			Quantity:      quantity,
			CreatedAt:     now.UTC(),
			ExpiresAt:     now.Add(ttl).UTC(),
		}
		it.Holds = append(it.Holds, Hold{
			ReservationID: res.ReservationID,
			OrderID:       orderID,
			Quantity:      quantity,
			CreatedAt:     res.CreatedAt,
			ExpiresAt:     res.ExpiresAt,
		})
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}

	if err := kv.SetJSON(ctx, e.store, reservationKey(res.ReservationID), res, ttl); err != nil {
		e.dropHold(ctx, itemID, res.ReservationID)
		return Reservation{}, err
	}
	return res, nil
}

// Release returns a reservation's quantity. Missing or expired reservations are a no-op.
func (e *Engine) Release(ctx context.Context, reservationID string) error {
	res, err := kv.GetJSON[Reservation](ctx, e.store, reservationKey(reservationID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = e.update(ctx, res.ItemID, func(it *Item, now time.Time) error {
		if !removeHold(it, reservationID) {
			return kv.ErrSkip
		}
		return nil
	})
	if err != nil && !errors.Is(err, contractx.ErrNotFound) {
		return err
	}
	return e.store.Delete(ctx, reservationKey(reservationID))
}

// Promote deducts the reserved quantity from on-hand stock for good.
func (e *Engine) Promote(ctx context.Context, reservationID string) (Reservation, error) {
	res, err := kv.GetJSON[Reservation](ctx, e.store, reservationKey(reservationID))
	if errors.Is(err, kv.ErrNotFound) {
		return Reservation{}, fmt.Errorf("%w: %s", contractx.ErrReservationNotFound, reservationID)
	}
	if err != nil {
		return Reservation{}, err
	}

	_, err = e.update(ctx, res.ItemID, func(it *Item, now time.Time) error {
		idx := -1
		for i, h := range it.Holds {
			if h.ReservationID == reservationID {
				idx = i
				break
			}
		}
		if idx < 0 || !now.Before(it.Holds[idx].ExpiresAt) {
			return fmt.Errorf("%w: %s expired", contractx.ErrReservationNotFound, reservationID)
		}
		it.OnHand -= it.Holds[idx].Quantity
		it.Holds = append(it.Holds[:idx], it.Holds[idx+1:]...)
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	if err := e.store.Delete(ctx, reservationKey(reservationID)); err != nil {
		log.Warn().Err(err).Str("reservation_id", reservationID).Msg("delete promoted reservation")
	}
	return *res, nil
}

// SuggestSubstitutes lists in-stock items of the same category, most available first.
func (e *Engine) SuggestSubstitutes(ctx context.Context, itemID string, limit int) ([]StockLevel, error) {
	origin, err := e.load(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSubstituteLimit
	}

	levels, err := e.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StockLevel, 0, limit)
	for _, lvl := range levels {
		if lvl.ItemID == origin.ItemID || lvl.Category != origin.Category || lvl.Available <= 0 {
			continue
		}
		out = append(out, lvl)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Available != out[j].Available {
			return out[i].Available > out[j].Available
		}
		return out[i].ItemID < out[j].ItemID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStock adjusts on-hand stock. The result may not drop below zero or
// below the quantity currently held.
func (e *Engine) UpdateStock(ctx context.Context, itemID string, quantity int, op StockOp) (StockLevel, error) {
	if quantity < 0 {
		return StockLevel{}, fmt.Errorf("%w: quantity must be >= 0", contractx.ErrValidation)
	}
	it, err := e.update(ctx, itemID, func(it *Item, now time.Time) error {
		it.pruneExpired(now)
		next := it.OnHand
		switch op {
		case StockSet:
			next = quantity
		case StockAdd:
			next += quantity
		case StockSubtract:
			next -= quantity
		default:
			return fmt.Errorf("%w: unknown stock operation %q", contractx.ErrValidation, op)
		}
		if next < 0 {
			return fmt.Errorf("%w: stock for %s cannot go below zero", contractx.ErrValidation, itemID)
		}
		if held := it.reserved(now); next < held {
			return fmt.Errorf("%w: stock for %s cannot go below reserved quantity %d", contractx.ErrValidation, itemID, held)
		}
		it.OnHand = next
		return nil
	})
	if err != nil {
		return StockLevel{}, err
	}
	return it.level(e.now()), nil
}

func (e *Engine) List(ctx context.Context) ([]StockLevel, error) {
	keys, err := e.store.Keys(ctx, itemKeyPrefix)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]StockLevel, 0, len(keys))
	for _, key := range keys {
		it, err := kv.GetJSON[Item](ctx, e.store, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, it.level(now))
	}
	return out, nil
}

func (e *Engine) LowStock(ctx context.Context) ([]StockLevel, error) {
	levels, err := e.List(ctx)
	if err != nil {
		return nil, err
	}
	out := levels[:0]
	for _, lvl := range levels {
		if lvl.LowStock {
			out = append(out, lvl)
		}
	}
	return out, nil
}

// Sweep drops expired holds from every item and reports how many were removed.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	keys, err := e.store.Keys(ctx, itemKeyPrefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		itemID := strings.TrimPrefix(key, itemKeyPrefix)
		dropped := 0
		_, err := e.update(ctx, itemID, func(it *Item, now time.Time) error {
			before := len(it.Holds)
			if !it.pruneExpired(now) {
				dropped = 0
				return kv.ErrSkip
			}
			dropped = before - len(it.Holds)
			return nil
		})
		if err != nil && !errors.Is(err, contractx.ErrNotFound) {
			return removed, err
		}
		removed += dropped
	}
	return removed, nil
}

// Seed stores items that do not exist yet and leaves existing ones untouched.
func (e *Engine) Seed(ctx context.Context, items []Item) (int, error) {
	created := 0
	for _, it := range items {
		if it.OnHand < 0 {
			return created, fmt.Errorf("%w: negative stock for %s", contractx.ErrValidation, it.ItemID)
		}
		if it.LowStockThreshold <= 0 {
			it.LowStockThreshold = e.cfg.LowStockThreshold
		}
		it.Holds = nil
		it.UpdatedAt = e.now().UTC()
		ok, err := kv.SetNXJSON(ctx, e.store, itemKey(it.ItemID), it, 0)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (e *Engine) dropHold(ctx context.Context, itemID, reservationID string) {
	_, err := e.update(ctx, itemID, func(it *Item, now time.Time) error {
		if !removeHold(it, reservationID) {
			return kv.ErrSkip
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("reservation_id", reservationID).Msg("roll back hold")
	}
}

func removeHold(it *Item, reservationID string) bool {
	for i, h := range it.Holds {
		if h.ReservationID == reservationID {
			it.Holds = append(it.Holds[:i], it.Holds[i+1:]...)
			return true
		}
	}
	return false
}
