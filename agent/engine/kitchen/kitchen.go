package kitchen

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
)

const (
	queueKey         = "kitchen:queue"
	doneKeyPrefix    = "kitchen:done:"
	doneRetention    = 24 * time.Hour
	busyDepth        = 5
	baseWaitMinutes  = 5
	waitPerOrderMins = 3
)

type Status string

const (
	StatusReceived  Status = "received"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	// StatusHandedOff marks archived entries that left the queue.
	StatusHandedOff Status = "handed_off"
)

type Config struct {
	PriorityOffset time.Duration `split_words:"true" default:"10000s"`
	Capacity       int           `default:"3"`
	PeakHours      string        `split_words:"true" default:"11-13,18-20"`
	TimeZone       string        `split_words:"true" default:"Local"`
}

type LineItem struct {
	ItemID         string   `json:"item_id"`
	Category       string   `json:"category,omitempty"`
	Quantity       int      `json:"quantity"`
	Customizations []string `json:"customizations,omitempty"`
}

type Entry struct {
	OrderID          string     `json:"order_id"`
	Items            []LineItem `json:"items"`
	Score            int64      `json:"score"`
	Seq              int64      `json:"seq"`
	Priority         bool       `json:"priority"`
	Status           Status     `json:"status"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	EnqueuedAt       time.Time  `json:"enqueued_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	ReadyAt          *time.Time `json:"ready_at,omitempty"`
	HandedOffAt      *time.Time `json:"handed_off_at,omitempty"`
}

// ReadyBy is the time the entry is expected to be ready.
func (en Entry) ReadyBy() time.Time {
	switch {
	case en.ReadyAt != nil:
		return *en.ReadyAt
	case en.StartedAt != nil:
		return en.StartedAt.Add(time.Duration(en.EstimatedMinutes) * time.Minute)
	default:
		return en.EnqueuedAt.Add(time.Duration(en.EstimatedMinutes) * time.Minute)
	}
}

type queueDoc struct {
	Seq     int64   `json:"seq"`
	Entries []Entry `json:"entries"`
}

func (q *queueDoc) sort() {
	sort.SliceStable(q.Entries, func(i, j int) bool {
		if q.Entries[i].Score != q.Entries[j].Score {
			return q.Entries[i].Score < q.Entries[j].Score
		}
		return q.Entries[i].Seq < q.Entries[j].Seq
	})
}

func (q *queueDoc) find(orderID string) int {
	for i := range q.Entries {
		if q.Entries[i].OrderID == orderID {
			return i
		}
	}
	return -1
}

// floorScore is the lowest score a flagged entry may take: just behind every
// entry already being worked on.
func (q *queueDoc) floorScore() int64 {
	var floor int64
	for _, en := range q.Entries {
		if en.Status != StatusReceived && en.Score+1 > floor {
			floor = en.Score + 1
		}
	}
	return floor
}

type QueueStatus struct {
	Depth          int  `json:"depth"`
	Received       int  `json:"received"`
	Preparing      int  `json:"preparing"`
	Ready          int  `json:"ready"`
	AvgWaitMinutes int  `json:"avg_wait_minutes"`
	Busy           bool `json:"busy"`
}

type ETA struct {
	OrderID          string    `json:"order_id"`
	Status           Status    `json:"status"`
	Position         int       `json:"position"`
	RemainingMinutes int       `json:"remaining_minutes"`
	EstimatedReadyAt time.Time `json:"estimated_ready_at"`
}

type Transition struct {
	OrderID string `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
}

type window struct{ from, to int }

// Engine is a priority queue of kitchen tickets kept in a single store document.
type Engine struct {
	store    kv.Store
	offset   time.Duration
	capacity int
	peaks    []window
	loc      *time.Location
	now      func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(store kv.Store, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.PriorityOffset <= 0 {
		cfg.PriorityOffset = 10000 * time.Second
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 3
	}
	if strings.TrimSpace(cfg.PeakHours) == "" {
		cfg.PeakHours = "11-13,18-20"
	}
	peaks, err := parsePeakHours(cfg.PeakHours)
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.TimeZone); tz != "" && tz != "Local" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("kitchen: load time zone %q: %w", tz, err)
		}
	}

	e := &Engine{
		store:    store,
		offset:   cfg.PriorityOffset,
		capacity: cfg.Capacity,
		peaks:    peaks,
		loc:      loc,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func parsePeakHours(raw string) ([]window, error) {
	var out []window
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		from, to, ok := strings.Cut(part, "-")
		if !ok {
			to = from
		}
		f, err1 := strconv.Atoi(strings.TrimSpace(from))
		t, err2 := strconv.Atoi(strings.TrimSpace(to))
		if err1 != nil || err2 != nil || f < 0 || t > 23 || f > t {
			return nil, fmt.Errorf("kitchen: invalid peak window %q", part)
		}
		out = append(out, window{from: f, to: t})
	}
	return out, nil
}

// IsPeak reports whether t falls inside a configured peak window. Bounds are inclusive hours.
func (e *Engine) IsPeak(t time.Time) bool {
	hour := t.In(e.loc).Hour()
	for _, w := range e.peaks {
		if hour >= w.from && hour <= w.to {
			return true
		}
	}
	return false
}

func (e *Engine) update(ctx context.Context, fn func(q *queueDoc, now time.Time) error) (*queueDoc, error) {
	q, err := kv.UpdateJSON(ctx, e.store, queueKey, 0, func(q *queueDoc, _ bool) error {
		q.sort()
		return fn(q, e.now())
	})
	if errors.Is(err, kv.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", contractx.ErrTransient, err)
	}
	return q, err
}

func (e *Engine) load(ctx context.Context) (*queueDoc, error) {
	q, err := kv.GetJSON[queueDoc](ctx, e.store, queueKey)
	if errors.Is(err, kv.ErrNotFound) {
		return &queueDoc{}, nil
	}
	if err != nil {
		return nil, err
	}
	q.sort()
	return q, nil
}

// Enqueue places an order on the queue and returns its score.
func (e *Engine) Enqueue(ctx context.Context, orderID string, items []LineItem, priority bool) (Entry, error) {
	if strings.TrimSpace(orderID) == "" {
		return Entry{}, fmt.Errorf("%w: order id is required", contractx.ErrValidation)
	}
	if len(items) == 0 {
		return Entry{}, fmt.Errorf("%w: order %s has no items", contractx.ErrValidation, orderID)
	}

	var out Entry
	_, err := e.update(ctx, func(q *queueDoc, now time.Time) error {
		if q.find(orderID) >= 0 {
			return fmt.Errorf("%w: order %s already queued", contractx.ErrValidation, orderID)
		}
		score := now.UnixMilli()
		if priority {
			score = e.flaggedScore(q, score)
		}
		ahead := 0
		for _, en := range q.Entries {
			if en.Status != StatusReady && en.Score <= score {
				ahead++
			}
		}
		q.Seq++
		out = Entry{
			OrderID:          orderID,
			Items:            items,
			Score:            score,
			Seq:              q.Seq,
			Priority:         priority,
			Status:           StatusReceived,
			EstimatedMinutes: EstimatePrepTime(items, ahead, e.IsPeak(now)),
			EnqueuedAt:       now.UTC(),
		}
		q.Entries = append(q.Entries, out)
		q.sort()
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	log.Debug().Str("order_id", orderID).Int64("score", out.Score).Bool("priority", priority).Msg("kitchen enqueue")
	return out, nil
}

func (e *Engine) flaggedScore(q *queueDoc, score int64) int64 {
	flagged := score - e.offset.Milliseconds()
	if floor := q.floorScore(); flagged < floor {
		flagged = floor
	}
	if flagged > score {
		return score
	}
	return flagged
}

// Prioritize flags a received entry so it moves ahead of other received entries.
func (e *Engine) Prioritize(ctx context.Context, orderID string) (Entry, error) {
	var out Entry
	_, err := e.update(ctx, func(q *queueDoc, _ time.Time) error {
		idx := q.find(orderID)
		if idx < 0 {
			return fmt.Errorf("%w: order %s is not in the kitchen queue", contractx.ErrNotFound, orderID)
		}
		en := &q.Entries[idx]
		if en.Status != StatusReceived {
			return fmt.Errorf("%w: order %s is already %s", contractx.ErrInvalidStatusTransition, orderID, en.Status)
		}
		if en.Priority {
			out = *en
			return kv.ErrSkip
		}
		en.Score = e.flaggedScore(q, en.Score)
		en.Priority = true
		out = *en
		q.sort()
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return out, nil
}

// AdvanceStatus moves an entry one step along received, preparing, ready.
func (e *Engine) AdvanceStatus(ctx context.Context, orderID string, next Status) (Entry, error) {
	var out Entry
	_, err := e.update(ctx, func(q *queueDoc, now time.Time) error {
		idx := q.find(orderID)
		if idx < 0 {
			return fmt.Errorf("%w: order %s is not in the kitchen queue", contractx.ErrNotFound, orderID)
		}
		if err := advance(&q.Entries[idx], next, now); err != nil {
			return err
		}
		out = q.Entries[idx]
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return out, nil
}

func advance(en *Entry, next Status, now time.Time) error {
	at := now.UTC()
	switch {
	case en.Status == StatusReceived && next == StatusPreparing:
		en.StartedAt = &at
	case en.Status == StatusPreparing && next == StatusReady:
		en.ReadyAt = &at
	default:
		return fmt.Errorf("%w: %s -> %s for order %s", contractx.ErrInvalidStatusTransition, en.Status, next, en.OrderID)
	}
	en.Status = next
	return nil
}

// Peek returns every queued entry in service order.
func (e *Engine) Peek(ctx context.Context) ([]Entry, error) {
	q, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	return q.Entries, nil
}

// DequeueReady removes all ready entries in service order and archives them.
func (e *Engine) DequeueReady(ctx context.Context) ([]Entry, error) {
	var taken []Entry
	_, err := e.update(ctx, func(q *queueDoc, now time.Time) error {
		taken = taken[:0]
		kept := make([]Entry, 0, len(q.Entries))
		for _, en := range q.Entries {
			if en.Status == StatusReady {
				taken = append(taken, en)
				continue
			}
			kept = append(kept, en)
		}
		if len(taken) == 0 {
			return kv.ErrSkip
		}
		q.Entries = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, en := range taken {
		e.archive(ctx, en)
	}
	return taken, nil
}

// HandOver removes one ready entry from the queue and archives it.
func (e *Engine) HandOver(ctx context.Context, orderID string) (Entry, error) {
	var out Entry
	_, err := e.update(ctx, func(q *queueDoc, _ time.Time) error {
		idx := q.find(orderID)
		if idx < 0 {
			return fmt.Errorf("%w: order %s is not in the kitchen queue", contractx.ErrNotFound, orderID)
		}
		if q.Entries[idx].Status != StatusReady {
			return fmt.Errorf("%w: order %s is %s, not ready", contractx.ErrInvalidStatusTransition, orderID, q.Entries[idx].Status)
		}
		out = q.Entries[idx]
		q.Entries = append(q.Entries[:idx], q.Entries[idx+1:]...)
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	e.archive(ctx, out)
	return out, nil
}

func (e *Engine) archive(ctx context.Context, en Entry) {
	at := e.now().UTC()
	en.Status = StatusHandedOff
	en.HandedOffAt = &at
	if err := kv.SetJSON(ctx, e.store, doneKeyPrefix+en.OrderID, en, doneRetention); err != nil {
		log.Warn().Err(err).Str("order_id", en.OrderID).Msg("archive kitchen entry")
	}
}

// Reevaluate finishes entries whose estimate has elapsed and starts received
// entries while capacity allows.
func (e *Engine) Reevaluate(ctx context.Context) ([]Transition, error) {
	var moved []Transition
	_, err := e.update(ctx, func(q *queueDoc, now time.Time) error {
		moved = moved[:0]
		preparing := 0
		for i := range q.Entries {
			en := &q.Entries[i]
			if en.Status != StatusPreparing {
				continue
			}
			if !now.Before(en.ReadyBy()) {
				_ = advance(en, StatusReady, now)
				moved = append(moved, Transition{OrderID: en.OrderID, From: StatusPreparing, To: StatusReady})
				continue
			}
			preparing++
		}
		for i := range q.Entries {
			if preparing >= e.capacity {
				break
			}
			en := &q.Entries[i]
			if en.Status != StatusReceived {
				continue
			}
			_ = advance(en, StatusPreparing, now)
			preparing++
			moved = append(moved, Transition{OrderID: en.OrderID, From: StatusReceived, To: StatusPreparing})
		}
		if len(moved) == 0 {
			return kv.ErrSkip
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

func (e *Engine) QueueStatus(ctx context.Context) (QueueStatus, error) {
	q, err := e.load(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	var st QueueStatus
	for _, en := range q.Entries {
		switch en.Status {
		case StatusReceived:
			st.Received++
		case StatusPreparing:
			st.Preparing++
		case StatusReady:
			st.Ready++
		}
	}
	st.Depth = st.Received + st.Preparing
	st.AvgWaitMinutes = baseWaitMinutes + waitPerOrderMins*st.Depth
	st.Busy = st.Depth > busyDepth
	return st, nil
}

// OrderETA reports where an order is in the kitchen. The queue is
// re-evaluated first so the answer reflects elapsed time.
func (e *Engine) OrderETA(ctx context.Context, orderID string) (ETA, error) {
	if _, err := e.Reevaluate(ctx); err != nil && !contractx.IsTransient(err) {
		return ETA{}, err
	}
	q, err := e.load(ctx)
	if err != nil {
		return ETA{}, err
	}
	now := e.now()
	if idx := q.find(orderID); idx >= 0 {
		en := q.Entries[idx]
		readyBy := en.ReadyBy()
		return ETA{
			OrderID:          orderID,
			Status:           en.Status,
			Position:         idx + 1,
			RemainingMinutes: remainingMinutes(now, readyBy),
			EstimatedReadyAt: readyBy,
		}, nil
	}

	done, err := kv.GetJSON[Entry](ctx, e.store, doneKeyPrefix+orderID)
	if errors.Is(err, kv.ErrNotFound) {
		return ETA{}, fmt.Errorf("%w: order %s is not in the kitchen", contractx.ErrNotFound, orderID)
	}
	if err != nil {
		return ETA{}, err
	}
	return ETA{OrderID: orderID, Status: done.Status, EstimatedReadyAt: done.ReadyBy()}, nil
}

func remainingMinutes(now, until time.Time) int {
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
