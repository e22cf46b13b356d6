package delivery

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
	driverKeyPrefix     = "driver:"
	assignmentKeyPrefix = "delivery:"
	issueKeyPrefix      = "issue:"

	maxAssignAttempts = 8
)

type DriverStatus string

const (
	DriverAvailable  DriverStatus = "available"
	DriverAssigned   DriverStatus = "assigned"
	DriverDelivering DriverStatus = "delivering"
	DriverOffline    DriverStatus = "offline"
)

type AssignmentStatus string

const (
	StatusAssigned   AssignmentStatus = "assigned"
	StatusDelivering AssignmentStatus = "delivering"
	StatusDelivered  AssignmentStatus = "delivered"
)

type Config struct {
	KitchenLat          float64       `split_words:"true" default:"40.7128"`
	KitchenLng          float64       `split_words:"true" default:"-74.0060"`
	MinRating           float64       `split_words:"true" default:"4.0"`
	AssignmentTTL       time.Duration `split_words:"true" default:"2h"`
	IssueTTL            time.Duration `split_words:"true" default:"24h"`
	NoDriverWaitMinutes int           `split_words:"true" default:"15"`
}

type Driver struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Status          DriverStatus `json:"status"`
	Location        Location     `json:"location"`
	Rating          float64      `json:"rating"`
	Vehicle         string       `json:"vehicle"`
	CurrentOrder    string       `json:"current_order,omitempty"`
	CompletedToday  int          `json:"completed_today"`
	TotalDeliveries int          `json:"total_deliveries"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// AvailableDriver is a driver together with its distance to the kitchen.
type AvailableDriver struct {
	Driver
	DistanceKm float64 `json:"distance_km"`
}

type AssignRequest struct {
	OrderID     string    `json:"order_id"`
	Destination *Location `json:"destination,omitempty"`
	Address     string    `json:"address,omitempty"`
}

type Assignment struct {
	OrderID          string           `json:"order_id"`
	DriverID         string           `json:"driver_id"`
	DriverName       string           `json:"driver_name"`
	Vehicle          string           `json:"vehicle"`
	Status           AssignmentStatus `json:"status"`
	Address          string           `json:"address,omitempty"`
	Destination      *Location        `json:"destination,omitempty"`
	DistanceKm       float64          `json:"distance_km"`
	ETAMinutes       int              `json:"eta_minutes"`
	AssignedAt       time.Time        `json:"assigned_at"`
	PickedUpAt       *time.Time       `json:"picked_up_at,omitempty"`
	DeliveredAt      *time.Time       `json:"delivered_at,omitempty"`
	EstimatedArrival time.Time        `json:"estimated_arrival"`
}

type Issue struct {
	TicketID    string    `json:"ticket_id"`
	OrderID     string    `json:"order_id"`
	DriverID    string    `json:"driver_id,omitempty"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type ETA struct {
	Assignment
	RemainingMinutes int `json:"remaining_minutes"`
}

type Transition struct {
	OrderID string           `json:"order_id"`
	From    AssignmentStatus `json:"from"`
	To      AssignmentStatus `json:"to"`
}

var errDriverTaken = errors.New("driver taken")

// Engine assigns drivers to orders and tracks deliveries on the shared store.
type Engine struct {
	store   kv.Store
	cfg     Config
	kitchen Location
	now     func() time.Time
	newID   func() string
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
	if cfg.KitchenLat == 0 && cfg.KitchenLng == 0 {
		cfg.KitchenLat, cfg.KitchenLng = 40.7128, -74.0060
	}
	if cfg.MinRating <= 0 {
		cfg.MinRating = 4.0
	}
	if cfg.AssignmentTTL <= 0 {
		cfg.AssignmentTTL = 2 * time.Hour
	}
	if cfg.IssueTTL <= 0 {
		cfg.IssueTTL = 24 * time.Hour
	}
	if cfg.NoDriverWaitMinutes <= 0 {
		cfg.NoDriverWaitMinutes = 15
	}
	e := &Engine{
		store:   store,
		cfg:     cfg,
		kitchen: Location{Lat: cfg.KitchenLat, Lng: cfg.KitchenLng},
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Engine) Kitchen() Location { return e.kitchen }

// NoDriverWait is the wait quoted to customers when nobody can be assigned.
func (e *Engine) NoDriverWait() int { return e.cfg.NoDriverWaitMinutes }

func driverKey(id string) string { return driverKeyPrefix + id }
func assignmentKey(orderID string) string { return assignmentKeyPrefix + orderID }

func translate(err error) error {
	if errors.Is(err, kv.ErrConflict) {
		return fmt.Errorf("%w: %v", contractx.ErrTransient, err)
	}
	return err
}

func (e *Engine) drivers(ctx context.Context) ([]Driver, error) {
	keys, err := e.store.Keys(ctx, driverKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Driver, 0, len(keys))
	for _, key := range keys {
		d, err := kv.GetJSON[Driver](ctx, e.store, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// ListAvailableDrivers returns free drivers ordered by distance to the kitchen, then id.
func (e *Engine) ListAvailableDrivers(ctx context.Context) ([]AvailableDriver, error) {
	all, err := e.drivers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AvailableDriver, 0, len(all))
	for _, d := range all {
		if d.Status != DriverAvailable || d.CurrentOrder != "" {
			continue
		}
		out = append(out, AvailableDriver{Driver: d, DistanceKm: DistanceKm(d.Location, e.kitchen)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (e *Engine) candidates(ctx context.Context) ([]AvailableDriver, error) {
	free, err := e.ListAvailableDrivers(ctx)
	if err != nil {
		return nil, err
	}
	out := free[:0]
	for _, d := range free {
		if d.Rating > e.cfg.MinRating {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Assign binds the closest qualified driver to the order. An order that
// already has an assignment gets it back unchanged.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) (Assignment, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return Assignment{}, fmt.Errorf("%w: order id is required", contractx.ErrValidation)
	}
	if req.Destination != nil && !req.Destination.Valid() {
		return Assignment{}, fmt.Errorf("%w: destination out of range", contractx.ErrValidation)
	}

	for attempt := 0; attempt < maxAssignAttempts; attempt++ {
		if existing, err := e.Assignment(ctx, req.OrderID); err == nil {
			return existing, nil
		} else if !errors.Is(err, contractx.ErrNotFound) {
			return Assignment{}, err
		}

		cands, err := e.candidates(ctx)
		if err != nil {
			return Assignment{}, err
		}
		if len(cands) == 0 {
			return Assignment{}, fmt.Errorf("%w: estimated wait %d minutes", contractx.ErrNoDriverAvailable, e.cfg.NoDriverWaitMinutes)
		}

		chosen := cands[0]
		if err := e.bind(ctx, chosen.ID, req.OrderID); err != nil {
			if errors.Is(err, errDriverTaken) {
				continue
			}
			return Assignment{}, translate(err)
		}

		now := e.now()
		distance := chosen.DistanceKm
		if req.Destination != nil {
			distance += DistanceKm(e.kitchen, *req.Destination)
		}
		eta := EstimateETA(distance)
		a := Assignment{
			OrderID:          req.OrderID,
			DriverID:         chosen.ID,
			DriverName:       chosen.Name,
			Vehicle:          chosen.Vehicle,
			Status:           StatusAssigned,
			Address:          req.Address,
			Destination:      req.Destination,
			DistanceKm:       distance,
			ETAMinutes:       eta,
			AssignedAt:       now.UTC(),
			EstimatedArrival: now.Add(time.Duration(eta) * time.Minute).UTC(),
		}
		ok, err := kv.SetNXJSON(ctx, e.store, assignmentKey(req.OrderID), a, e.cfg.AssignmentTTL)
		if err != nil || !ok {
			e.unbind(ctx, chosen.ID, req.OrderID)
			if err != nil {
				return Assignment{}, err
			}
			continue
		}
		log.Info().Str("order_id", req.OrderID).Str("driver_id", chosen.ID).Int("eta_minutes", eta).Msg("driver assigned")
		return a, nil
	}
	return Assignment{}, fmt.Errorf("%w: assignment for %s kept racing", contractx.ErrTransient, req.OrderID)
}

func (e *Engine) bind(ctx context.Context, driverID, orderID string) error {
	_, err := kv.UpdateJSON(ctx, e.store, driverKey(driverID), 0, func(d *Driver, exists bool) error {
		if !exists || d.Status != DriverAvailable || d.CurrentOrder != "" {
			return errDriverTaken
		}
		d.Status = DriverAssigned
		d.CurrentOrder = orderID
		d.UpdatedAt = e.now().UTC()
		return nil
	})
	return err
}

func (e *Engine) unbind(ctx context.Context, driverID, orderID string) {
	_, err := kv.UpdateJSON(ctx, e.store, driverKey(driverID), 0, func(d *Driver, exists bool) error {
		if !exists || d.CurrentOrder != orderID {
			return kv.ErrSkip
		}
		d.Status = DriverAvailable
		d.CurrentOrder = ""
		d.UpdatedAt = e.now().UTC()
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("driver_id", driverID).Msg("release driver")
	}
}

func (e *Engine) Assignment(ctx context.Context, orderID string) (Assignment, error) {
	a, err := kv.GetJSON[Assignment](ctx, e.store, assignmentKey(orderID))
	if errors.Is(err, kv.ErrNotFound) {
		return Assignment{}, fmt.Errorf("%w: no delivery for order %s", contractx.ErrNotFound, orderID)
	}
	if err != nil {
		return Assignment{}, err
	}
	return *a, nil
}

func (e *Engine) updateAssignment(ctx context.Context, orderID string, fn func(a *Assignment, now time.Time) error) (*Assignment, error) {
	a, err := kv.UpdateJSON(ctx, e.store, assignmentKey(orderID), e.cfg.AssignmentTTL, func(a *Assignment, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: no delivery for order %s", contractx.ErrNotFound, orderID)
		}
		return fn(a, e.now())
	})
	return a, translate(err)
}

// PickUp marks the order as collected from the kitchen and restarts the ETA clock.
func (e *Engine) PickUp(ctx context.Context, orderID string) (Assignment, error) {
	a, err := e.updateAssignment(ctx, orderID, func(a *Assignment, now time.Time) error {
		if a.Status != StatusAssigned {
			return fmt.Errorf("%w: delivery %s is %s", contractx.ErrInvalidStatusTransition, orderID, a.Status)
		}
		at := now.UTC()
		a.Status = StatusDelivering
		a.PickedUpAt = &at
		a.EstimatedArrival = at.Add(time.Duration(a.ETAMinutes) * time.Minute)
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}

	_, err = kv.UpdateJSON(ctx, e.store, driverKey(a.DriverID), 0, func(d *Driver, exists bool) error {
		if !exists || d.CurrentOrder != orderID {
			return kv.ErrSkip
		}
		d.Status = DriverDelivering
		d.UpdatedAt = e.now().UTC()
		return nil
	})
	if err != nil {
		return *a, translate(err)
	}
	return *a, nil
}

// Complete marks the delivery as delivered and frees the driver.
func (e *Engine) Complete(ctx context.Context, orderID string) (Assignment, error) {
	a, err := e.updateAssignment(ctx, orderID, func(a *Assignment, now time.Time) error {
		if a.Status != StatusDelivering {
			return fmt.Errorf("%w: delivery %s is %s", contractx.ErrInvalidStatusTransition, orderID, a.Status)
		}
		at := now.UTC()
		a.Status = StatusDelivered
		a.DeliveredAt = &at
		return nil
	})
	if err != nil {
		return Assignment{}, err
	}

	_, err = kv.UpdateJSON(ctx, e.store, driverKey(a.DriverID), 0, func(d *Driver, exists bool) error {
		if !exists || d.CurrentOrder != orderID {
			return kv.ErrSkip
		}
		d.Status = DriverAvailable
		d.CurrentOrder = ""
		d.CompletedToday++
		d.TotalDeliveries++
		if a.Destination != nil {
			d.Location = *a.Destination
		}
		d.UpdatedAt = e.now().UTC()
		return nil
	})
	if err != nil {
		return *a, translate(err)
	}
	return *a, nil
}

// Reevaluate completes deliveries whose estimated arrival has passed.
func (e *Engine) Reevaluate(ctx context.Context) ([]Transition, error) {
	keys, err := e.store.Keys(ctx, assignmentKeyPrefix)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var moved []Transition
	for _, key := range keys {
		a, err := kv.GetJSON[Assignment](ctx, e.store, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return moved, err
		}
		if a.Status != StatusDelivering || now.Before(a.EstimatedArrival) {
			continue
		}
		if _, err := e.Complete(ctx, a.OrderID); err != nil {
			if errors.Is(err, contractx.ErrInvalidStatusTransition) {
				continue
			}
			return moved, err
		}
		moved = append(moved, Transition{OrderID: a.OrderID, From: StatusDelivering, To: StatusDelivered})
	}
	return moved, nil
}

// DeliveryETA reports the delivery state and minutes left for an order.
func (e *Engine) DeliveryETA(ctx context.Context, orderID string) (ETA, error) {
	if _, err := e.Reevaluate(ctx); err != nil && !contractx.IsTransient(err) {
		return ETA{}, err
	}
	a, err := e.Assignment(ctx, orderID)
	if err != nil {
		return ETA{}, err
	}
	out := ETA{Assignment: a}
	switch a.Status {
	case StatusDelivered:
	case StatusAssigned:
		out.RemainingMinutes = a.ETAMinutes
	default:
		if d := a.EstimatedArrival.Sub(e.now()); d > 0 {
			out.RemainingMinutes = int((d + time.Minute - 1) / time.Minute)
		}
	}
	return out, nil
}

func (e *Engine) DriverLocation(ctx context.Context, driverID string) (Driver, error) {
	d, err := kv.GetJSON[Driver](ctx, e.store, driverKey(driverID))
	if errors.Is(err, kv.ErrNotFound) {
		return Driver{}, fmt.Errorf("%w: driver %s", contractx.ErrNotFound, driverID)
	}
	if err != nil {
		return Driver{}, err
	}
	return *d, nil
}

// UpdateDriverStatus changes a driver's status and optionally its location.
// A driver carrying an order stays assigned or delivering until the delivery
// completes, and a free driver can only be available or offline.
func (e *Engine) UpdateDriverStatus(ctx context.Context, driverID string, status DriverStatus, loc *Location) (Driver, error) {
	switch status {
	case DriverAvailable, DriverAssigned, DriverDelivering, DriverOffline:
	default:
		return Driver{}, fmt.Errorf("%w: unknown driver status %q", contractx.ErrValidation, status)
	}
	if loc != nil && !loc.Valid() {
		return Driver{}, fmt.Errorf("%w: location out of range", contractx.ErrValidation)
	}
	d, err := kv.UpdateJSON(ctx, e.store, driverKey(driverID), 0, func(d *Driver, exists bool) error {
		if !exists {
			return fmt.Errorf("%w: driver %s", contractx.ErrNotFound, driverID)
		}
		carrying := status == DriverAssigned || status == DriverDelivering
		if d.CurrentOrder != "" && !carrying {
			return fmt.Errorf("%w: driver %s is carrying order %s", contractx.ErrInvalidStatusTransition, driverID, d.CurrentOrder)
		}
		if d.CurrentOrder == "" && carrying {
			return fmt.Errorf("%w: driver %s has no order to carry", contractx.ErrInvalidStatusTransition, driverID)
		}
		d.Status = status
		if loc != nil {
			d.Location = *loc
		}
		d.UpdatedAt = e.now().UTC()
		return nil
	})
	if err != nil {
		return Driver{}, translate(err)
	}
	return *d, nil
}

// ReportIssue files a delivery issue ticket. The assignment is left untouched.
func (e *Engine) ReportIssue(ctx context.Context, orderID, description string) (Issue, error) {
	if strings.TrimSpace(orderID) == "" {
		return Issue{}, fmt.Errorf("%w: order id is required", contractx.ErrValidation)
	}
	issue := Issue{
		TicketID:    e.newID(),
		OrderID:     orderID,
		Description: strings.TrimSpace(description),
		Status:      "open",
		CreatedAt:   e.now().UTC(),
	}
	if a, err := e.Assignment(ctx, orderID); err == nil {
		issue.DriverID = a.DriverID
	}
	if err := kv.SetJSON(ctx, e.store, issueKeyPrefix+issue.TicketID, issue, e.cfg.IssueTTL); err != nil {
		return Issue{}, err
	}
	log.Warn().Str("order_id", orderID).Str("ticket_id", issue.TicketID).Msg("delivery issue reported")
	return issue, nil
}

func (e *Engine) Issue(ctx context.Context, ticketID string) (Issue, error) {
	is, err := kv.GetJSON[Issue](ctx, e.store, issueKeyPrefix+ticketID)
	if errors.Is(err, kv.ErrNotFound) {
		return Issue{}, fmt.Errorf("%w: issue %s", contractx.ErrNotFound, ticketID)
	}
	if err != nil {
		return Issue{}, err
	}
	return *is, nil
}

// Seed stores drivers that do not exist yet.
func (e *Engine) Seed(ctx context.Context, drivers []Driver) (int, error) {
	created := 0
	for _, d := range drivers {
		if strings.TrimSpace(d.ID) == "" {
			return created, fmt.Errorf("%w: driver id is required", contractx.ErrValidation)
		}
		if d.Status == "" {
			d.Status = DriverAvailable
		}
		d.UpdatedAt = e.now().UTC()
		ok, err := kv.SetNXJSON(ctx, e.store, driverKey(d.ID), d, 0)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// DefaultDrivers is the starting driver pool around the kitchen.
func DefaultDrivers() []Driver {
	return []Driver{
		{ID: "driver-1", Name: "John Smith", Status: DriverAvailable, Location: Location{Lat: 40.7128, Lng: -74.0060}, Rating: 4.9, Vehicle: "car"},
		{ID: "driver-2", Name: "Maria Garcia", Status: DriverAvailable, Location: Location{Lat: 40.7200, Lng: -74.0100}, Rating: 4.8, Vehicle: "car"},
		{ID: "driver-3", Name: "Ahmed Khan", Status: DriverAvailable, Location: Location{Lat: 40.7100, Lng: -74.0050}, Rating: 4.7, Vehicle: "bike"},
		{ID: "driver-4", Name: "Sarah Johnson", Status: DriverAvailable, Location: Location{Lat: 40.7150, Lng: -74.0080}, Rating: 4.6, Vehicle: "scooter"},
		{ID: "driver-5", Name: "Carlos Rodriguez", Status: DriverAvailable, Location: Location{Lat: 40.7180, Lng: -74.0070}, Rating: 4.8, Vehicle: "car"},
	}
}
