// README: Order service implements patient-facing state transitions.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"medidrop/internal/types"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrNotFound     = errors.New("order not found")
	ErrConflict     = errors.New("order state conflict")
	ErrBadRequest   = errors.New("bad request")
)

// Repository is the persistence surface the service needs; *Store implements it.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
}

type Service struct {
	store Repository
	now   func() time.Time
}

func NewService(store Repository) *Service {
	return &Service{store: store, now: time.Now}
}

type CreateCommand struct {
	PatientID types.ID
	Kind      Kind
	Dropoff   types.Point
	Summary   string
}

type CancelCommand struct {
	OrderID   types.ID
	ActorType string
	ActorID   types.ID
}

type DeliverCommand struct {
	OrderID   types.ID
	PartnerID types.ID
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (types.ID, error) {
	if cmd.PatientID == "" || !cmd.Kind.Valid() {
		return "", ErrBadRequest
	}
	if !validPoint(cmd.Dropoff) {
		return "", ErrBadRequest
	}

	now := s.now()
	o := &Order{
		ID:            types.ID(uuid.NewString()),
		PatientID:     cmd.PatientID,
		Kind:          cmd.Kind,
		Status:        StatusPending,
		StatusVersion: 0,
		Dropoff:       cmd.Dropoff,
		Summary:       cmd.Summary,
		CreatedAt:     now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return "", err
	}
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusPending,
		ActorType:  "patient",
		ActorID:    &cmd.PatientID,
		CreatedAt:  now,
	})
	return o.ID, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

// Cancel withdraws an order that has not been handed to a delivery partner.
// Only the patient who placed it may cancel as "patient".
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) error {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if cmd.ActorType == "patient" && o.PatientID != cmd.ActorID {
		return ErrBadRequest
	}
	return s.transition(ctx, o, StatusCancelled, cmd.ActorType, &cmd.ActorID)
}

func (s *Service) Deliver(ctx context.Context, cmd DeliverCommand) error {
	o, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if o.DeliveryPartnerID == nil || *o.DeliveryPartnerID != cmd.PartnerID {
		return ErrBadRequest
	}
	return s.transition(ctx, o, StatusDelivered, "delivery_partner", &cmd.PartnerID)
}

func (s *Service) transition(ctx context.Context, o *Order, to Status, actorType string, actorID *types.ID) error {
	if !CanTransition(o.Status, to) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, o.ID, o.Status, to, o.StatusVersion)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  s.now(),
	})
	return nil
}

func validPoint(p types.Point) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
