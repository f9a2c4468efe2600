// README: Order service tests (transition table, flow, invalid requests).
package order

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medidrop/internal/types"
)

// memRepo is a mutex-guarded Repository with the same optimistic check as the SQL store.
type memRepo struct {
	mu     sync.Mutex
	orders map[types.ID]*Order
	events []Event
}

func newMemRepo() *memRepo {
	return &memRepo{orders: map[types.ID]*Order{}}
}

func (r *memRepo) Create(_ context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	r.orders[o.ID] = &cp
	return nil
}

func (r *memRepo) Get(_ context.Context, id types.ID) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id types.ID, from, to Status, version int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Status != from || o.StatusVersion != version {
		return false, nil
	}
	o.Status = to
	o.StatusVersion++
	return true, nil
}

func (r *memRepo) AppendEvent(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func (r *memRepo) set(id types.ID, fn func(o *Order)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.orders[id])
}

// TestCanTransition verifies the state machine transition table without a database.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusVendorAssigned, true},
		{StatusPending, StatusUnmatched, true},
		{StatusPending, StatusCancelled, true},
		{StatusVendorAssigned, StatusPartnerAssigned, true},
		{StatusVendorAssigned, StatusUndeliverable, true},
		{StatusVendorAssigned, StatusCancelled, true},
		{StatusPartnerAssigned, StatusDelivered, true},
		// terminal states have no outgoing transitions
		{StatusDelivered, StatusPending, false},
		{StatusUnmatched, StatusVendorAssigned, false},
		{StatusUndeliverable, StatusPartnerAssigned, false},
		{StatusCancelled, StatusPending, false},
		// skipping states
		{StatusPending, StatusPartnerAssigned, false},
		{StatusPending, StatusDelivered, false},
		{StatusPartnerAssigned, StatusCancelled, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "CanTransition(%s, %s)", tc.from, tc.to)
	}
}

func TestCreateValidates(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateCommand{Kind: KindCart, Dropoff: types.Point{Lat: 1, Lng: 1}})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = svc.Create(ctx, CreateCommand{PatientID: "p1", Kind: "groceries"})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = svc.Create(ctx, CreateCommand{PatientID: "p1", Kind: KindCart, Dropoff: types.Point{Lat: 91}})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestCreateAndCancel(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateCommand{
		PatientID: "p1",
		Kind:      KindPrescription,
		Dropoff:   types.Point{Lat: 12.97, Lng: 77.59},
		Summary:   "amoxicillin 500mg",
	})
	require.NoError(t, err)

	o, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, KindPrescription, o.Kind)

	err = svc.Cancel(ctx, CancelCommand{OrderID: id, ActorType: "patient", ActorID: "someone-else"})
	assert.ErrorIs(t, err, ErrBadRequest)

	require.NoError(t, svc.Cancel(ctx, CancelCommand{OrderID: id, ActorType: "patient", ActorID: "p1"}))
	o, err = svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, 1, o.StatusVersion)

	err = svc.Cancel(ctx, CancelCommand{OrderID: id, ActorType: "patient", ActorID: "p1"})
	assert.ErrorIs(t, err, ErrInvalidState)

	require.Len(t, repo.events, 2)
	assert.Equal(t, StatusNone, repo.events[0].FromStatus)
	assert.Equal(t, StatusCancelled, repo.events[1].ToStatus)
}

func TestDeliverRequiresAssignedPartner(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	ctx := context.Background()

	id, err := svc.Create(ctx, CreateCommand{PatientID: "p1", Kind: KindCart, Dropoff: types.Point{Lat: 1, Lng: 1}})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Deliver(ctx, DeliverCommand{OrderID: id, PartnerID: "dp1"}), ErrBadRequest)

	partner := types.ID("dp1")
	repo.set(id, func(o *Order) {
		o.Status = StatusPartnerAssigned
		o.DeliveryPartnerID = &partner
	})
	assert.ErrorIs(t, svc.Deliver(ctx, DeliverCommand{OrderID: id, PartnerID: "dp2"}), ErrBadRequest)
	require.NoError(t, svc.Deliver(ctx, DeliverCommand{OrderID: id, PartnerID: "dp1"}))

	o, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, o.Status)
}

func TestGetUnknownOrder(t *testing.T) {
	svc := NewService(newMemRepo())
	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
