package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"medidrop/internal/modules/location"
	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

var (
	t0     = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	centre = types.Point{Lat: 12.9716, Lng: 77.5946}
)

// kmNorth returns the point km kilometres due north of p.
func kmNorth(p types.Point, km float64) types.Point {
	return types.Point{Lat: p.Lat + km/111.19492664, Lng: p.Lng}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

type fakeDirectory struct {
	mu       sync.Mutex
	pools    map[order.Role][]location.Candidate
	searches []float64
	touched  []types.ID
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{pools: map[order.Role][]location.Candidate{}}
}

func (d *fakeDirectory) add(pool order.Role, id types.ID, km float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pools[pool] = append(d.pools[pool], location.Candidate{ID: id, Position: kmNorth(centre, km)})
}

func (d *fakeDirectory) Nearby(_ context.Context, pool order.Role, origin types.Point, radiusKm float64) ([]location.Candidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.searches = append(d.searches, radiusKm)
	var out []location.Candidate
	for _, c := range d.pools[pool] {
		if location.DistanceKm(origin, c.Position) <= radiusKm {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *fakeDirectory) TouchLastActive(_ context.Context, id types.ID, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touched = append(d.touched, id)
	return nil
}

func (d *fakeDirectory) radii() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.searches...)
}

type fakeOrders struct {
	mu     sync.Mutex
	orders map[types.ID]*order.Order
}

func (f *fakeOrders) Get(_ context.Context, id types.ID) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, ns []Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, ns...)
	return nil
}

func (n *recordingNotifier) candidates() []types.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.ID, 0, len(n.sent))
	for _, x := range n.sent {
		out = append(out, x.CandidateID)
	}
	return out
}

type recordingFeed struct {
	mu        sync.Mutex
	snapshots []Broadcast
}

func (f *recordingFeed) Publish(_ context.Context, b *Broadcast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, b.Clone())
	return nil
}

type recordingEvents struct {
	mu       sync.Mutex
	resolved []Broadcast
}

func (e *recordingEvents) Resolved(_ context.Context, b *Broadcast) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolved = append(e.resolved, b.Clone())
	return nil
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	clock    *fakeClock
	dir      *fakeDirectory
	orders   *fakeOrders
	notifier *recordingNotifier
	feed     *recordingFeed
	events   *recordingEvents
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		clock:    &fakeClock{now: t0},
		dir:      newFakeDirectory(),
		orders:   &fakeOrders{orders: map[types.ID]*order.Order{}},
		notifier: &recordingNotifier{},
		feed:     &recordingFeed{},
		events:   &recordingEvents{},
	}
	h.svc = NewService(Deps{
		Store:     h.store,
		Orders:    h.orders,
		Directory: h.dir,
		Notifier:  h.notifier,
		Feed:      h.feed,
		Events:    h.events,
		Clock:     h.clock,
	}, DefaultPolicies(), 30*time.Second, 50)
	return h
}

func (h *harness) at(d time.Duration) {
	h.clock.Set(t0.Add(d))
}

// deliveryOrder registers an order whose vendor is assigned at centre.
func (h *harness) deliveryOrder(id types.ID) {
	vendor := types.ID("vendor-1")
	pickup := centre
	h.orders.mu.Lock()
	defer h.orders.mu.Unlock()
	h.orders.orders[id] = &order.Order{
		ID:        id,
		PatientID: "patient-1",
		Kind:      order.KindCart,
		Status:    order.StatusVendorAssigned,
		Dropoff:   kmNorth(centre, 3),
		Pickup:    &pickup,
		VendorID:  &vendor,
		Summary:   "2x paracetamol",
	}
}

// pendingOrder registers a patient order with its drop-off at centre.
func (h *harness) pendingOrder(id types.ID, kind order.Kind) {
	h.orders.mu.Lock()
	defer h.orders.mu.Unlock()
	h.orders.orders[id] = &order.Order{
		ID:        id,
		PatientID: "patient-1",
		Kind:      kind,
		Status:    order.StatusPending,
		Dropoff:   centre,
		Summary:   "cetirizine",
	}
}

func (h *harness) requestFor(t *testing.T, broadcastID, candidateID types.ID) CandidateRequest {
	t.Helper()
	reqs, err := h.store.ListRequests(context.Background(), broadcastID)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	var found *CandidateRequest
	for i := range reqs {
		if reqs[i].CandidateID == candidateID {
			found = &reqs[i]
		}
	}
	if found == nil {
		t.Fatalf("no request for %s", candidateID)
	}
	return *found
}

func requestStatuses(reqs []CandidateRequest) map[types.ID]RequestStatus {
	out := make(map[types.ID]RequestStatus, len(reqs))
	for _, r := range reqs {
		out[r.CandidateID] = r.Status
	}
	return out
}
