// README: In-memory Store used by tests and local runs; same conditional semantics as Postgres.
package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

type MemoryStore struct {
	mu         sync.Mutex
	broadcasts map[types.ID]*Broadcast
	requests   map[types.ID]*CandidateRequest
	reqOrder   []types.ID
	winners    map[winnerKey]types.ID
	unresolved map[winnerKey]bool
}

type winnerKey struct {
	orderID types.ID
	role    order.Role
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		broadcasts: map[types.ID]*Broadcast{},
		requests:   map[types.ID]*CandidateRequest{},
		winners:    map[winnerKey]types.ID{},
		unresolved: map[winnerKey]bool{},
	}
}

func (m *MemoryStore) Create(_ context.Context, b *Broadcast, reqs []CandidateRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.broadcasts {
		if other.OrderID == b.OrderID && other.Kind == b.Kind && other.Status == StatusSearching {
			return ErrConflict
		}
	}
	cp := b.Clone()
	m.broadcasts[b.ID] = &cp
	m.insertRequests(reqs)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := b.Clone()
	return &cp, nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id types.ID) (*CandidateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) FindPendingRequest(_ context.Context, broadcastID, candidateID types.ID) (*CandidateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *CandidateRequest
	for _, id := range m.reqOrder {
		r := m.requests[id]
		if r.BroadcastID != broadcastID || r.CandidateID != candidateID {
			continue
		}
		// the latest request wins; a pending one is preferred
		if found == nil || r.Status == RequestPending {
			found = r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) ListRequests(_ context.Context, broadcastID types.ID) ([]CandidateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []CandidateRequest{}
	for _, id := range m.reqOrder {
		if r := m.requests[id]; r.BroadcastID == broadcastID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Broadcast
	for _, b := range m.broadcasts {
		if b.Status != StatusSearching {
			continue
		}
		if !b.PhaseTimeoutAt.After(now) || !b.TimeoutAt.After(now) {
			due = append(due, b)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		di, dj := earliest(due[i]), earliest(due[j])
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]types.ID, 0, len(due))
	for _, b := range due {
		ids = append(ids, b.ID)
	}
	return ids, nil
}

func (m *MemoryStore) Apply(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.broadcasts[t.Next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusSearching || cur.Version != t.PrevVersion {
		return ErrConflict
	}
	if t.ExpirePending {
		for _, r := range m.requests {
			if r.BroadcastID == cur.ID && r.Status == RequestPending {
				r.Status = RequestExpired
			}
		}
	}
	next := t.Next.Clone()
	m.broadcasts[cur.ID] = &next
	m.insertRequests(t.Requests)
	if next.Status == StatusFailed {
		m.unresolved[winnerKey{next.OrderID, next.Kind.Role()}] = true
	}
	return nil
}

func (m *MemoryStore) Accept(_ context.Context, a Acceptance) (*Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := winnerKey{a.OrderID, a.Role}
	if _, taken := m.winners[key]; taken {
		return nil, ErrAlreadyResolved
	}
	b, ok := m.broadcasts[a.BroadcastID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != StatusSearching || b.AcceptedByID != nil {
		return nil, ErrAlreadyResolved
	}
	req, ok := m.requests[a.RequestID]
	if !ok || req.Status != RequestPending {
		return nil, ErrAlreadyResolved
	}

	m.winners[key] = a.CandidateID
	winner := a.CandidateID
	at := a.Now
	b.Status = StatusAccepted
	b.AcceptedByID = &winner
	b.AcceptedAt = &at
	b.Version++
	b.UpdatedAt = a.Now

	req.Status = RequestAccepted
	req.RespondedAt = &at
	for _, r := range m.requests {
		if r.BroadcastID == b.ID && r.Status == RequestPending {
			r.Status = RequestRejected
			r.RejectionReason = ReasonCancelled
			r.RespondedAt = &at
		}
	}
	cp := b.Clone()
	return &cp, nil
}

func (m *MemoryStore) Reject(_ context.Context, requestID types.ID, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != RequestPending {
		return false, nil
	}
	r.Status = RequestRejected
	r.RejectionReason = reason
	r.RespondedAt = &now
	return true, nil
}

func (m *MemoryStore) Expedite(_ context.Context, broadcastID types.ID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[broadcastID]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != StatusSearching || !b.PhaseTimeoutAt.After(now) {
		return false, nil
	}
	for _, r := range m.requests {
		if r.BroadcastID == broadcastID && r.Status == RequestPending {
			return false, nil
		}
	}
	b.PhaseTimeoutAt = now
	b.Version++
	b.UpdatedAt = now
	return true, nil
}

// AssignWinner records a winner set outside this store, such as another
// broadcast path writing the order first.
func (m *MemoryStore) AssignWinner(orderID types.ID, role order.Role, candidateID types.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.winners[winnerKey{orderID, role}] = candidateID
}

func (m *MemoryStore) Winner(orderID types.ID, role order.Role) (types.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.winners[winnerKey{orderID, role}]
	return id, ok
}

func (m *MemoryStore) Unresolved(orderID types.ID, role order.Role) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unresolved[winnerKey{orderID, role}]
}

func (m *MemoryStore) insertRequests(reqs []CandidateRequest) {
	for _, r := range reqs {
		cp := r
		m.requests[r.ID] = &cp
		m.reqOrder = append(m.reqOrder, r.ID)
	}
}

func earliest(b *Broadcast) time.Time {
	if b.TimeoutAt.Before(b.PhaseTimeoutAt) {
		return b.TimeoutAt
	}
	return b.PhaseTimeoutAt
}
