// README: Broadcast store contract. Every mutation is conditional on the row state it read.
package broadcast

import (
	"context"
	"time"

	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

// Transition is one committed step of the phase controller.
type Transition struct {
	PrevVersion   int
	Next          Broadcast
	Requests      []CandidateRequest
	ExpirePending bool
	Now           time.Time
}

// Acceptance is the winning response being written.
type Acceptance struct {
	BroadcastID types.ID
	OrderID     types.ID
	Role        order.Role
	RequestID   types.ID
	CandidateID types.ID
	// Pickup is copied onto the order when a vendor wins.
	Pickup *types.Point
	Now    time.Time
}

type Store interface {
	// Create inserts a broadcast with its first requests. A second searching
	// broadcast for the same order and kind yields ErrConflict.
	Create(ctx context.Context, b *Broadcast, reqs []CandidateRequest) error
	Get(ctx context.Context, id types.ID) (*Broadcast, error)
	GetRequest(ctx context.Context, id types.ID) (*CandidateRequest, error)
	FindPendingRequest(ctx context.Context, broadcastID, candidateID types.ID) (*CandidateRequest, error)
	ListRequests(ctx context.Context, broadcastID types.ID) ([]CandidateRequest, error)
	// ListDue returns searching broadcasts whose phase or overall deadline has passed, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]types.ID, error)
	// Apply commits t if the broadcast is still searching at t.PrevVersion,
	// otherwise ErrConflict. A failed Next also marks the order unresolved.
	Apply(ctx context.Context, t Transition) error
	// Accept writes the winner atomically or returns ErrAlreadyResolved.
	Accept(ctx context.Context, a Acceptance) (*Broadcast, error)
	// Reject closes one pending request; false when it was no longer pending.
	Reject(ctx context.Context, requestID types.ID, reason string, now time.Time) (bool, error)
	// Expedite pulls the phase deadline to now when no request is pending.
	Expedite(ctx context.Context, broadcastID types.ID, now time.Time) (bool, error)
}
