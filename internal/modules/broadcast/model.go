// README: Broadcast aggregate, candidate requests and their state tables.
package broadcast

import (
	"time"

	"medidrop/internal/modules/location"
	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

// Kind selects who is searched for and which phase sequence is used.
type Kind string

const (
	KindDelivery     Kind = "delivery"
	KindCart         Kind = "cart"
	KindPrescription Kind = "prescription"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDelivery, KindCart, KindPrescription:
		return true
	}
	return false
}

// Role is the order column the winner of this kind is written to. It also
// names the directory pool candidates come from.
func (k Kind) Role() order.Role {
	if k == KindDelivery {
		return order.RoleDeliveryPartner
	}
	return order.RoleVendor
}

type Status string

const (
	StatusSearching Status = "searching"
	StatusAccepted  Status = "accepted"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusFailed
}

type Phase string

const (
	PhaseControlledParallel Phase = "controlled_parallel"
	PhaseSequential         Phase = "sequential"
	PhaseRound              Phase = "round"
)

// Flavor is the phase sequence of a kind.
type Flavor string

const (
	FlavorParallelSequential Flavor = "parallel_sequential"
	FlavorRounds             Flavor = "rounds"
)

// Failure reasons recorded on failed broadcasts.
const (
	ReasonTimeout           = "timeout"
	ReasonNoCandidates      = "no_candidates"
	ReasonAttemptsExhausted = "attempts_exhausted"
)

type Broadcast struct {
	ID             types.ID          `json:"id"`
	Kind           Kind              `json:"kind"`
	OrderID        types.ID          `json:"order_id"`
	OriginID       types.ID          `json:"origin_id"`
	Origin         types.Point       `json:"origin"`
	Status         Status            `json:"status"`
	Phase          Phase             `json:"phase"`
	Attempt        int               `json:"attempt"`
	RadiusKm       float64           `json:"radius_km"`
	PhaseTimeoutAt time.Time         `json:"phase_timeout_at"`
	TimeoutAt      time.Time         `json:"timeout_at"`
	NotifiedIDs    []types.ID        `json:"notified_ids"`
	Remaining      []location.Ranked `json:"remaining"`
	AcceptedByID   *types.ID         `json:"accepted_by_id,omitempty"`
	AcceptedAt     *time.Time        `json:"accepted_at,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Err maps a failed broadcast to its error class; it is nil unless failed.
func (b *Broadcast) Err() error {
	if b.Status != StatusFailed {
		return nil
	}
	if b.FailureReason == ReasonTimeout {
		return ErrExpired
	}
	return ErrNoCandidates
}

// Clone returns a copy that shares no slices with b.
func (b Broadcast) Clone() Broadcast {
	b.NotifiedIDs = append([]types.ID(nil), b.NotifiedIDs...)
	b.Remaining = append([]location.Ranked(nil), b.Remaining...)
	if b.AcceptedByID != nil {
		id := *b.AcceptedByID
		b.AcceptedByID = &id
	}
	if b.AcceptedAt != nil {
		at := *b.AcceptedAt
		b.AcceptedAt = &at
	}
	return b
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
	RequestExpired  RequestStatus = "expired"
)

// ReasonCancelled marks requests closed because another candidate won.
const ReasonCancelled = "cancelled"

type CandidateRequest struct {
	ID              types.ID      `json:"id"`
	BroadcastID     types.ID      `json:"broadcast_id"`
	CandidateID     types.ID      `json:"candidate_id"`
	Status          RequestStatus `json:"status"`
	DistanceKm      float64       `json:"distance_km"`
	Position        types.Point   `json:"position"`
	ExpiresAt       time.Time     `json:"expires_at"`
	RespondedAt     *time.Time    `json:"responded_at,omitempty"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// statusTransitions lists every legal status change; terminal states have none.
var statusTransitions = map[Status][]Status{
	StatusSearching: {StatusAccepted, StatusFailed},
}

// phaseTransitions includes self-loops: a sequential step or a new round
// re-enters the same phase.
var phaseTransitions = map[Phase][]Phase{
	PhaseControlledParallel: {PhaseSequential},
	PhaseSequential:         {PhaseSequential},
	PhaseRound:              {PhaseRound},
}

func CanTransitionStatus(from, to Status) bool {
	return contains(statusTransitions[from], to)
}

func CanTransitionPhase(from, to Phase) bool {
	return contains(phaseTransitions[from], to)
}

// checkTransition validates the step from prev to next.
func checkTransition(prev, next *Broadcast) error {
	if prev.Status != next.Status && !CanTransitionStatus(prev.Status, next.Status) {
		return ErrInvalidTransition
	}
	if prev.Status.Terminal() {
		return ErrInvalidTransition
	}
	if prev.Phase != next.Phase && !CanTransitionPhase(prev.Phase, next.Phase) {
		return ErrInvalidTransition
	}
	return nil
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
