// README: Pure phase transitions. No I/O; the service applies the effects.
package broadcast

import (
	"time"

	"medidrop/internal/modules/location"
	"medidrop/internal/types"
)

// StartInput is everything Begin needs to open a broadcast.
type StartInput struct {
	ID       types.ID
	OrderID  types.ID
	OriginID types.ID
	Origin   types.Point
	// Ranked holds eligible candidates within the base radius, closest first.
	Ranked []location.Ranked
}

// Expansion is the result of the wider search a Decision asked for.
type Expansion struct {
	RadiusKm float64
	Found    []location.Ranked
}

// Decision is the next snapshot plus the side effects needed to reach it.
type Decision struct {
	Changed bool
	Next    Broadcast
	// Notify lists candidates that get a new request expiring at ExpiresAt.
	Notify    []location.Ranked
	ExpiresAt time.Time
	// ExpirePending closes every request still pending from the previous phase.
	ExpirePending bool
	// ExpandToKm > 0 means the queue is empty: search at this radius and call
	// Advance again with the result.
	ExpandToKm float64
}

// Begin builds the first phase. With nothing ranked the broadcast is still
// opened, due immediately, so the first escalation tries a wider radius.
func Begin(in StartInput, p Policy, now time.Time) Decision {
	batch, rest := split(in.Ranked, p.BatchSize)
	b := Broadcast{
		ID:             in.ID,
		Kind:           p.Kind,
		OrderID:        in.OrderID,
		OriginID:       in.OriginID,
		Origin:         in.Origin,
		Status:         StatusSearching,
		Phase:          p.firstPhase(),
		RadiusKm:       p.BaseRadiusKm,
		PhaseTimeoutAt: now,
		TimeoutAt:      now.Add(p.OverallTimeout),
		NotifiedIDs:    idsOf(batch),
		Remaining:      rest,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(batch) > 0 {
		b.PhaseTimeoutAt = now.Add(p.PhaseDuration)
		if p.Flavor == FlavorRounds {
			b.Attempt = 1
		}
	}
	return Decision{Changed: true, Next: b, Notify: batch, ExpiresAt: b.PhaseTimeoutAt}
}

// Advance evaluates b at now. The overall deadline wins over everything else;
// a phase that is not yet due leaves b unchanged.
func Advance(b Broadcast, p Policy, now time.Time, exp *Expansion) Decision {
	if b.Status.Terminal() {
		return Decision{Next: b}
	}
	if !now.Before(b.TimeoutAt) {
		return fail(b, now, ReasonTimeout)
	}
	if now.Before(b.PhaseTimeoutAt) {
		return Decision{Next: b}
	}
	if b.Attempt >= p.MaxAttempts {
		return fail(b, now, ReasonAttemptsExhausted)
	}

	next := b.Clone()
	queue := next.Remaining
	if len(queue) == 0 {
		if exp == nil {
			if b.RadiusKm >= p.MaxRadiusKm {
				return fail(b, now, ReasonNoCandidates)
			}
			return Decision{Next: b, ExpandToKm: p.nextRadius(b.RadiusKm)}
		}
		if exp.RadiusKm > next.RadiusKm {
			next.RadiusKm = exp.RadiusKm
		}
		queue = exclude(exp.Found, next.NotifiedIDs)
		if len(queue) == 0 {
			if next.RadiusKm >= p.MaxRadiusKm {
				return fail(next, now, ReasonNoCandidates)
			}
			next.Phase = p.stepPhase()
			next.Attempt++
			next.PhaseTimeoutAt = now.Add(p.stepDuration())
			next.UpdatedAt = now
			return Decision{Changed: true, Next: next, ExpirePending: true}
		}
	}

	batch, rest := split(queue, p.stepSize())
	next.Phase = p.stepPhase()
	next.Attempt++
	next.Remaining = rest
	next.NotifiedIDs = append(next.NotifiedIDs, idsOf(batch)...)
	next.PhaseTimeoutAt = now.Add(p.stepDuration())
	next.UpdatedAt = now
	return Decision{
		Changed:       true,
		Next:          next,
		Notify:        batch,
		ExpiresAt:     next.PhaseTimeoutAt,
		ExpirePending: true,
	}
}

func fail(b Broadcast, now time.Time, reason string) Decision {
	next := b.Clone()
	next.Status = StatusFailed
	next.FailureReason = reason
	next.UpdatedAt = now
	return Decision{Changed: true, Next: next, ExpirePending: true}
}

func (p Policy) stepSize() int {
	if p.Flavor == FlavorRounds {
		return p.BatchSize
	}
	return 1
}

func (p Policy) stepDuration() time.Duration {
	if p.Flavor == FlavorRounds {
		return p.PhaseDuration
	}
	return p.StepDuration
}

func (p Policy) stepPhase() Phase {
	if p.Flavor == FlavorRounds {
		return PhaseRound
	}
	return PhaseSequential
}

func split(ranked []location.Ranked, n int) (head, tail []location.Ranked) {
	if n > len(ranked) {
		n = len(ranked)
	}
	head = append([]location.Ranked{}, ranked[:n]...)
	tail = append([]location.Ranked{}, ranked[n:]...)
	return head, tail
}

func idsOf(ranked []location.Ranked) []types.ID {
	out := make([]types.ID, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.ID)
	}
	return out
}

// exclude drops candidates already notified and duplicates within found.
func exclude(found []location.Ranked, notified []types.ID) []location.Ranked {
	seen := make(map[types.ID]struct{}, len(notified)+len(found))
	for _, id := range notified {
		seen[id] = struct{}{}
	}
	out := make([]location.Ranked, 0, len(found))
	for _, r := range found {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}
