package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

func startDelivery(t *testing.T, h *harness, partners ...float64) *Broadcast {
	t.Helper()
	for i, km := range partners {
		h.dir.add(order.RoleDeliveryPartner, types.ID(fmt.Sprintf("dp%d", i+1)), km)
	}
	h.deliveryOrder("o1")
	b, err := h.svc.Start(context.Background(), StartCommand{Kind: KindDelivery, OrderID: "o1"})
	require.NoError(t, err)
	return b
}

// Scenario A: three partners notified in parallel, two reject, one is silent;
// the sweep at 20s moves to the sequential phase with the next-closest partner.
func TestScenarioParallelToSequential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := startDelivery(t, h, 1, 2, 3, 4)

	assert.Equal(t, []types.ID{"dp1", "dp2", "dp3"}, b.NotifiedIDs)
	assert.Equal(t, PhaseControlledParallel, b.Phase)
	require.Len(t, b.Remaining, 1)

	h.at(5 * time.Second)
	for _, id := range []types.ID{"dp1", "dp2"} {
		req := h.requestFor(t, b.ID, id)
		_, err := h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: id, Answer: AnswerReject, Reason: "busy"})
		require.NoError(t, err)
	}
	cur, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseControlledParallel, cur.Phase, "one request is still pending")

	h.at(20 * time.Second)
	res, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Advanced: 1}, res)

	cur, err = h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseSequential, cur.Phase)
	assert.Equal(t, []types.ID{"dp1", "dp2", "dp3", "dp4"}, cur.NotifiedIDs)
	assert.Empty(t, cur.Remaining)
	assert.Equal(t, t0.Add(40*time.Second), cur.PhaseTimeoutAt)

	reqs, err := h.store.ListRequests(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, map[types.ID]RequestStatus{
		"dp1": RequestRejected,
		"dp2": RequestRejected,
		"dp3": RequestExpired,
		"dp4": RequestPending,
	}, requestStatuses(reqs))
	assert.Equal(t, []types.ID{"dp1", "dp2", "dp3", "dp4"}, h.notifier.candidates())
}

// Scenario B: nobody within the base radius; the inline escalation widens the
// search before anything fails.
func TestScenarioExpandsBeforeFailing(t *testing.T) {
	h := newHarness(t)
	h.dir.add(order.RoleVendor, "far-vendor", 15)
	h.pendingOrder("o1", order.KindCart)

	b, err := h.svc.Start(context.Background(), StartCommand{Kind: KindCart, OrderID: "o1"})
	require.NoError(t, err)

	assert.Equal(t, StatusSearching, b.Status)
	assert.Equal(t, []float64{10, 20}, h.dir.radii())
	assert.Equal(t, 20.0, b.RadiusKm)
	assert.Equal(t, []types.ID{"far-vendor"}, b.NotifiedIDs)
	assert.Equal(t, PhaseSequential, b.Phase)
}

func TestScenarioNoCandidatesAnywhereFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pendingOrder("o1", order.KindCart)

	b, err := h.svc.Start(ctx, StartCommand{Kind: KindCart, OrderID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, StatusSearching, b.Status)

	for i := 1; i <= 3; i++ {
		h.at(time.Duration(i) * 15 * time.Second)
		_, err := h.svc.Sweep(ctx)
		require.NoError(t, err)
	}

	cur, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cur.Status)
	assert.Equal(t, ReasonNoCandidates, cur.FailureReason)
	assert.Equal(t, []float64{10, 20, 30, 40, 50}, h.dir.radii())
	assert.True(t, h.store.Unresolved("o1", order.RoleVendor))
	require.Len(t, h.events.resolved, 1)
	assert.Equal(t, StatusFailed, h.events.resolved[0].Status)
}

// Scenario C: an accept at 10s resolves immediately; the sweep at 21s is a no-op.
func TestScenarioAcceptThenSweepIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := startDelivery(t, h, 1, 2, 3)

	h.at(10 * time.Second)
	req := h.requestFor(t, b.ID, "dp1")
	res, err := h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "dp1", Answer: AnswerAccept})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Broadcast.Status)
	require.NotNil(t, res.Broadcast.AcceptedByID)
	assert.Equal(t, types.ID("dp1"), *res.Broadcast.AcceptedByID)
	assert.Equal(t, t0.Add(10*time.Second), *res.Broadcast.AcceptedAt)

	winner, ok := h.store.Winner("o1", order.RoleDeliveryPartner)
	require.True(t, ok)
	assert.Equal(t, types.ID("dp1"), winner)

	reqs, err := h.store.ListRequests(ctx, b.ID)
	require.NoError(t, err)
	for _, r := range reqs {
		if r.CandidateID == "dp1" {
			assert.Equal(t, RequestAccepted, r.Status)
			continue
		}
		assert.Equal(t, RequestRejected, r.Status)
		assert.Equal(t, ReasonCancelled, r.RejectionReason)
	}

	before, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)

	h.at(21 * time.Second)
	sweep, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, sweep)

	out, err := h.svc.Escalate(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, out.Advanced)

	after, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, h.events.resolved, 1)
}

// Scenario D: the overall deadline fails the broadcast even with candidates queued.
func TestScenarioOverallTimeoutForcesFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := startDelivery(t, h, 1, 2, 3, 4, 5, 6, 7, 8)
	require.Len(t, b.Remaining, 5)

	h.at(3 * time.Minute)
	res, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Advanced)

	cur, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cur.Status)
	assert.Equal(t, ReasonTimeout, cur.FailureReason)
	assert.Len(t, cur.Remaining, 5)
	assert.True(t, h.store.Unresolved("o1", order.RoleDeliveryPartner))

	reqs, err := h.store.ListRequests(ctx, b.ID)
	require.NoError(t, err)
	for _, r := range reqs {
		assert.Equal(t, RequestExpired, r.Status)
	}
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := startDelivery(t, h, 1, 2, 3)
	h.at(5 * time.Second)

	reqs, err := h.store.ListRequests(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, reqs, 3)

	var wg sync.WaitGroup
	errs := make(chan error, len(reqs))
	for _, r := range reqs {
		wg.Add(1)
		go func(r CandidateRequest) {
			defer wg.Done()
			_, err := h.svc.Respond(ctx, RespondCommand{RequestID: r.ID, CandidateID: r.CandidateID, Answer: AnswerAccept})
			errs <- err
		}(r)
	}
	wg.Wait()
	close(errs)

	wins, lost := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyResolved):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 2, lost)

	cur, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, cur.AcceptedByID)
	winner, _ := h.store.Winner("o1", order.RoleDeliveryPartner)
	assert.Equal(t, winner, *cur.AcceptedByID)
}

func TestAcceptLosesWhenOrderAlreadyHasWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := startDelivery(t, h, 1, 2, 3)
	h.store.AssignWinner("o1", order.RoleDeliveryPartner, "someone-else")

	req := h.requestFor(t, b.ID, "dp2")
	_, err := h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "dp2", Answer: AnswerAccept})
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	cur, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSearching, cur.Status)
	assert.Nil(t, cur.AcceptedByID)
}

func TestUniversalRejectionAdvancesWithoutWaiting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := startDelivery(t, h, 1, 2, 3, 4)

	h.at(2 * time.Second)
	var last *RespondResult
	for _, id := range []types.ID{"dp1", "dp2", "dp3"} {
		req := h.requestFor(t, b.ID, id)
		res, err := h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: id, Answer: AnswerReject})
		require.NoError(t, err)
		last = res
	}

	assert.Equal(t, PhaseSequential, last.Broadcast.Phase)
	assert.Equal(t, []types.ID{"dp1", "dp2", "dp3", "dp4"}, last.Broadcast.NotifiedIDs)
	assert.Equal(t, t0.Add(22*time.Second), last.Broadcast.PhaseTimeoutAt)

	req := h.requestFor(t, b.ID, "dp4")
	assert.Equal(t, RequestPending, req.Status)
	assert.Equal(t, "declined", h.requestFor(t, b.ID, "dp1").RejectionReason)
}

func TestRejectAfterPhaseDeadlineAdvancesWithoutSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := startDelivery(t, h, 1, 2, 3, 4)

	// past the 20s phase deadline, inside the response grace window
	h.at(22 * time.Second)
	req := h.requestFor(t, b.ID, "dp1")
	res, err := h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "dp1", Answer: AnswerReject})
	require.NoError(t, err)

	assert.Equal(t, PhaseSequential, res.Broadcast.Phase)
	assert.Equal(t, []types.ID{"dp1", "dp2", "dp3", "dp4"}, res.Broadcast.NotifiedIDs)
	assert.Equal(t, t0.Add(42*time.Second), res.Broadcast.PhaseTimeoutAt)
	assert.Equal(t, RequestPending, h.requestFor(t, b.ID, "dp4").Status)
	assert.Equal(t, RequestExpired, h.requestFor(t, b.ID, "dp2").Status)

	req = h.requestFor(t, b.ID, "dp2")
	_, err = h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "dp2", Answer: AnswerReject})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestRespondByBroadcastAndCandidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := startDelivery(t, h, 1, 2, 3)

	res, err := h.svc.Respond(ctx, RespondCommand{BroadcastID: b.ID, CandidateID: "dp3", Answer: AnswerAccept})
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Message)
	assert.Equal(t, types.ID("dp3"), *res.Broadcast.AcceptedByID)
	assert.Equal(t, []types.ID{"dp3"}, h.dir.touched)
}

func TestRespondErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := startDelivery(t, h, 1, 2, 3)
	req := h.requestFor(t, b.ID, "dp1")

	_, err := h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, Answer: AnswerAccept})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "dp1", Answer: "maybe"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Respond(ctx, RespondCommand{RequestID: "missing", CandidateID: "dp1", Answer: AnswerAccept})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "dp2", Answer: AnswerAccept})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "dp1", Answer: AnswerReject})
	require.NoError(t, err)
	_, err = h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "dp1", Answer: AnswerAccept})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestRespondHonoursGraceWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := startDelivery(t, h, 1, 2, 3)

	// requests expire at 20s; the grace window runs to 50s
	h.at(51 * time.Second)
	req := h.requestFor(t, b.ID, "dp1")
	_, err := h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "dp1", Answer: AnswerAccept})
	assert.ErrorIs(t, err, ErrExpired)

	h.at(49 * time.Second)
	res, err := h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "dp1", Answer: AnswerAccept})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Broadcast.Status)
}

func TestPrescriptionRoundsExhaustCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		h.dir.add(order.RoleVendor, types.ID(fmt.Sprintf("ph%d", i)), float64(i))
	}
	h.pendingOrder("o1", order.KindPrescription)

	b, err := h.svc.Start(ctx, StartCommand{Kind: KindPrescription, OrderID: "o1"})
	require.NoError(t, err)
	assert.Len(t, b.NotifiedIDs, 5)
	assert.Equal(t, 1, b.Attempt)

	h.at(3 * time.Minute)
	_, err = h.svc.Sweep(ctx)
	require.NoError(t, err)
	cur, _ := h.svc.Get(ctx, b.ID)
	assert.Equal(t, 2, cur.Attempt)
	assert.Len(t, cur.NotifiedIDs, 7)

	h.at(6 * time.Minute)
	_, err = h.svc.Sweep(ctx)
	require.NoError(t, err)
	cur, _ = h.svc.Get(ctx, b.ID)
	assert.Equal(t, 3, cur.Attempt)
	assert.Equal(t, 30.0, cur.RadiusKm)
	assert.Equal(t, StatusSearching, cur.Status)

	h.at(9 * time.Minute)
	_, err = h.svc.Sweep(ctx)
	require.NoError(t, err)
	cur, _ = h.svc.Get(ctx, b.ID)
	assert.Equal(t, StatusFailed, cur.Status)
	assert.Equal(t, ReasonAttemptsExhausted, cur.FailureReason)
}

func TestTerminalBroadcastIsImmutable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := startDelivery(t, h, 1, 2, 3, 4)

	h.at(3 * time.Minute)
	_, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	failed, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)

	h.at(10 * time.Minute)
	_, err = h.svc.Sweep(ctx)
	require.NoError(t, err)
	req := h.requestFor(t, b.ID, "dp1")
	_, err = h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "dp1", Answer: AnswerAccept})
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	after, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, failed, after)
}

func TestConcurrentSweepsAdvanceEachBroadcastOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		h.dir.add(order.RoleVendor, types.ID(fmt.Sprintf("v%d", i)), float64(i))
	}
	for i := 1; i <= 6; i++ {
		h.dir.add(order.RoleDeliveryPartner, types.ID(fmt.Sprintf("dp%d", i)), float64(i))
	}
	var ids []types.ID
	for i := 0; i < 5; i++ {
		oid := types.ID(fmt.Sprintf("o%d", i))
		h.deliveryOrder(oid)
		b, err := h.svc.Start(ctx, StartCommand{Kind: KindDelivery, OrderID: oid})
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}

	h.at(20 * time.Second)
	var wg sync.WaitGroup
	results := make(chan SweepResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Sweep(ctx)
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	advanced := 0
	for r := range results {
		advanced += r.Advanced
		assert.Zero(t, r.Failed)
	}
	assert.Equal(t, 5, advanced)
	for _, id := range ids {
		b, err := h.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Len(t, b.NotifiedIDs, 4)
		assert.Equal(t, PhaseSequential, b.Phase)
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pendingOrder("cart-1", order.KindCart)

	_, err := h.svc.Start(ctx, StartCommand{Kind: "groceries", OrderID: "cart-1"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Start(ctx, StartCommand{Kind: KindCart, OrderID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Start(ctx, StartCommand{Kind: KindPrescription, OrderID: "cart-1"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Start(ctx, StartCommand{Kind: KindDelivery, OrderID: "cart-1"})
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	h.dir.add(order.RoleVendor, "v1", 1)
	_, err = h.svc.Start(ctx, StartCommand{Kind: KindCart, OrderID: "cart-1"})
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, StartCommand{Kind: KindCart, OrderID: "cart-1"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestVendorWinCopiesPickup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dir.add(order.RoleVendor, "v1", 2)
	h.pendingOrder("o1", order.KindCart)

	b, err := h.svc.Start(ctx, StartCommand{Kind: KindCart, OrderID: "o1"})
	require.NoError(t, err)
	req := h.requestFor(t, b.ID, "v1")
	assert.InDelta(t, 2.0, req.DistanceKm, 1e-6)

	res, err := h.svc.Respond(ctx, RespondCommand{RequestID: req.ID, CandidateID: "v1", Answer: AnswerAccept})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Broadcast.Status)
	assert.Empty(t, h.dir.touched, "vendors have no last-active bookkeeping")

	winner, ok := h.store.Winner("o1", order.RoleVendor)
	require.True(t, ok)
	assert.Equal(t, types.ID("v1"), winner)
	require.NotEmpty(t, h.feed.snapshots)
	assert.Equal(t, StatusAccepted, h.feed.snapshots[len(h.feed.snapshots)-1].Status)
}
