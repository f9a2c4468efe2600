// README: Broadcast service: phase controller shell, response handler and escalation sweep.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"medidrop/internal/modules/location"
	"medidrop/internal/modules/order"
	"medidrop/internal/types"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Orders is the read side of order records.
type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
}

// Directory returns available, verified candidates of a pool within a radius.
type Directory interface {
	Nearby(ctx context.Context, pool order.Role, origin types.Point, radiusKm float64) ([]location.Candidate, error)
	TouchLastActive(ctx context.Context, id types.ID, at time.Time) error
}

// Notification is one addressable prompt to a candidate.
type Notification struct {
	RequestID   types.ID    `json:"request_id"`
	BroadcastID types.ID    `json:"broadcast_id"`
	OrderID     types.ID    `json:"order_id"`
	CandidateID types.ID    `json:"candidate_id"`
	Kind        Kind        `json:"kind"`
	Summary     string      `json:"summary"`
	DistanceKm  float64     `json:"distance_km"`
	Origin      types.Point `json:"origin"`
	Candidate   types.Point `json:"candidate"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

type Notifier interface {
	Notify(ctx context.Context, ns []Notification) error
}

// Feed pushes committed snapshots to watchers.
type Feed interface {
	Publish(ctx context.Context, b *Broadcast) error
}

// EventPublisher announces terminal outcomes to downstream fulfillment.
type EventPublisher interface {
	Resolved(ctx context.Context, b *Broadcast) error
}

type Deps struct {
	Store     Store
	Orders    Orders
	Directory Directory
	Notifier  Notifier
	Feed      Feed
	Events    EventPublisher
	Clock     Clock
	Logger    *zap.Logger
	Metrics   *Metrics
}

type Service struct {
	store     Store
	orders    Orders
	directory Directory
	notifier  Notifier
	feed      Feed
	events    EventPublisher
	clock     Clock
	logger    *zap.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	policies   Policies
	grace      time.Duration
	sweepLimit int
	newID      func() types.ID
}

func NewService(deps Deps, policies Policies, grace time.Duration, sweepLimit int) *Service {
	s := &Service{
		store:      deps.Store,
		orders:     deps.Orders,
		directory:  deps.Directory,
		notifier:   deps.Notifier,
		feed:       deps.Feed,
		events:     deps.Events,
		clock:      deps.Clock,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		tracer:     otel.Tracer("medidrop/broadcast"),
		policies:   policies,
		grace:      grace,
		sweepLimit: sweepLimit,
		newID:      func() types.ID { return types.ID(uuid.NewString()) },
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.sweepLimit <= 0 {
		s.sweepLimit = 100
	}
	return s
}

type StartCommand struct {
	Kind    Kind
	OrderID types.ID
}

type EscalateResult struct {
	Broadcast *Broadcast
	Advanced  bool
}

type SweepResult struct {
	Advanced int `json:"advanced"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Answer is a candidate's decision on a request.
type Answer string

const (
	AnswerAccept Answer = "accept"
	AnswerReject Answer = "reject"
)

// RespondCommand addresses a request either by RequestID or by the
// (BroadcastID, CandidateID) pair.
type RespondCommand struct {
	RequestID   types.ID
	BroadcastID types.ID
	CandidateID types.ID
	Answer      Answer
	Reason      string
}

type RespondResult struct {
	Broadcast *Broadcast
	Message   string
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Broadcast, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Requests(ctx context.Context, id types.ID) ([]CandidateRequest, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListRequests(ctx, id)
}

// Start opens a broadcast for an order and notifies the first batch.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Broadcast, error) {
	if !cmd.Kind.Valid() || cmd.OrderID == "" {
		return nil, ErrValidation
	}
	policy, ok := s.policies[cmd.Kind]
	if !ok {
		return nil, ErrValidation
	}

	ctx, span := s.tracer.Start(ctx, "broadcast.start", trace.WithAttributes(
		attribute.String("kind", string(cmd.Kind)),
		attribute.String("order_id", string(cmd.OrderID)),
	))
	defer span.End()

	o, err := s.orders.Get(ctx, cmd.OrderID)
	if errors.Is(err, order.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.spanErr(span, fmt.Errorf("broadcast: load order: %w: %w", ErrTransientStore, err))
	}
	originID, origin, err := originFor(cmd.Kind, o)
	if err != nil {
		return nil, err
	}

	ranked, err := s.search(ctx, cmd.Kind, origin, policy.BaseRadiusKm, nil)
	if err != nil {
		return nil, s.spanErr(span, err)
	}

	now := s.clock.Now()
	d := Begin(StartInput{
		ID:       s.newID(),
		OrderID:  o.ID,
		OriginID: originID,
		Origin:   origin,
		Ranked:   ranked,
	}, policy, now)
	reqs := s.requestsFor(&d, now)
	if err := s.store.Create(ctx, &d.Next, reqs); err != nil {
		return nil, s.spanErr(span, err)
	}

	b := &d.Next
	s.metrics.ObserveStarted(cmd.Kind, len(reqs))
	s.logger.Info("broadcast started",
		zap.String("broadcast_id", string(b.ID)),
		zap.String("order_id", string(b.OrderID)),
		zap.String("kind", string(b.Kind)),
		zap.Int("notified", len(reqs)),
		zap.Int("remaining", len(b.Remaining)),
	)
	s.afterCommit(ctx, b, reqs, o.Summary)

	if len(reqs) == 0 {
		res, err := s.Escalate(ctx, b.ID)
		if err != nil {
			s.logger.Warn("inline escalation failed",
				zap.String("broadcast_id", string(b.ID)), zap.Error(err))
			return b, nil
		}
		return res.Broadcast, nil
	}
	return b, nil
}

// Escalate evaluates one broadcast against the clock and commits the
// resulting step. A broadcast that is not due is returned unchanged.
func (s *Service) Escalate(ctx context.Context, id types.ID) (EscalateResult, error) {
	ctx, span := s.tracer.Start(ctx, "broadcast.escalate", trace.WithAttributes(
		attribute.String("broadcast_id", string(id)),
	))
	defer span.End()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return EscalateResult{}, err
	}
	policy, ok := s.policies[b.Kind]
	if !ok {
		return EscalateResult{}, fmt.Errorf("broadcast: no policy for kind %q: %w", b.Kind, ErrValidation)
	}

	now := s.clock.Now()
	d := Advance(*b, policy, now, nil)
	if d.ExpandToKm > 0 {
		exclude := append(append([]types.ID{}, b.NotifiedIDs...), idsOf(b.Remaining)...)
		found, err := s.search(ctx, b.Kind, b.Origin, d.ExpandToKm, exclude)
		if err != nil {
			return EscalateResult{}, s.spanErr(span, err)
		}
		s.logger.Debug("radius expanded",
			zap.String("broadcast_id", string(b.ID)),
			zap.Float64("radius_km", d.ExpandToKm),
			zap.Int("found", len(found)),
		)
		d = Advance(*b, policy, now, &Expansion{RadiusKm: d.ExpandToKm, Found: found})
	}
	if !d.Changed {
		return EscalateResult{Broadcast: b}, nil
	}

	d.Next.Version = b.Version + 1
	if err := checkTransition(b, &d.Next); err != nil {
		return EscalateResult{}, s.spanErr(span, err)
	}
	reqs := s.requestsFor(&d, now)
	err = s.store.Apply(ctx, Transition{
		PrevVersion:   b.Version,
		Next:          d.Next,
		Requests:      reqs,
		ExpirePending: d.ExpirePending,
		Now:           now,
	})
	if err != nil {
		return EscalateResult{}, err
	}

	next := &d.Next
	s.metrics.ObserveEscalation(next.Kind, escalationLabel(next))
	if next.Status == StatusFailed {
		s.logger.Info("broadcast failed",
			zap.String("broadcast_id", string(next.ID)),
			zap.String("order_id", string(next.OrderID)),
			zap.String("reason", next.FailureReason),
			zap.Error(next.Err()),
		)
	} else {
		s.logger.Debug("broadcast advanced",
			zap.String("broadcast_id", string(next.ID)),
			zap.String("phase", string(next.Phase)),
			zap.Int("attempt", next.Attempt),
			zap.Float64("radius_km", next.RadiusKm),
			zap.Int("notified", len(reqs)),
		)
	}
	summary := ""
	if len(reqs) > 0 {
		summary = s.orderSummary(ctx, next.OrderID)
	}
	s.afterCommit(ctx, next, reqs, summary)
	return EscalateResult{Broadcast: next, Advanced: true}, nil
}

// Sweep advances every due broadcast once. It is safe to run from several
// triggers at the same time: a broadcast another caller already moved is skipped.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "broadcast.sweep")
	defer span.End()
	started := time.Now()

	var res SweepResult
	ids, err := s.store.ListDue(ctx, s.clock.Now(), s.sweepLimit)
	if err != nil {
		return res, s.spanErr(span, err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		out, err := s.Escalate(ctx, id)
		switch {
		case err == nil && out.Advanced:
			res.Advanced++
		case err == nil, errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
			res.Skipped++
			if err != nil {
				s.logger.Debug("escalation skipped", zap.String("broadcast_id", string(id)), zap.Error(err))
			}
		default:
			res.Failed++
			s.logger.Error("escalation failed", zap.String("broadcast_id", string(id)), zap.Error(err))
		}
	}
	span.SetAttributes(
		attribute.Int("advanced", res.Advanced),
		attribute.Int("skipped", res.Skipped),
		attribute.Int("failed", res.Failed),
	)
	s.metrics.ObserveSweep(time.Since(started).Seconds())
	return res, nil
}

// Respond records a candidate's answer. Accept is all-or-nothing against the
// order's winner column; reject may advance the phase immediately.
func (s *Service) Respond(ctx context.Context, cmd RespondCommand) (*RespondResult, error) {
	if cmd.CandidateID == "" || (cmd.RequestID == "" && cmd.BroadcastID == "") {
		return nil, ErrValidation
	}
	if cmd.Answer != AnswerAccept && cmd.Answer != AnswerReject {
		return nil, ErrValidation
	}

	ctx, span := s.tracer.Start(ctx, "broadcast.respond", trace.WithAttributes(
		attribute.String("candidate_id", string(cmd.CandidateID)),
		attribute.String("answer", string(cmd.Answer)),
	))
	defer span.End()

	res, err := s.respond(ctx, cmd)
	s.metrics.ObserveResponse(cmd.Answer, responseLabel(err))
	if err != nil && !errors.Is(err, ErrAlreadyResolved) && !errors.Is(err, ErrExpired) {
		span.RecordError(err)
	}
	return res, err
}

func (s *Service) respond(ctx context.Context, cmd RespondCommand) (*RespondResult, error) {
	var (
		req *CandidateRequest
		err error
	)
	if cmd.RequestID != "" {
		req, err = s.store.GetRequest(ctx, cmd.RequestID)
	} else {
		req, err = s.store.FindPendingRequest(ctx, cmd.BroadcastID, cmd.CandidateID)
	}
	if err != nil {
		return nil, err
	}
	if req.CandidateID != cmd.CandidateID {
		return nil, ErrForbidden
	}
	b, err := s.store.Get(ctx, req.BroadcastID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if b.Kind == KindDelivery && s.directory != nil {
		if err := s.directory.TouchLastActive(ctx, cmd.CandidateID, now); err != nil {
			s.logger.Warn("touch last active failed", zap.String("candidate_id", string(cmd.CandidateID)), zap.Error(err))
		}
	}

	if req.Status != RequestPending || b.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}
	if now.After(req.ExpiresAt.Add(s.grace)) {
		return nil, ErrExpired
	}

	if cmd.Answer == AnswerAccept {
		return s.accept(ctx, b, req, now)
	}
	return s.reject(ctx, b, req, cmd.Reason, now)
}

func (s *Service) accept(ctx context.Context, b *Broadcast, req *CandidateRequest, now time.Time) (*RespondResult, error) {
	a := Acceptance{
		BroadcastID: b.ID,
		OrderID:     b.OrderID,
		Role:        b.Kind.Role(),
		RequestID:   req.ID,
		CandidateID: req.CandidateID,
		Now:         now,
	}
	if a.Role == order.RoleVendor {
		pickup := req.Position
		a.Pickup = &pickup
	}
	won, err := s.store.Accept(ctx, a)
	if err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			s.logger.Info("accept lost race",
				zap.String("broadcast_id", string(b.ID)),
				zap.String("candidate_id", string(req.CandidateID)))
		}
		return nil, err
	}

	s.logger.Info("broadcast accepted",
		zap.String("broadcast_id", string(won.ID)),
		zap.String("order_id", string(won.OrderID)),
		zap.String("candidate_id", string(req.CandidateID)),
	)
	s.metrics.ObserveResolved(won.Kind, StatusAccepted)
	s.publish(ctx, won)
	return &RespondResult{Broadcast: won, Message: "accepted"}, nil
}

func (s *Service) reject(ctx context.Context, b *Broadcast, req *CandidateRequest, reason string, now time.Time) (*RespondResult, error) {
	if reason == "" {
		reason = "declined"
	}
	ok, err := s.store.Reject(ctx, req.ID, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyResolved
	}

	current := b
	expedited, err := s.store.Expedite(ctx, b.ID, now)
	if err != nil {
		s.logger.Warn("expedite failed", zap.String("broadcast_id", string(b.ID)), zap.Error(err))
	}
	// every request of the phase is answered, or the phase is already due;
	// either way do not wait for the sweep
	if expedited || !now.Before(b.PhaseTimeoutAt) {
		res, err := s.Escalate(ctx, b.ID)
		switch {
		case err == nil:
			current = res.Broadcast
		case errors.Is(err, ErrConflict):
			s.logger.Debug("fast-path escalation lost race", zap.String("broadcast_id", string(b.ID)))
		default:
			s.logger.Warn("fast-path escalation failed", zap.String("broadcast_id", string(b.ID)), zap.Error(err))
		}
	}
	if current == b {
		if fresh, err := s.store.Get(ctx, b.ID); err == nil {
			current = fresh
		}
	}
	return &RespondResult{Broadcast: current, Message: "rejected"}, nil
}

// search lists candidates of the kind's pool and ranks them by distance.
func (s *Service) search(ctx context.Context, kind Kind, origin types.Point, radiusKm float64, exclude []types.ID) ([]location.Ranked, error) {
	pool, err := s.directory.Nearby(ctx, kind.Role(), origin, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("broadcast: directory search: %w: %w", ErrTransientStore, err)
	}
	skip := make(map[types.ID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	return location.Rank(origin, pool, radiusKm, skip), nil
}

func (s *Service) requestsFor(d *Decision, now time.Time) []CandidateRequest {
	reqs := make([]CandidateRequest, 0, len(d.Notify))
	for _, c := range d.Notify {
		reqs = append(reqs, CandidateRequest{
			ID:          s.newID(),
			BroadcastID: d.Next.ID,
			CandidateID: c.ID,
			Status:      RequestPending,
			DistanceKm:  c.DistanceKm,
			Position:    c.Position,
			ExpiresAt:   d.ExpiresAt,
			CreatedAt:   now,
		})
	}
	return reqs
}

// afterCommit fans out the effects of a committed step. Failures are logged:
// the store already holds the truth and watchers also poll.
func (s *Service) afterCommit(ctx context.Context, b *Broadcast, reqs []CandidateRequest, summary string) {
	if len(reqs) > 0 && s.notifier != nil {
		ns := make([]Notification, 0, len(reqs))
		for _, r := range reqs {
			ns = append(ns, Notification{
				RequestID:   r.ID,
				BroadcastID: b.ID,
				OrderID:     b.OrderID,
				CandidateID: r.CandidateID,
				Kind:        b.Kind,
				Summary:     summary,
				DistanceKm:  r.DistanceKm,
				Origin:      b.Origin,
				Candidate:   r.Position,
				ExpiresAt:   r.ExpiresAt,
			})
		}
		if err := s.notifier.Notify(ctx, ns); err != nil {
			s.logger.Error("notify failed", zap.String("broadcast_id", string(b.ID)), zap.Error(err))
		}
	}
	if b.Status == StatusFailed {
		s.metrics.ObserveResolved(b.Kind, StatusFailed)
	}
	s.publish(ctx, b)
}

func (s *Service) publish(ctx context.Context, b *Broadcast) {
	if s.feed != nil {
		if err := s.feed.Publish(ctx, b); err != nil {
			s.logger.Warn("feed publish failed", zap.String("broadcast_id", string(b.ID)), zap.Error(err))
		}
	}
	if b.Status.Terminal() && s.events != nil {
		if err := s.events.Resolved(ctx, b); err != nil {
			s.logger.Error("resolution event failed", zap.String("broadcast_id", string(b.ID)), zap.Error(err))
		}
	}
}

func (s *Service) orderSummary(ctx context.Context, id types.ID) string {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return ""
	}
	return o.Summary
}

func (s *Service) spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// originFor picks the search centre: the patient's drop-off for vendor
// searches, the vendor's pickup point for delivery searches.
func originFor(kind Kind, o *order.Order) (types.ID, types.Point, error) {
	switch kind {
	case KindCart, KindPrescription:
		if string(o.Kind) != string(kind) {
			return "", types.Point{}, ErrValidation
		}
		if o.Status != order.StatusPending || o.VendorID != nil {
			return "", types.Point{}, ErrAlreadyResolved
		}
		return o.PatientID, o.Dropoff, nil
	case KindDelivery:
		if o.Status != order.StatusVendorAssigned || o.DeliveryPartnerID != nil {
			return "", types.Point{}, ErrAlreadyResolved
		}
		if o.VendorID == nil || o.Pickup == nil {
			return "", types.Point{}, ErrValidation
		}
		return *o.VendorID, *o.Pickup, nil
	}
	return "", types.Point{}, ErrValidation
}

func escalationLabel(b *Broadcast) string {
	if b.Status == StatusFailed {
		return "failed"
	}
	return string(b.Phase)
}

func responseLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrForbidden):
		return "invalid"
	}
	return "error"
}
