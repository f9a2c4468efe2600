// Package observer follows one broadcast from a client process. Three
// producers feed the same reconcile step: a websocket push stream, a periodic
// poll, and a periodic escalation trigger that keeps phase deadlines moving
// when no server-side sweeper runs.
package observer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"medidrop/internal/modules/broadcast"
	"medidrop/internal/types"
)

// Transport is how the observer reaches the API.
type Transport interface {
	Fetch(ctx context.Context, id types.ID) (*broadcast.Broadcast, error)
	Escalate(ctx context.Context) error
	// Watch streams snapshots until ctx is done or the stream breaks, then
	// closes the channel.
	Watch(ctx context.Context, id types.ID) (<-chan *broadcast.Broadcast, error)
}

type Config struct {
	PollInterval    time.Duration
	TriggerInterval time.Duration
	// OnChange runs for every accepted snapshot, one call at a time and in
	// version order. Nothing is delivered after the terminal snapshot.
	OnChange func(View)
	// OnResolved runs exactly once, for the first terminal snapshot.
	OnResolved func(View)
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		TriggerInterval: 5 * time.Second,
	}
}

// View is what a client renders: one of searching, accepted or failed, plus a
// countdown to the overall deadline.
type View struct {
	BroadcastID   types.ID         `json:"broadcast_id"`
	Status        broadcast.Status `json:"status"`
	Phase         broadcast.Phase  `json:"phase"`
	Attempt       int              `json:"attempt"`
	RadiusKm      float64          `json:"radius_km"`
	AcceptedByID  *types.ID        `json:"accepted_by_id,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	TimeLeft      time.Duration    `json:"time_left"`
	Version       int              `json:"version"`
}

type Observer struct {
	transport Transport
	id        types.ID
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger

	mu   sync.Mutex
	last *broadcast.Broadcast

	// reconcileMu serializes reconcile so callbacks never overlap; it is
	// taken before mu.
	reconcileMu sync.Mutex
	resolved    bool

	done      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

func New(t Transport, id types.ID, cfg Config, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.TriggerInterval <= 0 {
		cfg.TriggerInterval = def.TriggerInterval
	}
	return &Observer{
		transport: t,
		id:        id,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(zap.String("broadcast_id", string(id))),
		done:      make(chan struct{}),
		cancel:    func() {},
	}
}

// Start launches the three producers. It is a no-op after the first call.
func (o *Observer) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		o.mu.Lock()
		o.cancel = cancel
		o.mu.Unlock()

		o.wg.Add(3)
		go o.push(ctx)
		go o.poll(ctx)
		go o.trigger(ctx)
	})
}

// Close stops every producer and waits for them. Server state is untouched.
func (o *Observer) Close() {
	o.stop()
	o.wg.Wait()
}

// Done is closed once a terminal snapshot has been handled.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

func (o *Observer) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewLocked()
}

func (o *Observer) viewLocked() View {
	if o.last == nil {
		return View{BroadcastID: o.id, Status: broadcast.StatusSearching}
	}
	b := o.last
	v := View{
		BroadcastID:   b.ID,
		Status:        b.Status,
		Phase:         b.Phase,
		Attempt:       b.Attempt,
		RadiusKm:      b.RadiusKm,
		AcceptedByID:  b.AcceptedByID,
		FailureReason: b.FailureReason,
		Version:       b.Version,
	}
	if !b.Status.Terminal() {
		if left := b.TimeoutAt.Sub(o.now()); left > 0 {
			v.TimeLeft = left
		}
	}
	return v
}

// reconcile is the single entry point for every producer. Snapshots only move
// the view forward.
func (o *Observer) reconcile(b *broadcast.Broadcast) {
	if b == nil || b.ID != o.id {
		return
	}
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()
	if o.resolved {
		return
	}

	o.mu.Lock()
	if o.last != nil && b.Version <= o.last.Version {
		o.mu.Unlock()
		return
	}
	cp := b.Clone()
	o.last = &cp
	v := o.viewLocked()
	o.mu.Unlock()

	if o.cfg.OnChange != nil {
		o.cfg.OnChange(v)
	}
	if !v.Status.Terminal() {
		return
	}
	o.resolved = true
	if o.cfg.OnResolved != nil {
		o.cfg.OnResolved(v)
	}
	close(o.done)
	o.stop()
}

func (o *Observer) stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	cancel()
}

func (o *Observer) push(ctx context.Context) {
	defer o.wg.Done()

	ch, err := o.transport.Watch(ctx, o.id)
	if err != nil {
		o.logger.Debug("push unavailable, relying on poll", zap.Error(err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-ch:
			if !ok {
				return
			}
			o.reconcile(b)
		}
	}
}

func (o *Observer) poll(ctx context.Context) {
	defer o.wg.Done()

	o.fetch(ctx)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.fetch(ctx)
		}
	}
}

func (o *Observer) fetch(ctx context.Context) {
	b, err := o.transport.Fetch(ctx, o.id)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Debug("poll failed", zap.Error(err))
		}
		return
	}
	o.reconcile(b)
}

func (o *Observer) trigger(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.TriggerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.transport.Escalate(ctx); err != nil {
				if ctx.Err() == nil {
					o.logger.Debug("escalation trigger failed", zap.Error(err))
				}
				continue
			}
			// A sweep may have changed the row; read it back without waiting
			// for the next poll.
			o.fetch(ctx)
		}
	}
}
