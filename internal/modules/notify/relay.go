// README: Relay drains the notification outbox into FCM behind a circuit breaker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	// BatchTimeout caps the time spent on network calls while a batch holds
	// its row locks.
	BatchTimeout time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: time.Second,
		BatchSize:    50,
		MaxRetries:   5,
		BatchTimeout: 15 * time.Second,
	}
}

type Relay struct {
	db      DB
	tokens  TokenSource
	sender  Sender
	eta     Estimator
	breaker *gobreaker.CircuitBreaker
	cfg     RelayConfig
	now     func() time.Time
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
}

type RelayOption func(*Relay)

// WithEstimator adds drive-time enrichment to every push.
func WithEstimator(e Estimator) RelayOption {
	return func(r *Relay) { r.eta = e }
}

func WithMetrics(m *Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

func NewRelay(db DB, tokens TokenSource, sender Sender, cfg RelayConfig, logger *zap.Logger, opts ...RelayOption) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRelayConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	r := &Relay{
		db:     db,
		tokens: tokens,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		tracer: otel.Tracer("medidrop/notify"),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fcm",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes batches on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("notification relay started",
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Duration("poll_interval", r.cfg.PollInterval),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("relay batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch claims up to BatchSize pending rows and pushes them. Rows stay
// locked until the batch commits, so concurrent relays never send twice. Sends
// stop at BatchTimeout; rows not reached by then stay pending for the next
// batch. It returns the number of rows sent.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "notify.process_batch")
	defer span.End()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, r.spanErr(span, fmt.Errorf("notify: begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entries, err := claim(ctx, tx, r.cfg.BatchSize)
	if err != nil {
		return 0, r.spanErr(span, err)
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))
	r.metrics.ObserveBatch(len(entries))
	if len(entries) == 0 {
		return 0, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
	defer cancel()

	sent := 0
	for i, e := range entries {
		if sendCtx.Err() != nil {
			r.logger.Warn("batch timeout, deferring remaining rows", zap.Int("deferred", len(entries)-i))
			break
		}
		status, msgID, err := r.deliver(sendCtx, e)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.logger.Warn("push backend unavailable, deferring batch", zap.Error(err))
			break
		}
		if err != nil && sendCtx.Err() != nil && ctx.Err() == nil {
			// cut off by the batch deadline, not by the backend
			r.logger.Warn("batch timeout, deferring remaining rows", zap.Int("deferred", len(entries)-i))
			break
		}
		if err := r.record(ctx, tx, e, status, msgID, err); err != nil {
			return sent, r.spanErr(span, err)
		}
		r.metrics.ObserveDelivery(status)
		if status == StatusSent {
			sent++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, r.spanErr(span, fmt.Errorf("notify: commit: %w", err))
	}
	return sent, nil
}

func claim(ctx context.Context, tx pgx.Tx, limit int) ([]Entry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, payload, retry_count
		FROM notifications
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &payload, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("notify: scan: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Notification); err != nil {
			return nil, fmt.Errorf("notify: decode %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// deliver resolves the device token and sends one push. The returned status is
// what the row should become; an error alongside StatusPending or StatusFailed
// is the reason.
func (r *Relay) deliver(ctx context.Context, e Entry) (Status, string, error) {
	n := e.Notification
	if !n.ExpiresAt.IsZero() && !r.now().Before(n.ExpiresAt) {
		return StatusExpired, "", nil
	}

	token, err := r.tokens.DeviceToken(ctx, n.CandidateID)
	if err == nil && token == "" {
		err = errors.New("no device token")
	}
	if err != nil {
		return r.retryStatus(e), "", err
	}

	var eta time.Duration
	if r.eta != nil {
		if d, err := r.eta.DriveTime(ctx, n.Candidate, n.Origin); err == nil {
			eta = d
		} else {
			r.logger.Debug("drive time unavailable", zap.String("request_id", string(n.RequestID)), zap.Error(err))
		}
	}

	msg := buildMessage(token, n, eta)
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.sender.Send(ctx, msg)
	})
	if err != nil {
		return r.retryStatus(e), "", err
	}
	msgID, _ := out.(string)
	r.logger.Debug("push sent",
		zap.String("request_id", string(n.RequestID)),
		zap.String("candidate_id", string(n.CandidateID)),
		zap.String("message_id", msgID),
	)
	return StatusSent, msgID, nil
}

func (r *Relay) retryStatus(e Entry) Status {
	if e.RetryCount+1 >= r.cfg.MaxRetries {
		return StatusFailed
	}
	return StatusPending
}

func (r *Relay) record(ctx context.Context, tx pgx.Tx, e Entry, status Status, msgID string, cause error) error {
	var err error
	switch status {
	case StatusSent:
		_, err = tx.Exec(ctx, `
			UPDATE notifications SET status = $1, message_id = $2, sent_at = $3
			WHERE id = $4`, string(status), msgID, r.now(), e.ID)
	case StatusExpired:
		_, err = tx.Exec(ctx, `UPDATE notifications SET status = $1 WHERE id = $2`, string(status), e.ID)
	default:
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		_, err = tx.Exec(ctx, `
			UPDATE notifications SET status = $1, retry_count = retry_count + 1, last_error = $2
			WHERE id = $3`, string(status), reason, e.ID)
	}
	if err != nil {
		return fmt.Errorf("notify: record %s: %w", e.ID, err)
	}
	return nil
}

func (r *Relay) spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
