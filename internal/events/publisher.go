// README: Resolution events for downstream fulfillment, produced to Kafka with franz-go.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"medidrop/internal/modules/broadcast"
	"medidrop/internal/types"
)

// Resolved is the record value written for a terminal broadcast.
type Resolved struct {
	BroadcastID   types.ID         `json:"broadcast_id"`
	OrderID       types.ID         `json:"order_id"`
	Kind          broadcast.Kind   `json:"kind"`
	Status        broadcast.Status `json:"status"`
	AcceptedByID  *types.ID        `json:"accepted_by_id,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Attempt       int              `json:"attempt"`
	RadiusKm      float64          `json:"radius_km"`
	ResolvedAt    time.Time        `json:"resolved_at"`
}

type ProducerConfig struct {
	Brokers []string
	Topic   string
	Linger  time.Duration
}

// producer is satisfied by *kgo.Client.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher implements broadcast.EventPublisher.
type KafkaPublisher struct {
	client producer
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

func NewKafkaPublisher(cfg ProducerConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("events: no brokers configured")
	}
	if cfg.Linger <= 0 {
		cfg.Linger = 10 * time.Millisecond
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return newKafkaPublisher(client, cfg.Topic, logger), nil
}

func newKafkaPublisher(client producer, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		client: client,
		topic:  topic,
		logger: logger,
		tracer: otel.Tracer("medidrop/events"),
	}
}

// Resolved produces one record keyed by order ID, so all outcomes of an order
// land on the same partition in order.
func (p *KafkaPublisher) Resolved(ctx context.Context, b *broadcast.Broadcast) error {
	ctx, span := p.tracer.Start(ctx, "events.resolved",
		trace.WithAttributes(
			attribute.String("topic", p.topic),
			attribute.String("broadcast_id", string(b.ID)),
			attribute.String("status", string(b.Status)),
		))
	defer span.End()

	value, err := json.Marshal(fromBroadcast(b))
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", b.ID, err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(b.OrderID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(b.Kind)},
			{Key: "status", Value: []byte(b.Status)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("events: produce %s: %w", b.ID, err)
	}
	p.logger.Debug("resolution event produced",
		zap.String("broadcast_id", string(b.ID)),
		zap.String("order_id", string(b.OrderID)),
		zap.String("status", string(b.Status)),
	)
	return nil
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}

func fromBroadcast(b *broadcast.Broadcast) Resolved {
	at := b.UpdatedAt
	if b.AcceptedAt != nil {
		at = *b.AcceptedAt
	}
	return Resolved{
		BroadcastID:   b.ID,
		OrderID:       b.OrderID,
		Kind:          b.Kind,
		Status:        b.Status,
		AcceptedByID:  b.AcceptedByID,
		FailureReason: b.FailureReason,
		Attempt:       b.Attempt,
		RadiusKm:      b.RadiusKm,
		ResolvedAt:    at,
	}
}

// Noop is used when no brokers are configured.
type Noop struct{}

func (Noop) Resolved(context.Context, *broadcast.Broadcast) error { return nil }

// New returns a Kafka publisher when brokers are configured and Noop
// otherwise. The returned close func is always safe to call.
func New(cfg ProducerConfig, logger *zap.Logger) (broadcast.EventPublisher, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Brokers) == 0 {
		logger.Info("kafka brokers not configured; resolved events are not published")
		return Noop{}, func() {}, nil
	}
	kp, err := NewKafkaPublisher(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return kp, kp.Close, nil
}
