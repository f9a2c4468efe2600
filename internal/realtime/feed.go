// README: Broadcast change feed over Redis Pub/Sub, one channel per broadcast.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"medidrop/internal/modules/broadcast"
	"medidrop/internal/types"
)

const channelPrefix = "broadcast:%s"

// Feed implements broadcast.Feed.
type Feed struct {
	redis  *redis.Client
	logger *zap.Logger
}

func NewFeed(client *redis.Client, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{redis: client, logger: logger}
}

func (f *Feed) Publish(ctx context.Context, b *broadcast.Broadcast) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", b.ID, err)
	}
	if err := f.redis.Publish(ctx, channel(b.ID), data).Err(); err != nil {
		return fmt.Errorf("realtime: publish %s: %w", b.ID, err)
	}
	return nil
}

// Subscription delivers decoded snapshots of one broadcast until closed.
type Subscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	C    <-chan *broadcast.Broadcast
}

func (s *Subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}

// Subscribe returns once the subscription is confirmed by Redis, so no
// snapshot published afterwards is missed.
func (f *Feed) Subscribe(ctx context.Context, id types.ID) (*Subscription, error) {
	ps := f.redis.Subscribe(ctx, channel(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("realtime: subscribe %s: %w", id, err)
	}

	out := make(chan *broadcast.Broadcast, 8)
	sub := &Subscription{ps: ps, done: make(chan struct{}), C: out}
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var b broadcast.Broadcast
			if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil {
				f.logger.Warn("dropping undecodable snapshot", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case out <- &b:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func channel(id types.ID) string {
	return fmt.Sprintf(channelPrefix, string(id))
}
