// README: Outbox writes one pending row per notified candidate.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"medidrop/internal/modules/broadcast"
)

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Outbox implements broadcast.Notifier by queueing rows for the Relay.
type Outbox struct {
	db  Execer
	now func() time.Time
}

func NewOutbox(db Execer) *Outbox {
	return &Outbox{db: db, now: time.Now}
}

func (o *Outbox) Notify(ctx context.Context, ns []broadcast.Notification) error {
	now := o.now()
	for _, n := range ns {
		payload, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("notify: encode %s: %w", n.RequestID, err)
		}
		_, err = o.db.Exec(ctx, `
			INSERT INTO notifications (id, request_id, candidate_id, payload, status, retry_count, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6)`,
			uuid.NewString(), string(n.RequestID), string(n.CandidateID), payload, string(StatusPending), now,
		)
		if err != nil {
			return fmt.Errorf("notify: enqueue %s: %w", n.RequestID, err)
		}
	}
	return nil
}
