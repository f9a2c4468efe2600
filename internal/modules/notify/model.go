// README: Notification outbox rows and the push payload sent to candidates.
package notify

import (
	"context"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"medidrop/internal/modules/broadcast"
	"medidrop/internal/types"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

// Entry is one queued push. Payload carries the broadcast notification as sent.
type Entry struct {
	ID           string
	Notification broadcast.Notification
	RetryCount   int
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Sender is satisfied by *messaging.Client.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// TokenSource resolves a candidate's push token.
type TokenSource interface {
	DeviceToken(ctx context.Context, id types.ID) (string, error)
}

// Estimator returns the driving time between two points.
type Estimator interface {
	DriveTime(ctx context.Context, origin, destination types.Point) (time.Duration, error)
}
