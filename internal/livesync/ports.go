// Package livesync keeps a per-user bookmark collection in step with the
// Store, merging an initial snapshot, a change feed and local mutations.
package livesync

import (
	"context"

	"github.com/MrSnakeDoc/shelf/internal/domain"
)

// Store is the durable source of truth. It enforces ownership: Delete of a
// record owned by someone else must fail with domain.ErrForbidden.
type Store interface {
	FetchAll(ctx context.Context, userID string) ([]domain.Record, error)
	Insert(ctx context.Context, userID string, p domain.Payload) (domain.Record, error)
	Delete(ctx context.Context, userID, id string) error
}

// Feed delivers add/remove notifications for one user scope.
// Delivery is at-least-once and unordered.
type Feed interface {
	// Subscribe returns once the subscription is established.
	// handler may be called concurrently with other Synchronizer methods.
	Subscribe(ctx context.Context, userID string, handler func(domain.Event)) (Subscription, error)
}

// Subscription is a live feed handle.
type Subscription interface {
	// Done is closed when the subscription ends, for any reason.
	Done() <-chan struct{}
	// Err returns why the subscription ended, nil if it was closed by Close.
	Err() error
	// Close releases the subscription. It is safe to call more than once.
	Close() error
}
