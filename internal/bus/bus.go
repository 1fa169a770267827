package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pohlai88/accounts-worker/internal/models"
)

// ErrMalformed marks a publish that can never succeed and must not be
// retried.
var ErrMalformed = errors.New("malformed event")

// PublishResult reports the outcome of accepting an event.
type PublishResult struct {
	EventID   string
	Duplicate bool
}

// Bus accepts events, honors scheduled visibility, and leases visible
// events to exactly one worker at a time. Delivery is at-least-once.
type Bus interface {
	// Publish accepts and persists an event. If the idempotency key was
	// seen within the dedup window the call is a no-op returning the
	// prior event id with Duplicate set.
	Publish(ctx context.Context, evt models.Event) (PublishResult, error)

	// NextVisible leases the oldest event whose scheduled time has
	// passed, marking it in-flight until the lease deadline. Returns
	// nil when nothing is visible.
	NextVisible(ctx context.Context, leaseFor time.Duration) (*models.Event, error)

	// Ack finalizes a leased event.
	Ack(ctx context.Context, eventID string) error

	// Nack re-queues a leased event, visible again at visibleAfter.
	Nack(ctx context.Context, eventID string, reason string, visibleAfter time.Time) error

	// Depth returns the number of events waiting or in flight.
	Depth(ctx context.Context) (int, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) error
}

// validate rejects events the bus can never deliver.
func validate(evt models.Event) error {
	if evt.Name == "" {
		return fmt.Errorf("%w: event name is required", ErrMalformed)
	}
	if evt.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrMalformed)
	}
	return nil
}
