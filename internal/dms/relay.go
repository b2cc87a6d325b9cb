package dms

import (
	"context"

	"dms-go/internal/wire"
)

// RelayClient talks to individual relays. Pure transport: every call is
// bounded by a timeout and never retried internally.
type RelayClient interface {
	// Publish stores ev on the relay and returns once the relay acknowledged.
	Publish(ctx context.Context, relayURL string, ev *wire.Event) error

	// Fetch returns the first verified record matching filter, or
	// ErrRecordNotFound.
	Fetch(ctx context.Context, relayURL string, filter wire.Filter) (wire.Record, error)
}

// ContentStore replicates opaque payloads across relays.
type ContentStore interface {
	// Prepare signs payload into a record without publishing it, so its
	// event id can be recorded first.
	Prepare(payload []byte) (*PreparedContent, error)
	// Publish sends a prepared record to relaySet and succeeds once
	// quorum acks.
	Publish(ctx context.Context, p *PreparedContent, relaySet []string) (ContentRef, error)
	// Retrieve returns the verified payload behind ref.
	Retrieve(ctx context.Context, ref ContentRef) ([]byte, error)
	// Delete asks every relay in relaySet to drop the record eventID and
	// returns how many accepted.
	Delete(ctx context.Context, eventID string, relaySet []string) (int, error)
}

// DeliverySink hands released payloads to the outside world. Must be
// idempotent per switch id.
type DeliverySink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Notifier receives reminder and trigger signals. At-least-once.
type Notifier interface {
	Remind(ctx context.Context, r Reminder) error
	Triggered(ctx context.Context, n Notice) error
}
