package dms

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientRelay covers timeouts and connection failures talking to
	// a relay. Retried on a later tick, never final.
	ErrTransientRelay = errors.New("transient relay error")

	// ErrRecordNotFound is returned by a relay that has no matching record.
	ErrRecordNotFound = errors.New("record not found on relay")

	// ErrInsufficientQuorum aborts switch creation: too few relays
	// acknowledged the payload.
	ErrInsufficientQuorum = errors.New("insufficient quorum")

	// ErrContentNotFound means no relay produced a verified payload within
	// the retrieval deadline.
	ErrContentNotFound = errors.New("content not found")

	// ErrStateConflict is a lost compare-and-set race. Always recoverable.
	ErrStateConflict = errors.New("state conflict")

	// ErrSinkDelivery means the delivery sink rejected or failed a delivery.
	ErrSinkDelivery = errors.New("sink delivery failed")

	ErrNotFound       = errors.New("not found")
	ErrInvalidTrigger = errors.New("invalid trigger")
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrNotEditable    = errors.New("switch is not editable")
	ErrInvalidCode    = errors.New("invalid or expired check-in code")
)

// QuorumError reports how many relays acknowledged a write.
type QuorumError struct {
	Acks     int
	Required int
	Relays   int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("insufficient quorum: %d of %d relays acknowledged, %d required", e.Acks, e.Relays, e.Required)
}

func (e *QuorumError) Unwrap() error { return ErrInsufficientQuorum }
