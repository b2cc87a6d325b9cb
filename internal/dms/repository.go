package dms

import (
	"context"
	"time"
)

// Repository persists accounts and switches. Switch state only ever changes
// through the compare-and-set methods; nothing blind-writes a state.
type Repository interface {
	// Account operations

	CreateAccount(ctx context.Context, account *Account) error
	// FindAccount returns nil, nil when the account does not exist.
	FindAccount(ctx context.Context, id string) (*Account, error)
	// SetAccountRelays replaces the ordered relay list of an account.
	SetAccountRelays(ctx context.Context, accountID string, urls []string) error
	// CheckIn sets last_check_in_at and resets every REMINDED_n switch of the
	// account to ACTIVE in one transaction. Returns how many were reset.
	CheckIn(ctx context.Context, accountID string, at time.Time) (int, error)

	// Switch operations

	// CreateSwitch inserts a switch and clears the pending-content marker
	// for its content in the same transaction.
	CreateSwitch(ctx context.Context, sw *Switch) error
	// FindSwitch returns nil, nil when the switch does not exist.
	FindSwitch(ctx context.Context, id string) (*Switch, error)
	ListSwitchesByAccount(ctx context.Context, accountID string) ([]*Switch, error)
	// ListOpenSwitches returns every switch not SENT or CANCELLED.
	ListOpenSwitches(ctx context.Context) ([]*OpenSwitch, error)
	// ListSwitchesInState returns every switch in the given state.
	ListSwitchesInState(ctx context.Context, state State) ([]*Switch, error)
	// CountOpenSwitches counts the account's switches not SENT or CANCELLED.
	CountOpenSwitches(ctx context.Context, accountID string) (int, error)

	// Advance moves a switch from -> to if its persisted state is still from.
	// Returns ErrStateConflict otherwise.
	Advance(ctx context.Context, id string, from, to State) error
	// AdvanceIfIdle is Advance with the extra condition that the owning
	// account's last check-in is still observedCheckIn.
	AdvanceIfIdle(ctx context.Context, id string, from, to State, observedCheckIn time.Time) error
	// RepointContent swaps the content reference of an ACTIVE switch whose
	// current event id is oldEventID. The replaced record becomes pending
	// content.
	RepointContent(ctx context.Context, id string, oldEventID string, ref ContentRef) error

	// ClaimRelease takes the release lease on a TRIGGERED switch if it is
	// free or expired at now. Returns false if another owner holds it.
	ClaimRelease(ctx context.Context, id, owner string, now, until time.Time) (bool, error)
	// ReleaseLease drops the lease if owner still holds it.
	ReleaseLease(ctx context.Context, id, owner string) error
	// RecordReleaseFailure increments the consecutive failure counter and
	// returns the new value.
	RecordReleaseFailure(ctx context.Context, id string, reason string) (int, error)
	ClearReleaseFailures(ctx context.Context, id string) error

	// Ephemeral state

	CreatePendingContent(ctx context.Context, p *PendingContent) error
	// ListPendingContentBefore returns markers created before cutoff,
	// oldest first.
	ListPendingContentBefore(ctx context.Context, cutoff time.Time) ([]*PendingContent, error)
	DeletePendingContent(ctx context.Context, eventID string) error
	CreateCheckInCode(ctx context.Context, codeHash, accountID string, at, expiresAt time.Time) error
	// ConsumeCheckInCode marks an unexpired, unconsumed code as used and
	// returns its account. Returns ErrInvalidCode otherwise.
	ConsumeCheckInCode(ctx context.Context, codeHash string, at time.Time) (string, error)
	DeleteExpiredCheckInCodes(ctx context.Context, now time.Time) (int64, error)
	DeleteConsumedCheckInCodesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Pass history

	CreatePassRun(ctx context.Context, kind string, at time.Time) (int64, error)
	FinishPassRun(ctx context.Context, id int64, at time.Time, status, summary string) error
	ListPassRuns(ctx context.Context, limit int) ([]*PassRun, error)

	Close() error
}
