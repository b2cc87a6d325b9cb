package dms

import (
	"fmt"
	"time"

	"dms-go/internal/wire"
)

// Account owns switches and the relay list their content is stored on.
type Account struct {
	ID              string
	Tier            string
	LastCheckInAt   time.Time
	ActiveRelayURLs []string // ordered; first entries are preferred for writes
	CreatedAt       time.Time
}

// Tier holds the limits a subscription tier grants.
type Tier struct {
	Name              string
	ReplicationFactor int
	MaxActiveSwitches int
	MaxRelays         int
}

// Tiers resolves tier limits by name.
type Tiers interface {
	Lookup(name string) (Tier, bool)
}

// TierTable is a static Tiers built from configuration.
type TierTable map[string]Tier

func (t TierTable) Lookup(name string) (Tier, bool) {
	tier, ok := t[name]
	return tier, ok
}

// Trigger is exactly one of a fixed release time or an inactivity interval.
type Trigger struct {
	FixedTime      *time.Time
	InactivityDays int
}

// FixedAt returns a fixed-time trigger.
func FixedAt(t time.Time) Trigger {
	t = t.UTC()
	return Trigger{FixedTime: &t}
}

// AfterInactivity returns an interval trigger of n days.
func AfterInactivity(days int) Trigger {
	return Trigger{InactivityDays: days}
}

// Validate enforces the exactly-one rule.
func (t Trigger) Validate() error {
	switch {
	case t.FixedTime != nil && t.InactivityDays != 0:
		return fmt.Errorf("%w: both fixed time and inactivity interval set", ErrInvalidTrigger)
	case t.FixedTime == nil && t.InactivityDays <= 0:
		return fmt.Errorf("%w: inactivity interval must be > 0 days", ErrInvalidTrigger)
	}
	return nil
}

// IsFixed reports whether the trigger is a fixed time.
func (t Trigger) IsFixed() bool { return t.FixedTime != nil }

func (t Trigger) String() string {
	if t.FixedTime != nil {
		return "at " + t.FixedTime.Format(time.RFC3339)
	}
	return fmt.Sprintf("after %d days inactive", t.InactivityDays)
}

// RelayAck records one relay acknowledging a stored payload.
type RelayAck struct {
	URL     string        `json:"url"`
	AckedAt time.Time     `json:"acked_at"`
	Latency time.Duration `json:"latency"`
}

// ContentRef locates a stored payload. Owned by exactly one switch.
type ContentRef struct {
	ContentID string     `json:"content_id"` // content address of the payload
	EventID   string     `json:"event_id"`   // wire id of the published record
	RelaySet  []string   `json:"relay_set"`
	Acks      []RelayAck `json:"acks"`
	Size      int        `json:"size"`
}

// Acked reports whether url acknowledged the write.
func (r ContentRef) Acked(url string) bool {
	for _, a := range r.Acks {
		if a.URL == url {
			return true
		}
	}
	return false
}

// PreparedContent is a signed payload record that has not been published.
type PreparedContent struct {
	Event     *wire.Event
	ContentID string
	Size      int
}

// PendingContent marks a payload record that sits on relays without a
// switch pointing at it: one whose switch was never created, or one an
// edit replaced.
type PendingContent struct {
	EventID   string
	AccountID string
	ContentID string
	RelaySet  []string
	CreatedAt time.Time
}

// Switch is one configured dead man's switch.
type Switch struct {
	ID               string
	AccountID        string
	Title            string
	Trigger          Trigger
	State            State
	Content          ContentRef
	RecipientCount   int
	ReleaseFailures  int
	LastReleaseError string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OpenSwitch is a switch under evaluation together with the owner's
// check-in time as read in the same query.
type OpenSwitch struct {
	Switch
	LastCheckInAt time.Time
}

// Delivery is what the release coordinator hands to the sink.
type Delivery struct {
	SwitchID   string
	Recipients RecipientsMetadata
	Payload    []byte // still encrypted
}

// RecipientsMetadata is the clear-text part of a delivery; the actual
// recipient list travels inside the encrypted payload.
type RecipientsMetadata struct {
	AccountID string `json:"account_id"`
	Title     string `json:"title"`
	Count     int    `json:"count"`
}

// Reminder is emitted when a switch enters a reminder stage.
type Reminder struct {
	SwitchID    string
	AccountID   string
	Title       string
	Stage       State
	Deadline    time.Time // when the switch will trigger without a check-in
	CheckInCode string    // one-time code the owner can redeem to check in
	RelayURLs   []string
}

// Notice is emitted when a switch is triggered.
type Notice struct {
	SwitchID  string
	AccountID string
	Title     string
	At        time.Time
	RelayURLs []string
}

// PassRun is the stored history entry of one scheduler pass.
type PassRun struct {
	ID         int64
	Kind       string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Summary    string
}
