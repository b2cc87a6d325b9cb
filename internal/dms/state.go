package dms

import "fmt"

// State is the lifecycle position of a switch.
type State string

const (
	StateActive    State = "ACTIVE"
	StateReminded1 State = "REMINDED_1"
	StateReminded2 State = "REMINDED_2"
	StateReminded3 State = "REMINDED_3"
	StateTriggered State = "TRIGGERED"
	StateSent      State = "SENT"
	StateCancelled State = "CANCELLED"
)

// rank orders the forward states. CANCELLED sits outside the order.
var rank = map[State]int{
	StateActive:    0,
	StateReminded1: 1,
	StateReminded2: 2,
	StateReminded3: 3,
	StateTriggered: 4,
	StateSent:      5,
}

// reminderStates lists the reminder stages in cascade order.
var reminderStates = []State{StateReminded1, StateReminded2, StateReminded3}

// ParseState converts a persisted string to a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := rank[st]; ok || st == StateCancelled {
		return st, nil
	}
	return "", fmt.Errorf("unknown switch state: %q", s)
}

// Rank returns the position of s in the forward order, or -1 for CANCELLED.
func (s State) Rank() int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSent || s == StateCancelled
}

// IsReminder reports whether s is one of the reminder stages.
func (s State) IsReminder() bool {
	return s == StateReminded1 || s == StateReminded2 || s == StateReminded3
}

// Open reports whether the switch still takes part in evaluation.
func (s State) Open() bool {
	return !s.Terminal()
}

// Cancellable reports whether a user may still cancel the switch.
func (s State) Cancellable() bool {
	return s != StateCancelled && s.Rank() < rank[StateTriggered]
}

// After reports whether s is strictly later than other in the forward order.
func (s State) After(other State) bool {
	return s.Rank() > other.Rank()
}

// CanTransition reports whether from → to is a legal move:
// forward along the order, to CANCELLED from below TRIGGERED, or back to
// ACTIVE from a reminder stage (check-in).
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch {
	case to == StateCancelled:
		return from.Cancellable()
	case to == StateActive:
		return from.IsReminder()
	default:
		return to.After(from)
	}
}
