package dms

import (
	"fmt"
	"time"
)

// Cascade maps inactivity to a target state. Reminder i fires once
// elapsed >= Fractions[i] * interval; the switch triggers once
// elapsed >= interval + TriggerMargin.
type Cascade struct {
	Fractions     []float64
	TriggerMargin time.Duration
}

// DefaultCascade approximates the legacy 30/45/52/60-day stages of a
// 60-day interval.
func DefaultCascade() Cascade {
	return Cascade{Fractions: []float64{0.50, 0.75, 0.87}}
}

// Validate checks that the fractions are strictly increasing in (0, 1) and
// that there are no more of them than reminder stages.
func (c Cascade) Validate() error {
	if len(c.Fractions) > len(reminderStates) {
		return fmt.Errorf("at most %d reminder fractions allowed, got %d", len(reminderStates), len(c.Fractions))
	}
	prev := 0.0
	for i, f := range c.Fractions {
		if f <= prev || f >= 1 {
			return fmt.Errorf("reminder fraction %d (%v) must be in (%v, 1)", i, f, prev)
		}
		prev = f
	}
	if c.TriggerMargin < 0 {
		return fmt.Errorf("trigger margin must not be negative")
	}
	return nil
}

func interval(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// Deadline returns when the switch triggers if nobody checks in.
func (c Cascade) Deadline(t Trigger, lastCheckIn time.Time) time.Time {
	if t.FixedTime != nil {
		return *t.FixedTime
	}
	return lastCheckIn.Add(interval(t.InactivityDays) + c.TriggerMargin)
}

// Target returns the highest stage the switch qualifies for at now.
// Fixed-time switches have no reminder stages.
func (c Cascade) Target(t Trigger, lastCheckIn, now time.Time) State {
	if t.FixedTime != nil {
		if !now.Before(*t.FixedTime) {
			return StateTriggered
		}
		return StateActive
	}

	elapsed := now.Sub(lastCheckIn)
	full := interval(t.InactivityDays)
	if elapsed >= full+c.TriggerMargin {
		return StateTriggered
	}

	target := StateActive
	for i, f := range c.Fractions {
		if elapsed >= time.Duration(float64(full)*f) {
			target = reminderStates[i]
		}
	}
	return target
}
