package dms

import "time"

// Metrics receives engine counters. NopMetrics is used when disabled.
type Metrics interface {
	ObservePass(kind string, summary PassSummary, duration time.Duration)
	ObserveCleanup(summary CleanupSummary, duration time.Duration)
	IncTransition(from, to State)
	IncRelayCall(op string, ok bool)
	IncReleaseAlert()
}

type NopMetrics struct{}

func (NopMetrics) ObservePass(string, PassSummary, time.Duration) {}
func (NopMetrics) ObserveCleanup(CleanupSummary, time.Duration)   {}
func (NopMetrics) IncTransition(State, State)                     {}
func (NopMetrics) IncRelayCall(string, bool)                      {}
func (NopMetrics) IncReleaseAlert()                               {}
