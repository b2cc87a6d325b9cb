package dms

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CodeIssuer hands out one-time check-in codes for reminders.
type CodeIssuer interface {
	IssueCheckInCode(ctx context.Context, accountID string) (string, error)
}

// EvaluatorConfig tunes the inactivity pass.
type EvaluatorConfig struct {
	Cascade      Cascade
	PassDeadline time.Duration // stop starting new switches after this
	Workers      int
}

// Evaluator walks every open switch through the reminder/trigger cascade.
// Safe to run concurrently with itself in other processes: every state
// change is a compare-and-set.
type Evaluator struct {
	repo        Repository
	coordinator *Coordinator
	notifier    Notifier
	codes       CodeIssuer
	clock       Clock
	logger      Logger
	metrics     Metrics
	cfg         EvaluatorConfig
}

// NewEvaluator creates an evaluator that hands triggered switches to
// coordinator. Zero Workers means one; a zero PassDeadline means ten minutes.
func NewEvaluator(repo Repository, coordinator *Coordinator, notifier Notifier, codes CodeIssuer, clock Clock, logger Logger, metrics Metrics, cfg EvaluatorConfig) *Evaluator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PassDeadline <= 0 {
		cfg.PassDeadline = 10 * time.Minute
	}
	return &Evaluator{
		repo:        repo,
		coordinator: coordinator,
		notifier:    notifier,
		codes:       codes,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		cfg:         cfg,
	}
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeReminded
	outcomeTriggered
	outcomeSent
	outcomeConflict
	outcomeFailed
)

// RunInactivityPass evaluates every open switch once. It never fails as a
// whole; per-switch problems are logged and counted.
func (e *Evaluator) RunInactivityPass(ctx context.Context) PassSummary {
	start := e.clock.Now()
	var summary PassSummary

	switches, err := e.repo.ListOpenSwitches(ctx)
	if err != nil {
		e.logger.Error("listing open switches", "error", err)
		summary.Failed++
		e.metrics.ObservePass("inactivity", summary, e.clock.Now().Sub(start))
		return summary
	}

	deadline, cancel := context.WithTimeout(ctx, e.cfg.PassDeadline)
	defer cancel()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)

	for i, sw := range switches {
		if deadline.Err() != nil {
			mu.Lock()
			summary.Deferred += len(switches) - i
			mu.Unlock()
			break
		}
		// g.Go blocks until a worker is free, so the deadline may pass
		// while waiting. Switches that only get a slot after it are
		// deferred as well.
		g.Go(func() error {
			if deadline.Err() != nil {
				mu.Lock()
				summary.Deferred++
				mu.Unlock()
				return nil
			}
			o, advanced := e.evaluate(ctx, sw)
			mu.Lock()
			defer mu.Unlock()
			summary.Examined++
			if advanced {
				summary.Advanced++
			}
			tally(&summary, o)
			return nil
		})
	}
	_ = g.Wait()

	if summary.Deferred > 0 {
		e.logger.Warn("pass deadline reached", "deferred", summary.Deferred)
	}
	e.logger.Info("inactivity pass complete", "summary", summary.String())
	e.metrics.ObservePass("inactivity", summary, e.clock.Now().Sub(start))
	return summary
}

func tally(s *PassSummary, o outcome) {
	switch o {
	case outcomeUnchanged:
		s.Unchanged++
	case outcomeReminded:
		s.Reminded++
	case outcomeTriggered:
		s.Triggered++
	case outcomeSent:
		s.Triggered++
		s.Sent++
	case outcomeConflict:
		s.Conflicts++
	case outcomeFailed:
		s.Failed++
	}
}

// evaluate handles one switch. The second result reports whether this call
// won a state advance.
func (e *Evaluator) evaluate(ctx context.Context, sw *OpenSwitch) (outcome, bool) {
	if sw.State == StateTriggered {
		// Left over from an earlier tick whose release did not finish.
		return e.release(ctx, &sw.Switch, false), false
	}

	now := e.clock.Now()
	target := e.cfg.Cascade.Target(sw.Trigger, sw.LastCheckInAt, now)
	if !target.After(sw.State) {
		return outcomeUnchanged, false
	}

	var err error
	if sw.Trigger.IsFixed() {
		err = e.repo.Advance(ctx, sw.ID, sw.State, target)
	} else {
		err = e.repo.AdvanceIfIdle(ctx, sw.ID, sw.State, target, sw.LastCheckInAt)
	}
	if errors.Is(err, ErrStateConflict) {
		e.logger.Debug("advance lost race", "switch", sw.ID, "from", sw.State, "to", target)
		return outcomeConflict, false
	}
	if err != nil {
		e.logger.Error("advancing switch", "switch", sw.ID, "from", sw.State, "to", target, "error", err)
		return outcomeFailed, false
	}

	e.metrics.IncTransition(sw.State, target)
	e.logger.Info("switch advanced", "switch", sw.ID, "from", sw.State, "to", target)
	sw.State = target

	if target.IsReminder() {
		e.remind(ctx, sw)
		return outcomeReminded, true
	}

	e.notifyTriggered(ctx, &sw.Switch, now)
	return e.release(ctx, &sw.Switch, true), true
}

func (e *Evaluator) release(ctx context.Context, sw *Switch, fresh bool) outcome {
	err := e.coordinator.Release(ctx, sw)
	switch {
	case err == nil:
		return outcomeSent
	case errors.Is(err, ErrStateConflict):
		if fresh {
			return outcomeTriggered
		}
		return outcomeConflict
	default:
		e.logger.Warn("release deferred", "switch", sw.ID, "error", err)
		if fresh {
			// The trigger itself succeeded; delivery is retried next tick.
			return outcomeTriggered
		}
		return outcomeFailed
	}
}

func (e *Evaluator) remind(ctx context.Context, sw *OpenSwitch) {
	code, err := e.codes.IssueCheckInCode(ctx, sw.AccountID)
	if err != nil {
		// The reminder still goes out; the owner can check in directly.
		e.logger.Warn("issuing check-in code", "switch", sw.ID, "error", err)
	}

	r := Reminder{
		SwitchID:    sw.ID,
		AccountID:   sw.AccountID,
		Title:       sw.Title,
		Stage:       sw.State,
		Deadline:    e.cfg.Cascade.Deadline(sw.Trigger, sw.LastCheckInAt),
		CheckInCode: code,
		RelayURLs:   sw.Content.RelaySet,
	}
	if err := e.notifier.Remind(ctx, r); err != nil {
		e.logger.Warn("sending reminder", "switch", sw.ID, "stage", sw.State, "error", err)
	}
}

func (e *Evaluator) notifyTriggered(ctx context.Context, sw *Switch, now time.Time) {
	n := Notice{
		SwitchID:  sw.ID,
		AccountID: sw.AccountID,
		Title:     sw.Title,
		At:        now,
		RelayURLs: sw.Content.RelaySet,
	}
	if err := e.notifier.Triggered(ctx, n); err != nil {
		e.logger.Warn("sending trigger notice", "switch", sw.ID, "error", err)
	}
}
