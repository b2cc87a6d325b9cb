package dms

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PayloadCache keeps verified payloads between a successful retrieval and
// a successful delivery, so a sink retry does not touch the relays again.
type PayloadCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Del(key string)
}

// NopCache never holds anything.
type NopCache struct{}

func (NopCache) Get(string) ([]byte, bool) { return nil, false }
func (NopCache) Set(string, []byte)        {}
func (NopCache) Del(string)                {}

// ReleaseConfig tunes the release coordinator.
type ReleaseConfig struct {
	// AlertAfterFailures escalates to an operator alert once this many
	// consecutive release attempts failed.
	AlertAfterFailures int
	// Lease bounds how long one coordinator may work a switch before
	// another instance may take over.
	Lease time.Duration
}

// Coordinator releases triggered switches: retrieve, deliver, mark SENT.
type Coordinator struct {
	repo    Repository
	store   ContentStore
	sink    DeliverySink
	cache   PayloadCache
	clock   Clock
	logger  Logger
	metrics Metrics
	cfg     ReleaseConfig
	owner   string
}

// NewCoordinator creates a coordinator with a fresh lease owner id from
// idgen. A nil cache disables payload caching.
func NewCoordinator(repo Repository, store ContentStore, sink DeliverySink, cache PayloadCache, clock Clock, idgen IDGenerator, logger Logger, metrics Metrics, cfg ReleaseConfig) *Coordinator {
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.AlertAfterFailures <= 0 {
		cfg.AlertAfterFailures = 3
	}
	if cache == nil {
		cache = NopCache{}
	}
	return &Coordinator{
		repo:    repo,
		store:   store,
		sink:    sink,
		cache:   cache,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		owner:   idgen.New(),
	}
}

// Release delivers a TRIGGERED switch and marks it SENT. Safe to call again
// for the same switch until it is SENT. On any failure the switch stays
// TRIGGERED. Returns ErrStateConflict when another coordinator holds the
// switch or already finished it.
func (c *Coordinator) Release(ctx context.Context, sw *Switch) error {
	if sw.State != StateTriggered {
		return fmt.Errorf("%w: switch %s is %s, not %s", ErrStateConflict, sw.ID, sw.State, StateTriggered)
	}

	now := c.clock.Now()
	claimed, err := c.repo.ClaimRelease(ctx, sw.ID, c.owner, now, now.Add(c.cfg.Lease))
	if err != nil {
		return fmt.Errorf("claiming release: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: switch %s is being released elsewhere", ErrStateConflict, sw.ID)
	}
	defer func() {
		if err := c.repo.ReleaseLease(context.WithoutCancel(ctx), sw.ID, c.owner); err != nil {
			c.logger.Warn("dropping release lease", "switch", sw.ID, "error", err)
		}
	}()

	key := sw.Content.EventID
	payload, ok := c.cache.Get(key)
	if !ok {
		payload, err = c.store.Retrieve(ctx, sw.Content)
		if err != nil {
			c.recordFailure(ctx, sw, err, true)
			return fmt.Errorf("retrieving content for %s: %w", sw.ID, err)
		}
		c.cache.Set(key, payload)
		if err := c.repo.ClearReleaseFailures(ctx, sw.ID); err != nil {
			c.logger.Warn("clearing release failures", "switch", sw.ID, "error", err)
		}
	}

	d := Delivery{
		SwitchID: sw.ID,
		Recipients: RecipientsMetadata{
			AccountID: sw.AccountID,
			Title:     sw.Title,
			Count:     sw.RecipientCount,
		},
		Payload: payload,
	}
	if err := c.sink.Deliver(ctx, d); err != nil {
		c.recordFailure(ctx, sw, err, false)
		return fmt.Errorf("%w: switch %s: %v", ErrSinkDelivery, sw.ID, err)
	}

	if err := c.repo.Advance(ctx, sw.ID, StateTriggered, StateSent); err != nil {
		if errors.Is(err, ErrStateConflict) {
			c.cache.Del(key)
		}
		return fmt.Errorf("marking %s sent: %w", sw.ID, err)
	}
	c.cache.Del(key)
	sw.State = StateSent

	c.metrics.IncTransition(StateTriggered, StateSent)
	c.logger.Info("switch released", "switch", sw.ID, "recipients", sw.RecipientCount)
	return nil
}

func (c *Coordinator) recordFailure(ctx context.Context, sw *Switch, cause error, retrieval bool) {
	n, err := c.repo.RecordReleaseFailure(ctx, sw.ID, cause.Error())
	if err != nil {
		c.logger.Warn("recording release failure", "switch", sw.ID, "error", err)
		return
	}
	if retrieval && n >= c.cfg.AlertAfterFailures {
		c.metrics.IncReleaseAlert()
		c.logger.Error("release failing repeatedly, operator attention needed",
			"switch", sw.ID, "failures", n, "error", cause)
	}
}

// RunReleasePass retries every TRIGGERED switch. It is the secondary check
// that runs between inactivity passes.
func (c *Coordinator) RunReleasePass(ctx context.Context) PassSummary {
	start := c.clock.Now()
	var summary PassSummary

	switches, err := c.repo.ListSwitchesInState(ctx, StateTriggered)
	if err != nil {
		c.logger.Error("listing triggered switches", "error", err)
		summary.Failed++
		c.metrics.ObservePass("release", summary, c.clock.Now().Sub(start))
		return summary
	}

	for i, sw := range switches {
		if ctx.Err() != nil {
			summary.Deferred = len(switches) - i
			break
		}
		summary.Examined++
		err := c.Release(ctx, sw)
		switch {
		case err == nil:
			summary.Advanced++
			summary.Sent++
		case errors.Is(err, ErrStateConflict):
			summary.Conflicts++
		default:
			c.logger.Warn("release deferred", "switch", sw.ID, "error", err)
			summary.Failed++
		}
	}

	c.logger.Info("release pass complete", "summary", summary.String())
	c.metrics.ObservePass("release", summary, c.clock.Now().Sub(start))
	return summary
}
