package dms

import (
	"context"
	"time"
)

// CleanupConfig controls how long ephemeral state is kept.
type CleanupConfig struct {
	ConsumedCodeRetention time.Duration
	// PendingContentTTL is how old a pending record must be before it is
	// treated as orphaned.
	PendingContentTTL time.Duration
	// OrphanGiveUp is how old an orphan may get while relays keep refusing
	// its deletion. Older markers are dropped.
	OrphanGiveUp time.Duration
}

// Sweeper reclaims expired ephemeral state: check-in codes, and payload
// records on relays that no switch points at.
type Sweeper struct {
	repo    Repository
	store   ContentStore
	clock   Clock
	logger  Logger
	metrics Metrics
	cfg     CleanupConfig
}

// NewSweeper creates a sweeper. Zero durations in cfg take the defaults:
// 7 days of consumed code retention, a 24 hour pending content TTL and
// 30 days before giving up on an orphan.
func NewSweeper(repo Repository, store ContentStore, clock Clock, logger Logger, metrics Metrics, cfg CleanupConfig) *Sweeper {
	if cfg.ConsumedCodeRetention <= 0 {
		cfg.ConsumedCodeRetention = 7 * 24 * time.Hour
	}
	if cfg.PendingContentTTL <= 0 {
		cfg.PendingContentTTL = 24 * time.Hour
	}
	if cfg.OrphanGiveUp <= 0 {
		cfg.OrphanGiveUp = 30 * 24 * time.Hour
	}
	return &Sweeper{repo: repo, store: store, clock: clock, logger: logger, metrics: metrics, cfg: cfg}
}

// RunCleanupPass deletes what has expired. Each step runs even if an
// earlier one failed.
func (s *Sweeper) RunCleanupPass(ctx context.Context) CleanupSummary {
	start := s.clock.Now()
	var summary CleanupSummary

	n, err := s.repo.DeleteExpiredCheckInCodes(ctx, start)
	if err != nil {
		s.logger.Error("deleting expired check-in codes", "error", err)
		summary.Failed++
	}
	summary.ExpiredCodes = n

	n, err = s.repo.DeleteConsumedCheckInCodesBefore(ctx, start.Add(-s.cfg.ConsumedCodeRetention))
	if err != nil {
		s.logger.Error("deleting consumed check-in codes", "error", err)
		summary.Failed++
	}
	summary.ConsumedCodes = n

	s.sweepOrphans(ctx, start, &summary)

	s.logger.Info("cleanup pass complete", "summary", summary.String())
	s.metrics.ObserveCleanup(summary, s.clock.Now().Sub(start))
	return summary
}

// sweepOrphans asks relays to delete every pending record older than the
// TTL. A marker is dropped once every relay accepted the deletion, or once
// it is older than the give-up age.
func (s *Sweeper) sweepOrphans(ctx context.Context, now time.Time, summary *CleanupSummary) {
	orphans, err := s.repo.ListPendingContentBefore(ctx, now.Add(-s.cfg.PendingContentTTL))
	if err != nil {
		s.logger.Error("listing pending content", "error", err)
		summary.Failed++
		return
	}

	for _, p := range orphans {
		if ctx.Err() != nil {
			return
		}

		accepted, err := s.store.Delete(ctx, p.EventID, p.RelaySet)
		if err != nil {
			s.logger.Error("deleting orphaned content", "event", p.EventID, "error", err)
			summary.Failed++
			continue
		}

		switch {
		case accepted == len(p.RelaySet):
			summary.DeletedContents++
		case now.Sub(p.CreatedAt) >= s.cfg.OrphanGiveUp:
			s.logger.Warn("giving up on orphaned content", "event", p.EventID, "account", p.AccountID,
				"accepted", accepted, "relays", len(p.RelaySet))
			summary.AbandonedContents++
		default:
			s.logger.Info("orphaned content still on some relays", "event", p.EventID,
				"accepted", accepted, "relays", len(p.RelaySet))
			summary.RetainedContents++
			continue
		}

		if err := s.repo.DeletePendingContent(ctx, p.EventID); err != nil {
			s.logger.Error("deleting pending content marker", "event", p.EventID, "error", err)
			summary.Failed++
		}
	}
}
