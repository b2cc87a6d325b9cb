package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"dms-go/internal/dms"
)

// Scheduler runs jobs on cron expressions until its context is done. A job
// that is still running when its next tick comes is skipped for that tick.
type Scheduler struct {
	logger dms.Logger
	now    func() time.Time
	jobs   []*cronJob
}

type cronJob struct {
	name string
	expr string
	run  func(ctx context.Context)

	mu      sync.Mutex
	running bool
}

func NewScheduler(logger dms.Logger) *Scheduler {
	return &Scheduler{logger: logger, now: time.Now}
}

// Add registers fn to run on expr.
func (s *Scheduler) Add(name, expr string, fn func(ctx context.Context)) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("job %s: invalid cron expression %q", name, expr)
	}
	s.jobs = append(s.jobs, &cronJob{name: name, expr: expr, run: fn})
	return nil
}

// Run blocks until ctx is done, then waits for running jobs to return.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		s.logger.Info("schedule", "job", j.name, "cron", j.expr)
		wg.Go(func() { s.loop(ctx, j) })
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *cronJob) {
	for {
		next, err := gronx.NextTickAfter(j.expr, s.now(), false)
		if err != nil {
			s.logger.Error("computing next tick", "job", j.name, "cron", j.expr, "error", err)
			if !sleep(ctx, 30*time.Second) {
				return
			}
			continue
		}

		if !sleep(ctx, next.Sub(s.now())) {
			return
		}
		s.fire(ctx, j)
	}
}

// fire runs j unless its previous run is still going.
func (s *Scheduler) fire(ctx context.Context, j *cronJob) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		s.logger.Warn("previous run still in progress, skipping tick", "job", j.name)
		return
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	j.run(ctx)
}

// sleep waits for d or until ctx is done. Returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
