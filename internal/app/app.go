package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"time"

	"dms-go/internal/config"
	"dms-go/internal/database"
	"dms-go/internal/delivery"
	"dms-go/internal/dms"
	"dms-go/internal/relay"
	"dms-go/internal/store"
	"dms-go/internal/wire"
)

// payloadCacheTTL bounds how long a retrieved payload waits for a
// successful delivery before the relays are read again.
const payloadCacheTTL = 24 * time.Hour

// App is the application layer between the CLI and the engine.
// It constructs all dependencies from config, exposes the operations the
// CLI needs, records pass history, and closes everything on Close.
type App struct {
	cfg         *config.Config
	clock       dms.Clock
	db          *database.SQLiteDatabase
	relays      *relay.Mux
	service     *dms.Service
	evaluator   *dms.Evaluator
	coordinator *dms.Coordinator
	sweeper     *dms.Sweeper
	metrics     dms.Metrics
	logger      dms.Logger
	logFile     *os.File
}

// Option adjusts how NewApp builds its dependencies.
type Option func(*options)

type options struct {
	clock  dms.Clock
	idgen  dms.IDGenerator
	logger dms.Logger
}

// WithClock replaces the wall clock.
func WithClock(c dms.Clock) Option { return func(o *options) { o.clock = c } }

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(g dms.IDGenerator) Option { return func(o *options) { o.idgen = g } }

// WithLogger replaces the file+stderr logger.
func WithLogger(l dms.Logger) Option { return func(o *options) { o.logger = l } }

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "CreateSwitch", "serve").
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string, opts ...Option) (*App, error) {
	o := options{clock: dms.RealClock{}, idgen: dms.UUIDGenerator{}}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, clock: o.clock}
	if err := a.init(ctx, o, operation); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, o options, operation string) error {
	cfg := a.cfg

	a.logger = o.logger
	if a.logger == nil {
		runID := operation + "-" + time.Now().UTC().Format("20060102T150405Z")
		logger, logFile, err := newLogger(cfg.LogDir, runID)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		a.logger = &slogAdapter{l: logger}
		a.logFile = logFile
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, a.clock)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db

	if cfg.Database.Type == "memory" {
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
	} else if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date (run: dms db migrate): %w", err)
	}

	signer, err := loadOrCreateSigner(cfg.Relay.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	a.metrics = NewMetrics(cfg.Metrics.Enabled)

	a.relays, err = relay.NewClientFromConfig(ctx, cfg.Relay, a.metrics)
	if err != nil {
		return fmt.Errorf("creating relay client: %w", err)
	}

	quorum, err := dms.ParseQuorum(cfg.Relay.Quorum)
	if err != nil {
		return err
	}
	maxPayload, err := cfg.MaxPayloadBytes()
	if err != nil {
		return err
	}
	cacheBytes, err := cfg.CacheBytes()
	if err != nil {
		return err
	}

	content := store.NewReplicated(a.relays, signer, a.clock, a.logger, store.Config{
		Quorum:         quorum,
		ReadDeadline:   cfg.Relay.ReadDeadline.Duration,
		MaxPayloadSize: maxPayload,
	})

	sink, err := newSink(cfg.Delivery, a.clock, a.logger)
	if err != nil {
		return err
	}
	notifier, err := newNotifier(cfg.Delivery, a.relays, signer, a.clock, a.logger)
	if err != nil {
		return err
	}

	a.service = dms.NewService(db, content, cfg.TierTable(), a.clock, o.idgen, a.logger, cfg.Cleanup.CodeTTL.Duration)
	a.coordinator = dms.NewCoordinator(db, content, sink, store.NewPayloadCache(cacheBytes, payloadCacheTTL),
		a.clock, o.idgen, a.logger, a.metrics, dms.ReleaseConfig{
			AlertAfterFailures: cfg.Release.AlertAfterFailures,
			Lease:              cfg.Release.Lease.Duration,
		})
	a.evaluator = dms.NewEvaluator(db, a.coordinator, notifier, a.service, a.clock, a.logger, a.metrics, dms.EvaluatorConfig{
		Cascade:      cfg.Cascade(),
		PassDeadline: cfg.Evaluator.PassDeadline.Duration,
		Workers:      cfg.Evaluator.Workers,
	})
	a.sweeper = dms.NewSweeper(db, content, a.clock, a.logger, a.metrics, dms.CleanupConfig{
		ConsumedCodeRetention: cfg.Cleanup.ConsumedRetention.Duration,
		PendingContentTTL:     cfg.Cleanup.PendingContentTTL.Duration,
		OrphanGiveUp:          cfg.Cleanup.OrphanGiveUp.Duration,
	})
	return nil
}

func newSink(cfg config.DeliveryConfig, clock dms.Clock, logger dms.Logger) (dms.DeliverySink, error) {
	switch cfg.Sink {
	case "spool":
		return delivery.NewSpoolSink(cfg.SpoolDir, clock)
	case "log":
		return delivery.NewLogSink(logger), nil
	default:
		return nil, fmt.Errorf("unknown delivery sink: %q", cfg.Sink)
	}
}

func newNotifier(cfg config.DeliveryConfig, client dms.RelayClient, signer *wire.Signer, clock dms.Clock, logger dms.Logger) (dms.Notifier, error) {
	var multi delivery.MultiNotifier
	for _, name := range cfg.Notifiers {
		switch name {
		case "log":
			multi = append(multi, delivery.NewLogNotifier(logger))
		case "spool":
			n, err := delivery.NewSpoolNotifier(cfg.SpoolDir)
			if err != nil {
				return nil, err
			}
			multi = append(multi, n)
		case "relay":
			multi = append(multi, delivery.NewRelayNotifier(client, signer, clock))
		default:
			return nil, fmt.Errorf("unknown notifier: %q", name)
		}
	}
	return multi, nil
}

// Service exposes the user-facing operations.
func (a *App) Service() *dms.Service { return a.service }

// RunPass runs one pass of the given kind and records it in pass history.
func (a *App) RunPass(ctx context.Context, kind string) (*PassOperation, error) {
	if !slices.Contains(PassKinds, kind) {
		return nil, fmt.Errorf("unknown pass kind %q", kind)
	}

	op := NewPassOperation(kind)
	id, err := a.db.CreatePassRun(ctx, kind, a.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("recording pass start: %w", err)
	}
	op.ID = id

	switch kind {
	case PassInactivity:
		op.finishPass(a.evaluator.RunInactivityPass(ctx))
	case PassRelease:
		op.finishPass(a.coordinator.RunReleasePass(ctx))
	case PassCleanup:
		op.finishCleanup(a.sweeper.RunCleanupPass(ctx))
	}

	if err := a.db.FinishPassRun(context.WithoutCancel(ctx), op.ID, a.clock.Now(), op.Status, op.Summary); err != nil {
		return op, fmt.Errorf("recording pass finish: %w", err)
	}
	return op, nil
}

// History returns the most recent pass runs.
func (a *App) History(ctx context.Context, limit int) ([]*dms.PassRun, error) {
	return a.db.ListPassRuns(ctx, limit)
}

// Serve runs the pass schedule and, when metrics are enabled, an HTTP
// endpoint with /metrics and /healthz. It returns when ctx is done.
func (a *App) Serve(ctx context.Context) error {
	sched := NewScheduler(a.logger)
	for _, kind := range PassKinds {
		if err := sched.Add(kind, a.cronFor(kind), func(ctx context.Context) {
			if _, err := a.RunPass(ctx, kind); err != nil {
				a.logger.Error("pass failed", "kind", kind, "error", err)
			}
		}); err != nil {
			return err
		}
	}

	var srv *http.Server
	if m, ok := a.metrics.(*PromMetrics); ok {
		srv = &http.Server{
			Addr:              a.cfg.Metrics.ListenAddr,
			Handler:           a.httpHandler(m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("metrics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server", "error", err)
			}
		}()
	}

	sched.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("stopping metrics server: %w", err)
		}
	}
	return nil
}

func (a *App) cronFor(kind string) string {
	switch kind {
	case PassInactivity:
		return a.cfg.Schedule.Inactivity
	case PassRelease:
		return a.cfg.Schedule.Release
	default:
		return a.cfg.Schedule.Cleanup
	}
}

func (a *App) httpHandler(m *PromMetrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.db.DB().PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	return mux
}

// Close releases the database, relay connections and log file.
func (a *App) Close() error {
	var errs []error
	if a.relays != nil {
		if err := a.relays.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing relays: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// MigrateDatabase applies all pending migrations to the configured
// database.
func MigrateDatabase(cfg *config.Config) error {
	db, err := database.NewDatabaseFromConfig(cfg.Database, dms.RealClock{})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	return db.Migrate()
}
