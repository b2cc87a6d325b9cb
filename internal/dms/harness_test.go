package dms_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"dms-go/internal/database"
	"dms-go/internal/dms"
	"dms-go/internal/store"
	"dms-go/internal/testutil"
	"dms-go/internal/wire"
)

const day = 24 * time.Hour

var testRelays = []string{"mem://r1", "mem://r2", "mem://r3"}

// harness wires the engine against an in-memory database and fake relays.
type harness struct {
	t        *testing.T
	clock    *testutil.StubClock
	ids      *testutil.StubIDGenerator
	db       *database.SQLiteDatabase
	relays   *testutil.FakeRelayClient
	store    *store.Replicated
	sink     *testutil.RecordingSink
	notifier *testutil.RecordingNotifier
	cache    *testutil.MapCache
	metrics  *countingMetrics
	svc      *dms.Service
	coord    *dms.Coordinator
	eval     *dms.Evaluator
	sweeper  *dms.Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := testutil.FixedClock()
	signer, err := wire.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner() error = %v", err)
	}

	h := &harness{
		t:        t,
		clock:    clock,
		ids:      testutil.NewStubIDGenerator(),
		db:       testutil.NewTestDatabase(t, clock),
		relays:   testutil.NewFakeRelayClient(),
		sink:     testutil.NewRecordingSink(),
		notifier: testutil.NewRecordingNotifier(),
		cache:    testutil.NewMapCache(),
		metrics:  &countingMetrics{},
	}
	h.store = store.NewReplicated(h.relays, signer, clock, dms.NewNopLogger(), store.Config{
		Quorum:       dms.MajorityQuorum(),
		ReadDeadline: 5 * time.Second,
	})
	h.svc = dms.NewService(h.db, h.store, dms.TierTable{
		"free": {Name: "free", ReplicationFactor: 3, MaxActiveSwitches: 2, MaxRelays: 4},
	}, clock, h.ids, dms.NewNopLogger(), 7*day)
	h.coord = h.newCoordinator()
	h.eval = h.newEvaluator(h.coord)
	h.sweeper = dms.NewSweeper(h.db, h.store, clock, dms.NewNopLogger(), h.metrics, dms.CleanupConfig{
		ConsumedCodeRetention: 7 * day,
		PendingContentTTL:     day,
		OrphanGiveUp:          30 * day,
	})
	return h
}

// newCoordinator returns a coordinator with its own lease owner id.
func (h *harness) newCoordinator() *dms.Coordinator {
	return dms.NewCoordinator(h.db, h.store, h.sink, h.cache, h.clock, h.ids, dms.NewNopLogger(), h.metrics,
		dms.ReleaseConfig{AlertAfterFailures: 3, Lease: 5 * time.Minute})
}

func (h *harness) newEvaluator(c *dms.Coordinator) *dms.Evaluator {
	return dms.NewEvaluator(h.db, c, h.notifier, h.svc, h.clock, dms.NewNopLogger(), h.metrics, dms.EvaluatorConfig{
		Cascade:      dms.DefaultCascade(),
		PassDeadline: time.Minute,
		Workers:      4,
	})
}

func (h *harness) account() *dms.Account {
	h.t.Helper()
	a, err := h.svc.CreateAccount(context.Background(), "free", testRelays)
	if err != nil {
		h.t.Fatalf("CreateAccount() error = %v", err)
	}
	return a
}

func (h *harness) armed(accountID string, trigger dms.Trigger) *dms.Switch {
	h.t.Helper()
	sw, err := h.svc.CreateSwitch(context.Background(), dms.SwitchRequest{
		AccountID:      accountID,
		Title:          "letters",
		Trigger:        trigger,
		RecipientCount: 2,
		Payload:        []byte("sealed:" + h.ids.New()),
	})
	if err != nil {
		h.t.Fatalf("CreateSwitch() error = %v", err)
	}
	return sw
}

func (h *harness) state(id string) dms.State {
	h.t.Helper()
	sw, err := h.db.FindSwitch(context.Background(), id)
	if err != nil || sw == nil {
		h.t.Fatalf("FindSwitch(%s) = %v, %v", id, sw, err)
	}
	return sw.State
}

func (h *harness) pass() dms.PassSummary {
	return h.eval.RunInactivityPass(context.Background())
}

// countingMetrics records what the engine reports.
type countingMetrics struct {
	mu          sync.Mutex
	transitions map[[2]dms.State]int
	alerts      int
	passes      map[string]int
	cleanups    int
	durations   []time.Duration
}

func (m *countingMetrics) ObservePass(kind string, _ dms.PassSummary, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.passes == nil {
		m.passes = map[string]int{}
	}
	m.passes[kind]++
	m.durations = append(m.durations, d)
}

func (m *countingMetrics) ObserveCleanup(_ dms.CleanupSummary, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups++
	m.durations = append(m.durations, d)
}

// Durations returns every pass and cleanup duration observed so far.
func (m *countingMetrics) Durations() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.durations...)
}

func (m *countingMetrics) IncTransition(from, to dms.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitions == nil {
		m.transitions = map[[2]dms.State]int{}
	}
	m.transitions[[2]dms.State{from, to}]++
}

func (m *countingMetrics) IncRelayCall(string, bool) {}

func (m *countingMetrics) IncReleaseAlert() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts++
}

func (m *countingMetrics) Alerts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts
}

func (m *countingMetrics) Transitions(from, to dms.State) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions[[2]dms.State{from, to}]
}
