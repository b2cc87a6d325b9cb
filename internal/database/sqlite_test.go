package database

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"dms-go/internal/dms"
)

var t0 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

// newTestDB creates a new in-memory database with migrations applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:", &fixedClock{now: t0})
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func createAccount(t *testing.T, db *SQLiteDatabase, id string, relays ...string) *dms.Account {
	t.Helper()

	account := &dms.Account{
		ID:              id,
		Tier:            "free",
		LastCheckInAt:   t0,
		ActiveRelayURLs: relays,
		CreatedAt:       t0,
	}
	if err := db.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	return account
}

func createSwitch(t *testing.T, db *SQLiteDatabase, id, accountID string, trigger dms.Trigger) *dms.Switch {
	t.Helper()

	sw := &dms.Switch{
		ID:        id,
		AccountID: accountID,
		Title:     "letter " + id,
		Trigger:   trigger,
		State:     dms.StateActive,
		Content: dms.ContentRef{
			ContentID: "content-" + id,
			EventID:   "event-" + id,
			RelaySet:  []string{"mem://a", "mem://b"},
			Acks:      []dms.RelayAck{{URL: "mem://a", AckedAt: t0, Latency: 12 * time.Millisecond}},
			Size:      42,
		},
		RecipientCount: 2,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	if err := db.CreateSwitch(context.Background(), sw); err != nil {
		t.Fatalf("CreateSwitch() error = %v", err)
	}
	return sw
}

func mustState(t *testing.T, db *SQLiteDatabase, id string) dms.State {
	t.Helper()

	sw, err := db.FindSwitch(context.Background(), id)
	if err != nil {
		t.Fatalf("FindSwitch() error = %v", err)
	}
	if sw == nil {
		t.Fatalf("FindSwitch(%s) = nil", id)
	}
	return sw.State
}

func TestSQLiteDatabase_Accounts(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil when account not found", func(t *testing.T) {
		db := newTestDB(t)

		got, err := db.FindAccount(ctx, "missing")
		if err != nil {
			t.Fatalf("FindAccount() error = %v", err)
		}
		if got != nil {
			t.Errorf("FindAccount() = %v, want nil", got)
		}
	})

	t.Run("round trips relays in order", func(t *testing.T) {
		db := newTestDB(t)
		createAccount(t, db, "acct-1", "ws://c", "ws://a", "ws://b")

		got, err := db.FindAccount(ctx, "acct-1")
		if err != nil {
			t.Fatalf("FindAccount() error = %v", err)
		}
		want := []string{"ws://c", "ws://a", "ws://b"}
		if len(got.ActiveRelayURLs) != len(want) {
			t.Fatalf("ActiveRelayURLs = %v, want %v", got.ActiveRelayURLs, want)
		}
		for i := range want {
			if got.ActiveRelayURLs[i] != want[i] {
				t.Errorf("ActiveRelayURLs[%d] = %q, want %q", i, got.ActiveRelayURLs[i], want[i])
			}
		}
		if !got.LastCheckInAt.Equal(t0) {
			t.Errorf("LastCheckInAt = %v, want %v", got.LastCheckInAt, t0)
		}
	})

	t.Run("replaces relays", func(t *testing.T) {
		db := newTestDB(t)
		createAccount(t, db, "acct-1", "ws://a", "ws://b")

		if err := db.SetAccountRelays(ctx, "acct-1", []string{"ws://z"}); err != nil {
			t.Fatalf("SetAccountRelays() error = %v", err)
		}
		got, _ := db.FindAccount(ctx, "acct-1")
		if len(got.ActiveRelayURLs) != 1 || got.ActiveRelayURLs[0] != "ws://z" {
			t.Errorf("ActiveRelayURLs = %v, want [ws://z]", got.ActiveRelayURLs)
		}
	})

	t.Run("set relays of missing account", func(t *testing.T) {
		db := newTestDB(t)

		err := db.SetAccountRelays(ctx, "missing", []string{"ws://a"})
		if !errors.Is(err, dms.ErrNotFound) {
			t.Errorf("SetAccountRelays() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteDatabase_CheckIn(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	createAccount(t, db, "acct-1", "mem://a")
	createAccount(t, db, "acct-2", "mem://a")

	createSwitch(t, db, "sw-r1", "acct-1", dms.AfterInactivity(60))
	createSwitch(t, db, "sw-r3", "acct-1", dms.AfterInactivity(60))
	createSwitch(t, db, "sw-trig", "acct-1", dms.AfterInactivity(60))
	createSwitch(t, db, "sw-other", "acct-2", dms.AfterInactivity(60))

	steps := []struct {
		id       string
		from, to dms.State
	}{
		{"sw-r1", dms.StateActive, dms.StateReminded1},
		{"sw-r3", dms.StateActive, dms.StateReminded3},
		{"sw-trig", dms.StateActive, dms.StateTriggered},
		{"sw-other", dms.StateActive, dms.StateReminded2},
	}
	for _, s := range steps {
		if err := db.Advance(ctx, s.id, s.from, s.to); err != nil {
			t.Fatalf("Advance(%s) error = %v", s.id, err)
		}
	}

	at := t0.Add(40 * 24 * time.Hour)
	reset, err := db.CheckIn(ctx, "acct-1", at)
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	if reset != 2 {
		t.Errorf("CheckIn() reset = %d, want 2", reset)
	}

	want := map[string]dms.State{
		"sw-r1":    dms.StateActive,
		"sw-r3":    dms.StateActive,
		"sw-trig":  dms.StateTriggered,
		"sw-other": dms.StateReminded2,
	}
	for id, state := range want {
		if got := mustState(t, db, id); got != state {
			t.Errorf("state(%s) = %s, want %s", id, got, state)
		}
	}

	account, _ := db.FindAccount(ctx, "acct-1")
	if !account.LastCheckInAt.Equal(at) {
		t.Errorf("LastCheckInAt = %v, want %v", account.LastCheckInAt, at)
	}

	if _, err := db.CheckIn(ctx, "missing", at); !errors.Is(err, dms.ErrNotFound) {
		t.Errorf("CheckIn(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDatabase_Switches(t *testing.T) {
	ctx := context.Background()

	t.Run("round trips both trigger kinds", func(t *testing.T) {
		db := newTestDB(t)
		createAccount(t, db, "acct-1", "mem://a")
		fixedAt := t0.Add(48 * time.Hour)
		createSwitch(t, db, "sw-fixed", "acct-1", dms.FixedAt(fixedAt))
		createSwitch(t, db, "sw-idle", "acct-1", dms.AfterInactivity(30))

		fixed, err := db.FindSwitch(ctx, "sw-fixed")
		if err != nil {
			t.Fatalf("FindSwitch() error = %v", err)
		}
		if !fixed.Trigger.IsFixed() || !fixed.Trigger.FixedTime.Equal(fixedAt) {
			t.Errorf("Trigger = %v, want fixed at %v", fixed.Trigger, fixedAt)
		}
		if fixed.Content.EventID != "event-sw-fixed" || len(fixed.Content.Acks) != 1 {
			t.Errorf("Content = %+v, want stored ref", fixed.Content)
		}
		if fixed.Content.Acks[0].Latency != 12*time.Millisecond {
			t.Errorf("Acks[0].Latency = %v, want 12ms", fixed.Content.Acks[0].Latency)
		}

		idle, _ := db.FindSwitch(ctx, "sw-idle")
		if idle.Trigger.IsFixed() || idle.Trigger.InactivityDays != 30 {
			t.Errorf("Trigger = %v, want 30 days", idle.Trigger)
		}

		list, err := db.ListSwitchesByAccount(ctx, "acct-1")
		if err != nil {
			t.Fatalf("ListSwitchesByAccount() error = %v", err)
		}
		if len(list) != 2 {
			t.Errorf("len(ListSwitchesByAccount()) = %d, want 2", len(list))
		}
	})

	t.Run("returns nil when switch not found", func(t *testing.T) {
		db := newTestDB(t)

		got, err := db.FindSwitch(ctx, "missing")
		if err != nil {
			t.Fatalf("FindSwitch() error = %v", err)
		}
		if got != nil {
			t.Errorf("FindSwitch() = %v, want nil", got)
		}
	})

	t.Run("rejects invalid trigger", func(t *testing.T) {
		db := newTestDB(t)
		createAccount(t, db, "acct-1", "mem://a")

		sw := &dms.Switch{ID: "sw-bad", AccountID: "acct-1", State: dms.StateActive, Trigger: dms.AfterInactivity(0)}
		if err := db.CreateSwitch(ctx, sw); !errors.Is(err, dms.ErrInvalidTrigger) {
			t.Errorf("CreateSwitch() error = %v, want ErrInvalidTrigger", err)
		}
	})

	t.Run("open switches carry check-in time", func(t *testing.T) {
		db := newTestDB(t)
		createAccount(t, db, "acct-1", "mem://a")
		createSwitch(t, db, "sw-open", "acct-1", dms.AfterInactivity(30))
		createSwitch(t, db, "sw-cancelled", "acct-1", dms.AfterInactivity(30))
		if err := db.Advance(ctx, "sw-cancelled", dms.StateActive, dms.StateCancelled); err != nil {
			t.Fatalf("Advance() error = %v", err)
		}

		open, err := db.ListOpenSwitches(ctx)
		if err != nil {
			t.Fatalf("ListOpenSwitches() error = %v", err)
		}
		if len(open) != 1 || open[0].ID != "sw-open" {
			t.Fatalf("ListOpenSwitches() = %v, want only sw-open", open)
		}
		if !open[0].LastCheckInAt.Equal(t0) {
			t.Errorf("LastCheckInAt = %v, want %v", open[0].LastCheckInAt, t0)
		}

		n, err := db.CountOpenSwitches(ctx, "acct-1")
		if err != nil {
			t.Fatalf("CountOpenSwitches() error = %v", err)
		}
		if n != 1 {
			t.Errorf("CountOpenSwitches() = %d, want 1", n)
		}
	})
}

func TestSQLiteDatabase_Advance(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		from    dms.State
		to      dms.State
		wantErr error
	}{
		{"forward from current state", dms.StateActive, dms.StateReminded1, nil},
		{"skip to triggered", dms.StateActive, dms.StateTriggered, nil},
		{"stale from state", dms.StateReminded1, dms.StateReminded2, dms.ErrStateConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			createAccount(t, db, "acct-1", "mem://a")
			createSwitch(t, db, "sw-1", "acct-1", dms.AfterInactivity(30))

			err := db.Advance(ctx, "sw-1", tt.from, tt.to)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Advance() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Advance() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("second advance from same state conflicts", func(t *testing.T) {
		db := newTestDB(t)
		createAccount(t, db, "acct-1", "mem://a")
		createSwitch(t, db, "sw-1", "acct-1", dms.AfterInactivity(30))

		if err := db.Advance(ctx, "sw-1", dms.StateActive, dms.StateTriggered); err != nil {
			t.Fatalf("first Advance() error = %v", err)
		}
		err := db.Advance(ctx, "sw-1", dms.StateActive, dms.StateTriggered)
		if !errors.Is(err, dms.ErrStateConflict) {
			t.Errorf("second Advance() error = %v, want ErrStateConflict", err)
		}
	})

	t.Run("illegal transitions never reach the database", func(t *testing.T) {
		db := newTestDB(t)
		createAccount(t, db, "acct-1", "mem://a")
		createSwitch(t, db, "sw-1", "acct-1", dms.AfterInactivity(30))
		if err := db.Advance(ctx, "sw-1", dms.StateActive, dms.StateTriggered); err != nil {
			t.Fatalf("Advance() error = %v", err)
		}

		for _, to := range []dms.State{dms.StateActive, dms.StateReminded3, dms.StateCancelled} {
			err := db.Advance(ctx, "sw-1", dms.StateTriggered, to)
			if err == nil {
				t.Errorf("Advance(TRIGGERED -> %s) succeeded, want error", to)
			}
			if errors.Is(err, dms.ErrStateConflict) {
				t.Errorf("Advance(TRIGGERED -> %s) error = %v, want illegal transition", to, err)
			}
		}
		if got := mustState(t, db, "sw-1"); got != dms.StateTriggered {
			t.Errorf("state = %s, want TRIGGERED", got)
		}
	})

	t.Run("advance if idle loses to a check-in", func(t *testing.T) {
		db := newTestDB(t)
		createAccount(t, db, "acct-1", "mem://a")
		createSwitch(t, db, "sw-1", "acct-1", dms.AfterInactivity(30))

		if _, err := db.CheckIn(ctx, "acct-1", t0.Add(time.Hour)); err != nil {
			t.Fatalf("CheckIn() error = %v", err)
		}

		err := db.AdvanceIfIdle(ctx, "sw-1", dms.StateActive, dms.StateTriggered, t0)
		if !errors.Is(err, dms.ErrStateConflict) {
			t.Fatalf("AdvanceIfIdle() error = %v, want ErrStateConflict", err)
		}

		if err := db.AdvanceIfIdle(ctx, "sw-1", dms.StateActive, dms.StateTriggered, t0.Add(time.Hour)); err != nil {
			t.Errorf("AdvanceIfIdle() with current check-in error = %v", err)
		}
	})
}

func TestSQLiteDatabase_RepointContent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	createAccount(t, db, "acct-1", "mem://a")
	createSwitch(t, db, "sw-1", "acct-1", dms.AfterInactivity(30))

	newRef := dms.ContentRef{ContentID: "content-new", EventID: "event-new", RelaySet: []string{"mem://a"}}
	if err := db.CreatePendingContent(ctx, &dms.PendingContent{
		EventID: "event-new", AccountID: "acct-1", ContentID: "content-new",
		RelaySet: []string{"mem://a"}, CreatedAt: t0.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("CreatePendingContent() error = %v", err)
	}

	if err := db.RepointContent(ctx, "sw-1", "event-stale", newRef); !errors.Is(err, dms.ErrStateConflict) {
		t.Errorf("RepointContent(stale) error = %v, want ErrStateConflict", err)
	}
	if err := db.RepointContent(ctx, "sw-1", "event-sw-1", newRef); err != nil {
		t.Fatalf("RepointContent() error = %v", err)
	}

	sw, _ := db.FindSwitch(ctx, "sw-1")
	if sw.Content.EventID != "event-new" {
		t.Errorf("Content.EventID = %q, want %q", sw.Content.EventID, "event-new")
	}

	// The new record's marker is cleared and the replaced record is pending.
	pending, err := db.ListPendingContentBefore(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListPendingContentBefore() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("ListPendingContentBefore() = %d markers, want 1", len(pending))
	}
	want := &dms.PendingContent{
		EventID: "event-sw-1", AccountID: "acct-1", ContentID: "content-sw-1",
		RelaySet: []string{"mem://a", "mem://b"}, CreatedAt: t0,
	}
	if got := pending[0]; got.EventID != want.EventID || got.AccountID != want.AccountID ||
		got.ContentID != want.ContentID || !slices.Equal(got.RelaySet, want.RelaySet) || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("pending = %+v, want %+v", got, want)
	}

	if err := db.Advance(ctx, "sw-1", dms.StateActive, dms.StateReminded1); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	err = db.RepointContent(ctx, "sw-1", "event-new", dms.ContentRef{EventID: "event-later"})
	if !errors.Is(err, dms.ErrStateConflict) {
		t.Errorf("RepointContent(REMINDED_1) error = %v, want ErrStateConflict", err)
	}
}

func TestSQLiteDatabase_ReleaseLease(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	createAccount(t, db, "acct-1", "mem://a")
	createSwitch(t, db, "sw-1", "acct-1", dms.AfterInactivity(30))

	claimed, err := db.ClaimRelease(ctx, "sw-1", "owner-a", t0, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimRelease() error = %v", err)
	}
	if claimed {
		t.Fatal("ClaimRelease() on ACTIVE switch = true, want false")
	}

	if err := db.Advance(ctx, "sw-1", dms.StateActive, dms.StateTriggered); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	claimed, _ = db.ClaimRelease(ctx, "sw-1", "owner-a", t0, t0.Add(time.Minute))
	if !claimed {
		t.Fatal("ClaimRelease(owner-a) = false, want true")
	}
	claimed, _ = db.ClaimRelease(ctx, "sw-1", "owner-b", t0.Add(30*time.Second), t0.Add(2*time.Minute))
	if claimed {
		t.Error("ClaimRelease(owner-b) while held = true, want false")
	}
	claimed, _ = db.ClaimRelease(ctx, "sw-1", "owner-b", t0.Add(time.Minute), t0.Add(2*time.Minute))
	if !claimed {
		t.Error("ClaimRelease(owner-b) after expiry = false, want true")
	}

	if err := db.ReleaseLease(ctx, "sw-1", "owner-b"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	claimed, _ = db.ClaimRelease(ctx, "sw-1", "owner-c", t0.Add(time.Minute), t0.Add(2*time.Minute))
	if !claimed {
		t.Error("ClaimRelease(owner-c) after release = false, want true")
	}
}

func TestSQLiteDatabase_ReleaseFailures(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	createAccount(t, db, "acct-1", "mem://a")
	createSwitch(t, db, "sw-1", "acct-1", dms.AfterInactivity(30))

	for want := 1; want <= 3; want++ {
		n, err := db.RecordReleaseFailure(ctx, "sw-1", "relay down")
		if err != nil {
			t.Fatalf("RecordReleaseFailure() error = %v", err)
		}
		if n != want {
			t.Errorf("RecordReleaseFailure() = %d, want %d", n, want)
		}
	}

	sw, _ := db.FindSwitch(ctx, "sw-1")
	if sw.ReleaseFailures != 3 || sw.LastReleaseError != "relay down" {
		t.Errorf("failures = %d %q, want 3 %q", sw.ReleaseFailures, sw.LastReleaseError, "relay down")
	}

	if err := db.ClearReleaseFailures(ctx, "sw-1"); err != nil {
		t.Fatalf("ClearReleaseFailures() error = %v", err)
	}
	sw, _ = db.FindSwitch(ctx, "sw-1")
	if sw.ReleaseFailures != 0 || sw.LastReleaseError != "" {
		t.Errorf("failures after clear = %d %q, want 0", sw.ReleaseFailures, sw.LastReleaseError)
	}

	if _, err := db.RecordReleaseFailure(ctx, "missing", "x"); !errors.Is(err, dms.ErrNotFound) {
		t.Errorf("RecordReleaseFailure(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDatabase_CheckInCodes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	createAccount(t, db, "acct-1", "mem://a")

	if err := db.CreateCheckInCode(ctx, "hash-live", "acct-1", t0, t0.Add(time.Hour)); err != nil {
		t.Fatalf("CreateCheckInCode() error = %v", err)
	}
	if err := db.CreateCheckInCode(ctx, "hash-old", "acct-1", t0, t0.Add(time.Minute)); err != nil {
		t.Fatalf("CreateCheckInCode() error = %v", err)
	}

	at := t0.Add(30 * time.Minute)
	accountID, err := db.ConsumeCheckInCode(ctx, "hash-live", at)
	if err != nil {
		t.Fatalf("ConsumeCheckInCode() error = %v", err)
	}
	if accountID != "acct-1" {
		t.Errorf("ConsumeCheckInCode() = %q, want acct-1", accountID)
	}

	tests := []struct {
		name string
		hash string
	}{
		{"already consumed", "hash-live"},
		{"expired", "hash-old"},
		{"unknown", "hash-none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := db.ConsumeCheckInCode(ctx, tt.hash, at); !errors.Is(err, dms.ErrInvalidCode) {
				t.Errorf("ConsumeCheckInCode() error = %v, want ErrInvalidCode", err)
			}
		})
	}

	n, err := db.DeleteExpiredCheckInCodes(ctx, at)
	if err != nil {
		t.Fatalf("DeleteExpiredCheckInCodes() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpiredCheckInCodes() = %d, want 1", n)
	}

	n, err = db.DeleteConsumedCheckInCodesBefore(ctx, at.Add(time.Second))
	if err != nil {
		t.Fatalf("DeleteConsumedCheckInCodesBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteConsumedCheckInCodesBefore() = %d, want 1", n)
	}
}

func TestSQLiteDatabase_PendingContent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	createAccount(t, db, "acct-1", "mem://a")

	pending := func(eventID string, at time.Time) *dms.PendingContent {
		return &dms.PendingContent{
			EventID: eventID, AccountID: "acct-1", ContentID: "content-" + eventID,
			RelaySet: []string{"mem://a", "mem://b"}, CreatedAt: at,
		}
	}
	for _, p := range []*dms.PendingContent{
		pending("event-new", t0.Add(2*time.Hour)),
		pending("event-old", t0),
		// Recording the same event again keeps the first marker.
		pending("event-old", t0.Add(5*time.Hour)),
	} {
		if err := db.CreatePendingContent(ctx, p); err != nil {
			t.Fatalf("CreatePendingContent(%s) error = %v", p.EventID, err)
		}
	}

	listed := func(cutoff time.Time) []string {
		t.Helper()
		got, err := db.ListPendingContentBefore(ctx, cutoff)
		if err != nil {
			t.Fatalf("ListPendingContentBefore() error = %v", err)
		}
		var ids []string
		for _, p := range got {
			ids = append(ids, p.EventID)
		}
		return ids
	}

	if got := listed(t0.Add(time.Hour)); !slices.Equal(got, []string{"event-old"}) {
		t.Errorf("ListPendingContentBefore(+1h) = %v, want [event-old]", got)
	}
	if got := listed(t0.Add(24 * time.Hour)); !slices.Equal(got, []string{"event-old", "event-new"}) {
		t.Errorf("ListPendingContentBefore(+24h) = %v, want oldest first", got)
	}

	// Binding the record to a switch clears its marker.
	sw := &dms.Switch{
		ID: "sw-1", AccountID: "acct-1", Trigger: dms.AfterInactivity(10), State: dms.StateActive,
		Content:   dms.ContentRef{ContentID: "content-event-new", EventID: "event-new"},
		CreatedAt: t0, UpdatedAt: t0,
	}
	if err := db.CreateSwitch(ctx, sw); err != nil {
		t.Fatalf("CreateSwitch() error = %v", err)
	}
	if got := listed(t0.Add(24 * time.Hour)); !slices.Equal(got, []string{"event-old"}) {
		t.Errorf("ListPendingContentBefore() after bind = %v, want [event-old]", got)
	}

	if err := db.DeletePendingContent(ctx, "event-old"); err != nil {
		t.Fatalf("DeletePendingContent() error = %v", err)
	}
	if got := listed(t0.Add(24 * time.Hour)); len(got) != 0 {
		t.Errorf("ListPendingContentBefore() after delete = %v, want none", got)
	}
}

func TestSQLiteDatabase_PassRuns(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	first, err := db.CreatePassRun(ctx, "inactivity", t0)
	if err != nil {
		t.Fatalf("CreatePassRun() error = %v", err)
	}
	second, _ := db.CreatePassRun(ctx, "release", t0.Add(time.Minute))
	if err := db.FinishPassRun(ctx, first, t0.Add(10*time.Second), "ok", "examined=3"); err != nil {
		t.Fatalf("FinishPassRun() error = %v", err)
	}

	runs, err := db.ListPassRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListPassRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(ListPassRuns()) = %d, want 2", len(runs))
	}
	if runs[0].ID != second || runs[0].Status != "running" || !runs[0].FinishedAt.IsZero() {
		t.Errorf("runs[0] = %+v, want unfinished release run", runs[0])
	}
	if runs[1].ID != first || runs[1].Summary != "examined=3" {
		t.Errorf("runs[1] = %+v, want finished inactivity run", runs[1])
	}
}
