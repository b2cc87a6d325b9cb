package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"dms-go/internal/dms"
)

const switchColumns = `s.id, s.account_id, s.title, s.fixed_time, s.inactivity_days, s.state,
	s.content_ref, s.recipient_count, s.release_failures, s.last_release_error,
	s.created_at, s.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSwitch(row rowScanner, extra ...any) (*dms.Switch, error) {
	var (
		sw               dms.Switch
		fixed, days      sql.NullInt64
		state, ref       string
		created, updated int64
	)
	dest := []any{&sw.ID, &sw.AccountID, &sw.Title, &fixed, &days, &state,
		&ref, &sw.RecipientCount, &sw.ReleaseFailures, &sw.LastReleaseError,
		&created, &updated}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	st, err := dms.ParseState(state)
	if err != nil {
		return nil, err
	}
	sw.State = st
	if fixed.Valid {
		sw.Trigger = dms.FixedAt(fromMillis(fixed.Int64))
	} else {
		sw.Trigger = dms.AfterInactivity(int(days.Int64))
	}
	if err := json.Unmarshal([]byte(ref), &sw.Content); err != nil {
		return nil, fmt.Errorf("decoding content ref of switch %s: %w", sw.ID, err)
	}
	sw.CreatedAt = fromMillis(created)
	sw.UpdatedAt = fromMillis(updated)
	return &sw, nil
}

func triggerColumns(t dms.Trigger) (fixed, days sql.NullInt64) {
	if t.FixedTime != nil {
		return sql.NullInt64{Int64: toMillis(*t.FixedTime), Valid: true}, sql.NullInt64{}
	}
	return sql.NullInt64{}, sql.NullInt64{Int64: int64(t.InactivityDays), Valid: true}
}

func (s *SQLiteDatabase) CreateSwitch(ctx context.Context, sw *dms.Switch) error {
	if err := sw.Trigger.Validate(); err != nil {
		return err
	}
	ref, err := json.Marshal(sw.Content)
	if err != nil {
		return fmt.Errorf("encoding content ref: %w", err)
	}
	fixed, days := triggerColumns(sw.Trigger)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO switches (id, account_id, title, fixed_time, inactivity_days, state,
			content_ref, content_event_id, recipient_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.ID, sw.AccountID, sw.Title, fixed, days, sw.State,
		string(ref), sw.Content.EventID, sw.RecipientCount,
		toMillis(sw.CreatedAt), toMillis(sw.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting switch: %w", err)
	}
	if err := clearPending(ctx, tx, sw.Content.EventID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindSwitch(ctx context.Context, id string) (*dms.Switch, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+switchColumns+" FROM switches s WHERE s.id = ?", id)
	sw, err := scanSwitch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding switch: %w", err)
	}
	return sw, nil
}

func (s *SQLiteDatabase) ListSwitchesByAccount(ctx context.Context, accountID string) ([]*dms.Switch, error) {
	return s.listSwitches(ctx,
		"SELECT "+switchColumns+" FROM switches s WHERE s.account_id = ? ORDER BY s.created_at, s.id",
		accountID)
}

func (s *SQLiteDatabase) ListSwitchesInState(ctx context.Context, state dms.State) ([]*dms.Switch, error) {
	return s.listSwitches(ctx,
		"SELECT "+switchColumns+" FROM switches s WHERE s.state = ? ORDER BY s.updated_at, s.id",
		state)
}

func (s *SQLiteDatabase) listSwitches(ctx context.Context, query string, args ...any) ([]*dms.Switch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing switches: %w", err)
	}
	defer rows.Close()

	var result []*dms.Switch
	for rows.Next() {
		sw, err := scanSwitch(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning switch: %w", err)
		}
		result = append(result, sw)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) ListOpenSwitches(ctx context.Context) ([]*dms.OpenSwitch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+switchColumns+`, a.last_check_in_at
		FROM switches s JOIN accounts a ON a.id = s.account_id
		WHERE s.state NOT IN (?, ?)
		ORDER BY s.id`,
		dms.StateSent, dms.StateCancelled)
	if err != nil {
		return nil, fmt.Errorf("listing open switches: %w", err)
	}
	defer rows.Close()

	var result []*dms.OpenSwitch
	for rows.Next() {
		var checkIn int64
		sw, err := scanSwitch(rows, &checkIn)
		if err != nil {
			return nil, fmt.Errorf("scanning switch: %w", err)
		}
		result = append(result, &dms.OpenSwitch{Switch: *sw, LastCheckInAt: fromMillis(checkIn)})
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) CountOpenSwitches(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM switches WHERE account_id = ? AND state NOT IN (?, ?)",
		accountID, dms.StateSent, dms.StateCancelled).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting open switches: %w", err)
	}
	return n, nil
}

// State transitions

func (s *SQLiteDatabase) Advance(ctx context.Context, id string, from, to dms.State) error {
	if !dms.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE switches SET state = ?, updated_at = ? WHERE id = ? AND state = ?",
		to, toMillis(s.clock.Now()), id, from)
	if err != nil {
		return fmt.Errorf("advancing switch: %w", err)
	}
	return expectOne(res, id, from)
}

func (s *SQLiteDatabase) AdvanceIfIdle(ctx context.Context, id string, from, to dms.State, observedCheckIn time.Time) error {
	if !dms.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE switches SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?
		AND (SELECT a.last_check_in_at FROM accounts a WHERE a.id = switches.account_id) = ?`,
		to, toMillis(s.clock.Now()), id, from, toMillis(observedCheckIn))
	if err != nil {
		return fmt.Errorf("advancing switch: %w", err)
	}
	return expectOne(res, id, from)
}

func (s *SQLiteDatabase) RepointContent(ctx context.Context, id string, oldEventID string, ref dms.ContentRef) error {
	encoded, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encoding content ref: %w", err)
	}

	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		accountID string
		oldRef    string
	)
	err = tx.QueryRowContext(ctx, "SELECT account_id, content_ref FROM switches WHERE id = ?", id).Scan(&accountID, &oldRef)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: switch %s", dms.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("reading switch content: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE switches SET content_ref = ?, content_event_id = ?, updated_at = ?
		WHERE id = ? AND state = ? AND content_event_id = ?`,
		string(encoded), ref.EventID, toMillis(now), id, dms.StateActive, oldEventID)
	if err != nil {
		return fmt.Errorf("repointing content: %w", err)
	}
	if err := expectOne(res, id, dms.StateActive); err != nil {
		return err
	}

	if err := clearPending(ctx, tx, ref.EventID); err != nil {
		return err
	}
	var replaced dms.ContentRef
	if err := json.Unmarshal([]byte(oldRef), &replaced); err != nil {
		return fmt.Errorf("decoding replaced content ref: %w", err)
	}
	if err := insertPending(ctx, tx, &dms.PendingContent{
		EventID:   replaced.EventID,
		AccountID: accountID,
		ContentID: replaced.ContentID,
		RelaySet:  replaced.RelaySet,
		CreatedAt: now,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Release bookkeeping

func (s *SQLiteDatabase) ClaimRelease(ctx context.Context, id, owner string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE switches SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND state = ?
		AND (lease_owner = '' OR lease_owner = ? OR lease_until <= ?)`,
		owner, toMillis(until), id, dms.StateTriggered, owner, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("claiming release lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming release lease: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteDatabase) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE switches SET lease_owner = '', lease_until = 0
		WHERE id = ? AND lease_owner = ? AND state = ?`,
		id, owner, dms.StateTriggered)
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) RecordReleaseFailure(ctx context.Context, id string, reason string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		UPDATE switches SET release_failures = release_failures + 1, last_release_error = ?
		WHERE id = ?
		RETURNING release_failures`,
		reason, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: switch %s", dms.ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("recording release failure: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) ClearReleaseFailures(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE switches SET release_failures = 0, last_release_error = '' WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("clearing release failures: %w", err)
	}
	return nil
}

func expectOne(res sql.Result, id string, from dms.State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: switch %s is no longer %s", dms.ErrStateConflict, id, from)
	}
	return nil
}

func clearPending(ctx context.Context, tx *sql.Tx, eventID string) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM pending_contents WHERE event_id = ?", eventID)
	if err != nil {
		return fmt.Errorf("clearing pending content: %w", err)
	}
	return nil
}
