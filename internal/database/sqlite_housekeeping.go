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

// Pending content

func (s *SQLiteDatabase) CreatePendingContent(ctx context.Context, p *dms.PendingContent) error {
	return insertPending(ctx, s.db, p)
}

func (s *SQLiteDatabase) ListPendingContentBefore(ctx context.Context, cutoff time.Time) ([]*dms.PendingContent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, account_id, content_id, relay_set, created_at FROM pending_contents
		WHERE created_at < ? ORDER BY created_at, event_id`,
		toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("listing pending content: %w", err)
	}
	defer rows.Close()

	var result []*dms.PendingContent
	for rows.Next() {
		var (
			p       dms.PendingContent
			relays  string
			created int64
		)
		if err := rows.Scan(&p.EventID, &p.AccountID, &p.ContentID, &relays, &created); err != nil {
			return nil, fmt.Errorf("scanning pending content: %w", err)
		}
		if err := json.Unmarshal([]byte(relays), &p.RelaySet); err != nil {
			return nil, fmt.Errorf("decoding relay set of pending content %s: %w", p.EventID, err)
		}
		p.CreatedAt = fromMillis(created)
		result = append(result, &p)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) DeletePendingContent(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_contents WHERE event_id = ?", eventID)
	if err != nil {
		return fmt.Errorf("deleting pending content: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPending(ctx context.Context, db execer, p *dms.PendingContent) error {
	relays, err := json.Marshal(p.RelaySet)
	if err != nil {
		return fmt.Errorf("encoding relay set: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO pending_contents (event_id, account_id, content_id, relay_set, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		p.EventID, p.AccountID, p.ContentID, string(relays), toMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting pending content: %w", err)
	}
	return nil
}

// Check-in codes

func (s *SQLiteDatabase) CreateCheckInCode(ctx context.Context, codeHash, accountID string, at, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO checkin_codes (code_hash, account_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
		codeHash, accountID, toMillis(at), toMillis(expiresAt))
	if err != nil {
		return fmt.Errorf("inserting check-in code: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ConsumeCheckInCode(ctx context.Context, codeHash string, at time.Time) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE checkin_codes SET consumed_at = ?
		WHERE code_hash = ? AND consumed_at IS NULL AND expires_at > ?
		RETURNING account_id`,
		toMillis(at), codeHash, toMillis(at)).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", dms.ErrInvalidCode
	}
	if err != nil {
		return "", fmt.Errorf("consuming check-in code: %w", err)
	}
	return accountID, nil
}

func (s *SQLiteDatabase) DeleteExpiredCheckInCodes(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteWhere(ctx,
		"DELETE FROM checkin_codes WHERE consumed_at IS NULL AND expires_at <= ?", toMillis(now))
}

func (s *SQLiteDatabase) DeleteConsumedCheckInCodesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(ctx,
		"DELETE FROM checkin_codes WHERE consumed_at IS NOT NULL AND consumed_at < ?", toMillis(cutoff))
}

func (s *SQLiteDatabase) deleteWhere(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return n, nil
}

// Pass history

func (s *SQLiteDatabase) CreatePassRun(ctx context.Context, kind string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO pass_runs (kind, started_at) VALUES (?, ?)", kind, toMillis(at))
	if err != nil {
		return 0, fmt.Errorf("inserting pass run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading pass run id: %w", err)
	}
	return id, nil
}

func (s *SQLiteDatabase) FinishPassRun(ctx context.Context, id int64, at time.Time, status, summary string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pass_runs SET finished_at = ?, status = ?, summary = ? WHERE id = ?",
		toMillis(at), status, summary, id)
	if err != nil {
		return fmt.Errorf("finishing pass run: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListPassRuns(ctx context.Context, limit int) ([]*dms.PassRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, started_at, finished_at, status, summary FROM pass_runs ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing pass runs: %w", err)
	}
	defer rows.Close()

	var result []*dms.PassRun
	for rows.Next() {
		var (
			run      dms.PassRun
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &run.Kind, &started, &finished, &run.Status, &run.Summary); err != nil {
			return nil, fmt.Errorf("scanning pass run: %w", err)
		}
		run.StartedAt = fromMillis(started)
		if finished.Valid {
			run.FinishedAt = fromMillis(finished.Int64)
		}
		result = append(result, &run)
	}
	return result, rows.Err()
}
