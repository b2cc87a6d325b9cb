package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dms-go/internal/database/migrations"
	"dms-go/internal/dms"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements dms.Repository using SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	clock dms.Clock
	path  string
}

var _ dms.Repository = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens a SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
// clock stamps updated_at columns; nil means the real clock.
func NewSQLiteDatabase(path string, clock dms.Clock) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteDatabaseFromDB(db, path, clock), nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB, path string, clock dms.Clock) *SQLiteDatabase {
	if clock == nil {
		clock = dms.RealClock{}
	}
	return &SQLiteDatabase{db: db, clock: clock, path: path}
}

// OpenConnection opens and configures a SQLite database connection.
// Settings travel in the DSN so every pooled connection gets them.
// An in-memory database is pinned to one connection, since each
// connection would otherwise see its own empty database.
func OpenConnection(path string) (*sql.DB, error) {
	params := "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	memory := path == ":memory:"
	if !memory {
		params += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+params)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Path returns the path the database was opened with.
func (s *SQLiteDatabase) Path() string { return s.path }

// DB exposes the underlying connection for migrations.
func (s *SQLiteDatabase) DB() *sql.DB { return s.db }

// Migrate applies pending schema migrations.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations returns an error unless the schema is current.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

// Account operations

func (s *SQLiteDatabase) CreateAccount(ctx context.Context, account *dms.Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO accounts (id, tier, last_check_in_at, created_at) VALUES (?, ?, ?, ?)",
		account.ID, account.Tier, toMillis(account.LastCheckInAt), toMillis(account.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}
	if err := insertRelays(ctx, tx, account.ID, account.ActiveRelayURLs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindAccount(ctx context.Context, id string) (*dms.Account, error) {
	var (
		account          dms.Account
		checkIn, created int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, tier, last_check_in_at, created_at FROM accounts WHERE id = ?", id,
	).Scan(&account.ID, &account.Tier, &checkIn, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding account: %w", err)
	}
	account.LastCheckInAt = fromMillis(checkIn)
	account.CreatedAt = fromMillis(created)

	urls, err := s.accountRelays(ctx, id)
	if err != nil {
		return nil, err
	}
	account.ActiveRelayURLs = urls
	return &account, nil
}

func (s *SQLiteDatabase) accountRelays(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT url FROM account_relays WHERE account_id = ? ORDER BY position", accountID)
	if err != nil {
		return nil, fmt.Errorf("listing account relays: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scanning account relay: %w", err)
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

func (s *SQLiteDatabase) SetAccountRelays(ctx context.Context, accountID string, urls []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := requireAccount(ctx, tx, accountID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM account_relays WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("clearing account relays: %w", err)
	}
	if err := insertRelays(ctx, tx, accountID, urls); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) CheckIn(ctx context.Context, accountID string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE accounts SET last_check_in_at = ? WHERE id = ?", toMillis(at), accountID)
	if err != nil {
		return 0, fmt.Errorf("updating check-in: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: account %s", dms.ErrNotFound, accountID)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE switches SET state = ?, updated_at = ?
		WHERE account_id = ? AND state IN (?, ?, ?)`,
		dms.StateActive, toMillis(at), accountID,
		dms.StateReminded1, dms.StateReminded2, dms.StateReminded3)
	if err != nil {
		return 0, fmt.Errorf("resetting reminded switches: %w", err)
	}
	reset, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int(reset), nil
}

func requireAccount(ctx context.Context, tx *sql.Tx, accountID string) error {
	var exists int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM accounts WHERE id = ?", accountID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: account %s", dms.ErrNotFound, accountID)
	}
	if err != nil {
		return fmt.Errorf("finding account: %w", err)
	}
	return nil
}

func insertRelays(ctx context.Context, tx *sql.Tx, accountID string, urls []string) error {
	for i, url := range urls {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO account_relays (account_id, position, url) VALUES (?, ?, ?)",
			accountID, i, url)
		if err != nil {
			return fmt.Errorf("inserting relay %s: %w", url, err)
		}
	}
	return nil
}

// Timestamps are stored as unix milliseconds so equality checks in SQL
// compare the exact value that was read.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
