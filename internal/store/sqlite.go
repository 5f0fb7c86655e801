package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/paxlab/ussd-pilot/internal/domain"
	"github.com/paxlab/ussd-pilot/internal/shared"
	_ "modernc.org/sqlite"
)

// recordRetries is how many times a write is retried on SQLITE_BUSY.
const recordRetries = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		handle TEXT NOT NULL,
		kind TEXT NOT NULL,
		success INTEGER NOT NULL,
		message TEXT NOT NULL,
		reference_id TEXT,
		balance REAL,
		recipient TEXT,
		amount INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at);

	CREATE TABLE IF NOT EXISTS profile (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		bank_name TEXT NOT NULL,
		routing_code TEXT NOT NULL,
		card_answer TEXT NOT NULL,
		pin TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordTransaction persists a terminal session result, retrying on
// SQLite concurrency errors.
func (s *SQLiteStore) RecordTransaction(ctx context.Context, rec *domain.TransactionRecord) error {
	query := `
	INSERT INTO transactions (id, handle, kind, success, message, reference_id, balance, recipient, amount, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var balance interface{}
	if rec.Balance != nil {
		balance = *rec.Balance
	}

	var err error
	for attempt := 0; attempt < recordRetries; attempt++ {
		_, err = s.db.ExecContext(ctx, query,
			rec.ID, rec.Handle, string(rec.Kind), boolToInt(rec.Success),
			rec.Message, nullIfEmpty(rec.ReferenceID), balance,
			nullIfEmpty(rec.Recipient), rec.Amount, rec.CreatedAt.Unix(),
		)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			break
		}
		slog.Warn("RecordTransaction retrying on busy database", "attempt", attempt+1)
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return fmt.Errorf("insert transaction: %w", err)
}

// ListTransactions returns the most recent records, newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, limit int) ([]*domain.TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, handle, kind, success, message, reference_id, balance, recipient, amount, created_at
		FROM transactions ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transaction rows", "error", closeErr)
		}
	}()

	var records []*domain.TransactionRecord
	for rows.Next() {
		var (
			rec       domain.TransactionRecord
			kind      string
			success   int
			refID     sql.NullString
			balance   sql.NullFloat64
			recipient sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Handle, &kind, &success, &rec.Message,
			&refID, &balance, &recipient, &rec.Amount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		rec.Kind = domain.OperationKind(kind)
		rec.Success = success != 0
		rec.ReferenceID = refID.String
		rec.Recipient = recipient.String
		if balance.Valid {
			v := balance.Float64
			rec.Balance = &v
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return records, nil
}

// GetProfile retrieves the operator profile.
func (s *SQLiteStore) GetProfile(ctx context.Context) (*domain.Profile, error) {
	query := `SELECT bank_name, routing_code, card_answer, pin, updated_at FROM profile WHERE id = 1`

	var (
		p         domain.Profile
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query).Scan(&p.BankName, &p.RoutingCode, &p.CardAnswer, &p.PIN, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// UpsertProfile creates or replaces the operator profile.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *domain.Profile) error {
	query := `
	INSERT INTO profile (id, bank_name, routing_code, card_answer, pin, updated_at)
	VALUES (1, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		bank_name = excluded.bank_name,
		routing_code = excluded.routing_code,
		card_answer = excluded.card_answer,
		pin = excluded.pin,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		p.BankName, p.RoutingCode, p.CardAnswer, p.PIN, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
