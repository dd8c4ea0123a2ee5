// Package store persists monitor registrations and intended structures.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trade_guard/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS monitors (
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	approach   TEXT NOT NULL,
	account    TEXT NOT NULL,
	active     INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	PRIMARY KEY (symbol, side, approach, account)
);
CREATE TABLE IF NOT EXISTS structures (
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	approach   TEXT NOT NULL,
	account    TEXT NOT NULL,
	revision   INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (symbol, side, approach, account)
);`

// SQLiteStore implements core.IStateStore on a local SQLite file
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *core.MonitorRecord) error {
	query := `INSERT OR REPLACE INTO monitors (symbol, side, approach, account, active, started_at)
	          VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.Symbol, string(rec.Side), string(rec.Approach), string(rec.Account),
		boolToInt(rec.Active), rec.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save monitor record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadActive(ctx context.Context) ([]*core.MonitorRecord, error) {
	query := `SELECT symbol, side, approach, account, started_at FROM monitors WHERE active = 1`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load monitor records: %w", err)
	}
	defer rows.Close()

	var records []*core.MonitorRecord
	for rows.Next() {
		var rec core.MonitorRecord
		var side, approach, account string
		var startedAt int64
		if err := rows.Scan(&rec.Symbol, &side, &approach, &account, &startedAt); err != nil {
			return nil, fmt.Errorf("failed to scan monitor record: %w", err)
		}
		rec.Side = core.PositionSide(side)
		rec.Approach = core.Approach(approach)
		rec.Account = core.Account(account)
		rec.Active = true
		rec.StartedAt = time.Unix(0, startedAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Deactivate(ctx context.Context, key core.PositionKey) error {
	query := `UPDATE monitors SET active = 0 WHERE symbol = ? AND side = ? AND approach = ? AND account = ?`
	_, err := s.db.ExecContext(ctx, query,
		key.Symbol, string(key.Side), string(key.Approach), string(key.Account))
	if err != nil {
		return fmt.Errorf("failed to deactivate monitor record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveStructure(ctx context.Context, structure *core.IntendedStructure) error {
	data, err := json.Marshal(structure)
	if err != nil {
		return fmt.Errorf("failed to marshal structure: %w", err)
	}

	// Round-trip check before the write reaches disk
	var check core.IntendedStructure
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("structure validation failed: %w", err)
	}

	key := structure.Key
	query := `INSERT OR REPLACE INTO structures (symbol, side, approach, account, revision, payload, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		key.Symbol, string(key.Side), string(key.Approach), string(key.Account),
		structure.Revision, string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save structure: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadStructures(ctx context.Context) ([]*core.IntendedStructure, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM structures`)
	if err != nil {
		return nil, fmt.Errorf("failed to load structures: %w", err)
	}
	defer rows.Close()

	var structures []*core.IntendedStructure
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan structure: %w", err)
		}
		var structure core.IntendedStructure
		if err := json.Unmarshal([]byte(payload), &structure); err != nil {
			return nil, fmt.Errorf("failed to unmarshal structure: %w", err)
		}
		structures = append(structures, &structure)
	}
	return structures, rows.Err()
}

func (s *SQLiteStore) RemoveStructure(ctx context.Context, key core.PositionKey) error {
	query := `DELETE FROM structures WHERE symbol = ? AND side = ? AND approach = ? AND account = ?`
	_, err := s.db.ExecContext(ctx, query,
		key.Symbol, string(key.Side), string(key.Approach), string(key.Account))
	if err != nil {
		return fmt.Errorf("failed to remove structure: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable, used by the health endpoint
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
