// Package sqlite persists daily bars and the backtest run journal.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps one SQLite database holding the bar and journal tables.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path in WAL mode and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", path)
	return &Store{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS daily_bars (
			exchange TEXT NOT NULL,
			symbol   TEXT NOT NULL,
			date     TEXT NOT NULL,
			close    REAL NOT NULL,
			PRIMARY KEY (exchange, symbol, date)
		);

		CREATE TABLE IF NOT EXISTS backtest_runs (
			id          TEXT    PRIMARY KEY,
			symbol      TEXT    NOT NULL,
			entry       TEXT    NOT NULL,
			exit        TEXT    NOT NULL,
			params      TEXT    NOT NULL,
			cash        REAL    NOT NULL,
			order_size  INTEGER NOT NULL,
			final_value REAL    NOT NULL,
			bars        INTEGER NOT NULL,
			trades      INTEGER NOT NULL,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created_at ON backtest_runs(created_at);

		CREATE TABLE IF NOT EXISTS backtest_trades (
			run_id     TEXT    NOT NULL REFERENCES backtest_runs(id),
			seq        INTEGER NOT NULL,
			date       TEXT    NOT NULL,
			action     TEXT    NOT NULL,
			shares     INTEGER NOT NULL,
			price      REAL    NOT NULL,
			cash_after REAL    NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
	`)
	return err
}
