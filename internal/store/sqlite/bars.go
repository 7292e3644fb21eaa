package sqlite

import (
	"context"
	"fmt"
	"log"
	"time"

	"backtest-engine/internal/model"
)

// SaveBars upserts a series for exchange:symbol in one transaction.
func (s *Store) SaveBars(ctx context.Context, exchange, symbol string, series model.PriceSeries) error {
	if len(series) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_bars (exchange, symbol, date, close)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (exchange, symbol, date) DO UPDATE SET close = excluded.close
	`)
	if err != nil {
		return fmt.Errorf("sqlite prepare daily_bars: %w", err)
	}
	defer stmt.Close()

	for _, b := range series {
		if _, err := stmt.ExecContext(ctx, exchange, symbol, b.Day(), b.Close); err != nil {
			return fmt.Errorf("sqlite insert bar %s: %w", b.Day(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	log.Printf("[sqlite] stored %d bars for %s:%s", len(series), exchange, symbol)
	return nil
}

// LoadBars returns the stored bars for exchange:symbol with from <= date <= to,
// ascending by date. A zero from or to leaves that side open.
func (s *Store) LoadBars(ctx context.Context, exchange, symbol string, from, to time.Time) (model.PriceSeries, error) {
	lo, hi := "0000-01-01", "9999-12-31"
	if !from.IsZero() {
		lo = from.Format(model.DateLayout)
	}
	if !to.IsZero() {
		hi = to.Format(model.DateLayout)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date, close
		FROM daily_bars
		WHERE exchange = ? AND symbol = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, exchange, symbol, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("sqlite query daily_bars: %w", err)
	}
	defer rows.Close()

	var series model.PriceSeries
	for rows.Next() {
		var day string
		var b model.PriceBar
		if err := rows.Scan(&day, &b.Close); err != nil {
			return nil, fmt.Errorf("sqlite scan daily_bars: %w", err)
		}
		if b.Date, err = model.ParseDay(day); err != nil {
			return nil, fmt.Errorf("sqlite bad date %q: %w", day, err)
		}
		series = append(series, b)
	}
	return series, rows.Err()
}
