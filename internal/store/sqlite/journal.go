package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backtest-engine/internal/model"
	"backtest-engine/internal/portfolio"
	"backtest-engine/internal/strategy"
)

// RunRecord is one row of the backtest_runs table.
type RunRecord struct {
	ID         string             `json:"id"`
	Symbol     string             `json:"symbol"`
	Entry      string             `json:"entry"`
	Exit       string             `json:"exit"`
	Params     map[string]float64 `json:"params"`
	Cash       float64            `json:"cash"`
	OrderSize  int64              `json:"order_size"`
	FinalValue float64            `json:"final_value"`
	Bars       int                `json:"bars"`
	Trades     int                `json:"trades"`
	CreatedAt  time.Time          `json:"created_at"`
}

// NewRunRecord summarises a finished run for the journal. Entry and exit
// parameter keys never collide, so they share one params object.
func NewRunRecord(id, symbol string, cfg strategy.Config, res *strategy.Result, at time.Time) RunRecord {
	spec := cfg.Spec()
	params := make(map[string]float64, len(spec.Entry.Params)+len(spec.Exit.Params))
	for k, v := range spec.Entry.Params {
		params[k] = v
	}
	for k, v := range spec.Exit.Params {
		params[k] = v
	}
	return RunRecord{
		ID:         id,
		Symbol:     symbol,
		Entry:      spec.Entry.Condition,
		Exit:       spec.Exit.Condition,
		Params:     params,
		Cash:       cfg.Cash,
		OrderSize:  cfg.OrderSize,
		FinalValue: res.FinalValue,
		Bars:       len(res.Bars),
		Trades:     len(res.Trades),
		CreatedAt:  at.UTC(),
	}
}

// SaveRun writes the run row and its fills in one transaction.
func (s *Store) SaveRun(ctx context.Context, rec RunRecord, trades []portfolio.Trade) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("marshal run params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO backtest_runs (id, symbol, entry, exit, params, cash, order_size, final_value, bars, trades, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, rec.Entry, rec.Exit, string(params),
		rec.Cash, rec.OrderSize, rec.FinalValue, rec.Bars, rec.Trades,
		rec.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("sqlite insert run %s: %w", rec.ID, err)
	}

	for i, t := range trades {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO backtest_trades (run_id, seq, date, action, shares, price, cash_after)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, i, t.Date.Format(model.DateLayout), string(t.Action), t.Shares, t.Price, t.CashAfter,
		); err != nil {
			return fmt.Errorf("sqlite insert trade %d of run %s: %w", i, rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// RecentRuns returns the last limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, entry, exit, params, cash, order_size, final_value, bars, trades, created_at
		 FROM backtest_runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query backtest_runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var params string
		var created int64
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Entry, &r.Exit, &params, &r.Cash,
			&r.OrderSize, &r.FinalValue, &r.Bars, &r.Trades, &created); err != nil {
			return nil, fmt.Errorf("sqlite scan backtest_runs: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
			return nil, fmt.Errorf("run %s params: %w", r.ID, err)
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunTrades returns the fills recorded for runID in execution order.
func (s *Store) RunTrades(ctx context.Context, runID string) ([]portfolio.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, action, shares, price, cash_after
		 FROM backtest_trades WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query backtest_trades: %w", err)
	}
	defer rows.Close()

	var trades []portfolio.Trade
	for rows.Next() {
		var t portfolio.Trade
		var day, action string
		if err := rows.Scan(&day, &action, &t.Shares, &t.Price, &t.CashAfter); err != nil {
			return nil, fmt.Errorf("sqlite scan backtest_trades: %w", err)
		}
		if t.Date, err = model.ParseDay(day); err != nil {
			return nil, fmt.Errorf("sqlite bad date %q: %w", day, err)
		}
		t.Action = portfolio.Action(action)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
