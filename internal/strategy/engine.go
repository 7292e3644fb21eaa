// Package strategy runs a long-only backtest over a daily price series.
//
// A run pairs one entry rule with one exit rule (see Config). Run annotates
// the series with the indicators the entry rule needs, then folds over the
// bars once, buying while flat and liquidating while long, and returns the
// annotated bars, the fills and the final portfolio value. Run is pure: no
// I/O, no shared state, safe to call from many goroutines at once.
package strategy

import (
	"github.com/shopspring/decimal"

	"backtest-engine/internal/indicator"
	"backtest-engine/internal/model"
	"backtest-engine/internal/portfolio"
)

// Result is the outcome of one backtest.
type Result struct {
	Bars       []model.AnnotatedBar `json:"bars"`
	Trades     []portfolio.Trade    `json:"trades"`
	FinalValue float64              `json:"final_value"`
	Cash       float64              `json:"cash"`
	Shares     int64                `json:"shares"`
}

// Signals counts the buy and sell markers in the annotated series.
func (r *Result) Signals() (buys, sells int) {
	for _, b := range r.Bars {
		switch b.Signal {
		case model.SignalBuy:
			buys++
		case model.SignalSell:
			sells++
		}
	}
	return buys, sells
}

// Run backtests cfg over series.
//
// It fails with a *ConfigError when cfg is incomplete, with
// model.ErrEmptySeries when series has no bars and with a *model.BarError
// when the series is unordered or carries a non-positive close.
func Run(series model.PriceSeries, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := series.Validate(); err != nil {
		return nil, err
	}

	set := cfg.Entry.Indicators(series.Closes())
	acct := portfolio.NewAccount(cfg.Cash)

	bars := make([]model.AnnotatedBar, len(series))
	for i, bar := range series {
		bars[i] = step(acct, cfg, set, i, bar)
	}

	last := series.Last().Close
	return &Result{
		Bars:       bars,
		Trades:     acct.Trades(),
		FinalValue: acct.Value(last).InexactFloat64(),
		Cash:       acct.Cash().InexactFloat64(),
		Shares:     acct.Shares(),
	}, nil
}

// step applies one bar to the account and returns the annotated bar.
// Entry is only considered while flat and exit only while long, so a bar
// never carries both markers.
func step(acct *portfolio.Account, cfg Config, set indicator.Set, i int, bar model.PriceBar) model.AnnotatedBar {
	out := model.AnnotatedBar{
		Date:  bar.Date,
		Close: bar.Close,
		MA:    indicator.At(set.MA, i),
		Upper: indicator.At(set.Upper, i),
		Lower: indicator.At(set.Lower, i),
		RSI:   indicator.At(set.RSI, i),
	}

	if acct.Flat() {
		if cfg.Entry.Triggered(set, i, bar.Close) && acct.Buy(bar.Date, bar.Close, cfg.OrderSize) > 0 {
			out.Signal = model.SignalBuy
		}
		return out
	}

	lot, ok := acct.TopLot()
	if ok && cfg.Exit.Triggered(decimal.NewFromFloat(bar.Close), lot) {
		acct.Liquidate(bar.Date, bar.Close)
		out.Signal = model.SignalSell
	}
	return out
}
