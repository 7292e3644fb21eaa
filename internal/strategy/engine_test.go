package strategy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"backtest-engine/internal/model"
	"backtest-engine/internal/portfolio"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func series(closes ...float64) model.PriceSeries {
	out := make(model.PriceSeries, len(closes))
	for i, c := range closes {
		out[i] = model.PriceBar{Date: start.AddDate(0, 0, i), Close: c}
	}
	return out
}

func mustConfig(t *testing.T, entry EntryRule, exit ExitRule, cash float64, size int64) Config {
	t.Helper()
	cfg, err := NewBuilder().Entry(entry).Exit(exit).Cash(cash).OrderSize(size).Build()
	if err != nil {
		t.Fatalf("build config: %v", err)
	}
	return cfg
}

func signals(res *Result) []model.Signal {
	out := make([]model.Signal, len(res.Bars))
	for i, b := range res.Bars {
		out[i] = b.Signal
	}
	return out
}

func assertSignals(t *testing.T, res *Result, want map[int]model.Signal) {
	t.Helper()
	for i, got := range signals(res) {
		if got != want[i] {
			t.Errorf("bar %d: signal %q, want %q", i, got, want[i])
		}
	}
}

// ────────────────────────────────────────────────────────────
// Scenarios
// ────────────────────────────────────────────────────────────

func TestRun_RSIOversoldProfitTarget(t *testing.T) {
	// RSI(2) = [-, -, 0, 80, 100]: buy 5 @ 8, sell @ 12 (>= 9.6), no re-entry at RSI 100.
	s := series(10, 9, 8, 12, 15)
	cfg := mustConfig(t, RSIOversold{Period: 2, Threshold: 50}, ProfitTarget{Fraction: 0.2}, 1000, 5)

	res, err := Run(s, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertSignals(t, res, map[int]model.Signal{2: model.SignalBuy, 3: model.SignalSell})

	if res.FinalValue != 1020 {
		t.Errorf("final value: got %v, want 1020", res.FinalValue)
	}
	if res.Shares != 0 || res.Cash != 1020 {
		t.Errorf("expected flat with cash 1020, got shares=%d cash=%v", res.Shares, res.Cash)
	}
	if len(res.Trades) != 2 || res.Trades[0].Shares != 5 || res.Trades[1].Price != 12 {
		t.Errorf("unexpected trades %+v", res.Trades)
	}

	again, err := Run(s, cfg)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if again.FinalValue != res.FinalValue {
		t.Errorf("non-deterministic final value: %v vs %v", again.FinalValue, res.FinalValue)
	}
}

func TestRun_MonotoneMovingAverageProfitTarget(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 10 + float64(i)
	}
	res, err := Run(series(closes...), mustConfig(t, MovingAverage{Period: 3}, ProfitTarget{Fraction: 0.1}, 100000, 10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// First bar with a defined MA is index 2, where 12 > 11.
	if res.Bars[2].Signal != model.SignalBuy {
		t.Fatalf("expected the first buy at bar 2, got %q", res.Bars[2].Signal)
	}

	var lastBuy float64
	holding := false
	for i, b := range res.Bars {
		switch b.Signal {
		case model.SignalBuy:
			if holding {
				t.Fatalf("bar %d: buy while already long", i)
			}
			if i > 0 && res.Bars[i-1].Signal == model.SignalBuy {
				t.Fatalf("bars %d and %d both labelled buy", i-1, i)
			}
			holding, lastBuy = true, b.Close
		case model.SignalSell:
			if !holding {
				t.Fatalf("bar %d: sell before any buy", i)
			}
			if b.Close < lastBuy*1.1-1e-9 {
				t.Fatalf("bar %d: sold at %v below target %v", i, b.Close, lastBuy*1.1)
			}
			holding = false
		default:
			if holding && b.Close >= lastBuy*1.1+1e-9 {
				t.Fatalf("bar %d: target %v reached at %v without a sell", i, lastBuy*1.1, b.Close)
			}
		}
	}
	buys, sells := res.Signals()
	if buys == 0 || sells == 0 {
		t.Fatalf("expected round trips, got %d buys / %d sells", buys, sells)
	}
}

func TestRun_NeverTriggered(t *testing.T) {
	// Falling series: close is never above its trailing mean.
	res, err := Run(series(20, 19, 18, 17, 16, 15, 14), mustConfig(t, MovingAverage{Period: 3}, StopLoss{Fraction: 0.1}, 2500.75, 10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalValue != 2500.75 {
		t.Errorf("expected final value to equal starting cash, got %v", res.FinalValue)
	}
	if buys, sells := res.Signals(); buys+sells != 0 {
		t.Errorf("expected no signals, got %d buys / %d sells", buys, sells)
	}
	if len(res.Trades) != 0 {
		t.Errorf("expected no trades, got %d", len(res.Trades))
	}
}

func TestRun_OrderSizedByCash(t *testing.T) {
	// RSI(1) at bar 1 is 0 (a down day): buy floor(100/30)=3, not 10.
	res, err := Run(series(40, 30), mustConfig(t, RSIOversold{Period: 1, Threshold: 50}, ProfitTarget{Fraction: 0.5}, 100, 10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Bars[1].Signal != model.SignalBuy {
		t.Fatalf("expected buy at bar 1")
	}
	if res.Shares != 3 || res.Cash != 10 {
		t.Errorf("expected 3 shares and cash 10, got %d / %v", res.Shares, res.Cash)
	}
	if res.FinalValue != 100 {
		t.Errorf("expected 10 + 3*30 = 100, got %v", res.FinalValue)
	}
}

func TestRun_InsufficientCashEmitsNoSignal(t *testing.T) {
	res, err := Run(series(40, 30, 20), mustConfig(t, RSIOversold{Period: 1, Threshold: 50}, ProfitTarget{Fraction: 0.5}, 15, 10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// RSI(1) is 0 on bars 1 and 2, but 15 buys no share at 30 or at 20.
	assertSignals(t, res, map[int]model.Signal{})
	if res.FinalValue != 15 {
		t.Errorf("expected untouched cash 15, got %v", res.FinalValue)
	}
}

func TestRun_StopLoss(t *testing.T) {
	// buy 5 @ 8, stop at 6.4, 12 does not trigger, 6 does.
	res, err := Run(series(10, 9, 8, 12, 6), mustConfig(t, RSIOversold{Period: 2, Threshold: 50}, StopLoss{Fraction: 0.2}, 1000, 5))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertSignals(t, res, map[int]model.Signal{2: model.SignalBuy, 4: model.SignalSell})
	if res.FinalValue != 990 {
		t.Errorf("expected 1000 - 40 + 30 = 990, got %v", res.FinalValue)
	}
}

func TestRun_ThresholdAbove100AndFullStopLoss(t *testing.T) {
	// RSI(1) is 100 on an up day, still below 101. A stop loss of 1 sits at
	// zero, so no positive close ever hits it.
	res, err := Run(series(10, 11, 12), mustConfig(t, RSIOversold{Period: 1, Threshold: 101}, StopLoss{Fraction: 1}, 100, 1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertSignals(t, res, map[int]model.Signal{1: model.SignalBuy})
	if res.FinalValue != 101 {
		t.Errorf("expected 100 - 11 + 12 = 101, got %v", res.FinalValue)
	}
}

func TestRun_ProfitTargetExactBoundary(t *testing.T) {
	// 10 * 1.1 = 11 exactly; a float product would land a hair above 11.
	res, err := Run(series(12, 10, 11), mustConfig(t, RSIOversold{Period: 1, Threshold: 50}, ProfitTarget{Fraction: 0.1}, 100, 1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertSignals(t, res, map[int]model.Signal{1: model.SignalBuy, 2: model.SignalSell})
}

func TestRun_BollingerEntry(t *testing.T) {
	// window {10,10,5}: mean 8.33, sample sd 2.89, lower(k=1) 5.45 > 5 → buy.
	res, err := Run(series(10, 10, 10, 10, 5, 9), mustConfig(t, BollingerBands{Period: 3, NumStdDev: 1}, ProfitTarget{Fraction: 1}, 1000, 4))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertSignals(t, res, map[int]model.Signal{4: model.SignalBuy})
	if res.FinalValue != 1000-20+36 {
		t.Errorf("expected open position marked at 9, got %v", res.FinalValue)
	}
	b := res.Bars[4]
	if math.IsNaN(b.Lower) || math.IsNaN(b.Upper) || math.IsNaN(b.MA) || !math.IsNaN(b.RSI) {
		t.Errorf("expected bands and MA but no RSI on bar 4, got %+v", b)
	}
}

func TestRun_OnlyEntryIndicatorsComputed(t *testing.T) {
	res, err := Run(series(10, 9, 8, 12, 15), mustConfig(t, RSIOversold{Period: 2, Threshold: 50}, ProfitTarget{Fraction: 0.2}, 1000, 5))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, b := range res.Bars {
		if !math.IsNaN(b.MA) || !math.IsNaN(b.Upper) || !math.IsNaN(b.Lower) {
			t.Fatalf("bar %d: RSI entry should not compute MA/bands: %+v", i, b)
		}
	}
	if !math.IsNaN(res.Bars[1].RSI) || math.Abs(res.Bars[3].RSI-80) > 1e-9 {
		t.Errorf("unexpected RSI column: %v / %v", res.Bars[1].RSI, res.Bars[3].RSI)
	}
}

func TestRun_SellLiquidatesWholePosition(t *testing.T) {
	res, err := Run(series(10, 9, 8, 12), mustConfig(t, RSIOversold{Period: 2, Threshold: 50}, ProfitTarget{Fraction: 0.2}, 1000, 7))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sell := res.Trades[len(res.Trades)-1]
	if sell.Action != portfolio.ActionSell || sell.Shares != 7 || res.Shares != 0 {
		t.Errorf("expected all 7 shares sold, got %+v (held %d)", sell, res.Shares)
	}
}

// ────────────────────────────────────────────────────────────
// Errors
// ────────────────────────────────────────────────────────────

func TestRun_EmptySeries(t *testing.T) {
	cfg := mustConfig(t, MovingAverage{Period: 3}, ProfitTarget{Fraction: 0.1}, 100, 1)
	res, err := Run(nil, cfg)
	if !errors.Is(err, model.ErrEmptySeries) {
		t.Fatalf("expected ErrEmptySeries, got %v", err)
	}
	if res != nil {
		t.Fatal("expected no partial result")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	_, err := Run(series(1, 2, 3), Config{Entry: MovingAverage{Period: 0}, Exit: ProfitTarget{Fraction: 0.1}, Cash: 10, OrderSize: 1})
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if ce.Condition != "Moving_Average" || ce.Param != ParamPeriod {
		t.Errorf("unexpected error context %+v", ce)
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("ConfigError should unwrap to ErrInvalidConfig")
	}
}

func TestRun_ConfigCheckedBeforeSeries(t *testing.T) {
	_, err := Run(nil, Config{})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected config error first, got %v", err)
	}
}

func TestRun_UnorderedSeries(t *testing.T) {
	s := series(1, 2, 3)
	s[1], s[2] = s[2], s[1]
	_, err := Run(s, mustConfig(t, MovingAverage{Period: 2}, ProfitTarget{Fraction: 0.1}, 100, 1))
	var be *model.BarError
	if !errors.As(err, &be) || be.Index != 2 {
		t.Fatalf("expected BarError at 2, got %v", err)
	}
}

// ────────────────────────────────────────────────────────────
// RunAll
// ────────────────────────────────────────────────────────────

func TestRunAll_IndependentJobs(t *testing.T) {
	good := mustConfig(t, RSIOversold{Period: 2, Threshold: 50}, ProfitTarget{Fraction: 0.2}, 1000, 5)
	jobs := []Job{
		{Name: "a", Series: series(10, 9, 8, 12, 15), Config: good},
		{Name: "empty", Series: nil, Config: good},
		{Name: "c", Series: series(20, 19, 18), Config: good},
	}
	for i := 0; i < 20; i++ {
		jobs = append(jobs, Job{Name: "bulk", Series: series(10, 9, 8, 12, 15), Config: good})
	}

	results := RunAll(context.Background(), jobs, 4)
	if len(results) != len(jobs) {
		t.Fatalf("expected %d results, got %d", len(jobs), len(results))
	}
	if results[0].Name != "a" || results[0].Err != nil || results[0].Result.FinalValue != 1020 {
		t.Errorf("unexpected first result %+v", results[0])
	}
	if !errors.Is(results[1].Err, model.ErrEmptySeries) || results[1].Result != nil {
		t.Errorf("expected empty-series failure isolated to job 1, got %+v", results[1])
	}
	if results[2].Err != nil {
		t.Errorf("job c failed: %v", results[2].Err)
	}
	for _, r := range results[3:] {
		if r.Err != nil || r.Result.FinalValue != 1020 {
			t.Fatalf("bulk job diverged: %+v", r)
		}
	}
}

func TestRunAll_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := mustConfig(t, MovingAverage{Period: 2}, ProfitTarget{Fraction: 0.1}, 100, 1)
	results := RunAll(ctx, []Job{{Name: "x", Series: series(1, 2, 3), Config: cfg}}, 0)
	if !errors.Is(results[0].Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", results[0].Err)
	}
}
