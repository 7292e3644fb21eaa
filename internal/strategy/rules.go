package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"backtest-engine/internal/indicator"
)

// Parameter keys used by the loose Spec form and the run journal.
const (
	ParamPeriod       = "period"
	ParamThreshold    = "threshold"
	ParamNumStdDev    = "num_std_dev"
	ParamProfitTarget = "profit_target"
	ParamStopLoss     = "stop_loss"
)

// EntryRule is the closed set of entry conditions. Exactly one is active per
// run and it is only consulted while no shares are held.
type EntryRule interface {
	Kind() EntryKind

	// Params returns the rule parameters keyed as in Spec.
	Params() map[string]float64

	// Indicators computes only the columns this rule reads.
	Indicators(closes []float64) indicator.Set

	// Triggered evaluates the rule at bar i. An undefined indicator value
	// never triggers.
	Triggered(set indicator.Set, i int, close float64) bool

	validate() error
}

// ExitRule is the closed set of exit conditions, evaluated against the most
// recent buy price while shares are held.
type ExitRule interface {
	Kind() ExitKind
	Params() map[string]float64
	Triggered(close, lot decimal.Decimal) bool

	validate() error
}

// MovingAverage enters when the close is above its trailing mean.
type MovingAverage struct {
	Period int
}

func (MovingAverage) Kind() EntryKind { return EntryMovingAverage }

func (r MovingAverage) Params() map[string]float64 {
	return map[string]float64{ParamPeriod: float64(r.Period)}
}

func (r MovingAverage) Indicators(closes []float64) indicator.Set {
	return indicator.Set{MA: indicator.MovingAverage(closes, r.Period)}
}

func (r MovingAverage) Triggered(set indicator.Set, i int, close float64) bool {
	ma := indicator.At(set.MA, i)
	return indicator.IsDefined(ma) && close > ma
}

func (r MovingAverage) validate() error {
	if r.Period <= 0 {
		return &ConfigError{Condition: r.Kind().String(), Param: ParamPeriod, Reason: "must be a positive integer"}
	}
	return nil
}

// BollingerBands enters when the close falls below the lower band.
type BollingerBands struct {
	Period    int
	NumStdDev float64
}

func (BollingerBands) Kind() EntryKind { return EntryBollingerBands }

func (r BollingerBands) Params() map[string]float64 {
	return map[string]float64{ParamPeriod: float64(r.Period), ParamNumStdDev: r.NumStdDev}
}

func (r BollingerBands) Indicators(closes []float64) indicator.Set {
	upper, lower := indicator.BollingerBands(closes, r.Period, r.NumStdDev)
	return indicator.Set{
		MA:    indicator.MovingAverage(closes, r.Period),
		Upper: upper,
		Lower: lower,
	}
}

func (r BollingerBands) Triggered(set indicator.Set, i int, close float64) bool {
	lower := indicator.At(set.Lower, i)
	return indicator.IsDefined(lower) && close < lower
}

func (r BollingerBands) validate() error {
	if r.Period < 2 {
		return &ConfigError{Condition: r.Kind().String(), Param: ParamPeriod, Reason: "must be an integer >= 2 (sample standard deviation)"}
	}
	if !(r.NumStdDev > 0) {
		return &ConfigError{Condition: r.Kind().String(), Param: ParamNumStdDev, Reason: "must be positive"}
	}
	return nil
}

// RSIOversold enters when the RSI drops below Threshold.
type RSIOversold struct {
	Period    int
	Threshold float64
}

func (RSIOversold) Kind() EntryKind { return EntryRSIOversold }

func (r RSIOversold) Params() map[string]float64 {
	return map[string]float64{ParamPeriod: float64(r.Period), ParamThreshold: r.Threshold}
}

func (r RSIOversold) Indicators(closes []float64) indicator.Set {
	return indicator.Set{RSI: indicator.RSI(closes, r.Period)}
}

func (r RSIOversold) Triggered(set indicator.Set, i int, close float64) bool {
	rsi := indicator.At(set.RSI, i)
	return indicator.IsDefined(rsi) && rsi < r.Threshold
}

func (r RSIOversold) validate() error {
	if r.Period <= 0 {
		return &ConfigError{Condition: r.Kind().String(), Param: ParamPeriod, Reason: "must be a positive integer"}
	}
	// Outside [0, 100] the condition is simply always or never met.
	if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
		return &ConfigError{Condition: r.Kind().String(), Param: ParamThreshold, Reason: "must be a finite number"}
	}
	return nil
}

// ProfitTarget exits once the close reaches lot * (1 + Fraction).
type ProfitTarget struct {
	Fraction float64
}

func (ProfitTarget) Kind() ExitKind { return ExitProfitTarget }

func (r ProfitTarget) Params() map[string]float64 {
	return map[string]float64{ParamProfitTarget: r.Fraction}
}

func (r ProfitTarget) Triggered(close, lot decimal.Decimal) bool {
	target := lot.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(r.Fraction)))
	return close.GreaterThanOrEqual(target)
}

func (r ProfitTarget) validate() error {
	if !(r.Fraction > 0) || math.IsInf(r.Fraction, 0) {
		return &ConfigError{Condition: r.Kind().String(), Param: ParamProfitTarget, Reason: "must be a positive finite number"}
	}
	return nil
}

// StopLoss exits once the close falls to lot * (1 - Fraction).
type StopLoss struct {
	Fraction float64
}

func (StopLoss) Kind() ExitKind { return ExitStopLoss }

func (r StopLoss) Params() map[string]float64 {
	return map[string]float64{ParamStopLoss: r.Fraction}
}

func (r StopLoss) Triggered(close, lot decimal.Decimal) bool {
	floor := lot.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(r.Fraction)))
	return close.LessThanOrEqual(floor)
}

func (r StopLoss) validate() error {
	if !(r.Fraction > 0 && r.Fraction <= 1) {
		return &ConfigError{Condition: r.Kind().String(), Param: ParamStopLoss, Reason: "must be within (0, 1]"}
	}
	return nil
}
