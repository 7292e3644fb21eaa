// Package indicator provides technical indicator calculations over daily closes.
//
// Every indicator exists in two forms: a streaming type implementing Indicator
// (fed one close at a time) and a pure slice function that folds the streaming
// type over a whole series and returns a same-length result. Warm-up entries
// of a slice result are NaN; use IsDefined to test them.
package indicator

import "math"

// Indicator is the interface for all streaming indicators.
type Indicator interface {
	// Update feeds the next close.
	Update(price float64)

	// Value returns the current value, or NaN until Ready.
	Value() float64

	// Ready returns true when enough closes have been accumulated.
	Ready() bool
}

// Undefined marks a warm-up (or not computed) indicator value.
var Undefined = math.NaN()

// IsDefined reports whether v is a computed indicator value.
func IsDefined(v float64) bool {
	return !math.IsNaN(v)
}

// At returns col[i], or Undefined when the column was not computed.
func At(col []float64, i int) float64 {
	if i < 0 || i >= len(col) {
		return Undefined
	}
	return col[i]
}

// Set holds the per-bar indicator columns computed for one run. Columns the
// run did not need are nil.
type Set struct {
	MA    []float64
	Upper []float64
	Lower []float64
	RSI   []float64
}

// fold feeds every value of series into ind and records Value() after each
// update, Undefined while the indicator is warming up.
func fold(ind Indicator, series []float64) []float64 {
	out := make([]float64, len(series))
	for i, v := range series {
		ind.Update(v)
		if ind.Ready() {
			out[i] = ind.Value()
		} else {
			out[i] = Undefined
		}
	}
	return out
}
