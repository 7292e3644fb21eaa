package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DateLayout is the wire format for bar dates (daily bars carry no time of day).
const DateLayout = "2006-01-02"

// ErrEmptySeries is returned when a backtest is asked to run over zero bars.
var ErrEmptySeries = errors.New("price series is empty")

// PriceBar is one trading day: the date and its closing price.
type PriceBar struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// Day returns the bar date formatted as YYYY-MM-DD.
func (b PriceBar) Day() string {
	return b.Date.Format(DateLayout)
}

// PriceSeries is an ordered run of daily bars, ascending by date.
type PriceSeries []PriceBar

// BarError describes the first bar that breaks the series invariants.
type BarError struct {
	Index  int
	Date   time.Time
	Reason string
}

func (e *BarError) Error() string {
	return fmt.Sprintf("bar %d (%s): %s", e.Index, e.Date.Format(DateLayout), e.Reason)
}

// Validate checks the series is non-empty, strictly ascending by date and that
// every close is a positive finite number.
func (s PriceSeries) Validate() error {
	if len(s) == 0 {
		return ErrEmptySeries
	}
	for i, b := range s {
		if math.IsNaN(b.Close) || math.IsInf(b.Close, 0) || b.Close <= 0 {
			return &BarError{Index: i, Date: b.Date, Reason: fmt.Sprintf("close %v is not a positive price", b.Close)}
		}
		if i == 0 {
			continue
		}
		prev := s[i-1].Date
		switch {
		case b.Date.Equal(prev):
			return &BarError{Index: i, Date: b.Date, Reason: "duplicate date"}
		case b.Date.Before(prev):
			return &BarError{Index: i, Date: b.Date, Reason: "date out of order"}
		}
	}
	return nil
}

// Closes returns the closing prices in series order.
func (s PriceSeries) Closes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Close
	}
	return out
}

// Last returns the final bar. The series must not be empty.
func (s PriceSeries) Last() PriceBar {
	return s[len(s)-1]
}

// ParseDay parses a YYYY-MM-DD date in UTC.
func ParseDay(v string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, v, time.UTC)
}
