package indicator

import (
	"math"

	"backtest-engine/internal/ringbuf"
)

// Bollinger calculates Bollinger Bands: the trailing mean plus and minus
// numStdDev sample standard deviations (n-1 denominator) of the window.
// Sample deviation needs at least two points, so a period below 2 never
// becomes ready.
type Bollinger struct {
	period    int
	numStdDev float64
	win       *ringbuf.Window

	middle float64
	upper  float64
	lower  float64
}

// NewBollinger creates Bollinger Bands over period closes, numStdDev wide.
func NewBollinger(period int, numStdDev float64) *Bollinger {
	return &Bollinger{
		period:    period,
		numStdDev: numStdDev,
		win:       ringbuf.New(period),
		middle:    Undefined,
		upper:     Undefined,
		lower:     Undefined,
	}
}

func (b *Bollinger) Update(price float64) {
	b.win.Push(price)
	if !b.Ready() {
		return
	}
	m := mean(b.win)
	var ss float64
	b.win.Do(func(v float64) {
		d := v - m
		ss += d * d
	})
	sd := math.Sqrt(ss / float64(b.win.Len()-1))

	b.middle = m
	b.upper = m + b.numStdDev*sd
	b.lower = m - b.numStdDev*sd
}

// Value returns the middle band (the moving average).
func (b *Bollinger) Value() float64 { return b.middle }

// Upper returns the upper band, NaN until ready.
func (b *Bollinger) Upper() float64 { return b.upper }

// Lower returns the lower band, NaN until ready.
func (b *Bollinger) Lower() float64 { return b.lower }

func (b *Bollinger) Ready() bool { return b.period >= 2 && b.win.Full() }

// BollingerBands returns the upper and lower bands at every index of series.
// Entries before the window fills are Undefined. A non-positive period
// returns nil slices.
func BollingerBands(series []float64, period int, numStdDev float64) (upper, lower []float64) {
	if period <= 0 {
		return nil, nil
	}
	bb := NewBollinger(period, numStdDev)
	upper = make([]float64, len(series))
	lower = make([]float64, len(series))
	for i, v := range series {
		bb.Update(v)
		if bb.Ready() {
			upper[i], lower[i] = bb.Upper(), bb.Lower()
		} else {
			upper[i], lower[i] = Undefined, Undefined
		}
	}
	return upper, lower
}
