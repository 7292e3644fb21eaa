package indicator

import "backtest-engine/internal/ringbuf"

// neutralRSI is reported when the window saw no movement at all.
const neutralRSI = 50.0

// RSIIndicator calculates the Relative Strength Index from simple trailing
// means of gains and losses (not Wilder's smoothing):
//
//	RSI = 100 * mean(up) / (mean(up) + mean(down))
//
// It needs period deltas, i.e. period+1 closes, before it is ready.
// A flat window (both means zero) yields 50.
type RSIIndicator struct {
	count     int
	prevClose float64
	gains     *ringbuf.Window
	losses    *ringbuf.Window
	current   float64
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSIIndicator {
	return &RSIIndicator{
		gains:   ringbuf.New(period),
		losses:  ringbuf.New(period),
		current: Undefined,
	}
}

func (r *RSIIndicator) Update(price float64) {
	r.count++
	if r.count == 1 {
		// First close: no delta yet
		r.prevClose = price
		return
	}

	delta := price - r.prevClose
	r.prevClose = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}
	r.gains.Push(gain)
	r.losses.Push(loss)

	if !r.gains.Full() {
		return
	}
	avgGain := mean(r.gains)
	avgLoss := mean(r.losses)
	if avgGain+avgLoss == 0 {
		r.current = neutralRSI
		return
	}
	r.current = 100.0 * avgGain / (avgGain + avgLoss)
}

func (r *RSIIndicator) Value() float64 { return r.current }
func (r *RSIIndicator) Ready() bool    { return r.gains.Full() }

// RSI returns the relative strength index at every index of series.
// The first period entries are Undefined. A non-positive period returns nil.
func RSI(series []float64, period int) []float64 {
	if period <= 0 {
		return nil
	}
	return fold(NewRSI(period), series)
}
