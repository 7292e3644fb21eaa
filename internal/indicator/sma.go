package indicator

import "backtest-engine/internal/ringbuf"

// SMA calculates Simple Moving Average over a rolling window.
// The mean is summed from the window on every update, so long series carry
// no running-total drift.
type SMA struct {
	win     *ringbuf.Window
	current float64
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{
		win:     ringbuf.New(period),
		current: Undefined,
	}
}

func (s *SMA) Update(price float64) {
	s.win.Push(price)
	if s.win.Full() {
		s.current = mean(s.win)
	}
}

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.win.Full() }

// MovingAverage returns the trailing `period` mean at every index of series.
// The first period-1 entries are Undefined. A non-positive period returns nil.
func MovingAverage(series []float64, period int) []float64 {
	if period <= 0 {
		return nil
	}
	return fold(NewSMA(period), series)
}

func mean(w *ringbuf.Window) float64 {
	var sum float64
	w.Do(func(v float64) { sum += v })
	return sum / float64(w.Len())
}
