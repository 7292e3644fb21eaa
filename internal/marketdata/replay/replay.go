// Package replay paces a finished backtest's annotated bars out to a live
// display at a chosen speed.
package replay

import (
	"context"
	"time"

	"backtest-engine/internal/model"
)

// maxGap caps the wait between two bars so a very low speed cannot stall a client.
const maxGap = 5 * time.Second

// Interval returns the wait between bars for speed bars per second.
// speed <= 0 means no pacing.
func Interval(speed float64) time.Duration {
	if speed <= 0 {
		return 0
	}
	gap := time.Duration(float64(time.Second) / speed)
	if gap > maxGap {
		gap = maxGap
	}
	return gap
}

// Stream emits bars in order, waiting Interval(speed) between them, and
// returns how many were emitted. It stops at the first emit error or when
// ctx is done.
func Stream(ctx context.Context, bars []model.AnnotatedBar, speed float64, emit func(model.AnnotatedBar) error) (int, error) {
	gap := Interval(speed)
	for i, b := range bars {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if i > 0 && gap > 0 {
			if err := sleep(ctx, gap); err != nil {
				return i, err
			}
		}
		if err := emit(b); err != nil {
			return i, err
		}
	}
	return len(bars), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
