package smartconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// candleTimeLayout is the fromdate/todate format getCandleData expects.
const candleTimeLayout = "2006-01-02 15:04"

// Candle is one historical OHLCV row.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// DailyCandles fetches ONE_DAY candles for exchange:token between from and to
// (inclusive dates). Rows arrive as [timestamp, open, high, low, close, volume].
func (sc *SmartConnect) DailyCandles(ctx context.Context, exchange, token string, from, to time.Time) ([]Candle, error) {
	if sc.AccessToken() == "" {
		return nil, ErrNotLoggedIn
	}
	data, err := sc.post(ctx, "api.candle.data", map[string]any{
		"exchange":    exchange,
		"symboltoken": token,
		"interval":    "ONE_DAY",
		"fromdate":    dayAt(from, 0, 0).Format(candleTimeLayout),
		"todate":      dayAt(to, 23, 59).Format(candleTimeLayout),
	})
	if err != nil {
		return nil, err
	}
	return parseCandles(data)
}

func dayAt(d time.Time, hour, min int) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), hour, min, 0, 0, time.UTC)
}

func parseCandles(data json.RawMessage) ([]Candle, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("candle data: %w", err)
	}

	out := make([]Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("candle row %d: want 6 fields, got %d", i, len(row))
		}
		var ts string
		if err := json.Unmarshal(row[0], &ts); err != nil {
			return nil, fmt.Errorf("candle row %d timestamp: %w", i, err)
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("candle row %d timestamp %q: %w", i, ts, err)
		}
		c := Candle{Time: t}
		for j, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close} {
			if err := json.Unmarshal(row[j+1], dst); err != nil {
				return nil, fmt.Errorf("candle row %d field %d: %w", i, j+1, err)
			}
		}
		var vol float64
		if err := json.Unmarshal(row[5], &vol); err != nil {
			return nil, fmt.Errorf("candle row %d volume: %w", i, err)
		}
		c.Volume = int64(vol)
		out = append(out, c)
	}
	return out, nil
}
