package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"backtest-engine/internal/model"
)

// SeriesCache stores loaded daily series as JSON under a TTL.
type SeriesCache struct {
	client *Client
	ttl    time.Duration
}

// NewSeriesCache wraps client. A non-positive ttl defaults to six hours.
func NewSeriesCache(client *Client, ttl time.Duration) *SeriesCache {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &SeriesCache{client: client, ttl: ttl}
}

// BarsKey is the cache key for a daily series query. Open range ends are
// written as "-".
func BarsKey(exchange, symbol string, from, to time.Time) string {
	return "bars:1d:" + exchange + ":" + symbol + ":" + keyDay(from) + ":" + keyDay(to)
}

func keyDay(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(model.DateLayout)
}

// Get returns the cached series, or ok=false on a miss.
func (s *SeriesCache) Get(ctx context.Context, exchange, symbol string, from, to time.Time) (model.PriceSeries, bool, error) {
	key := BarsKey(exchange, symbol, from, to)

	var raw []byte
	hit := false
	err := s.client.cb.Execute(func() error {
		b, err := s.client.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, hit = b, true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	if !hit {
		return nil, false, nil
	}

	var series model.PriceSeries
	if err := json.Unmarshal(raw, &series); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return series, true, nil
}

// Put caches series under the query key.
func (s *SeriesCache) Put(ctx context.Context, exchange, symbol string, from, to time.Time, series model.PriceSeries) error {
	key := BarsKey(exchange, symbol, from, to)
	data, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	err = s.client.cb.Execute(func() error {
		return s.client.rdb.Set(ctx, key, data, s.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}
