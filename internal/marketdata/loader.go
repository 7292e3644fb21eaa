// Package marketdata loads daily price series for backtests. A Loader tries
// the Redis cache, then the SQLite bar store, then the broker, writing broker
// results back to both. Stored bars that do not span the requested trading
// days are topped up from the broker.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"backtest-engine/internal/logger"
	"backtest-engine/internal/markethours"
	"backtest-engine/internal/model"
)

// ErrNoBars means no source had any bars for the query.
var ErrNoBars = errors.New("no bars for query")

// Query selects one instrument's daily closes over [From, To]. A zero From or
// To leaves that side open. Token is the broker instrument token; without it
// the broker is never asked.
type Query struct {
	Exchange string    `json:"exchange"`
	Symbol   string    `json:"symbol"`
	Token    string    `json:"token,omitempty"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// Source names where a series came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceStore    Source = "store"
	SourceProvider Source = "provider"
)

// Cache is a best-effort series cache. Errors degrade to a miss.
type Cache interface {
	Get(ctx context.Context, exchange, symbol string, from, to time.Time) (model.PriceSeries, bool, error)
	Put(ctx context.Context, exchange, symbol string, from, to time.Time, series model.PriceSeries) error
}

// Store is the durable bar store.
type Store interface {
	LoadBars(ctx context.Context, exchange, symbol string, from, to time.Time) (model.PriceSeries, error)
	SaveBars(ctx context.Context, exchange, symbol string, series model.PriceSeries) error
}

// Provider fetches bars from an upstream feed.
type Provider interface {
	DailyBars(ctx context.Context, exchange, token string, from, to time.Time) (model.PriceSeries, error)
}

// Loader resolves a Query against its sources in order.
type Loader struct {
	store    Store
	cache    Cache
	provider Provider
	now      func() time.Time
}

// NewLoader returns a Loader over store. store may be nil when a provider
// is attached.
func NewLoader(store Store) *Loader {
	return &Loader{store: store, now: time.Now}
}

// WithCache attaches a cache consulted before the store.
func (l *Loader) WithCache(c Cache) *Loader {
	l.cache = c
	return l
}

// WithProvider attaches an upstream consulted when the store is empty or
// short of the requested range.
func (l *Loader) WithProvider(p Provider) *Loader {
	l.provider = p
	return l
}

// Load returns the series for q and where it came from. It fails with
// ErrNoBars when every source came back empty.
func (l *Loader) Load(ctx context.Context, q Query) (model.PriceSeries, Source, error) {
	log := slog.With(append(logger.Attrs(ctx), "exchange", q.Exchange, "symbol", q.Symbol)...)

	if l.cache != nil {
		series, ok, err := l.cache.Get(ctx, q.Exchange, q.Symbol, q.From, q.To)
		switch {
		case err != nil:
			log.Warn("cache read failed, treating as miss", "error", err)
		case ok && len(series) > 0:
			return series, SourceCache, nil
		}
	}

	fetch := l.provider != nil && q.Token != ""
	var stored model.PriceSeries
	if l.store != nil {
		series, err := l.store.LoadBars(ctx, q.Exchange, q.Symbol, q.From, q.To)
		if err != nil {
			return nil, "", fmt.Errorf("load %s:%s from store: %w", q.Exchange, q.Symbol, err)
		}
		if len(series) > 0 && (!fetch || l.covers(q, series)) {
			l.fill(ctx, log, q, series)
			return series, SourceStore, nil
		}
		stored = series
	}

	if !fetch {
		return nil, "", ErrNoBars
	}
	fetched, err := l.provider.DailyBars(ctx, q.Exchange, q.Token, q.From, q.To)
	if err != nil {
		// A partial stored range is never served as if it were complete.
		return nil, "", fmt.Errorf("fetch %s:%s from provider: %w", q.Exchange, q.Symbol, err)
	}
	if len(fetched) == 0 {
		if len(stored) == 0 {
			return nil, "", ErrNoBars
		}
		// The provider has nothing more, so the stored range is all there is.
		l.fill(ctx, log, q, stored)
		return stored, SourceStore, nil
	}
	if l.store != nil {
		if err := l.store.SaveBars(ctx, q.Exchange, q.Symbol, fetched); err != nil {
			log.Warn("store write-back failed", "error", err)
		}
	}
	series := merge(stored, fetched)
	l.fill(ctx, log, q, series)
	log.Info("fetched bars from provider", "bars", len(fetched), "stored", len(stored))
	return series, SourceProvider, nil
}

// covers reports whether series spans the trading days of q: from the first
// trading day on or after From up to the earlier of To and the last closed
// session. An open From only needs some stored history.
func (l *Loader) covers(q Query, series model.PriceSeries) bool {
	if !q.From.IsZero() && series[0].Date.After(markethours.TradingDayOnOrAfter(q.From)) {
		return false
	}
	end := markethours.LastClosedSession(l.now())
	if !q.To.IsZero() {
		if to := markethours.TradingDayOnOrBefore(q.To); to.Before(end) {
			end = to
		}
	}
	return !series[len(series)-1].Date.Before(end)
}

// merge joins two date-ordered series. fresh wins where both have a date.
func merge(old, fresh model.PriceSeries) model.PriceSeries {
	if len(old) == 0 {
		return fresh
	}
	byDay := make(map[string]model.PriceBar, len(old)+len(fresh))
	for _, b := range old {
		byDay[b.Day()] = b
	}
	for _, b := range fresh {
		byDay[b.Day()] = b
	}
	out := make(model.PriceSeries, 0, len(byDay))
	for _, b := range byDay {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (l *Loader) fill(ctx context.Context, log *slog.Logger, q Query, series model.PriceSeries) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Put(ctx, q.Exchange, q.Symbol, q.From, q.To, series); err != nil {
		log.Warn("cache write failed", "error", err)
	}
}
