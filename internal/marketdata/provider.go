package marketdata

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"backtest-engine/internal/markethours"
	"backtest-engine/internal/model"
	"backtest-engine/pkg/smartconnect"
)

// SmartAPIProvider adapts the Angel One client to Provider, logging in
// lazily on first use. A rejected session token is renewed, or the session
// reopened, and the request retried once. It never returns a bar for a session that has not
// closed yet, so a still-forming daily candle is never stored.
type SmartAPIProvider struct {
	client     *smartconnect.SmartConnect
	clientCode string
	password   string
	totpSecret string
	now        func() time.Time

	mu sync.Mutex
}

// NewSmartAPIProvider wraps client with the credentials used to log in.
func NewSmartAPIProvider(client *smartconnect.SmartConnect, clientCode, password, totpSecret string) *SmartAPIProvider {
	return &SmartAPIProvider{client: client, clientCode: clientCode, password: password, totpSecret: totpSecret, now: time.Now}
}

// DailyBars implements Provider.
func (p *SmartAPIProvider) DailyBars(ctx context.Context, exchange, token string, from, to time.Time) (model.PriceSeries, error) {
	if err := p.ensureSession(ctx); err != nil {
		return nil, err
	}
	last := markethours.LastClosedSession(p.now())
	if to.IsZero() || to.After(last) {
		to = last
	}
	if from.IsZero() {
		from = to.AddDate(-1, 0, 0)
	}
	if from.After(to) {
		return nil, nil
	}
	stale := p.client.AccessToken()
	candles, err := p.client.DailyCandles(ctx, exchange, token, from, to)
	if smartconnect.Expired(err) {
		if rerr := p.renewSession(ctx, stale); rerr != nil {
			return nil, rerr
		}
		candles, err = p.client.DailyCandles(ctx, exchange, token, from, to)
	}
	if err != nil {
		return nil, err
	}
	return candlesToSeries(candles, last), nil
}

func (p *SmartAPIProvider) ensureSession(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client.AccessToken() != "" {
		return nil
	}
	if err := p.client.Login(ctx, p.clientCode, p.password, p.totpSecret); err != nil {
		return fmt.Errorf("smartapi login: %w", err)
	}
	return nil
}

// renewSession replaces the rejected token stale. Concurrent callers that saw
// the same token renew it only once.
func (p *SmartAPIProvider) renewSession(ctx context.Context, stale string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok := p.client.AccessToken(); tok != "" && tok != stale {
		return nil
	}
	err := p.client.RenewAccessToken(ctx)
	if err == nil {
		return nil
	}
	log.Printf("[marketdata] token renewal failed, logging in again: %v", err)
	if err := p.client.Login(ctx, p.clientCode, p.password, p.totpSecret); err != nil {
		return fmt.Errorf("smartapi login: %w", err)
	}
	return nil
}

// candlesToSeries keeps the exchange-local trading date of each candle and
// its close, dropping dates after last. Later duplicates of a date win.
func candlesToSeries(candles []smartconnect.Candle, last time.Time) model.PriceSeries {
	byDay := make(map[time.Time]float64, len(candles))
	for _, c := range candles {
		y, m, d := c.Time.Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		if day.After(last) {
			continue
		}
		byDay[day] = c.Close
	}
	series := make(model.PriceSeries, 0, len(byDay))
	for day, close := range byDay {
		series = append(series, model.PriceBar{Date: day, Close: close})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
	return series
}
