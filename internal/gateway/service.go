// Package gateway exposes backtests over HTTP and WebSocket: single and batch
// runs, the run journal, paced bar replay and a live feed of finished runs.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"backtest-engine/internal/logger"
	"backtest-engine/internal/marketdata"
	"backtest-engine/internal/metrics"
	"backtest-engine/internal/model"
	"backtest-engine/internal/notification"
	"backtest-engine/internal/portfolio"
	"backtest-engine/internal/store/sqlite"
	"backtest-engine/internal/strategy"
)

// BarLoader resolves a query to a price series.
type BarLoader interface {
	Load(ctx context.Context, q marketdata.Query) (model.PriceSeries, marketdata.Source, error)
}

// RunJournal persists finished runs.
type RunJournal interface {
	SaveRun(ctx context.Context, rec sqlite.RunRecord, trades []portfolio.Trade) error
	RecentRuns(ctx context.Context, limit int) ([]sqlite.RunRecord, error)
}

// ResultPublisher announces finished runs.
type ResultPublisher interface {
	Publish(ctx context.Context, symbol string, v any) error
}

// Deps wires a Service. Only Loader is required.
type Deps struct {
	Loader    BarLoader
	Journal   RunJournal
	Publisher ResultPublisher
	Notifier  notification.Notifier
	Metrics   *metrics.Metrics
	Workers   int
}

// Service runs backtests for the gateway handlers.
type Service struct {
	deps Deps
	now  func() time.Time
}

// NewService creates a Service. Workers <= 0 means 4.
func NewService(deps Deps) *Service {
	if deps.Workers <= 0 {
		deps.Workers = 4
	}
	return &Service{deps: deps, now: time.Now}
}

// prepared is a request whose strategy validated and whose series loaded.
type prepared struct {
	symbol string
	source marketdata.Source
	series model.PriceSeries
	cfg    strategy.Config
}

// prepare validates the strategy before touching any data source.
func (s *Service) prepare(ctx context.Context, req BacktestRequest) (prepared, error) {
	cfg, err := req.Strategy.Config()
	if err != nil {
		return prepared{}, err
	}
	q, err := req.Query()
	if err != nil {
		return prepared{}, err
	}

	start := time.Now()
	series, source, err := s.deps.Loader.Load(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return prepared{}, ctx.Err()
		}
		return prepared{}, &loadError{err: err}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveLoad(string(source), time.Since(start))
	}
	return prepared{symbol: q.Symbol, source: source, series: series, cfg: cfg}, nil
}

// Backtest loads, runs and records one backtest.
func (s *Service) Backtest(ctx context.Context, req BacktestRequest) (*RunResponse, error) {
	runID := logger.NewRunID()
	ctx = logger.WithRunID(ctx, runID)

	p, err := s.prepare(ctx, req)
	if err != nil {
		s.fail(ctx, req.Symbol, err)
		return nil, err
	}

	start := time.Now()
	res, err := strategy.Run(p.series, p.cfg)
	if err != nil {
		s.fail(ctx, p.symbol, err)
		return nil, err
	}
	return s.finish(ctx, p, res, time.Since(start)), nil
}

// Batch loads and runs every request concurrently, at most Workers at a time
// in each phase. A failing entry never affects the others; results keep
// request order.
func (s *Service) Batch(ctx context.Context, reqs []BacktestRequest) []BatchItem {
	if s.deps.Metrics != nil {
		s.deps.Metrics.BatchSize.Observe(float64(len(reqs)))
	}

	items := make([]BatchItem, len(reqs))
	preps := make([]prepared, len(reqs))
	ctxs := make([]context.Context, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(s.deps.Workers)
	for i, req := range reqs {
		i, req := i, req
		items[i].Symbol = req.Symbol
		ctxs[i] = logger.WithRunID(ctx, logger.NewRunID())
		g.Go(func() error {
			preps[i], errs[i] = s.prepare(ctxs[i], req)
			return nil
		})
	}
	_ = g.Wait()

	var (
		jobs   []strategy.Job
		jobIdx []int
	)
	for i, err := range errs {
		if err != nil {
			s.fail(ctxs[i], reqs[i].Symbol, err)
			items[i].Error = errorBody(err)
			continue
		}
		p := preps[i]
		jobs = append(jobs, strategy.Job{Name: p.symbol, Series: p.series, Config: p.cfg})
		jobIdx = append(jobIdx, i)
	}

	start := time.Now()
	results := strategy.RunAll(ctx, jobs, s.deps.Workers)
	took := time.Since(start)

	for j, jr := range results {
		i := jobIdx[j]
		if jr.Err != nil {
			s.fail(ctxs[i], jr.Name, jr.Err)
			items[i].Error = errorBody(jr.Err)
			continue
		}
		items[i].Result = s.finish(ctxs[i], preps[i], jr.Result, took)
	}
	return items
}

// RecentRuns lists the journal, newest first.
func (s *Service) RecentRuns(ctx context.Context, limit int) ([]sqlite.RunRecord, error) {
	if s.deps.Journal == nil {
		return []sqlite.RunRecord{}, nil
	}
	return s.deps.Journal.RecentRuns(ctx, limit)
}

// finish records a successful run: metrics, journal, publish, notify.
// Side-channel failures are logged and never fail the run.
func (s *Service) finish(ctx context.Context, p prepared, res *strategy.Result, took time.Duration) *RunResponse {
	runID := logger.RunID(ctx)
	log := slog.With(logger.Attrs(ctx)...)

	entry, exit := p.cfg.Entry.Kind().String(), p.cfg.Exit.Kind().String()
	if s.deps.Metrics != nil {
		buys, sells := res.Signals()
		s.deps.Metrics.ObserveRun(entry, exit, len(res.Bars), buys, sells, took)
	}

	at := s.now()
	if s.deps.Journal != nil {
		rec := sqlite.NewRunRecord(runID, p.symbol, p.cfg, res, at)
		if err := s.deps.Journal.SaveRun(ctx, rec, res.Trades); err != nil {
			log.Error("journal save failed", "error", err)
		}
	}
	if s.deps.Publisher != nil {
		summary := RunSummary{
			RunID:      runID,
			Symbol:     p.symbol,
			Entry:      entry,
			Exit:       exit,
			Cash:       p.cfg.Cash,
			FinalValue: res.FinalValue,
			Bars:       len(res.Bars),
			Trades:     len(res.Trades),
			At:         at.UTC(),
		}
		if err := s.deps.Publisher.Publish(ctx, p.symbol, summary); err != nil {
			log.Warn("publish failed", "error", err)
		}
	}
	if s.deps.Notifier != nil {
		alert := notification.RunCompleted(runID, p.symbol, p.cfg.Cash, res.FinalValue, len(res.Trades))
		if err := s.deps.Notifier.Send(ctx, alert); err != nil {
			log.Warn("notify failed", "error", err)
		}
	}

	log.Info("backtest finished",
		"symbol", p.symbol,
		"source", p.source,
		"entry", entry,
		"exit", exit,
		"bars", len(res.Bars),
		"trades", len(res.Trades),
		"final_value", res.FinalValue,
		"took", took,
	)

	return &RunResponse{
		RunID:      runID,
		Symbol:     p.symbol,
		Source:     p.source,
		FinalValue: res.FinalValue,
		Cash:       res.Cash,
		Shares:     res.Shares,
		Bars:       res.Bars,
		Trades:     res.Trades,
	}
}

func (s *Service) fail(ctx context.Context, symbol string, err error) {
	status, kind := classify(err)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveFailure(kind)
	}
	slog.Warn("backtest failed", append(logger.Attrs(ctx),
		"symbol", symbol, "kind", kind, "status", status, "error", err)...)

	// Client mistakes are not worth an alert.
	if status < 500 || s.deps.Notifier == nil {
		return
	}
	if nerr := s.deps.Notifier.Send(ctx, notification.RunFailed(logger.RunID(ctx), symbol, err)); nerr != nil {
		slog.Warn("notify failed", append(logger.Attrs(ctx), "error", nerr)...)
	}
}
