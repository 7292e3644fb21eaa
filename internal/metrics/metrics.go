package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Failure kinds for backtest_run_failures_total.
const (
	KindConfig      = "config"
	KindEmptySeries = "empty_series"
	KindBadSeries   = "bad_series"
	KindLoad        = "load"
	KindInternal    = "internal"
)

// Metrics holds all Prometheus metrics for the backtest service.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec // labels: entry, exit
	RunFailures   *prometheus.CounterVec // labels: kind
	RunDuration   prometheus.Histogram
	BarsProcessed prometheus.Counter
	TradesTotal   *prometheus.CounterVec // labels: action
	SeriesLoads   *prometheus.CounterVec // labels: source
	LoadDuration  prometheus.Histogram
	BatchSize     prometheus.Histogram

	// Connected clients on /ws/backtest and /ws/runs
	WSClients prometheus.Gauge

	// Redis circuit breaker (0=closed, 1=open, 2=half-open)
	RedisCircuitBreakerState prometheus.Gauge
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedPublishes   prometheus.Counter
}

// NewMetrics creates the metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_runs_total",
			Help: "Completed backtests by entry and exit condition",
		}, []string{"entry", "exit"}),
		RunFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_run_failures_total",
			Help: "Backtests that did not produce a result, by failure kind",
		}, []string{"kind"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backtest_run_duration_seconds",
			Help:    "Wall time of one simulation (excluding data loading)",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		BarsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_bars_processed_total",
			Help: "Daily bars folded through the simulator",
		}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_trades_total",
			Help: "Simulated fills by side",
		}, []string{"action"}),
		SeriesLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_series_loads_total",
			Help: "Price series loads by the source that served them",
		}, []string{"source"}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backtest_series_load_duration_seconds",
			Help:    "Price series load latency",
			Buckets: prometheus.DefBuckets,
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backtest_batch_size",
			Help:    "Runs per batch request",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker opened",
		}),
		RedisBufferedPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_redis_buffered_publishes_total",
			Help: "Result publishes replayed after the breaker closed",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunFailures,
		m.RunDuration,
		m.BarsProcessed,
		m.TradesTotal,
		m.SeriesLoads,
		m.LoadDuration,
		m.BatchSize,
		m.WSClients,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedPublishes,
	)

	return m
}

// ObserveRun records one successful simulation.
func (m *Metrics) ObserveRun(entry, exit string, bars, buys, sells int, took time.Duration) {
	m.RunsTotal.WithLabelValues(entry, exit).Inc()
	m.RunDuration.Observe(took.Seconds())
	m.BarsProcessed.Add(float64(bars))
	m.TradesTotal.WithLabelValues("BUY").Add(float64(buys))
	m.TradesTotal.WithLabelValues("SELL").Add(float64(sells))
}

// ObserveFailure counts a failed run under kind.
func (m *Metrics) ObserveFailure(kind string) {
	m.RunFailures.WithLabelValues(kind).Inc()
}

// ObserveLoad records where a series came from and how long it took.
func (m *Metrics) ObserveLoad(source string, took time.Duration) {
	m.SeriesLoads.WithLabelValues(source).Inc()
	m.LoadDuration.Observe(took.Seconds())
}

// SetBreakerState mirrors the Redis breaker state; a move to 1 counts a trip.
func (m *Metrics) SetBreakerState(state int) {
	m.RedisCircuitBreakerState.Set(float64(state))
	if state == 1 {
		m.RedisCircuitBreakerTrips.Inc()
	}
}
