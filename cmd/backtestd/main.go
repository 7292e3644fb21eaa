// cmd/backtestd serves backtests over HTTP and WebSocket.
//
// Bars come from the Redis cache, the SQLite bar store and, when Angel One
// credentials are configured, the SmartAPI historical endpoint. Finished runs
// are journaled to SQLite, published on Redis and announced to the
// configured alert channels.
//
// Usage:
//
//	SQLITE_PATH=data/backtest.db HTTP_ADDR=:8080 go run ./cmd/backtestd
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"backtest-engine/config"
	"backtest-engine/internal/gateway"
	"backtest-engine/internal/logger"
	"backtest-engine/internal/marketdata"
	"backtest-engine/internal/metrics"
	"backtest-engine/internal/notification"
	redisstore "backtest-engine/internal/store/redis"
	sqlitestore "backtest-engine/internal/store/sqlite"
	"backtest-engine/pkg/smartconnect"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := config.Load()
	logger.Init("backtestd", logger.ParseLevel(cfg.LogLevel))
	slog.Info("starting", "http_addr", cfg.HTTPAddr, "metrics_addr", cfg.MetricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	health.SetBrokerEnabled(cfg.BrokerEnabled())
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, reg, health)
	metricsSrv.Start()

	// ---- SQLite (required) ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	store, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		slog.Error("sqlite open failed", "path", cfg.SQLitePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	loader := marketdata.NewLoader(store)
	deps := gateway.Deps{
		Loader:  loader,
		Journal: store,
		Metrics: prom,
		Workers: cfg.BatchWorkers,
	}

	// ---- Redis (optional) ----
	hub := gateway.NewHub()
	hub.OnCount = func(n int) { prom.WSClients.Set(float64(n)) }

	var redisPinger metrics.Pinger
	rc, err := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		slog.Warn("redis unavailable, continuing without cache and run feed", "addr", cfg.RedisAddr, "error", err)
	} else {
		defer rc.Close()
		health.SetRedisEnabled(true)
		redisPinger = rc

		cb := rc.Breaker()
		prev := cb.OnStateChange
		cb.OnStateChange = func(from, to redisstore.State) {
			if prev != nil {
				prev(from, to)
			}
			prom.SetBreakerState(int(to))
		}

		loader.WithCache(redisstore.NewSeriesCache(rc, cfg.CacheTTL))

		pub := redisstore.NewPublisher(rc, 0)
		pub.OnFlush = func(n int) { prom.RedisBufferedPublishes.Add(float64(n)) }
		deps.Publisher = pub

		go gateway.NewPubSubRouter(hub, redisstore.NewSubscriber(rc)).Run(ctx)
	}
	health.StartLivenessChecker(ctx, redisPinger, metrics.PingFunc(store.DB().PingContext), 10*time.Second)

	// ---- Broker (optional) ----
	if cfg.BrokerEnabled() {
		sc := smartconnect.New(smartconnect.Config{APIKey: cfg.AngelAPIKey})
		loader.WithProvider(marketdata.NewSmartAPIProvider(sc, cfg.AngelClientCode, cfg.AngelPassword, cfg.AngelTOTPSecret))
		slog.Info("broker provider enabled")
	}

	// ---- Alerts ----
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	deps.Notifier = notifiers

	// ---- HTTP ----
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, gateway.NewService(deps), hub)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("serving", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	hub.Close()
	metricsSrv.Stop(shutdownCtx)
}
