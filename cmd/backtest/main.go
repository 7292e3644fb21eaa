// cmd/backtest runs one strategy over the daily closes of one or more symbols
// and prints each annotated series with its trades and final value.
//
// Bars are read from SQLite; with Angel One credentials in the environment
// and a token per symbol, missing bars are fetched from SmartAPI and stored.
//
// Usage:
//
//	go run ./cmd/backtest --symbols=INFY,TCS --entry=RSI_Oversold --period=14 \
//	    --threshold=30 --exit=Profit_Target --profit-target=0.1 --cash=10000 --size=10
//	go run ./cmd/backtest --symbols=INFY --strategy=strategy.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"backtest-engine/config"
	"backtest-engine/internal/logger"
	"backtest-engine/internal/marketdata"
	"backtest-engine/internal/model"
	sqlitestore "backtest-engine/internal/store/sqlite"
	"backtest-engine/internal/strategy"
	"backtest-engine/pkg/smartconnect"
)

// options holds the parsed command line.
type options struct {
	dbPath   string
	exchange string
	symbols  []string
	tokens   map[string]string
	from, to time.Time
	spec     strategy.Spec
	workers  int
	verbose  bool
	journal  bool
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	cfg := config.Load()

	opts, err := parseFlags(flag.CommandLine, os.Args[1:], cfg)
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}
	strat, err := opts.spec.Config()
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	store, err := sqlitestore.Open(opts.dbPath)
	if err != nil {
		log.Fatalf("[backtest] sqlite open failed: %v", err)
	}
	defer store.Close()

	loader := marketdata.NewLoader(store)
	if cfg.BrokerEnabled() {
		sc := smartconnect.New(smartconnect.Config{APIKey: cfg.AngelAPIKey})
		loader.WithProvider(marketdata.NewSmartAPIProvider(sc, cfg.AngelClientCode, cfg.AngelPassword, cfg.AngelTOTPSecret))
	}

	var jobs []strategy.Job
	for _, sym := range opts.symbols {
		series, source, err := loader.Load(ctx, marketdata.Query{
			Exchange: opts.exchange,
			Symbol:   sym,
			Token:    opts.tokens[sym],
			From:     opts.from,
			To:       opts.to,
		})
		if err != nil {
			log.Printf("[backtest] %s: %v", sym, err)
			continue
		}
		log.Printf("[backtest] %s: %d bars from %s", sym, len(series), source)
		jobs = append(jobs, strategy.Job{Name: sym, Series: series, Config: strat})
	}
	if len(jobs) == 0 {
		log.Fatal("[backtest] no symbol had any bars")
	}

	results := strategy.RunAll(ctx, jobs, opts.workers)

	failed := 0
	for _, jr := range results {
		if jr.Err != nil {
			failed++
			log.Printf("[backtest] %s: %v", jr.Name, jr.Err)
			continue
		}
		printRun(os.Stdout, jr.Name, jr.Result, opts.verbose)
		if opts.journal {
			rec := sqlitestore.NewRunRecord(logger.NewRunID(), jr.Name, strat, jr.Result, time.Now())
			if err := store.SaveRun(ctx, rec, jr.Result.Trades); err != nil {
				log.Printf("[backtest] %s: journal save failed: %v", jr.Name, err)
			}
		}
	}
	printSummary(os.Stdout, strat.Cash, results)

	if failed > 0 {
		os.Exit(1)
	}
}

// parseFlags reads the command line. --strategy, when given, replaces the
// individual strategy flags.
func parseFlags(fs *flag.FlagSet, args []string, cfg *config.Config) (options, error) {
	var (
		opts         options
		symbols      string
		tokens       string
		from, to     string
		strategyFile string
		entry, exit  string
		period       int
		k, threshold float64
		target, stop float64
	)
	fs.StringVar(&opts.dbPath, "db", cfg.SQLitePath, "Path to SQLite database")
	fs.StringVar(&opts.exchange, "exchange", "NSE", "Exchange of every symbol")
	fs.StringVar(&symbols, "symbols", "", "Comma-separated symbols to backtest")
	fs.StringVar(&tokens, "tokens", "", "Broker tokens as SYMBOL=TOKEN,... (enables fetching)")
	fs.StringVar(&from, "from", "", "First day, YYYY-MM-DD (default: earliest stored)")
	fs.StringVar(&to, "to", "", "Last day, YYYY-MM-DD (default: latest stored)")
	fs.StringVar(&strategyFile, "strategy", "", "JSON strategy file (overrides the flags below)")
	fs.StringVar(&entry, "entry", "Moving_Average", "Entry condition: Moving_Average, Bollinger_Bands, RSI_Oversold")
	fs.IntVar(&period, "period", 20, "Indicator window")
	fs.Float64Var(&k, "k", 2, "Bollinger band width in standard deviations")
	fs.Float64Var(&threshold, "threshold", 30, "RSI oversold threshold")
	fs.StringVar(&exit, "exit", "Profit_Target", "Exit condition: Profit_Target, Stop_Loss")
	fs.Float64Var(&target, "profit-target", 0.1, "Profit target as a fraction of entry price")
	fs.Float64Var(&stop, "stop-loss", 0.05, "Stop loss as a fraction of entry price")
	fs.Float64Var(&opts.spec.Cash, "cash", 10000, "Starting cash")
	fs.Int64Var(&opts.spec.OrderSize, "size", 10, "Shares per entry, capped by cash")
	fs.IntVar(&opts.workers, "workers", cfg.BatchWorkers, "Concurrent runs")
	fs.BoolVar(&opts.verbose, "v", false, "Print every annotated bar, not only signal days")
	fs.BoolVar(&opts.journal, "journal", false, "Record each run in the SQLite journal")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.symbols = splitList(symbols)
	if len(opts.symbols) == 0 {
		return opts, fmt.Errorf("--symbols is required")
	}
	opts.exchange = strings.ToUpper(opts.exchange)

	var err error
	if opts.tokens, err = parseTokens(tokens); err != nil {
		return opts, err
	}
	if from != "" {
		if opts.from, err = model.ParseDay(from); err != nil {
			return opts, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if opts.to, err = model.ParseDay(to); err != nil {
			return opts, fmt.Errorf("--to: %w", err)
		}
	}

	if strategyFile != "" {
		data, err := os.ReadFile(strategyFile)
		if err != nil {
			return opts, fmt.Errorf("--strategy: %w", err)
		}
		if err := json.Unmarshal(data, &opts.spec); err != nil {
			return opts, fmt.Errorf("--strategy %s: %w", strategyFile, err)
		}
		return opts, nil
	}

	opts.spec.Entry = entrySpec(entry, period, k, threshold)
	opts.spec.Exit = exitSpec(exit, target, stop)
	return opts, nil
}

// entrySpec keeps only the parameters the named condition takes, so unused
// flag defaults never trip the stray-parameter check.
func entrySpec(name string, period int, k, threshold float64) strategy.ConditionSpec {
	spec := strategy.ConditionSpec{Condition: name, Params: map[string]float64{}}
	kind, err := strategy.ParseEntryKind(name)
	if err != nil {
		return spec
	}
	spec.Params[strategy.ParamPeriod] = float64(period)
	switch kind {
	case strategy.EntryBollingerBands:
		spec.Params[strategy.ParamNumStdDev] = k
	case strategy.EntryRSIOversold:
		spec.Params[strategy.ParamThreshold] = threshold
	}
	return spec
}

func exitSpec(name string, target, stop float64) strategy.ConditionSpec {
	spec := strategy.ConditionSpec{Condition: name, Params: map[string]float64{}}
	kind, err := strategy.ParseExitKind(name)
	if err != nil {
		return spec
	}
	switch kind {
	case strategy.ExitProfitTarget:
		spec.Params[strategy.ParamProfitTarget] = target
	case strategy.ExitStopLoss:
		spec.Params[strategy.ParamStopLoss] = stop
	}
	return spec
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTokens parses "INFY=1594,TCS=11536".
func parseTokens(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range splitList(s) {
		sym, tok, ok := strings.Cut(part, "=")
		sym, tok = strings.TrimSpace(sym), strings.TrimSpace(tok)
		if !ok || sym == "" || tok == "" {
			return nil, fmt.Errorf("--tokens: expected SYMBOL=TOKEN, got %q", part)
		}
		out[sym] = tok
	}
	return out, nil
}
