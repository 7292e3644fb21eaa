package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"backtest-engine/internal/marketdata"
	"backtest-engine/internal/metrics"
	"backtest-engine/internal/model"
	"backtest-engine/internal/notification"
	"backtest-engine/internal/portfolio"
	"backtest-engine/internal/store/sqlite"
)

// ────────────────────────────────────────────────────────────
// Fakes
// ────────────────────────────────────────────────────────────

type fakeLoader struct {
	mu     sync.Mutex
	series map[string]model.PriceSeries
	errs   map[string]error
	calls  int
}

func (f *fakeLoader) Load(_ context.Context, q marketdata.Query) (model.PriceSeries, marketdata.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[q.Symbol]; ok {
		return nil, "", err
	}
	s, ok := f.series[q.Symbol]
	if !ok {
		return nil, "", marketdata.ErrNoBars
	}
	return s, marketdata.SourceStore, nil
}

type fakeJournal struct {
	mu     sync.Mutex
	runs   []sqlite.RunRecord
	trades map[string][]portfolio.Trade
}

func (f *fakeJournal) SaveRun(_ context.Context, rec sqlite.RunRecord, trades []portfolio.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, rec)
	if f.trades == nil {
		f.trades = make(map[string][]portfolio.Trade)
	}
	f.trades[rec.ID] = trades
	return nil
}

func (f *fakeJournal) RecentRuns(_ context.Context, limit int) ([]sqlite.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.runs) {
		limit = len(f.runs)
	}
	return f.runs[:limit], nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][]RunSummary
}

func (f *fakePublisher) Publish(_ context.Context, symbol string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgs == nil {
		f.msgs = make(map[string][]RunSummary)
	}
	f.msgs[symbol] = append(f.msgs[symbol], v.(RunSummary))
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (f *fakeNotifier) Send(_ context.Context, a notification.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

type fixture struct {
	srv      *httptest.Server
	hub      *Hub
	loader   *fakeLoader
	journal  *fakeJournal
	pub      *fakePublisher
	notifier *fakeNotifier
	metrics  *metrics.Metrics
}

func bars(closes ...float64) model.PriceSeries {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make(model.PriceSeries, len(closes))
	for i, c := range closes {
		out[i] = model.PriceBar{Date: start.AddDate(0, 0, i), Close: c}
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	unordered := bars(10, 11, 12)
	unordered[2].Date = unordered[0].Date

	f := &fixture{
		hub: NewHub(),
		loader: &fakeLoader{
			series: map[string]model.PriceSeries{
				"ACME": bars(10, 9, 8, 12, 15),
				"FLAT": bars(10, 10, 10, 10),
				"BAD":  unordered,
			},
			errs: map[string]error{
				"DOWN": fmt.Errorf("smartapi: %w", errors.New("connection refused")),
			},
		},
		journal:  &fakeJournal{},
		pub:      &fakePublisher{},
		notifier: &fakeNotifier{},
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
	}
	svc := NewService(Deps{
		Loader:    f.loader,
		Journal:   f.journal,
		Publisher: f.pub,
		Notifier:  f.notifier,
		Metrics:   f.metrics,
		Workers:   2,
	})
	mux := http.NewServeMux()
	RegisterRoutes(mux, svc, f.hub)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.hub.Close()
		f.srv.Close()
	})
	return f
}

const rsiStrategy = `{
	"entry": {"condition": "RSI_Oversold", "params": {"period": 2, "threshold": 50}},
	"exit":  {"condition": "Profit_Target", "params": {"profit_target": 0.2}},
	"cash": 1000,
	"order_size": 5
}`

func request(symbol string) string {
	return fmt.Sprintf(`{"exchange": "nse", "symbol": %q, "from": "2024-01-01", "strategy": %s}`, symbol, rsiStrategy)
}

func post(t *testing.T, url, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

// ────────────────────────────────────────────────────────────
// REST
// ────────────────────────────────────────────────────────────

func TestBacktest_OK(t *testing.T) {
	f := newFixture(t)

	status, body := post(t, f.srv.URL+"/api/v1/backtest", request("ACME"))
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, body)
	}
	var resp RunResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.FinalValue != 1020 || resp.Cash != 1020 || resp.Shares != 0 {
		t.Errorf("unexpected outcome %+v", resp)
	}
	if len(resp.Bars) != 5 || len(resp.Trades) != 2 {
		t.Fatalf("expected 5 bars and 2 trades, got %d / %d", len(resp.Bars), len(resp.Trades))
	}
	if resp.Bars[2].Signal != model.SignalBuy || resp.Bars[3].Signal != model.SignalSell {
		t.Errorf("unexpected signals %q %q", resp.Bars[2].Signal, resp.Bars[3].Signal)
	}
	if resp.RunID == "" || resp.Source != marketdata.SourceStore {
		t.Errorf("missing run id or source: %+v", resp)
	}

	if len(f.journal.runs) != 1 || f.journal.runs[0].ID != resp.RunID || f.journal.runs[0].FinalValue != 1020 {
		t.Errorf("journal not written: %+v", f.journal.runs)
	}
	if len(f.journal.trades[resp.RunID]) != 2 {
		t.Errorf("journal trades: %+v", f.journal.trades)
	}
	if got := f.pub.msgs["ACME"]; len(got) != 1 || got[0].RunID != resp.RunID || got[0].Entry != "RSI_Oversold" {
		t.Errorf("unexpected publish %+v", got)
	}
	if len(f.notifier.alerts) != 1 || f.notifier.alerts[0].Level != notification.AlertInfo {
		t.Errorf("unexpected alerts %+v", f.notifier.alerts)
	}
	if v := testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues("RSI_Oversold", "Profit_Target")); v != 1 {
		t.Errorf("runs_total = %v", v)
	}
	if v := testutil.ToFloat64(f.metrics.SeriesLoads.WithLabelValues("store")); v != 1 {
		t.Errorf("series_loads{store} = %v", v)
	}
}

func TestBacktest_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   string
	}{
		{"unknown condition", `{"symbol": "ACME", "strategy": {"entry": {"condition": "MACD"}, "exit": {"condition": "Stop_Loss", "params": {"stop_loss": 0.1}}, "cash": 100, "order_size": 1}}`, 400, metrics.KindConfig},
		{"bad date", `{"symbol": "ACME", "from": "01/02/2024", "strategy": ` + rsiStrategy + `}`, 400, metrics.KindConfig},
		{"missing symbol", `{"strategy": ` + rsiStrategy + `}`, 400, metrics.KindConfig},
		{"unknown field", `{"symbol": "ACME", "ticker": "x", "strategy": ` + rsiStrategy + `}`, 400, metrics.KindConfig},
		{"malformed json", `{"symbol":`, 400, metrics.KindConfig},
		{"no bars", request("NOPE"), 404, metrics.KindLoad},
		{"loader down", request("DOWN"), 502, metrics.KindLoad},
		{"unordered series", request("BAD"), 400, metrics.KindBadSeries},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			status, body := post(t, f.srv.URL+"/api/v1/backtest", tt.body)
			if status != tt.wantStatus {
				t.Fatalf("status: got %d, want %d (%s)", status, tt.wantStatus, body)
			}
			var eb ErrorBody
			if err := json.Unmarshal(body, &eb); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if eb.Kind != tt.wantKind || eb.Status != tt.wantStatus || eb.Message == "" {
				t.Errorf("unexpected error body %+v", eb)
			}
			if len(f.journal.runs) != 0 {
				t.Error("failed run must not be journaled")
			}
		})
	}
}

func TestBacktest_ConfigCheckedBeforeLoad(t *testing.T) {
	f := newFixture(t)
	body := `{"symbol": "ACME", "strategy": {"entry": {"condition": "Moving_Average", "params": {"period": 0}}, "exit": {"condition": "Stop_Loss", "params": {"stop_loss": 0.1}}, "cash": 100, "order_size": 1}}`
	if status, _ := post(t, f.srv.URL+"/api/v1/backtest", body); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if f.loader.calls != 0 {
		t.Errorf("loader called %d times for an invalid strategy", f.loader.calls)
	}
	if v := testutil.ToFloat64(f.metrics.RunFailures.WithLabelValues(metrics.KindConfig)); v != 1 {
		t.Errorf("failures{config} = %v", v)
	}
}

func TestBacktest_OnlyServerFailuresAlert(t *testing.T) {
	f := newFixture(t)
	post(t, f.srv.URL+"/api/v1/backtest", request("NOPE"))
	if len(f.notifier.alerts) != 0 {
		t.Fatalf("404 must not alert: %+v", f.notifier.alerts)
	}
	post(t, f.srv.URL+"/api/v1/backtest", request("DOWN"))
	if len(f.notifier.alerts) != 1 || f.notifier.alerts[0].Level != notification.AlertWarning {
		t.Errorf("expected one warning alert, got %+v", f.notifier.alerts)
	}
}

func TestBacktest_MethodAndPreflight(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/api/v1/backtest")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET: got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/v1/backtest", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("OPTIONS: got %d %v", resp.StatusCode, resp.Header)
	}
}

func TestBatch(t *testing.T) {
	f := newFixture(t)
	body := fmt.Sprintf(`{"runs": [%s, %s, %s]}`, request("ACME"), request("NOPE"), request("FLAT"))

	status, raw := post(t, f.srv.URL+"/api/v1/backtest/batch", body)
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, raw)
	}
	var resp BatchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(resp.Results))
	}

	acme, nope, flat := resp.Results[0], resp.Results[1], resp.Results[2]
	if acme.Symbol != "ACME" || acme.Result == nil || acme.Result.FinalValue != 1020 {
		t.Errorf("ACME: %+v", acme)
	}
	if nope.Symbol != "NOPE" || nope.Error == nil || nope.Error.Status != http.StatusNotFound {
		t.Errorf("NOPE: %+v", nope)
	}
	// RSI of a flat window is 50, never below the threshold.
	if flat.Result == nil || flat.Result.FinalValue != 1000 || len(flat.Result.Trades) != 0 {
		t.Errorf("FLAT: %+v", flat)
	}
	if acme.Result.RunID == flat.Result.RunID {
		t.Error("batch entries must get distinct run ids")
	}
	if len(f.journal.runs) != 2 {
		t.Errorf("expected 2 journaled runs, got %d", len(f.journal.runs))
	}
}

func TestBatch_Limits(t *testing.T) {
	f := newFixture(t)
	if status, _ := post(t, f.srv.URL+"/api/v1/backtest/batch", `{"runs": []}`); status != http.StatusBadRequest {
		t.Errorf("empty batch: got %d", status)
	}
}

// gatedLoader holds every Load until release is closed.
type gatedLoader struct {
	arrived chan string
	release chan struct{}
}

func (g *gatedLoader) Load(_ context.Context, q marketdata.Query) (model.PriceSeries, marketdata.Source, error) {
	g.arrived <- q.Symbol
	<-g.release
	return bars(10, 9, 8, 12, 15), marketdata.SourceStore, nil
}

func TestBatch_LoadsConcurrently(t *testing.T) {
	loader := &gatedLoader{arrived: make(chan string, 4), release: make(chan struct{})}
	svc := NewService(Deps{Loader: loader, Workers: 2})

	symbols := []string{"A", "B", "C", "D"}
	reqs := make([]BacktestRequest, len(symbols))
	for i, sym := range symbols {
		if err := json.Unmarshal([]byte(request(sym)), &reqs[i]); err != nil {
			t.Fatalf("request %s: %v", sym, err)
		}
	}

	done := make(chan []BatchItem, 1)
	go func() { done <- svc.Batch(context.Background(), reqs) }()

	for i := 0; i < 2; i++ {
		select {
		case <-loader.arrived:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 loads in flight, saw %d", i)
		}
	}
	select {
	case sym := <-loader.arrived:
		t.Fatalf("load of %s started beyond the worker limit", sym)
	case <-time.After(50 * time.Millisecond):
	}
	close(loader.release)

	var items []BatchItem
	select {
	case items = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not finish")
	}
	for i, it := range items {
		if it.Symbol != symbols[i] || it.Result == nil || it.Result.FinalValue != 1020 {
			t.Errorf("item %d: %+v", i, it)
		}
	}
}

func TestRuns(t *testing.T) {
	f := newFixture(t)
	post(t, f.srv.URL+"/api/v1/backtest", request("ACME"))
	post(t, f.srv.URL+"/api/v1/backtest", request("FLAT"))

	resp, err := http.Get(f.srv.URL + "/api/v1/runs?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var runs []sqlite.RunRecord
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].Symbol != "ACME" {
		t.Errorf("unexpected runs %+v", runs)
	}

	bad, err := http.Get(f.srv.URL + "/api/v1/runs?limit=abc")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: got %d", bad.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("unexpected health %d %v", resp.StatusCode, body)
	}
}

// ────────────────────────────────────────────────────────────
// WebSocket
// ────────────────────────────────────────────────────────────

func dial(t *testing.T, f *fixture, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestReplay_StreamsBarsThenSummary(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "/ws/backtest?speed=0")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(request("ACME"))); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		env := readEnvelope(t, conn)
		if env.Type != MsgBar || env.Bar == nil || env.Seq != int64(i+1) {
			t.Fatalf("frame %d: unexpected %+v", i, env)
		}
		if i == 2 && env.Bar.Signal != model.SignalBuy {
			t.Errorf("bar 2: expected BUY, got %q", env.Bar.Signal)
		}
	}
	env := readEnvelope(t, conn)
	if env.Type != MsgSummary || env.Summary == nil {
		t.Fatalf("expected summary, got %+v", env)
	}
	if env.Summary.FinalValue != 1020 || len(env.Summary.Bars) != 0 || len(env.Summary.Trades) != 2 {
		t.Errorf("unexpected summary %+v", env.Summary)
	}

	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestReplay_Error(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "/ws/backtest")
	conn.WriteMessage(websocket.TextMessage, []byte(request("NOPE")))

	env := readEnvelope(t, conn)
	if env.Type != MsgError || env.Error == nil || env.Error.Status != http.StatusNotFound {
		t.Errorf("expected 404 error envelope, got %+v", env)
	}
}

func TestReplay_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "/ws/backtest")
	conn.WriteMessage(websocket.TextMessage, []byte("not json"))

	env := readEnvelope(t, conn)
	if env.Type != MsgError || env.Error.Kind != metrics.KindConfig {
		t.Errorf("expected config error envelope, got %+v", env)
	}
	if f.loader.calls != 0 {
		t.Error("loader called for an unreadable request")
	}
}

func TestReplay_BadSpeed(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/ws/backtest?speed=-1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunFeed_Broadcast(t *testing.T) {
	f := newFixture(t)
	var counts []int
	var mu sync.Mutex
	f.hub.OnCount = func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}

	conn := dial(t, f, "/ws/runs")
	waitFor(t, func() bool { return f.hub.ClientCount() == 1 })

	f.hub.Broadcast("pub:backtest:ACME", []byte(`{"run_id":"r1","final_value":1020}`))
	f.hub.Broadcast("pub:backtest:FLAT", []byte(`{"run_id":"r2"}`))

	first := readEnvelope(t, conn)
	if first.Type != MsgRun || first.Seq != 1 || first.Channel != "pub:backtest:ACME" {
		t.Errorf("unexpected envelope %+v", first)
	}
	var summary RunSummary
	if err := json.Unmarshal(first.Data, &summary); err != nil || summary.RunID != "r1" || summary.FinalValue != 1020 {
		t.Errorf("unexpected data %s (%v)", first.Data, err)
	}
	if second := readEnvelope(t, conn); second.Seq != 2 {
		t.Errorf("expected seq 2, got %+v", second)
	}

	conn.Close()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if counts[0] != 1 || counts[1] != 0 {
		t.Errorf("unexpected count callbacks %v", counts)
	}
}

func TestRunFeed_ReplayClientsSkipBroadcast(t *testing.T) {
	h := NewHub()
	c := &Client{send: make(chan []byte, 1), hub: h}
	h.clients[c] = true
	h.Broadcast("pub:backtest:X", []byte(`{}`))
	if len(c.send) != 0 {
		t.Error("replay client received a feed message")
	}
}

type scriptedFeed struct {
	mu    sync.Mutex
	calls int
}

func (s *scriptedFeed) Run(ctx context.Context, fn func(string, []byte)) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n == 1 {
		return errors.New("connection reset")
	}
	fn("pub:backtest:ACME", []byte(`{"run_id":"r9"}`))
	<-ctx.Done()
	return ctx.Err()
}

func TestPubSubRouter_Resubscribes(t *testing.T) {
	h := NewHub()
	c := &Client{send: make(chan []byte, 4), hub: h, feed: true}
	h.clients[c] = true

	feed := &scriptedFeed{}
	r := NewPubSubRouter(h, feed)
	r.retry = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case msg := <-c.send:
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Channel != "pub:backtest:ACME" {
			t.Errorf("unexpected message %s (%v)", msg, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message relayed after resubscribe")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop on cancel")
	}
	if feed.calls != 2 {
		t.Errorf("expected 2 subscriptions, got %d", feed.calls)
	}
}
