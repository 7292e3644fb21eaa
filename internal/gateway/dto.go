package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"backtest-engine/internal/marketdata"
	"backtest-engine/internal/model"
	"backtest-engine/internal/portfolio"
	"backtest-engine/internal/strategy"
)

// BacktestRequest is the body of POST /api/v1/backtest and the first message
// on /ws/backtest. From and To are YYYY-MM-DD; empty leaves that side open.
type BacktestRequest struct {
	Exchange string        `json:"exchange"`
	Symbol   string        `json:"symbol"`
	Token    string        `json:"token,omitempty"`
	From     string        `json:"from,omitempty"`
	To       string        `json:"to,omitempty"`
	Strategy strategy.Spec `json:"strategy"`
}

// Query turns the request into a loader query.
func (r BacktestRequest) Query() (marketdata.Query, error) {
	q := marketdata.Query{
		Exchange: strings.ToUpper(strings.TrimSpace(r.Exchange)),
		Symbol:   strings.TrimSpace(r.Symbol),
		Token:    strings.TrimSpace(r.Token),
	}
	if q.Symbol == "" {
		return q, badRequest("symbol is required")
	}
	if q.Exchange == "" {
		q.Exchange = "NSE"
	}
	var err error
	if q.From, err = parseDay("from", r.From); err != nil {
		return q, err
	}
	if q.To, err = parseDay("to", r.To); err != nil {
		return q, err
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, badRequest("to is before from")
	}
	return q, nil
}

func parseDay(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := model.ParseDay(s)
	if err != nil {
		return time.Time{}, badRequest(fmt.Sprintf("%s: expected YYYY-MM-DD, got %q", field, s))
	}
	return d, nil
}

// RunResponse is the outcome of one backtest.
type RunResponse struct {
	RunID      string               `json:"run_id"`
	Symbol     string               `json:"symbol"`
	Source     marketdata.Source    `json:"source"`
	FinalValue float64              `json:"final_value"`
	Cash       float64              `json:"cash"`
	Shares     int64                `json:"shares"`
	Bars       []model.AnnotatedBar `json:"bars,omitempty"`
	Trades     []portfolio.Trade    `json:"trades"`
}

// BatchRequest is the body of POST /api/v1/backtest/batch.
type BatchRequest struct {
	Runs []BacktestRequest `json:"runs"`
}

// BatchItem is one entry of a batch response; exactly one of Result and
// Error is set.
type BatchItem struct {
	Symbol string       `json:"symbol"`
	Result *RunResponse `json:"result,omitempty"`
	Error  *ErrorBody   `json:"error,omitempty"`
}

// BatchResponse keeps request order.
type BatchResponse struct {
	Results []BatchItem `json:"results"`
}

// ErrorBody is the JSON error shape for every endpoint.
type ErrorBody struct {
	Status  int    `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunSummary is what a finished run publishes on its Redis channel and what
// /ws/runs relays to its clients.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Symbol     string    `json:"symbol"`
	Entry      string    `json:"entry"`
	Exit       string    `json:"exit"`
	Cash       float64   `json:"cash"`
	FinalValue float64   `json:"final_value"`
	Bars       int       `json:"bars"`
	Trades     int       `json:"trades"`
	At         time.Time `json:"at"`
}

// WebSocket envelope types.
const (
	MsgBar     = "bar"
	MsgSummary = "summary"
	MsgError   = "error"
	MsgRun     = "run"
)

// Envelope is one WebSocket frame.
type Envelope struct {
	Type    string              `json:"type"`
	Seq     int64               `json:"seq,omitempty"`
	Channel string              `json:"channel,omitempty"`
	Bar     *model.AnnotatedBar `json:"bar,omitempty"`
	Summary *RunResponse        `json:"summary,omitempty"`
	Error   *ErrorBody          `json:"error,omitempty"`
	Data    json.RawMessage     `json:"data,omitempty"`
}
