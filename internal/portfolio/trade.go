package portfolio

import (
	"time"

	"backtest-engine/internal/model"
)

// Action is the side of a fill.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Trade represents one simulated fill.
type Trade struct {
	Date      time.Time `json:"date"`
	Action    Action    `json:"action"`
	Shares    int64     `json:"shares"`
	Price     float64   `json:"price"`
	CashAfter float64   `json:"cash_after"`
}

// Signal maps the fill side onto the per-bar marker.
func (t Trade) Signal() model.Signal {
	if t.Action == ActionBuy {
		return model.SignalBuy
	}
	return model.SignalSell
}
