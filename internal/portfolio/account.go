// Package portfolio tracks the cash and share position of a single backtest.
//
// An Account is owned by one run: it is created at simulation start, mutated
// bar by bar and discarded once the final value is read. It is not safe for
// concurrent use. Money is held as decimal so fills and exit targets are
// compared exactly.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the mutable simulation state: cash, shares held and a
// last-in-first-out stack of open buy prices.
type Account struct {
	cash   decimal.Decimal
	shares int64
	lots   []decimal.Decimal
	trades []Trade
}

// NewAccount opens an account with the given starting cash.
func NewAccount(cash float64) *Account {
	return &Account{cash: decimal.NewFromFloat(cash)}
}

// Cash returns the current cash balance.
func (a *Account) Cash() decimal.Decimal { return a.cash }

// Shares returns the number of shares held.
func (a *Account) Shares() int64 { return a.shares }

// Flat reports whether no shares are held.
func (a *Account) Flat() bool { return a.shares == 0 }

// TopLot returns the most recently pushed buy price.
func (a *Account) TopLot() (decimal.Decimal, bool) {
	if len(a.lots) == 0 {
		return decimal.Zero, false
	}
	return a.lots[len(a.lots)-1], true
}

// OpenLots returns the number of recorded buy prices.
func (a *Account) OpenLots() int { return len(a.lots) }

// Buy purchases min(orderSize, floor(cash/price)) shares at price and records
// the lot. It returns the quantity bought; zero means the cash could not
// cover a single share and nothing changed.
func (a *Account) Buy(day time.Time, price float64, orderSize int64) int64 {
	p := decimal.NewFromFloat(price)
	if !p.IsPositive() || orderSize <= 0 {
		return 0
	}
	// QuoRem truncates exactly; Div would round to 16 places first.
	whole, _ := a.cash.QuoRem(p, 0)
	affordable := whole.IntPart()
	qty := orderSize
	if affordable < qty {
		qty = affordable
	}
	if qty <= 0 {
		return 0
	}

	a.cash = a.cash.Sub(p.Mul(decimal.NewFromInt(qty)))
	a.shares += qty
	a.lots = append(a.lots, p)
	a.record(day, ActionBuy, qty, p)
	return qty
}

// Liquidate sells every held share at price and pops one lot off the stack.
// The whole position goes, whichever lot triggered the exit.
func (a *Account) Liquidate(day time.Time, price float64) int64 {
	if a.shares == 0 {
		return 0
	}
	p := decimal.NewFromFloat(price)
	qty := a.shares

	a.cash = a.cash.Add(p.Mul(decimal.NewFromInt(qty)))
	a.shares = 0
	if len(a.lots) > 0 {
		a.lots = a.lots[:len(a.lots)-1]
	}
	a.record(day, ActionSell, qty, p)
	return qty
}

// Value marks the position to lastClose: cash + shares*lastClose.
func (a *Account) Value(lastClose float64) decimal.Decimal {
	if a.shares == 0 {
		return a.cash
	}
	return a.cash.Add(decimal.NewFromFloat(lastClose).Mul(decimal.NewFromInt(a.shares)))
}

// Trades returns a copy of the fills recorded so far.
func (a *Account) Trades() []Trade {
	cp := make([]Trade, len(a.trades))
	copy(cp, a.trades)
	return cp
}

func (a *Account) record(day time.Time, action Action, qty int64, price decimal.Decimal) {
	a.trades = append(a.trades, Trade{
		Date:      day,
		Action:    action,
		Shares:    qty,
		Price:     price.InexactFloat64(),
		CashAfter: a.cash.InexactFloat64(),
	})
}
