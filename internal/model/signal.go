package model

import (
	"encoding/json"
	"fmt"
)

// Signal is the per-bar trade marker attached to an annotated series.
type Signal int

const (
	SignalNone Signal = iota
	SignalBuy
	SignalSell
)

func (s Signal) String() string {
	switch s {
	case SignalBuy:
		return "buy"
	case SignalSell:
		return "sell"
	default:
		return ""
	}
}

// MarshalJSON encodes the signal as "", "buy" or "sell".
func (s Signal) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the strings produced by MarshalJSON.
func (s *Signal) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "":
		*s = SignalNone
	case "buy":
		*s = SignalBuy
	case "sell":
		*s = SignalSell
	default:
		return fmt.Errorf("unknown signal %q", v)
	}
	return nil
}
