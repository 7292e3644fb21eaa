package strategy

import (
	"strings"
)

// EntryKind names the entry condition of a run.
type EntryKind int

const (
	EntryMovingAverage EntryKind = iota + 1
	EntryBollingerBands
	EntryRSIOversold
)

var entryNames = map[EntryKind]string{
	EntryMovingAverage:  "Moving_Average",
	EntryBollingerBands: "Bollinger_Bands",
	EntryRSIOversold:    "RSI_Oversold",
}

func (k EntryKind) String() string {
	if n, ok := entryNames[k]; ok {
		return n
	}
	return "unknown"
}

// ExitKind names the exit condition of a run.
type ExitKind int

const (
	ExitProfitTarget ExitKind = iota + 1
	ExitStopLoss
)

var exitNames = map[ExitKind]string{
	ExitProfitTarget: "Profit_Target",
	ExitStopLoss:     "Stop_Loss",
}

func (k ExitKind) String() string {
	if n, ok := exitNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseEntryKind maps a condition name (case-insensitive) to its kind.
func ParseEntryKind(name string) (EntryKind, error) {
	for k, n := range entryNames {
		if strings.EqualFold(strings.TrimSpace(name), n) {
			return k, nil
		}
	}
	return 0, &ConfigError{Condition: name, Reason: "unknown entry condition (want Moving_Average, Bollinger_Bands or RSI_Oversold)"}
}

// ParseExitKind maps a condition name (case-insensitive) to its kind.
func ParseExitKind(name string) (ExitKind, error) {
	for k, n := range exitNames {
		if strings.EqualFold(strings.TrimSpace(name), n) {
			return k, nil
		}
	}
	return 0, &ConfigError{Condition: name, Reason: "unknown exit condition (want Profit_Target or Stop_Loss)"}
}
