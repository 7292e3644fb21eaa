// Package notification delivers backtest completion and failure alerts to
// external channels (webhooks, Telegram) or the log.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	RunID   string     `json:"run_id,omitempty"`
	Symbol  string     `json:"symbol,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// RunCompleted builds the alert for a finished backtest.
func RunCompleted(runID, symbol string, startCash, finalValue float64, trades int) Alert {
	ret := 0.0
	if startCash > 0 {
		ret = (finalValue/startCash - 1) * 100
	}
	return Alert{
		Level:   AlertInfo,
		Title:   "Backtest finished: " + symbol,
		Message: fmt.Sprintf("final value %.2f from %.2f (%+.2f%%), %d fills", finalValue, startCash, ret, trades),
		RunID:   runID,
		Symbol:  symbol,
	}
}

// RunFailed builds the alert for a backtest that produced no result.
func RunFailed(runID, symbol string, err error) Alert {
	return Alert{
		Level:   AlertWarning,
		Title:   "Backtest failed: " + symbol,
		Message: err.Error(),
		RunID:   runID,
		Symbol:  symbol,
	}
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s (run=%s)", alert.Level, alert.Title, alert.Message, alert.RunID)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
