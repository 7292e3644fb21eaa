package gateway

import (
	"context"
	"errors"
	"net/http"

	"backtest-engine/internal/marketdata"
	"backtest-engine/internal/metrics"
	"backtest-engine/internal/model"
	"backtest-engine/internal/strategy"
)

// requestError is a malformed request body or query.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// loadError marks a failure inside the loader chain.
type loadError struct{ err error }

func (e *loadError) Error() string { return "load series: " + e.err.Error() }
func (e *loadError) Unwrap() error { return e.err }

// classify maps an error to its HTTP status and failure kind.
func classify(err error) (int, string) {
	var (
		reqErr  *requestError
		cfgErr  *strategy.ConfigError
		barErr  *model.BarError
		loadErr *loadError
	)
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, metrics.KindConfig
	case errors.As(err, &cfgErr), errors.Is(err, strategy.ErrInvalidConfig):
		return http.StatusBadRequest, metrics.KindConfig
	case errors.Is(err, model.ErrEmptySeries):
		return http.StatusBadRequest, metrics.KindEmptySeries
	case errors.As(err, &barErr):
		return http.StatusBadRequest, metrics.KindBadSeries
	case errors.Is(err, marketdata.ErrNoBars):
		return http.StatusNotFound, metrics.KindLoad
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, metrics.KindLoad
	case errors.As(err, &loadErr):
		return http.StatusBadGateway, metrics.KindLoad
	default:
		return http.StatusInternalServerError, metrics.KindInternal
	}
}

func errorBody(err error) *ErrorBody {
	status, kind := classify(err)
	return &ErrorBody{Status: status, Kind: kind, Message: err.Error()}
}
