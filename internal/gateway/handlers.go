package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"backtest-engine/internal/marketdata/replay"
	"backtest-engine/internal/model"
)

const (
	maxBodyBytes = 1 << 20
	maxBatchRuns = 100
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func RegisterRoutes(mux *http.ServeMux, svc *Service, hub *Hub) {
	start := time.Now()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"ws_clients": hub.ClientCount(),
			"uptime_s":   int64(time.Since(start).Seconds()),
		})
	})

	mux.HandleFunc("/api/v1/backtest", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		var req BacktestRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		resp, err := svc.Backtest(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("/api/v1/backtest/batch", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		var req BatchRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if len(req.Runs) == 0 || len(req.Runs) > maxBatchRuns {
			writeError(w, badRequest(fmt.Sprintf("runs: expected 1 to %d entries, got %d", maxBatchRuns, len(req.Runs))))
			return
		}
		writeJSON(w, http.StatusOK, BatchResponse{Results: svc.Batch(r.Context(), req.Runs)})
	})

	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		limit := 20
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > 500 {
				writeError(w, badRequest("limit: expected an integer in [1, 500]"))
				return
			}
			limit = n
		}
		runs, err := svc.RecentRuns(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	mux.HandleFunc("/ws/backtest", func(w http.ResponseWriter, r *http.Request) {
		speed := 0.0
		if s := r.URL.Query().Get("speed"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || v < 0 {
				SetCORS(w)
				writeError(w, badRequest("speed: expected a non-negative number of bars per second"))
				return
			}
			speed = v
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade error: %v", err)
			return
		}
		serveReplay(conn, svc, hub, speed)
	})

	mux.HandleFunc("/ws/runs", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade error: %v", err)
			return
		}
		c := newClient(conn, hub, true)
		hub.register(c)
		go c.writePump()
		c.readPump(func() {})
		hub.RemoveClient(c)
	})
}

// serveReplay reads one BacktestRequest, runs it and streams the annotated
// bars, then a summary. Any failure is reported as one error envelope.
func serveReplay(conn *websocket.Conn, svc *Service, hub *Hub, speed float64) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	var req BacktestRequest
	if err := conn.ReadJSON(&req); err != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(Envelope{Type: MsgError, Error: errorBody(badRequest("invalid request: " + err.Error()))})
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := newClient(conn, hub, false)
	hub.register(c)
	go c.writePump()
	go c.readPump(cancel)
	defer func() {
		cancel()
		hub.RemoveClient(c)
	}()

	resp, err := svc.Backtest(ctx, req)
	if err != nil {
		c.sendJSON(ctx, Envelope{Type: MsgError, Error: errorBody(err)})
		return
	}

	var seq int64
	_, err = replay.Stream(ctx, resp.Bars, speed, func(b model.AnnotatedBar) error {
		seq++
		return c.sendJSON(ctx, Envelope{Type: MsgBar, Seq: seq, Bar: &b})
	})
	if err != nil {
		return
	}
	summary := *resp
	summary.Bars = nil
	c.sendJSON(ctx, Envelope{Type: MsgSummary, Seq: seq + 1, Summary: &summary})
}

// allow answers CORS preflight and rejects other methods.
func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	SetCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeJSON(w, http.StatusMethodNotAllowed, ErrorBody{
			Status:  http.StatusMethodNotAllowed,
			Kind:    "method",
			Message: r.Method + " not allowed",
		})
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody(err)
	writeJSON(w, body.Status, body)
}
