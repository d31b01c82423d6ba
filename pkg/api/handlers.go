package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yoniassia/etoroterminal-sub000/pkg/orders"
)

type quoteResponse struct {
	Quote interface{} `json:"quote"`
	Stale bool        `json:"isStale"`
}

type watchRequest struct {
	InstrumentID int64 `json:"instrumentId"`
}

// handleQuote serves GET /api/quote/{id}: the cached quote plus a
// read-time staleness flag. An instrument the cache has never seen is a
// 404, not an empty quote.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := pathID(r.URL.Path, "/api/quote/")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid instrument id")
		return
	}

	q, found := s.cache.Read(id)
	if !found {
		writeError(w, http.StatusNotFound, "no quote for instrument")
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{Quote: q, Stale: s.cache.IsStale(id)})
}

// handleWatch serves POST /api/watch: add an instrument to the polling
// set.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InstrumentID <= 0 {
		writeError(w, http.StatusBadRequest, "instrumentId required")
		return
	}
	s.poll.Watch(req.InstrumentID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instrumentId": req.InstrumentID,
		"watched":      true,
	})
}

// handleUnwatch serves DELETE /api/watch/{id}.
func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := pathID(r.URL.Path, "/api/watch/")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid instrument id")
		return
	}
	s.poll.Unwatch(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instrumentId": id,
		"watched":      false,
	})
}

// handleOrders serves POST /api/orders (submit, returns the optimistic
// entry immediately) and GET /api/orders (most recent first).
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var params orders.Params
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, http.StatusBadRequest, "invalid order payload")
			return
		}
		if err := validateParams(params); err != "" {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		localID := s.executor.Submit(params)
		order, ok := s.ledger.Get(localID)
		if !ok {
			// The upstream answered before we could read the entry back;
			// report what the caller observed at submit time.
			order = orders.Order{
				ID:           localID,
				InstrumentID: params.InstrumentID,
				Side:         params.Side,
				Type:         params.Type,
				Amount:       params.Amount,
				Status:       orders.StatusPending,
				Optimistic:   true,
			}
		}
		writeJSON(w, http.StatusAccepted, order)

	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"orders": s.ledger.Orders(),
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"timestamp":    time.Now().UnixMilli(),
		"clients":      atomic.LoadInt32(&s.clientCount),
		"messagesSent": atomic.LoadUint64(&s.messagesOut),
		"watched":      len(s.poll.Watched()),
		"cachedQuotes": s.cache.Len(),
		"orders":       len(s.ledger.Orders()),
	})
}

func validateParams(p orders.Params) string {
	if p.InstrumentID <= 0 {
		return "instrumentId required"
	}
	if p.Side != orders.Buy && p.Side != orders.Sell {
		return "side must be buy or sell"
	}
	if p.Type != orders.Market && p.Type != orders.Limit {
		return "orderType must be market or limit"
	}
	if !p.Amount.IsPositive() {
		return "amount must be positive"
	}
	if p.Leverage < 0 {
		return "leverage must not be negative"
	}
	return ""
}

func pathID(path, prefix string) (int64, bool) {
	raw := strings.TrimPrefix(path, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
