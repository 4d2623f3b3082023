package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleTransactionFee answers "what USD fee did this transaction pay".
// Misses (unknown hash, or the cache is still cold from backfill) are a
// 400, never a 5xx.
func (s *Server) handleTransactionFee(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("txn_hash")
	if hash == "" {
		writeError(w, http.StatusBadRequest, "Missing parameter txn_hash")
		return
	}

	fee, ok := s.fees.Fee(hash)
	if !ok {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("txn_hash=%s not found. This is not a valid transaction.", hash))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"message": fee})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.fees.Stats()

	var priceAsOf interface{}
	if !stats.PriceAsOf.IsZero() {
		priceAsOf = stats.PriceAsOf.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"build":        BuildCommit,
		"cursor":       stats.Cursor,
		"cold":         stats.Cursor == 0,
		"fees_cached":  stats.Fees,
		"price":        stats.Price,
		"price_as_of":  priceAsOf,
		"websocket":    s.hub.clientCount(),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
