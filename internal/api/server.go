// Package api is the thin HTTP front end over the tracker's fee cache.
// The read path never touches the network and never answers 5xx.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"feescan/internal/eventbus"
	"feescan/internal/tracker"
)

// BuildCommit is set by main to the commit hash baked in at build time.
var BuildCommit = "dev"

// FeeReader is the read-only slice of the tracker the server needs.
type FeeReader interface {
	Fee(hash string) (float64, bool)
	Stats() tracker.Stats
}

type Config struct {
	Port           int
	RateLimitRPS   float64
	RateLimitBurst int
}

type Server struct {
	fees       FeeReader
	bus        *eventbus.Bus
	hub        *hub
	limiter    *ipLimiter
	httpServer *http.Server
}

func NewServer(fees FeeReader, bus *eventbus.Bus, cfg Config) *Server {
	s := &Server{
		fees:    fees,
		bus:     bus,
		hub:     newHub(),
		limiter: newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(s.limiter.middleware)

	// OPTIONS is listed so preflights reach commonMiddleware instead of
	// mux's 405 handler.
	r.HandleFunc("/transaction_fee", s.handleTransactionFee).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: r,
	}
	return s
}

// Start runs the websocket hub and the fee-event forwarder, then blocks
// serving HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	if s.bus != nil {
		go s.forwardFeeEvents(ctx)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
