// Package api serves the optional per-relay HTTP status surface: health,
// Prometheus metrics, and a JSON snapshot of stream and viewer stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mheld/ringcast/relay"
)

const shutdownTimeout = 5 * time.Second

// Server wraps an http.Server exposing one relay's status.
type Server struct {
	log  *slog.Logger
	addr string
	rly  *relay.Relay
	met  *relay.Metrics
}

// NewServer creates a status server for the given relay. met may be nil,
// in which case /metrics is not registered.
func NewServer(addr string, rly *relay.Relay, met *relay.Metrics) *Server {
	return &Server{
		log:  slog.With("component", "api", "addr", addr),
		addr: addr,
		rly:  rly,
		met:  met,
	}
}

// routes builds the status router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.met != nil {
		r.Get("/metrics", s.met.Handler().ServeHTTP)
	}
	r.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.rly.StatusSnapshot()); err != nil {
			s.log.Warn("status encode failed", "error", err)
		}
	})
	return r
}

// Start serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.routes()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("status API listening")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
