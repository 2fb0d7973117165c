// Package monitor serves health, readiness, metrics and the live event feed.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	server *http.Server
	ready  atomic.Bool
	logger *slog.Logger
}

// NewServer builds the server. events may be nil, in which case /ws is not
// registered.
func NewServer(addr string, gatherer prometheus.Gatherer, events http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{logger: logger.With("component", "monitor")}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if events != nil {
		mux.Handle("/ws", events)
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves in a goroutine. Listen errors are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting monitor server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Monitor server error", "err", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	s.logger.Info("Shutting down monitor server")
	return s.server.Shutdown(ctx)
}
