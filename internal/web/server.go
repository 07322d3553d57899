// Package web exposes the relay over HTTP: health, presence, metrics and a
// websocket transport speaking the same envelopes as the TCP listener.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledzpl/chatrelay/internal/relay"
)

const shutdownGrace = 5 * time.Second

type presenceResponse struct {
	Users []string `json:"users"`
}

// NewHandler builds the HTTP routes for relay. A nil gatherer disables /metrics.
func NewHandler(relaySrv *relay.Server, gatherer prometheus.Gatherer, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/presence", func(w http.ResponseWriter, _ *http.Request) {
		names := relaySrv.Registry().Snapshot()
		if names == nil {
			names = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(presenceResponse{Users: names}); err != nil {
			log.Warn("Presence encoding failed", "error", err)
		}
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error.
			log.Info("Websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
			return
		}
		log.Info("Client connected", "remote", conn.RemoteAddr().String(), "transport", "websocket")
		relaySrv.Handle(newWSTransport(conn, relaySrv.MaxLineBytes()))
	})

	return r
}

// Serve serves handler on listener until the context is cancelled.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP listening", "addr", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return ctx.Err()
}
