// Package api serves the observability endpoints: prometheus metrics and a
// liveness probe. It carries no administrative operations.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/stsmap/config"
	"github.com/semihalev/zlog/v2"
)

// API type
type API struct {
	addr string
	srv  *http.Server
}

// New return new api
func New(cfg *config.Config) *API {
	return &API{addr: cfg.API}
}

// Run starts the http server on the configured address, a blank address
// disables it.
func (a *API) Run() {
	if a.addr == "" {
		return
	}

	a.srv = &http.Server{
		Addr:         a.addr,
		Handler:      handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("API server listening...", "addr", a.addr)

		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("API listener failed", "addr", a.addr, "error", err.Error())
		}
	}()
}

func handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return mux
}

// Shutdown stops the http server.
func (a *API) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}

	return a.srv.Shutdown(ctx)
}
