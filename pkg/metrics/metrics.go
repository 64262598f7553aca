// HTTP endpoint for operational state: prometheus metrics, the running version, and a health check.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Reports nil if the service is healthy
type HealthFunc func(ctx context.Context) error

func Handler(version string, health HealthFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s\n", version) // nolint:errcheck
	})
	mux.HandleFunc("/_health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				slog.Warn("health check failed", "err", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, `{"status":"%s"}`, StatusError) // nolint:errcheck
				return
			}
		}
		fmt.Fprintf(w, `{"status":"%s","version":"%s"}`, StatusOK, version) // nolint:errcheck
	})
	return mux
}

// Serves Handler on addr until ctx is cancelled. An empty addr disables the server.
func RunServer(ctx context.Context, addr, version string, health HealthFunc) error {
	if addr == "" {
		slog.Info("metrics server disabled")
		return nil
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      Handler(version, health),
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down metrics server", "err", err)
		}
	}()

	slog.Info("metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
