// Package realtimerest mounts the realtime endpoints on a chi router with
// CORS support and common middleware.
package realtimerest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	flowdeckcli "github.com/flowdeck/flowdeck-realtime/flowdeck-cli"
)

func Middlewares(service flowdeckcli.Service, routes chi.Router) chi.Router {
	routes.Use(
		withCORS(),
		withLogger(flowdeckcli.Logger(service)),
		middleware.Recoverer,
	)
	return routes
}

// Webserver serves routes until ctx is cancelled, then shuts down gracefully.
func Webserver(ctx context.Context, service flowdeckcli.Service, routes chi.Router) error {
	logger := flowdeckcli.Logger(service)
	logger.Info().Int("port", flowdeckcli.CommonOpts.Port).Msg("starting http server")

	server := &http.Server{
		Addr:    fmt.Sprintf(":%v", flowdeckcli.CommonOpts.Port),
		Handler: routes,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// Health returns a handler reporting service identity and the live
// connection count.
func Health(service flowdeckcli.Service, connections func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"service":     service.Name,
			"version":     service.Version,
			"connections": connections(),
		})
	}
}

func withCORS() func(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
	})
}

func withLogger(logger zerolog.Logger) func(handler http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := logger.WithContext(req.Context())
			req = req.WithContext(ctx)
			handler.ServeHTTP(w, req)
		})
	}
}
