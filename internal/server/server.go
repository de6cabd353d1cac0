// Package server provides the HTTP serve surface: JSON endpoints for
// ingestion, query and workspace inspection, plus a websocket feed of
// reconciliation events.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/semspace/internal/config"
	"github.com/scrypster/semspace/internal/engine"
)

// Start initializes and starts the HTTP server. It wires the system's
// reconciliation events into the websocket hub and returns the actual listen
// address (useful for testing with port 0) and a shutdown function.
func Start(ctx context.Context, cfg *config.Config, system *engine.System) (string, func(), error) {
	mux := http.NewServeMux()

	wsHub := NewWebSocketHub()
	go wsHub.Run()
	system.OnEvent = func(ev engine.Event) {
		wsHub.Broadcast(ev)
	}

	api := NewAPI(system)
	rateLimiter := NewRateLimiter(10.0, 20)

	mux.HandleFunc("/api/ingest", api.HandleIngest)
	mux.HandleFunc("/api/query", api.HandleQuery)
	mux.HandleFunc("/api/workspace", api.HandleWorkspace)
	mux.HandleFunc("/api/health", api.HandleHealth)
	mux.Handle("/ws", wsHub)

	var handler http.Handler = mux
	handler = RateLimitMiddleware(handler, rateLimiter)
	handler = RequireAuth(handler, cfg)
	handler = securityHeadersMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: HTTP server stopped: %v", err)
		}
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		wsHub.Stop()
	}

	log.Printf("semspace serving on http://%s", listener.Addr())
	return listener.Addr().String(), shutdown, nil
}
