package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleHTTPServer configures and starts the HTTP server on the given
// address. It shuts down the server when the context is cancelled.
func handleHTTPServer(ctx context.Context, addr string, apiHandler http.Handler, wsHandler http.Handler, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	r := chi.NewRouter()
	r.Handle("/ws", wsHandler)
	r.Mount("/", apiHandler)

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}
