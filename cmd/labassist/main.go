package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"labassist/internal/analysis"
	"labassist/internal/api"
	"labassist/internal/auth"
	"labassist/internal/config"
	"labassist/internal/detection"
	"labassist/internal/jobs"
	"labassist/internal/media"
	"labassist/internal/reconciler"
	"labassist/internal/store"
	"labassist/internal/ws"
)

func main() {
	// Setup logger. Replace logger with your own log package of choice.
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[labassist] ", log.Ltime)
	}

	cfg := config.FromEnv()

	if err := os.MkdirAll(cfg.Storage.UploadDir, 0o755); err != nil {
		logger.Fatalf("failed to create upload directory: %v", err)
	}

	st, err := store.New(cfg.Storage.StatePath, logger)
	if err != nil {
		logger.Fatalf("failed to open state store: %v", err)
	}

	queue, err := jobs.Open(cfg.Storage.JobsDBPath, cfg.Analysis.UnitConcurrency, logger)
	if err != nil {
		logger.Fatalf("failed to open job queue: %v", err)
	}
	defer queue.Close()

	// Inference collaborators and the analysis chord they feed.
	objects := detection.NewObjectClient(cfg.Inference.ObjectServiceURL)
	actions := detection.NewActionClient(cfg.Inference.ActionServiceURL)
	prober := media.NewProber(cfg.Inference.FFprobePath, cfg.Inference.FFmpegPath)
	analyzer := analysis.NewService(objects, actions, prober, cfg.Analysis.SegmentInterval, logger)

	authenticator := auth.NewAuthenticator()
	hub := ws.NewHub(logger)
	rec := reconciler.New(st, queue, hub, cfg.Analysis.PollInterval, logger)
	wsHandler := ws.NewHandler(hub, st, rec, authenticator, logger)

	apiHandler := api.NewHandler(api.Deps{
		Store:     st,
		Jobs:      queue,
		Analysis:  analyzer,
		Hub:       hub,
		Auth:      authenticator,
		Objects:   objects,
		UploadDir: cfg.Storage.UploadDir,
		Logger:    logger,
	})

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	handleHTTPServer(ctx, cfg.Server.Addr, apiHandler, wsHandler, &wg, errc, logger)

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	logger.Println("exited")
}
