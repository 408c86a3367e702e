package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"edgeway/internal/app/bootstrap"
)

// API process entrypoint.
// Data flow:
// 1) Load config (file, profile defaults, EDGEWAY_* overrides).
// 2) Build app wiring (store, backends, router, workers).
// 3) Restore the persisted queue, then serve HTTP and drain until signalled.
func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $EDGEWAY_CONFIG)")
	flag.Parse()

	app, err := bootstrap.BuildAPI(*configPath)
	if err != nil {
		log.Fatalf("bootstrap api failed: %v", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("api shutdown close failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Printf("edgeway api stopped with error: %v", err)
		os.Exit(1)
	}
}
