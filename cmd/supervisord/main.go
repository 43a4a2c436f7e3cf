// Package main is the entry point for the runplane supervisor daemon.
// The supervisor claims pending runs, launches them on an execution backend
// and owns the run state machine from claim to terminal status.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"runplane/internal/backend"
	"runplane/internal/config"
	"runplane/internal/logger"
	"runplane/internal/observability"
	"runplane/internal/store/postgres"
	"runplane/internal/supervisor"
	"runplane/internal/workload"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: environment only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "runplane-supervisor", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics must be up before the supervisor registers its instruments.
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	st, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	// Embedded workloads are compiled into this binary; register them here.
	registry := workload.NewRegistry()

	backends := []backend.Backend{
		backend.NewSubprocess(backend.SubprocessOptions{
			Command: strings.Fields(cfg.SubprocessCommand),
			WorkDir: cfg.SubprocessWorkDir,
			Env:     []string{"DATABASE_URL=" + cfg.DatabaseURL},
		}),
		backend.NewEmbedded(registry, st, slogger, backend.EmbeddedOptions{}),
	}
	if containerBackend, err := backend.NewContainer(slogger); err != nil {
		log.Printf("Container backend unavailable: %v", err)
		if cfg.DefaultBackend == config.BackendContainer {
			log.Fatalf("Default backend is container but no Docker daemon is reachable")
		}
	} else {
		backends = append(backends, containerBackend)
	}

	sup, err := supervisor.New(st, backends, slogger, supervisor.Config{
		Host:             cfg.Host,
		TickInterval:     cfg.TickInterval,
		HeartbeatStale:   cfg.HeartbeatStale,
		StartupGrace:     cfg.StartupGrace,
		DefaultStopGrace: cfg.DefaultStopGrace,
		ForceStopWait:    cfg.ForceStopWait,
		LogDir:           cfg.LogDir,
		DefaultBackend:   cfg.DefaultBackend,
	})
	if err != nil {
		log.Fatalf("Failed to create supervisor: %v", err)
	}

	log.Printf("Supervisor started (tick %s, default backend %s)", cfg.TickInterval, cfg.DefaultBackend)
	go func() {
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("Supervisor loop failed: %v", err)
		}
	}()

	// Dedicated metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		log.Printf("Supervisor metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down supervisor...")
	cancel()

	<-sup.Done()
}
