package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
	"github.com/relaycore/relaycore/api"
	"github.com/relaycore/relaycore/audit"
	"github.com/relaycore/relaycore/config"
	"github.com/relaycore/relaycore/costaware"
	"github.com/relaycore/relaycore/executor/bedrock"
	"github.com/relaycore/relaycore/fallback"
	"github.com/relaycore/relaycore/monitoring"
	"github.com/relaycore/relaycore/relay"
	"github.com/relaycore/relaycore/routing"
	"github.com/relaycore/relaycore/stability"
	"github.com/relaycore/relaycore/state"
	"github.com/relaycore/relaycore/utils"
)

func setupStateManager(cfg *config.Config) (state.Manager, func(), error) {
	if cfg.ValkeyEndpoint == "" {
		memoryManager, cleanup := state.NewMemoryManager(cfg.CacheMaxBytes)
		return memoryManager, cleanup, nil
	}

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.ValkeyEndpoint},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Valkey client: %v", err)
	}
	return state.NewValkeyManager(valkeyClient), valkeyClient.Close, nil
}

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	stateManager, cleanup, err := setupStateManager(cfg)
	if err != nil {
		sugar.Fatalw("Failed to setup state manager", "error", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	metrics, err := monitoring.NewManager(cfg.Monitoring, sugar)
	if err != nil {
		sugar.Fatalw("Failed to setup monitoring", "error", err)
	}
	defer metrics.Close()

	auditor := audit.NewLogger(cfg.Audit, sugar)

	directBackend, err := bedrock.New(cfg.Bedrock, sugar)
	if err != nil {
		sugar.Fatalw("Failed to create direct route backend", "error", err)
	}
	// The broker path runs against the same provider under broker
	// credentials; a dedicated broker service drops in behind the same
	// interface.
	brokerBackend, err := bedrock.New(cfg.Bedrock, sugar)
	if err != nil {
		sugar.Fatalw("Failed to create broker route backend", "error", err)
	}

	engine := routing.NewEngine(cfg.Routing, sugar)
	engine.RegisterRoute(relaycore.RouteDirect, directBackend)
	engine.RegisterRoute(relaycore.RouteMCP, brokerBackend)

	costRouter := costaware.NewRouter(cfg.Cost, engine, stateManager, auditor, sugar)
	if err := costRouter.LoadPersistedProfiles(context.Background()); err != nil {
		sugar.Warnw("Failed to load persisted cost profiles", "error", err)
	}
	costRouter.StartOptimizer()
	defer costRouter.StopOptimizer()

	controller := fallback.NewController(cfg.Fallback, brokerBackend, stateManager, auditor, sugar)
	controller.SetMetrics(metrics)
	controller.Start()
	defer controller.Destroy()

	stabilityMonitor := stability.NewMonitor(cfg.Stability, auditor, sugar)
	// Component audit events (fallback outcomes, circuit trips, health
	// transitions) double as stability signals.
	auditor.AddSink(stability.NewAuditSink(stabilityMonitor))
	stabilityMonitor.SetLatencySampler(func() float64 {
		return controller.Metrics().AverageLatencyMs
	})
	stabilityMonitor.Start()
	defer stabilityMonitor.Stop()
	stabilityMonitor.RecordEvent(stability.Event{
		Type:     stability.EventServiceStart,
		Severity: stability.SeverityInfo,
		Message:  "relay started",
	})

	// Push the stability score gauge alongside each collection interval.
	scoreCtx, stopScores := context.WithCancel(context.Background())
	defer stopScores()
	go func() {
		ticker := time.NewTicker(cfg.Stability.CollectionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := metrics.RecordStabilityScore(stabilityMonitor.Current().Score); err != nil {
					sugar.Warnw("Failed to record stability score", "error", err)
				}
			case <-scoreCtx.Done():
				return
			}
		}
	}()

	relayService := relay.NewService(cfg.Relay, engine, costRouter, controller, stabilityMonitor, metrics, sugar)

	handler := api.NewHandler(relayService, controller, costRouter, stabilityMonitor, metrics, auditor, sugar)

	address := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: handler.Routes(),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		stabilityMonitor.RecordEvent(stability.Event{
			Type:     stability.EventServiceStop,
			Severity: stability.SeverityInfo,
			Message:  "relay stopping",
		})
		auditor.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
