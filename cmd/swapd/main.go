// Command swapd launches the swapflow order execution engine.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openliquid/swapflow/config"
	"github.com/openliquid/swapflow/internal/broadcast"
	"github.com/openliquid/swapflow/internal/executor"
	"github.com/openliquid/swapflow/internal/observability"
	"github.com/openliquid/swapflow/internal/orderstore"
	"github.com/openliquid/swapflow/internal/orderstore/postgres"
	"github.com/openliquid/swapflow/internal/queue"
	"github.com/openliquid/swapflow/internal/router"
	"github.com/openliquid/swapflow/internal/schema"
	"github.com/openliquid/swapflow/internal/server"
	"github.com/openliquid/swapflow/internal/submit"
	"github.com/openliquid/swapflow/internal/telemetry"
	"github.com/openliquid/swapflow/internal/venue"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	queueShutdownTimeout     = 20 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	observability.SetLogger(observability.NewSlogLogger(
		slog.New(slog.NewJSONHandler(os.Stdout, nil))))
	logger := observability.Log()

	cfg, fromFile, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !fromFile {
		logger.Info("configuration file not found, using defaults",
			observability.F("path", *cfgPath))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("validate config: %v", err)
	}

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: true,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		log.Fatalf("initialize telemetry: %v", err)
	}
	if telemetryProvider.Enabled() {
		observability.SetMetrics(telemetry.NewRecorder(telemetryProvider))
	}

	store, err := openStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("open order store: %v", err)
	}

	hub := broadcast.NewHub(cfg.Broadcast.TeardownDelay.Std())

	venueCfg := venue.SimConfig{
		MinLatency:  cfg.Venues.MinLatency.Std(),
		MaxLatency:  cfg.Venues.MaxLatency.Std(),
		FailureRate: cfg.Venues.FailureRate,
	}
	rtr := router.New(
		venue.NewSimulated(venue.Raydium, venueCfg),
		venue.NewSimulated(venue.Meteora, venueCfg),
	)
	submitter := submit.NewSimulated(submit.SimConfig{
		FailureRate: cfg.Venues.SubmitFailureRate,
	})

	exec := executor.New(store, rtr, submitter, hub, executor.Config{
		MaxRetries:    cfg.Executor.MaxRetries,
		BackoffBase:   cfg.Executor.BackoffBase.Std(),
		RetrySlippage: cfg.Executor.RetrySlippage,
	})

	q := queue.New(queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		RateLimit:   cfg.Queue.RateLimit,
		RateWindow:  cfg.Queue.RateWindow.Std(),
	}, exec, hub)
	q.Start(ctx)
	go retentionLoop(ctx, q, cfg.Queue)

	if err := resumeInterrupted(ctx, store, q); err != nil {
		logger.Warn("resume interrupted orders", observability.F("error", err.Error()))
	}

	srv := server.New(server.Config{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
	}, store, q, hub)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.ListenAndServe() }()
	logger.Info("swapflow started", observability.F("addr", cfg.Server.Addr))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http listener failed", observability.F("error", err.Error()))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()

	// Stop intake first so no new orders land mid-drain, then let in-flight
	// pipelines finish, then tear down the stream fan-out and exporters.
	srvCtx, srvCancel := context.WithTimeout(shutdownCtx, serverShutdownTimeout)
	if err := srv.Shutdown(srvCtx); err != nil {
		logger.Warn("http shutdown", observability.F("error", err.Error()))
	}
	srvCancel()

	queueCtx, queueCancel := context.WithTimeout(shutdownCtx, queueShutdownTimeout)
	if err := q.Shutdown(queueCtx); err != nil {
		logger.Warn("queue shutdown", observability.F("error", err.Error()))
	}
	queueCancel()

	hub.Close()

	telCtx, telCancel := context.WithTimeout(shutdownCtx, telemetryShutdownTimeout)
	if err := telemetryProvider.Shutdown(telCtx); err != nil {
		logger.Warn("telemetry shutdown", observability.F("error", err.Error()))
	}
	telCancel()

	store.Close()
	logger.Info("shutdown completed",
		observability.F("elapsed", time.Since(shutdownStart).String()))
}

// openStore selects the durable store: postgres when a DSN is configured,
// otherwise the in-process store.
func openStore(ctx context.Context, dsn string) (orderstore.Store, error) {
	if dsn == "" {
		observability.Log().Info("no postgres DSN configured, using in-memory order store")
		return orderstore.NewMemory(), nil
	}
	return postgres.New(ctx, dsn)
}

// resumeInterrupted re-admits orders a previous process left non-terminal so
// they run to CONFIRMED or FAILED instead of sitting stuck.
func resumeInterrupted(ctx context.Context, store orderstore.Store, q *queue.Queue) error {
	for _, status := range []schema.OrderStatus{
		schema.StatusPending,
		schema.StatusRouting,
		schema.StatusBuilding,
		schema.StatusSubmitting,
	} {
		orders, err := store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, order := range orders {
			if err := q.Admit(ctx, order); err != nil {
				return err
			}
			observability.Log().Info("re-admitted interrupted order",
				observability.F("order_id", order.ID),
				observability.F("status", string(order.Status)))
		}
	}
	return nil
}

// retentionLoop periodically drops stale terminal-job bookkeeping from the
// queue. Durable order history is unaffected.
func retentionLoop(ctx context.Context, q *queue.Queue, cfg config.QueueConfig) {
	sweep := cfg.RetentionSweep.Std()
	if sweep <= 0 {
		return
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := q.Cleanup(cfg.RetentionAge.Std()); removed > 0 {
				observability.Log().Debug("queue retention sweep",
					observability.F("removed", removed))
			}
		}
	}
}
