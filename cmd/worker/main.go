package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/parkdog_dm/internal/monitoring"
	"github.com/adred-codev/parkdog_dm/internal/platform"
)

// The worker drains the delivery and notification queues. It shares the
// store, presence and bus with the realtime processes and never holds
// client connections.
func main() {
	var (
		debug       = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		metricsAddr = flag.String("metrics-addr", ":9102", "address for /metrics, empty to disable")
	)
	flag.Parse()

	startup := log.New(os.Stdout, "[DM-WORKER] ", log.LstdFlags)
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:   monitoring.LogLevel(cfg.LogLevel),
		Format:  monitoring.LogFormat(cfg.LogFormat),
		Service: "parkdog-dm-worker",
	})
	cfg.LogConfig(logger)

	if cfg.QueueBackend != platform.BackendRedis {
		logger.Warn().Msg("QUEUE_BACKEND is not shared; this worker only sees jobs enqueued in its own process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := platform.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize components")
	}
	defer components.Close()

	system := monitoring.NewSystemMonitor(logger).WithCPUSource(monitoring.CPUSource(logger))
	go system.Run(ctx, cfg.MetricsInterval)

	if *metricsAddr != "" {
		r := mux.NewRouter()
		r.HandleFunc("/metrics", monitoring.HandleMetrics).Methods(http.MethodGet)
		srv := &http.Server{Addr: *metricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			defer monitoring.RecoverPanic(logger, "metrics_server", nil)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runner := components.Runner()
	runner.Start(ctx)
	logger.Info().
		Int("delivery_workers", cfg.DeliveryWorkers).
		Int("push_workers", cfg.PushWorkers).
		Msg("Worker running")

	<-ctx.Done()
	logger.Info().Msg("Stopping workers...")
	runner.Stop()
}
