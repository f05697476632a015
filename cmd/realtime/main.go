package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/parkdog_dm/internal/monitoring"
	"github.com/adred-codev/parkdog_dm/internal/platform"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Create basic logger for startup
	startup := log.New(os.Stdout, "[DM] ", log.LstdFlags)

	// automaxprocs has already sized GOMAXPROCS to the container quota
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
		startup.Printf("Debug mode enabled via flag")
	}
	cfg.Print()

	logger := monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:   monitoring.LogLevel(cfg.LogLevel),
		Format:  monitoring.LogFormat(cfg.LogFormat),
		Service: "parkdog-dm-realtime",
	})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := platform.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize components")
	}
	defer components.Close()

	system := monitoring.NewSystemMonitor(logger).WithCPUSource(monitoring.CPUSource(logger))
	go system.Run(ctx, cfg.MetricsInterval)

	svc, err := components.Service()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start realtime service")
	}
	server := components.Server(svc, system)

	if cfg.RunWorkers {
		runner := components.Runner()
		runner.Start(ctx)
		defer runner.Stop()
	}

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
