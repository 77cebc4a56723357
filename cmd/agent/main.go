package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clipforge/clipforge-agent/internal/analysis"
	"github.com/clipforge/clipforge-agent/internal/api"
	"github.com/clipforge/clipforge-agent/internal/catalog"
	"github.com/clipforge/clipforge-agent/internal/config"
	"github.com/clipforge/clipforge-agent/internal/db"
	"github.com/clipforge/clipforge-agent/internal/engine"
	"github.com/clipforge/clipforge-agent/internal/history"
	"github.com/clipforge/clipforge-agent/internal/logging"
	"github.com/clipforge/clipforge-agent/internal/metrics"
	"github.com/clipforge/clipforge-agent/internal/sandbox"
	"github.com/clipforge/clipforge-agent/internal/scripts"
	"github.com/clipforge/clipforge-agent/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	// A local .env is optional; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting clipforge agent",
		"version", config.Version,
		"data_dir", cfg.DataDir(),
		"sandbox", cfg.SandboxMode(),
	)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := history.NewRepository(database.Conn())

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	gateway, err := storage.NewMinioGateway(initCtx, storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint(),
		AccessKey: cfg.MinioAccessKey(),
		SecretKey: cfg.MinioSecretKey(),
		Bucket:    cfg.MinioBucket(),
		UseSSL:    cfg.MinioUseSSL(),
		Logger:    logging.WithComponent(logger, "storage"),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to object storage: %w", err)
	}

	var sb sandbox.Sandbox
	switch cfg.SandboxMode() {
	case "docker":
		ds, err := sandbox.NewDockerSandbox(initCtx, cfg.SandboxContainer(),
			logging.WithComponent(logger, "sandbox"))
		if err != nil {
			return fmt.Errorf("failed to initialise docker sandbox: %w", err)
		}
		sb = ds
	default:
		sb = sandbox.NewLocalSandbox(logging.WithComponent(logger, "sandbox"))
	}

	prom := metrics.NewProm("clipforge")

	eng, err := engine.New(engine.Config{
		Gateway:        gateway,
		Sandbox:        sb,
		ScratchDir:     cfg.ScratchDir(),
		StagingTimeout: cfg.StagingTimeout(),
		UploadTimeout:  cfg.UploadTimeout(),
		DefaultTimeout: cfg.JobTimeout(),
		Recorder:       repo,
		Metrics:        prom,
		Logger:         logging.WithComponent(logger, "engine"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialise engine: %w", err)
	}

	var analyzer analysis.Analyzer
	if cfg.AnalysisURL() != "" {
		analyzer = analysis.NewHTTPAnalyzer(cfg.AnalysisURL(), cfg.AnalysisKey(),
			gateway, cfg.ScratchDir(), logging.WithComponent(logger, "analysis"))
		logger.Info("analysis backend enabled", "url", cfg.AnalysisURL())
	} else {
		analyzer = analysis.NewStubAnalyzer(logging.WithComponent(logger, "analysis"))
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:            cfg.Port(),
		Gateway:         gateway,
		Catalog:         catalog.New(gateway, logging.WithComponent(logger, "catalog")),
		Scripts:         scripts.NewRepository(gateway, logging.WithComponent(logger, "scripts")),
		Engine:          eng,
		Analyzer:        analyzer,
		History:         repo,
		AuthToken:       cfg.AuthToken(),
		StorageEndpoint: cfg.MinioEndpoint(),
		StorageBucket:   cfg.MinioBucket(),
		Logger:          logging.WithComponent(logger, "api"),
		StartTime:       startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
