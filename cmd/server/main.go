package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/iconidentify/rangegrab/internal/api"
	"github.com/iconidentify/rangegrab/internal/api/handler"
	"github.com/iconidentify/rangegrab/internal/config"
	"github.com/iconidentify/rangegrab/internal/downloader"
	"github.com/iconidentify/rangegrab/internal/logging"
	"github.com/iconidentify/rangegrab/internal/manifest"
	"github.com/iconidentify/rangegrab/internal/metrics"
	"github.com/iconidentify/rangegrab/internal/muxer"
	"github.com/iconidentify/rangegrab/internal/progress"
	"github.com/iconidentify/rangegrab/internal/repository"
	"github.com/iconidentify/rangegrab/internal/service"
	"github.com/iconidentify/rangegrab/internal/worker"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rangegrab-server %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if configPath == "" && os.Getenv("LOG_FORMAT") == "" {
		cfg.Log.Format = "json"
	}

	logger := logging.New(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting rangegrab server",
		"version", Version,
		"build_time", BuildTime,
	)

	if err := os.MkdirAll(cfg.Storage.OutputPath, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if cfg.Storage.TempPath != "" {
		if err := os.MkdirAll(cfg.Storage.TempPath, 0755); err != nil {
			return fmt.Errorf("create temp directory: %w", err)
		}
	}

	// Jobs only accept http(s) sources.
	cfg.Download.AllowFileURLs = false

	history, err := openHistory(cfg.Storage.HistoryPath)
	if err != nil {
		return err
	}
	defer history.Close()

	session := downloader.NewSession(cfg.Download, logger)
	manifestClient := downloader.NewRetryingFetcher(
		session.WithTimeout(cfg.Download.ManifestTimeout),
		downloader.RetryConfigFrom(cfg.Download),
		logger,
	)

	mx, err := muxer.NewFFmpegMuxer(cfg.Mux.FFmpegPath, cfg.Mux.FFprobePath, logger)
	if err != nil {
		return err
	}

	jobRepo := repository.NewInMemoryJobRepository()

	svc := service.NewDownloadService(
		manifest.NewLoader(manifestClient, logger),
		downloader.NewFetcher(session, progress.NewLog(logger, 30*time.Second), logger),
		mx,
		history,
		jobRepo,
		cfg.Storage,
		cfg.Worker,
		logger,
	)
	if cfg.Mux.Probe {
		svc.SetProber(mx)
	}

	metrics.Register(prometheus.DefaultRegisterer)

	router := api.NewRouter(
		handler.NewDownloadHandler(svc, logger),
		handler.NewHealthHandler(jobRepo, cfg.Storage.OutputPath),
		promhttp.Handler(),
		cfg.Server.APIKey,
		logger,
	)

	pool := worker.NewPool(
		worker.Config{
			Workers:      cfg.Worker.Count,
			PollInterval: cfg.Worker.PollInterval,
		},
		jobRepo,
		svc,
		logger,
	)
	pool.Start()

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}

		// Running downloads stop at the next segment boundary and are requeued.
		if err := pool.Stop(25 * time.Second); err != nil {
			logger.Error("worker pool shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func openHistory(path string) (repository.DownloadRepository, error) {
	if path == "" {
		return repository.NewInMemoryDownloadRepository(), nil
	}
	repo, err := repository.NewSQLiteDownloadRepository(context.Background(), path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return repo, nil
}
