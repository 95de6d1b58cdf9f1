package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/skypro1111/archive-stream-service/internal/archive"
	"github.com/skypro1111/archive-stream-service/internal/config"
	"github.com/skypro1111/archive-stream-service/internal/logging"
	"github.com/skypro1111/archive-stream-service/internal/metrics"
	"github.com/skypro1111/archive-stream-service/internal/server"
	"github.com/skypro1111/archive-stream-service/internal/storage"
)

const (
	serviceName    = "archive-stream-service"
	serviceVersion = "1.0.0"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options holds command line flags. Flags left unset do not override values
// loaded from the config file.
type options struct {
	configPath string
	host       string
	port       int
	storageDir string
	indexPath  string
	delay      float64
	chunkSize  int
	verbose    bool
}

func parseFlags(args []string) (*pflag.FlagSet, *options, error) {
	def := config.Default()
	opts := &options{}

	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to YAML configuration file")
	flagSet.StringVar(&opts.host, "host", def.Server.Host, "address to listen on")
	flagSet.IntVarP(&opts.port, "port", "p", def.Server.Port, "port to listen on")
	flagSet.StringVarP(&opts.storageDir, "storage-dir", "d", def.Archive.StorageDir, "directory holding one subdirectory per archive")
	flagSet.StringVar(&opts.indexPath, "index", def.Server.IndexPath, "path to the index page")
	flagSet.Float64Var(&opts.delay, "delay", def.Archive.ChunkDelay, "seconds to pause after each chunk, for simulating slow networks")
	flagSet.IntVar(&opts.chunkSize, "chunk-size", def.Archive.ChunkSize, "maximum bytes read from the archiver per chunk")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return flagSet, opts, nil
}

// loadConfig merges defaults, the optional config file and explicit flags
func loadConfig(flagSet *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flagSet.Changed("host") {
		cfg.Server.Host = opts.host
	}
	if flagSet.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flagSet.Changed("index") {
		cfg.Server.IndexPath = opts.indexPath
	}
	if flagSet.Changed("storage-dir") {
		cfg.Archive.StorageDir = opts.storageDir
	}
	if flagSet.Changed("delay") {
		cfg.Archive.ChunkDelay = opts.delay
	}
	if flagSet.Changed("chunk-size") {
		cfg.Archive.ChunkSize = opts.chunkSize
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	flagSet, opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(flagSet, opts)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", opts.configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address()),
		slog.String("storage_dir", cfg.Archive.StorageDir),
		slog.String("program", cfg.Archive.Program),
		slog.Any("args", cfg.Archive.Args),
		slog.Int("chunk_size", cfg.Archive.ChunkSize),
		slog.Duration("chunk_delay", cfg.Archive.GetChunkDelayDuration()),
		slog.String("log_level", cfg.Logging.Level),
	)

	resolver, err := storage.NewResolver(cfg.Archive.StorageDir)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	archiver := archive.NewManager(archive.Config{
		Program:     cfg.Archive.Program,
		Args:        cfg.Archive.Args,
		StderrLimit: cfg.Archive.StderrLimit,
	}, logger)

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Address:      cfg.Server.Address(),
		IndexPath:    cfg.Server.IndexPath,
		ReadTimeout:  cfg.Server.GetReadTimeoutDuration(),
		IdleTimeout:  cfg.Server.GetIdleTimeoutDuration(),
		ChunkSize:    cfg.Archive.ChunkSize,
		ChunkDelay:   cfg.Archive.GetChunkDelayDuration(),
		StallTimeout: cfg.Archive.GetStallTimeoutDuration(),
	}, logger, resolver, archiver, appMetrics)

	if err := httpServer.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", httpServer.Addr()),
		slog.String("storage_root", resolver.Root()),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer cancel()

	start := time.Now()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	logger.Info("Service stopped", slog.Duration("shutdown_duration", time.Since(start)))
	return nil
}
