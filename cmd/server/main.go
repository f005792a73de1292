package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/omni-voice-service/internal/config"
	"github.com/skypro1111/omni-voice-service/internal/engine"
	"github.com/skypro1111/omni-voice-service/internal/gateway"
	"github.com/skypro1111/omni-voice-service/internal/metrics"
	"github.com/skypro1111/omni-voice-service/internal/normalize"
	"github.com/skypro1111/omni-voice-service/internal/notify"
	"github.com/skypro1111/omni-voice-service/internal/pipeline"
	"github.com/skypro1111/omni-voice-service/internal/server"
	"github.com/skypro1111/omni-voice-service/internal/slot"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvPath    = ".env"
	serviceName       = "omni-voice-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envPath := flag.String("env", defaultEnvPath, "Optional .env file with OMNI_* overrides")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.String("recordings_dir", cfg.Storage.RecordingsDir),
		slog.String("answers_dir", cfg.Storage.AnswersDir),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("ffmpeg_path", cfg.Audio.FFmpegPath),
		slog.String("engine_backend", cfg.Engine.Backend),
		slog.String("checkpoint", cfg.Engine.Checkpoint),
		slog.String("device", cfg.Engine.Device),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	// Slots start empty; a stale input from a previous run is never served
	input := slot.New("input", cfg.Storage.RecordingsDir, cfg.Storage.InputFilename, logger)
	output := slot.New("output", cfg.Storage.AnswersDir, cfg.Storage.AnswerFilename, logger)
	for _, s := range []*slot.Slot{input, output} {
		if err := s.Ensure(); err != nil {
			return fmt.Errorf("failed to prepare %s slot: %w", s.Name(), err)
		}
	}
	input.Clear()

	normalizer := normalize.New(normalize.Config{
		FFmpegPath:         cfg.Audio.FFmpegPath,
		SampleRate:         cfg.Audio.SampleRate,
		Channels:           cfg.Audio.Channels,
		DefaultExtension:   cfg.Audio.DefaultExtension,
		ValidateWAVUploads: cfg.Audio.ValidateWAVUploads,
	}, logger)
	if st := normalizer.Status(); !st.Available {
		logger.Warn("Converter unavailable, only canonical WAV uploads will be accepted",
			slog.String("tool", st.Tool),
			slog.String("error", st.Error),
		)
	}

	eng, err := engine.FromConfig(cfg.Engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	logger.Info("Inference engine configured",
		slog.String("backend", cfg.Engine.Backend),
	)

	gw := gateway.New(gateway.Config{
		Checkpoint:      cfg.Engine.Checkpoint,
		Device:          cfg.Engine.Device,
		LoadTimeout:     cfg.Engine.GetLoadTimeout(),
		GenerateTimeout: cfg.Engine.GetGenerateTimeout(),
		Metrics:         appMetrics,
	}, eng, nil, output, logger)
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Error("Error closing engine", slog.String("error", err.Error()))
		}
	}()

	hub := notify.NewHub(logger, appMetrics)

	pipe := pipeline.New(pipeline.Config{}, input, output, normalizer, gw, hub, appMetrics, logger)

	httpServer := server.NewHTTPServer(server.Deps{
		Config:     cfg,
		Pipeline:   pipe,
		Gateway:    gw,
		Normalizer: normalizer,
		Input:      input,
		Output:     output,
		Hub:        hub,
		Metrics:    appMetrics,
		Gatherer:   prometheus.DefaultGatherer,
	}, logger)

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		return httpServer.ListenAndServe()
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Starting graceful shutdown...")

		// Stop HTTP server first; an in-flight capture finishes before Shutdown returns
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		return nil
	})

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", httpServer.Addr()),
	)

	err = g.Wait()

	snap := gw.Snapshot()
	logger.Info("Final engine statistics",
		slog.String("state", snap.State),
		slog.String("device", snap.Device),
		slog.Uint64("generations", snap.Generations),
	)
	return err
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
