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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/voice-packets-service/internal/audio"
	"github.com/skypro1111/voice-packets-service/internal/capture"
	"github.com/skypro1111/voice-packets-service/internal/config"
	"github.com/skypro1111/voice-packets-service/internal/events"
	"github.com/skypro1111/voice-packets-service/internal/metrics"
	"github.com/skypro1111/voice-packets-service/internal/server"
	"github.com/skypro1111/voice-packets-service/internal/stream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-packets-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("workers", cfg.Server.Workers),
		slog.Duration("voice_timeout", cfg.Voice.GetTimeoutDuration()),
		slog.Duration("sweep_interval", cfg.Voice.GetSweepInterval()),
		slog.Int("min_participant_id", cfg.Voice.MinParticipantID),
		slog.Int("max_participant_id", cfg.Voice.MaxParticipantID),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	decoder := audio.NewOpusDecoder(cfg.Decoder.MaxFrameBytes)
	hub := events.NewHub(logger)
	defer hub.Close()

	bridge := events.Fanout{events.LogBridge{Logger: logger}, hub}

	if cfg.Webhook.Enabled {
		webhook, err := events.NewWebhook(events.WebhookConfig{
			Endpoint:      cfg.Webhook.Endpoint,
			APIKey:        cfg.Webhook.APIKey,
			Timeout:       cfg.Webhook.GetTimeoutDuration(),
			MaxRetries:    cfg.Webhook.MaxRetries,
			MaxConcurrent: cfg.Webhook.MaxConcurrent,
			QueueSize:     cfg.Webhook.QueueSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create webhook: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := webhook.Close(ctx); err != nil {
				logger.Warn("Error closing webhook", slog.String("error", err.Error()))
			}
			stats := webhook.GetStats()
			logger.Info("Webhook statistics",
				slog.Uint64("delivered", stats.Delivered),
				slog.Uint64("failed", stats.Failed),
				slog.Uint64("dropped", stats.Dropped),
			)
		}()

		bridge = append(bridge, webhook)
		logger.Info("Webhook delivery enabled", slog.String("endpoint", cfg.Webhook.Endpoint))
	}

	streamMgr, err := stream.NewManager(logger, decoder, bridge, appMetrics, stream.Config{
		MinParticipantID: cfg.Voice.MinParticipantID,
		MaxParticipantID: cfg.Voice.MaxParticipantID,
		Timeout:          cfg.Voice.GetTimeoutDuration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create stream manager: %w", err)
	}

	udpServer := server.NewUDPServer(&cfg.Server, logger, appMetrics)
	module := capture.NewModule(udpServer, streamMgr, cfg.Voice.GetSweepInterval(), logger)

	if err := module.Open(); err != nil {
		return err
	}
	defer func() {
		if err := module.Close(); err != nil {
			logger.Error("Error closing capture module", slog.String("error", err.Error()))
		}

		stats := udpServer.GetStatistics()
		logger.Info("Final server statistics",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("parse_errors", stats.ParseErrors),
			slog.Uint64("queue_drops", stats.QueueDrops),
		)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return module.Run(gctx)
	})

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(cfg, logger, streamMgr, udpServer, hub, appMetrics, registry)

		g.Go(httpServer.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.UDPPort)),
	)

	<-gctx.Done()
	logger.Info("Starting graceful shutdown...")

	return g.Wait()
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
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

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
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
