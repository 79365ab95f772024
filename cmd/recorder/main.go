// recorder streams market data and persists trades, quotes, and bars to
// TimescaleDB. Usage: go run ./cmd/recorder --config configs/recorder.example.yaml
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

	"github.com/papertrade/marketstream/internal/config"
	"github.com/papertrade/marketstream/internal/database"
	"github.com/papertrade/marketstream/internal/metrics"
	"github.com/papertrade/marketstream/internal/recorder"
	"github.com/papertrade/marketstream/internal/stream"
	"github.com/papertrade/marketstream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/recorder.example.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting recorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.Timescale.Host == "" {
		logger.Error("database.timescale is required for the recorder")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("connecting to database",
		"host", cfg.Database.Timescale.Host,
		"port", cfg.Database.Timescale.Port,
		"database", cfg.Database.Timescale.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database.Timescale)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	reg := prometheus.NewRegistry()
	streamMetrics := metrics.NewStreamMetrics(reg)
	recorderMetrics := metrics.NewRecorderMetrics(reg)

	client := stream.New(stream.Config{
		Credentials: stream.Credentials{
			Key:    cfg.Feed.Key,
			Secret: cfg.Feed.Secret,
		},
		Sandbox:              cfg.Feed.Sandbox,
		PingInterval:         cfg.Feed.PingInterval,
		StalenessThreshold:   cfg.Feed.StalenessThreshold,
		ReconnectBaseDelay:   cfg.Feed.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Feed.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		BufferSize:           cfg.Feed.BufferSize,
	}, logger, stream.WithMetrics(streamMetrics))
	defer client.Close()

	client.On(stream.EventFailed, func(payload any) {
		logger.Error("stream failed, shutting down", "error", payload)
		cancel()
	})

	rec := recorder.New(recorder.Config{
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
	}, client, pool, logger, recorderMetrics)

	if err := rec.Start(ctx); err != nil {
		logger.Error("failed to start recorder", "error", err)
		os.Exit(1)
	}

	for channel, symbols := range cfg.Subscriptions {
		if err := client.Subscribe(channel, symbols); err != nil {
			logger.Error("subscribe failed", "channel", channel, "error", err)
			os.Exit(1)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return metrics.Serve(gctx, fmt.Sprintf(":%d", cfg.Metrics.Port), cfg.Metrics.Path, reg, logger)
	})

	g.Go(func() error {
		if err := client.Connect(gctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		logger.Info("streaming", "state", client.State())
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("recorder exiting with error", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := rec.Stop(stopCtx); err != nil {
		logger.Warn("recorder stop failed", "error", err)
	}

	stats := rec.Stats()
	logger.Info("recorder shut down",
		"trades_written", stats.TradesWritten,
		"quotes_written", stats.QuotesWritten,
		"bars_written", stats.BarsWritten,
		"flushes", stats.Flushes,
		"errors", stats.Errors,
	)
}
