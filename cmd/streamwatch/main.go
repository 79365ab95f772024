// streamwatch connects to the market-data feed and prints typed events to
// the console. Usage: go run ./cmd/streamwatch --config configs/streamwatch.example.yaml
//
// Credentials may come from environment variables referenced in the config
// file, e.g. FEED_KEY and FEED_SECRET.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/papertrade/marketstream/internal/config"
	"github.com/papertrade/marketstream/internal/stream"
	"github.com/papertrade/marketstream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamwatch.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamwatch",
		"version", version.Version,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
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

	client := stream.New(streamConfig(cfg), logger)
	defer client.Close()

	// Print every data event as it arrives.
	client.On(stream.EventTrade, func(payload any) {
		t := payload.(stream.Trade)
		logger.Info("trade", "symbol", t.Symbol, "price", t.Price, "size", t.Size, "ts", t.Timestamp)
	})
	client.On(stream.EventQuote, func(payload any) {
		q := payload.(stream.Quote)
		logger.Info("quote", "symbol", q.Symbol, "bid", q.BidPrice, "ask", q.AskPrice, "ts", q.Timestamp)
	})
	client.On(stream.EventBar, func(payload any) {
		b := payload.(stream.Bar)
		logger.Info("bar", "symbol", b.Symbol, "open", b.Open, "close", b.Close, "volume", b.Volume)
	})
	client.On(stream.EventStatus, func(payload any) {
		s := payload.(stream.TradingStatus)
		logger.Info("status", "symbol", s.Symbol, "code", s.StatusCode, "message", s.StatusMessage)
	})
	client.On(stream.EventError, func(payload any) {
		logger.Warn("stream error", "error", payload)
	})
	client.On(stream.EventFailed, func(payload any) {
		logger.Error("stream failed, giving up", "error", payload)
		cancel()
	})

	// Seed the subscription ledger before connecting; the client replays it
	// once authenticated.
	for channel, symbols := range cfg.Subscriptions {
		if err := client.Subscribe(channel, symbols); err != nil {
			logger.Error("subscribe failed", "channel", channel, "error", err)
			os.Exit(1)
		}
	}

	if err := client.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	logger.Info("streaming", "state", client.State())

	<-ctx.Done()

	stats := client.Stats()
	logger.Info("shutting down",
		"frames", stats.FramesReceived,
		"records", stats.RecordsDispatched,
		"parse_errors", stats.ParseErrors,
		"reconnects", stats.Reconnects,
	)
}

// streamConfig maps file configuration onto the client's config.
func streamConfig(cfg *config.Config) stream.Config {
	return stream.Config{
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
	}
}
