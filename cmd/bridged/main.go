// Command bridged runs a headless automation bridge agent: it connects to
// the automation backend, registers the built-in command handlers against
// an in-memory UI and the product REST service, and keeps the channel alive
// until terminated.
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

	"github.com/autobridge/autobridge/auth"
	"github.com/autobridge/autobridge/bridge"
	"github.com/autobridge/autobridge/bus"
	"github.com/autobridge/autobridge/crud"
	"github.com/autobridge/autobridge/handlers"
	"github.com/autobridge/autobridge/protocol/codec"
	"github.com/autobridge/autobridge/transport"
)

// codecRegistry resolves the configured wire encoding.
func codecRegistry() (*codec.Registry, error) {
	reg := codec.NewRegistry()
	cb, err := codec.CBOR()
	if err != nil {
		return nil, fmt.Errorf("init cbor codec: %w", err)
	}
	reg.Register(cb)
	return reg, nil
}

func main() {
	cfgPath := flag.String("config", "bridged.toml", "path to TOML config")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "bridged:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	products, err := crud.NewClient(cfg.ProductAPI)
	if err != nil {
		return err
	}
	ui := handlers.NewUIState()

	opts := []bridge.Option{bridge.WithSlog(logger)}
	if cfg.CommandTimeout > 0 {
		opts = append(opts, bridge.WithCommandTimeout(cfg.CommandTimeout))
	}
	if cfg.Secret != "" {
		opts = append(opts, bridge.WithCredentials(&auth.HS256Source{
			Secret:  []byte(cfg.Secret),
			Subject: "bridged",
			TTL:     24 * time.Hour,
		}))
	}
	reg, err := codecRegistry()
	if err != nil {
		return err
	}
	cd := reg.Get(cfg.Codec)
	if cd == nil {
		return fmt.Errorf("unknown codec %q", cfg.Codec)
	}

	chOpts := []transport.Option{transport.WithCodec(cd)}
	if cfg.ConnectTimeout > 0 {
		chOpts = append(chOpts, transport.WithConnectTimeout(cfg.ConnectTimeout))
	}
	if cfg.HeartbeatInterval > 0 {
		chOpts = append(chOpts, transport.WithHeartbeatInterval(cfg.HeartbeatInterval))
	}
	if cfg.ReconnectInterval > 0 {
		chOpts = append(chOpts, transport.WithReconnectInterval(cfg.ReconnectInterval))
	}
	if cfg.ReconnectAttempts >= 0 {
		chOpts = append(chOpts, transport.WithReconnectAttempts(cfg.ReconnectAttempts))
	}
	opts = append(opts, bridge.WithChannelOptions(chOpts...))

	b, err := bridge.New(cfg.Endpoint, opts...)
	if err != nil {
		return err
	}
	defer func() {
		_ = b.Close()
	}()

	b.Register(handlers.Builtins(products, ui)...)

	b.Bus().On(bridge.EventStateChanged, func(ev bus.Event) {
		logger.Info("bridge state", "state", fmt.Sprint(ev.Data))
	})
	b.Bus().On(transport.EventReconnectExhausted, func(ev bus.Event) {
		logger.Error("reconnect attempts exhausted, awaiting operator action", "attempts", ev.Data)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Connect(ctx); err != nil {
		// The channel keeps retrying on its own; log and wait.
		logger.Warn("initial connect failed", "err", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
