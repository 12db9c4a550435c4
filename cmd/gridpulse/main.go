package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/gridpulse/gridpulse/pkg/gmp"
	"github.com/gridpulse/gridpulse/pkg/log"
	"github.com/gridpulse/gridpulse/pkg/poller"
	"github.com/gridpulse/gridpulse/pkg/publisher"
	"github.com/gridpulse/gridpulse/pkg/server"
	"github.com/gridpulse/gridpulse/pkg/snapshot"
	"github.com/gridpulse/gridpulse/pkg/types"
)

func main() {
	// init packages
	provider := gmp.Configured()
	store := snapshot.NewStore()
	pub := publisher.Configured()
	coordinator := poller.Configured(provider, store)
	srv := server.Configured(store, coordinator)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer pub.Close()

	// every committed snapshot is pushed to the smart-home platform
	store.Subscribe(func(snap types.UsageSnapshot) {
		if err := pub.Publish(ctx, snap); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to publish snapshot",
				slog.String("accountID", snap.AccountID), slog.Any("error", err))
		}
	})

	errCh := make(chan error, 2)
	go func() {
		errCh <- coordinator.Run(ctx)
	}()
	go func() {
		errCh <- srv.Run(ctx)
	}()

	if err := <-errCh; err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "daemon failed", slog.Any("error", err))
		cancel()
		<-errCh
		os.Exit(1)
	}
	cancel()
	<-errCh
	log.Ctx(ctx).InfoContext(ctx, "daemon exited cleanly")
}
