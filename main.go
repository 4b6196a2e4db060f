package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatrelay/internal/api"
	"chatrelay/internal/chat"
	"chatrelay/internal/commands"
	"chatrelay/internal/config"
	"chatrelay/internal/http"
	"chatrelay/internal/presence"
	"chatrelay/internal/storage"
	"chatrelay/internal/ws"

	"golang.org/x/sync/errgroup"
)

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("chatrelay", flag.ContinueOnError)
	reap := flags.Bool("reap", false, "Ask the running server to sweep expired presence entries and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if *reap {
		return commands.Reap(cfg)
	}

	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store := storage.NewRedisStore(storage.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = store.Close() }()

	if err := store.Ping(ctx); err != nil {
		logger.Warn("redis is not reachable yet, continuing in degraded mode", "addr", cfg.RedisAddr, "error", err)
	}

	messages := chat.New(store, chat.Config{
		MaxRecords: cfg.HistoryMax,
		TTL:        cfg.HistoryTTL,
		Logger:     logger,
	})
	presenceService := presence.New(store, presence.Config{
		OnlineTTL:  cfg.PresenceOnlineTTL,
		OfflineTTL: cfg.PresenceOfflineTTL,
		MembersTTL: cfg.ChannelMembersTTL,
		TypingTTL:  cfg.TypingTTL,
		Logger:     logger,
	})

	hub := ws.NewHub(presenceService, logger)
	router := ws.NewRouter(messages, presenceService, hub, ws.RouterConfig{
		Sanitize: cfg.SanitizeContent,
		Logger:   logger,
	})
	wsServer := ws.NewServer(hub, router, ws.ServerConfig{
		DefaultChannel: cfg.DefaultChannel,
		Connection: ws.ConnectionConfig{
			SendBuffer:    cfg.SendBuffer,
			WriteTimeout:  cfg.WriteTimeout,
			PongTimeout:   cfg.PongTimeout,
			MaxFrameBytes: cfg.MaxFrameBytes,
		},
		Logger: logger,
	})
	subscriber := ws.NewSubscriber(store, hub, messages.InstanceID(), logger)

	handlers := api.New(messages, presenceService, hub, store, api.Config{
		DefaultChannel:      cfg.DefaultChannel,
		HistoryDefaultLimit: cfg.HistoryDefaultLimit,
		HistoryMax:          cfg.HistoryMax,
		Sanitize:            cfg.SanitizeContent,
		Logger:              logger,
	})
	adminHandler := api.NewAdminHandler(hub, presenceService, logger)

	apiServer := http.NewAPIServer(handlers, wsServer, cfg.APIAddr, logger)
	adminServer := http.NewAdminServer(adminHandler, cfg.AdminAddr, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)

	g.Go(func() error {
		return presenceService.RunReaper(gCtx, cfg.ReapInterval)
	})

	// A broken bus only loses cross-process fan-out.
	g.Go(func() error {
		if err := subscriber.Run(gCtx); err != nil {
			logger.Error("bus subscriber failed", "error", err)
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), cfg.ShutdownTimeout)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}
		hub.Close(shutdownCtx)
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
