package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/npezzotti/go-presence/internal/api"
	"github.com/npezzotti/go-presence/internal/auth"
	"github.com/npezzotti/go-presence/internal/config"
	"github.com/npezzotti/go-presence/internal/database"
	"github.com/npezzotti/go-presence/internal/notify"
	"github.com/npezzotti/go-presence/internal/server"
	"github.com/npezzotti/go-presence/internal/stats"
	"github.com/npezzotti/go-presence/internal/telemetry"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, json or toml)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zcfg := zap.NewProductionConfig()
	if *debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, "go-presence")
	if err != nil {
		logger.Fatal("telemetry init", zap.Error(err))
	}
	defer otelShutdown(ctx)

	db, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NatsURL != "" {
		nc, err := notify.Connect(cfg.NatsURL, logger)
		if err != nil {
			logger.Fatal("nats", zap.Error(err))
		}
		defer nc.Drain()
		notifier = notify.NewNatsNotifier(nc, cfg.NatsSubject, logger)
	}

	mux := http.NewServeMux()

	gauges := stats.NewGauges(mux)
	verifier := auth.NewJWTVerifier(cfg.SigningKey, db)

	chatServer, err := server.NewChatServer(logger, verifier, db, notifier, gauges, server.Options{
		PresenceScope:  cfg.PresenceScope,
		SendBufferSize: cfg.SendBufferSize,
	})
	if err != nil {
		logger.Fatal("new chat server", zap.Error(err))
	}

	srv := api.NewPresenceApp(mux, logger, chatServer, db, verifier, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server", zap.Error(err))
	}

	shutDownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}

	logger.Info("shutting down chat server")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error("chat server shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
