package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"revealgate.dev/internal/app"
	"revealgate.dev/internal/config"
	"revealgate.dev/internal/httpapi"
	"revealgate.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("REVEALGATE_CONFIG"), "path to revealgate.yaml")
	flag.Parse()

	defer memguard.Purge()
	if err := run(*configPath); err != nil {
		obs.Logger().Fatal("revealgate stopped", zap.Error(err))
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(obs.LogOptions{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.API(version).Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	health := httpapi.NewHealthServer(a.Readiness)
	grpcSrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	go health.Monitor(ctx, 10*time.Second)

	errc := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
		errc <- grpcSrv.Serve(lis)
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	if cfg.Rotation.Enabled {
		go a.Rotation.Start(ctx, cfg.Rotation.Interval)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Info("stopped")
	return err
}
