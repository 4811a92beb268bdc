package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flosterloh/docker-asterisk/discovery"
	"github.com/flosterloh/docker-asterisk/internal/config"
	"github.com/flosterloh/docker-asterisk/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.SetBuildInfo(version, cfg.Mode)
	log = log.With(zap.String("role", cfg.Mode))
	log.Info("starting", zap.String("version", version), zap.Strings("etcd", cfg.Etcd.Endpoints),
		zap.String("prefix", cfg.Etcd.Prefix))

	cli, err := discovery.NewClient(discovery.Config{
		Endpoints:      cfg.Etcd.Endpoints,
		Prefix:         cfg.Etcd.Prefix,
		DialTimeout:    cfg.Etcd.DialTimeout,
		RequestTimeout: cfg.Etcd.RequestTimeout,
		Retries:        cfg.Etcd.Retries,
	}, log)
	if err != nil {
		return err
	}
	defer cli.Close()

	mux := telemetry.Mux()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	switch cfg.Mode {
	case config.ModeAnnounce:
		err = runAnnounce(ctx, cfg, cli, log)
	default:
		err = runWatch(ctx, cfg, cli, mux, log)
	}
	log.Info("stopped")
	return err
}
