package main

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/flosterloh/docker-asterisk/internal/config"
	"github.com/flosterloh/docker-asterisk/pkg/announce"
	"github.com/flosterloh/docker-asterisk/pkg/dispatcher"
	"github.com/flosterloh/docker-asterisk/pkg/reconcile"
	"github.com/flosterloh/docker-asterisk/pkg/registry"
	"github.com/flosterloh/docker-asterisk/pkg/status"
	"github.com/flosterloh/docker-asterisk/pkg/supervisor"
)

// runAnnounce keeps this node registered until ctx ends.
func runAnnounce(ctx context.Context, cfg config.Config, store announce.Registrar, log *zap.Logger) error {
	a, err := announce.New(store, announce.Config{
		ID:             cfg.Announce.ID,
		Address:        cfg.Announce.Address,
		Port:           cfg.Announce.Port,
		Weight:         cfg.Announce.Weight,
		Heartbeat:      cfg.Announce.Heartbeat,
		TTL:            cfg.Announce.TTL,
		BackoffInitial: cfg.Announce.BackoffInitial,
		BackoffMax:     cfg.Announce.BackoffMax,
	}, log.Named("announcer"))
	if err != nil {
		return err
	}
	a.Run(ctx)
	return nil
}

// runWatch runs the watcher, the timeout supervisor and the reconciler until
// ctx ends. The reconciler is the only consumer of batches. When mux is set
// the registry is exposed on it.
func runWatch(ctx context.Context, cfg config.Config, src registry.Source, mux *http.ServeMux, log *zap.Logger) error {
	reloader, err := newReloader(cfg.Watch.Reload)
	if err != nil {
		return err
	}

	reg := registry.New(cfg.Watch.Timeout, log.Named("registry"))
	batches := make(chan registry.Batch, 64)
	if mux != nil {
		status.New(reg, cfg.Mode, nil).Register(mux)
	}

	w := registry.NewWatcher(reg, src, batches, registry.WatcherConfig{ResyncInterval: cfg.Watch.ResyncInterval}, log.Named("watcher"))
	sup := supervisor.New(reg, batches, supervisor.Config{Interval: cfg.Watch.ScanInterval}, log.Named("supervisor"))
	rec := reconcile.New(reg, dispatcher.NewFilePublisher(cfg.Watch.ListPath), reloader, reconcile.Config{
		SetID:         cfg.Watch.SetID,
		Debounce:      cfg.Watch.Debounce,
		RetryInterval: cfg.Watch.RetryInterval,
	}, log.Named("reconciler"))

	log.Info("watching", zap.String("list", cfg.Watch.ListPath), zap.Duration("timeout", cfg.Watch.Timeout),
		zap.Duration("scan_interval", cfg.Watch.ScanInterval))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		rec.Run(ctx, batches)
	}()
	wg.Wait()
	return nil
}

// newReloader prefers a signal when a pid file is configured, then a
// command, and otherwise reloads nothing.
func newReloader(cfg config.Reload) (dispatcher.Reloader, error) {
	switch {
	case cfg.PIDFile != "":
		sig, err := dispatcher.ParseSignal(cfg.Signal)
		if err != nil {
			return nil, err
		}
		return &dispatcher.SignalReloader{PIDFile: cfg.PIDFile, Signal: sig}, nil
	case len(cfg.Command) > 0:
		return &dispatcher.CommandReloader{Argv: cfg.Command, Timeout: cfg.Timeout}, nil
	default:
		return dispatcher.NopReloader{}, nil
	}
}
