package registry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/flosterloh/docker-asterisk/discovery"
	"github.com/flosterloh/docker-asterisk/internal/telemetry"
)

// Source is the read side of the coordination store.
type Source interface {
	List(ctx context.Context) (discovery.Snapshot, error)
	Watch(ctx context.Context, afterRevision int64) <-chan discovery.WatchResponse
}

type WatcherConfig struct {
	// ResyncInterval forces a fresh list-then-watch session periodically. Zero disables it.
	ResyncInterval time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	Clock          clockwork.Clock
}

// Watcher keeps a Registry current from a Source. Every session starts with a
// full list whose diff is emitted as one resync batch, then follows the watch
// stream from the listed revision until it breaks or the resync timer fires.
type Watcher struct {
	reg *Registry
	src Source
	out chan<- Batch
	cfg WatcherConfig
	log *zap.Logger
}

// NewWatcher returns a watcher that feeds reg from src and sends batches on out.
func NewWatcher(reg *Registry, src Source, out chan<- Batch, cfg WatcherConfig, log *zap.Logger) *Watcher {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 250 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Second
	}
	return &Watcher{reg: reg, src: src, out: out, cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = w.cfg.RetryInitial
	retry.MaxInterval = w.cfg.RetryMax
	retry.MaxElapsedTime = 0
	for ctx.Err() == nil {
		listed, reason, err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		telemetry.WatchSessions.WithLabelValues(reason).Inc()
		if listed {
			retry.Reset()
		}
		if err == nil {
			w.log.Debug("watch session ended", zap.String("reason", reason))
			continue
		}
		d := retry.NextBackOff()
		w.log.Warn("watch session failed, resyncing", zap.String("reason", reason), zap.Duration("retry_in", d), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-w.cfg.Clock.After(d):
		}
	}
}

func (w *Watcher) session(ctx context.Context) (listed bool, reason string, err error) {
	snap, err := w.src.List(ctx)
	if err != nil {
		return false, "list_failed", err
	}
	changes := w.reg.Resync(snap, w.cfg.Clock.Now())
	for _, c := range changes {
		w.log.Info("resync change", zap.Stringer("kind", c.Kind), zap.String("member", c.Record.ID))
	}
	if !w.emit(ctx, Batch{Changes: changes, Resync: true}) {
		return true, "shutdown", nil
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream := w.src.Watch(sctx, snap.Revision)

	var resync <-chan time.Time
	if w.cfg.ResyncInterval > 0 {
		t := w.cfg.Clock.NewTimer(w.cfg.ResyncInterval)
		defer t.Stop()
		resync = t.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return true, "shutdown", nil
		case <-resync:
			return true, "resync", nil
		case resp, ok := <-stream:
			if !ok {
				return true, "broken", discovery.ErrWatchBroken
			}
			if resp.Err != nil {
				if !errors.Is(resp.Err, discovery.ErrWatchBroken) {
					resp.Err = errors.Join(discovery.ErrWatchBroken, resp.Err)
				}
				return true, "broken", resp.Err
			}
			if changes := w.apply(resp.Events); len(changes) > 0 {
				if !w.emit(ctx, Batch{Changes: changes}) {
					return true, "shutdown", nil
				}
			}
		}
	}
}

func (w *Watcher) apply(events []discovery.ChangeEvent) []Change {
	now := w.cfg.Clock.Now()
	var changes []Change
	for _, ev := range events {
		c, routed := w.reg.Apply(ev, now)
		if !routed {
			continue
		}
		w.log.Info("member change", zap.Stringer("kind", c.Kind), zap.String("member", c.Record.ID))
		changes = append(changes, c)
	}
	return changes
}

func (w *Watcher) emit(ctx context.Context, b Batch) bool {
	select {
	case w.out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}
