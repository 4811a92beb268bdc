// Package reconcile is the single writer of the dispatcher list. Every
// membership batch, whether from the watch stream, a resync or an eviction,
// goes through one goroutine that snapshots the registry, renders the full
// routing list, publishes it atomically and then triggers a reload.
package reconcile

import (
	"bytes"
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/flosterloh/docker-asterisk/discovery"
	"github.com/flosterloh/docker-asterisk/internal/telemetry"
	"github.com/flosterloh/docker-asterisk/pkg/dispatcher"
	"github.com/flosterloh/docker-asterisk/pkg/registry"
)

// Snapshotter yields the live members at a point in time.
type Snapshotter interface {
	Snapshot(now time.Time) []discovery.MemberRecord
}

// Publisher replaces the published artifact with content, atomically.
type Publisher interface {
	Publish(content []byte) error
}

type Config struct {
	SetID int
	// Debounce coalesces batches arriving within this window into one pass.
	Debounce time.Duration
	// RetryInterval re-runs a pass while a write or reload is pending.
	RetryInterval time.Duration
	Clock         clockwork.Clock
	// OnPass, when set, is called after every pass.
	OnPass func(Result)
}

type Reconciler struct {
	src      Snapshotter
	pub      Publisher
	reloader dispatcher.Reloader
	cfg      Config
	log      *zap.Logger

	synced        bool
	published     []byte
	writePending  bool
	reloadPending bool
}

// Result describes one pass.
type Result struct {
	Members   int
	Written   bool
	Reloaded  bool
	WriteErr  error
	ReloadErr error
}

// New returns a reconciler publishing src through pub. A nil reloader reloads nothing.
func New(src Snapshotter, pub Publisher, reloader dispatcher.Reloader, cfg Config, log *zap.Logger) *Reconciler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if reloader == nil {
		reloader = dispatcher.NopReloader{}
	}
	return &Reconciler{src: src, pub: pub, reloader: reloader, cfg: cfg, log: log}
}

// Run consumes batches until ctx is cancelled. No pass runs before the first
// resync batch has been seen.
func (r *Reconciler) Run(ctx context.Context, in <-chan registry.Batch) {
	retry := r.cfg.Clock.NewTicker(r.cfg.RetryInterval)
	defer retry.Stop()

	var (
		debounce clockwork.Timer
		fire     <-chan time.Time
	)
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce, fire = nil, nil
	}
	defer stopDebounce()

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-in:
			if b.Resync {
				r.synced = true
			}
			if !r.synced {
				continue
			}
			if r.cfg.Debounce <= 0 {
				r.Pass(ctx)
				continue
			}
			if debounce == nil {
				debounce = r.cfg.Clock.NewTimer(r.cfg.Debounce)
				fire = debounce.Chan()
			}
		case <-fire:
			stopDebounce()
			r.Pass(ctx)
		case <-retry.Chan():
			if r.synced && (r.writePending || r.reloadPending) && fire == nil {
				r.Pass(ctx)
			}
		}
	}
}

// Pass runs one reconciliation. It is not safe to call concurrently with Run.
func (r *Reconciler) Pass(ctx context.Context) Result {
	start := time.Now()
	members := r.src.Snapshot(r.cfg.Clock.Now())
	list := dispatcher.NewRoutingList(r.cfg.SetID, members)
	content := list.Bytes()
	res := Result{Members: len(list.Entries)}

	if r.published == nil || r.writePending || !bytes.Equal(content, r.published) {
		if err := r.pub.Publish(content); err != nil {
			r.writePending = true
			res.WriteErr = err
			telemetry.Reconciliations.WithLabelValues("failed").Inc()
			r.log.Warn("publishing dispatcher list failed, keeping previous list", zap.Error(err))
			r.finish(res, start)
			return res
		}
		r.published = content
		r.writePending = false
		r.reloadPending = true
		res.Written = true
		telemetry.Members.Set(float64(len(list.Entries)))
		telemetry.Reconciliations.WithLabelValues("published").Inc()
		r.log.Info("published dispatcher list", zap.Int("members", len(list.Entries)))
	} else {
		telemetry.Reconciliations.WithLabelValues("unchanged").Inc()
	}

	if r.reloadPending {
		if err := r.reloader.Reload(ctx); err != nil {
			res.ReloadErr = err
			telemetry.Reloads.WithLabelValues("failed").Inc()
			r.log.Warn("dispatcher reload failed, will retry", zap.Error(err))
		} else {
			r.reloadPending = false
			res.Reloaded = true
			telemetry.Reloads.WithLabelValues("ok").Inc()
		}
	}
	r.finish(res, start)
	return res
}

func (r *Reconciler) finish(res Result, start time.Time) {
	telemetry.ReconcileDuration.Observe(time.Since(start).Seconds())
	if r.cfg.OnPass != nil {
		r.cfg.OnPass(res)
	}
}
