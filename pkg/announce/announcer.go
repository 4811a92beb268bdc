// Package announce registers a call-handling node in the coordination store
// and keeps its membership alive with periodic heartbeats.
package announce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/flosterloh/docker-asterisk/discovery"
	"github.com/flosterloh/docker-asterisk/internal/telemetry"
)

// State of the announcer.
type State int

const (
	Unregistered State = iota
	Registering
	Announced
	Renewing
	Deregistering
	Failed
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Announced:
		return "announced"
	case Renewing:
		return "renewing"
	case Deregistering:
		return "deregistering"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Registrar is the write side of the coordination store.
type Registrar interface {
	Register(ctx context.Context, rec discovery.MemberRecord, ttl time.Duration) (discovery.LeaseID, error)
	Renew(ctx context.Context, lease discovery.LeaseID, rec discovery.MemberRecord) error
	Deregister(ctx context.Context, lease discovery.LeaseID, id string) error
	Revoke(ctx context.Context, lease discovery.LeaseID) error
}

// Config describes the member to announce and its heartbeat timing. Only
// Address and Port are required.
type Config struct {
	ID      string
	Address string
	Port    int
	Weight  *int

	Heartbeat time.Duration
	// TTL defaults to three heartbeats and must exceed Heartbeat.
	TTL time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// DeregisterTimeout bounds the best-effort deregistration on shutdown.
	DeregisterTimeout time.Duration

	Clock clockwork.Clock
}

func (c *Config) setDefaults() {
	if c.ID == "" {
		c.ID = discovery.MemberID(c.Address, c.Port)
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 5 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 3 * c.Heartbeat
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.DeregisterTimeout <= 0 {
		c.DeregisterTimeout = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Announcer owns one lease. Store errors never escape Run; they move the
// announcer to Failed and it re-registers with backoff.
type Announcer struct {
	store Registrar
	cfg   Config
	log   *zap.Logger

	mu    sync.Mutex
	state State
	lease discovery.LeaseID
	rec   discovery.MemberRecord
}

// New validates cfg and fills its defaults. The announcer does nothing until Run.
func New(store Registrar, cfg Config, log *zap.Logger) (*Announcer, error) {
	cfg.setDefaults()
	if cfg.Address == "" || cfg.Port <= 0 {
		return nil, errors.New("announce: address and port are required")
	}
	if cfg.TTL <= cfg.Heartbeat {
		return nil, fmt.Errorf("announce: ttl %v must exceed heartbeat %v", cfg.TTL, cfg.Heartbeat)
	}
	a := &Announcer{store: store, cfg: cfg, log: log.With(zap.String("member", cfg.ID))}
	a.rec = discovery.MemberRecord{
		ID:         cfg.ID,
		Address:    cfg.Address,
		Port:       cfg.Port,
		Weight:     cfg.Weight,
		TTLSeconds: int64(cfg.TTL / time.Second),
		Instance:   uuid.NewString(),
	}
	return a, nil
}

// State returns the current state.
func (a *Announcer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Lease returns the lease currently held, zero before the first registration.
func (a *Announcer) Lease() discovery.LeaseID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lease
}

// Record returns the record as last written.
func (a *Announcer) Record() discovery.MemberRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec
}

func (a *Announcer) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	telemetry.AnnouncerState.Set(float64(s))
	if prev != s {
		a.log.Debug("announcer state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Run registers, heartbeats until ctx is cancelled, then deregisters once.
func (a *Announcer) Run(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = a.cfg.BackoffInitial
	retry.MaxInterval = a.cfg.BackoffMax
	retry.RandomizationFactor = 0.2
	retry.MaxElapsedTime = 0

	if !a.register(ctx, retry) {
		a.setState(Unregistered)
		return
	}

	ticker := a.cfg.Clock.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.deregister()
			return
		case <-ticker.Chan():
			if a.renew(ctx) {
				continue
			}
			if !a.register(ctx, retry) {
				a.setState(Unregistered)
				return
			}
			ticker.Reset(a.cfg.Heartbeat)
		}
	}
}

// register retries with backoff until a registration succeeds or ctx ends.
// A lease left over from before is revoked once the new one is in place.
func (a *Announcer) register(ctx context.Context, retry *backoff.ExponentialBackOff) bool {
	a.mu.Lock()
	old := a.lease
	a.mu.Unlock()

	var lease discovery.LeaseID
	var rec discovery.MemberRecord
	attempt := func() error {
		a.setState(Registering)
		now := a.cfg.Clock.Now()
		a.mu.Lock()
		a.rec.RegisteredAt = now
		a.rec.RenewedAt = now
		rec = a.rec
		a.mu.Unlock()

		var err error
		lease, err = a.store.Register(ctx, rec, a.cfg.TTL)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		a.setState(Failed)
		telemetry.Heartbeats.WithLabelValues("register", "failed").Inc()
		a.log.Warn("registration failed, retrying", zap.Duration("retry_in", d), zap.Error(err))
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(retry, ctx), notify); err != nil {
		return false
	}

	a.mu.Lock()
	a.lease = lease
	a.mu.Unlock()
	a.setState(Announced)
	telemetry.Heartbeats.WithLabelValues("register", "ok").Inc()
	a.log.Info("announced", zap.String("address", rec.Address), zap.Int("port", rec.Port),
		zap.Duration("ttl", a.cfg.TTL), zap.Int64("lease", int64(lease)))

	if old != 0 && old != lease {
		a.revoke(ctx, old)
	}
	return true
}

// revoke drops a superseded lease. The record has already moved to the new
// lease, so this only shortens how long the old one lingers.
func (a *Announcer) revoke(ctx context.Context, lease discovery.LeaseID) {
	rctx, cancel := context.WithTimeout(ctx, a.cfg.Heartbeat)
	defer cancel()
	if err := a.store.Revoke(rctx, lease); err != nil && !errors.Is(err, discovery.ErrLeaseExpired) {
		a.log.Debug("revoking old lease failed, it will expire", zap.Int64("lease", int64(lease)), zap.Error(err))
	}
}

func (a *Announcer) renew(ctx context.Context) bool {
	a.setState(Renewing)
	a.mu.Lock()
	a.rec.RenewedAt = a.cfg.Clock.Now()
	rec, lease := a.rec, a.lease
	a.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, a.cfg.Heartbeat)
	err := a.store.Renew(rctx, lease, rec)
	cancel()
	if err == nil {
		a.setState(Announced)
		telemetry.Heartbeats.WithLabelValues("renew", "ok").Inc()
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	a.setState(Failed)
	telemetry.Heartbeats.WithLabelValues("renew", "failed").Inc()
	if errors.Is(err, discovery.ErrLeaseExpired) {
		a.log.Warn("lease expired, re-registering", zap.Int64("lease", int64(lease)))
	} else {
		a.log.Warn("heartbeat failed, re-registering", zap.Error(err))
	}
	return false
}

// deregister is best effort: the lease expires on its own if it fails.
func (a *Announcer) deregister() {
	a.setState(Deregistering)
	a.mu.Lock()
	lease, id := a.lease, a.rec.ID
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DeregisterTimeout)
	defer cancel()
	if err := a.store.Deregister(ctx, lease, id); err != nil {
		a.log.Warn("deregistration failed, lease will expire", zap.Error(err))
	} else {
		a.log.Info("deregistered")
	}
	a.setState(Unregistered)
}
