// Package supervisor evicts members whose heartbeats stopped arriving.
//
// Eviction is computed from the local clock and the renewal times recorded in
// the registry, so it keeps working while the coordination store is
// unreachable or its watch stream lags.
package supervisor

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/flosterloh/docker-asterisk/internal/telemetry"
	"github.com/flosterloh/docker-asterisk/pkg/registry"
)

// Expirer is the part of the registry the supervisor drives.
type Expirer interface {
	Expire(now time.Time) []registry.Change
	// MinTTL is the smallest TTL among tracked members, zero when there are none.
	MinTTL() time.Duration
}

type Config struct {
	// Interval is the longest gap between scans. Each scan is brought
	// forward to half the smallest member TTL when that is shorter.
	Interval time.Duration
	Clock    clockwork.Clock
}

type Supervisor struct {
	reg Expirer
	out chan<- registry.Batch
	cfg Config
	log *zap.Logger
}

// New returns a supervisor that sends evictions from reg on out.
func New(reg Expirer, out chan<- registry.Batch, cfg Config, log *zap.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Supervisor{reg: reg, out: out, cfg: cfg, log: log}
}

// Run scans until ctx is cancelled. The gap to the next scan is recomputed
// after every scan from the TTLs currently tracked.
func (s *Supervisor) Run(ctx context.Context) {
	timer := s.cfg.Clock.NewTimer(s.Next())
	defer timer.Stop()

	s.log.Info("timeout supervisor started", zap.Duration("max_interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			if !s.Scan(ctx) {
				return
			}
			timer.Reset(s.Next())
		}
	}
}

// Next returns the delay until the next scan.
func (s *Supervisor) Next() time.Duration {
	d := s.cfg.Interval
	if ttl := s.reg.MinTTL(); ttl > 0 {
		if iv := IntervalFor(ttl); iv < d {
			d = iv
		}
	}
	return d
}

// Scan evicts expired members once and forwards the evictions. It reports
// false if ctx ended before the batch could be handed off.
func (s *Supervisor) Scan(ctx context.Context) bool {
	changes := s.reg.Expire(s.cfg.Clock.Now())
	if len(changes) == 0 {
		return true
	}
	for _, c := range changes {
		s.log.Info("evicting member after missed heartbeats",
			zap.String("member", c.Record.ID), zap.Int64("ttl_seconds", c.Record.TTLSeconds))
	}
	telemetry.Evictions.Add(float64(len(changes)))

	select {
	case s.out <- registry.Batch{Changes: changes}:
		return true
	case <-ctx.Done():
		return false
	}
}

// IntervalFor returns the scan interval for the smallest TTL in use.
func IntervalFor(minTTL time.Duration) time.Duration {
	d := minTTL / 2
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}
