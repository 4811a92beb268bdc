// Package registry keeps the watcher's local view of cluster membership.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flosterloh/docker-asterisk/discovery"
)

// Reason says where a change came from.
type Reason string

const (
	ReasonWatch   Reason = "watch"
	ReasonResync  Reason = "resync"
	ReasonTimeout Reason = "timeout"
)

// Change is a membership change that affects routing.
type Change struct {
	Kind   discovery.EventKind
	Record discovery.MemberRecord
	Reason Reason
}

// Batch is what producers hand to the reconciler. Resync is set when the
// batch is the result of a full list, even if nothing changed.
type Batch struct {
	Changes []Change
	Resync  bool
}

type entry struct {
	rec      discovery.MemberRecord
	lastSeen time.Time
}

// Registry maps member id to its last observed record and the local time it
// was last renewed. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*entry
	// evicted holds the last record of members dropped on timeout. The same
	// write seen again, from a resync or a late watch event, does not bring
	// the member back; only a newer write does.
	evicted    map[string]discovery.MemberRecord
	defaultTTL time.Duration
	log        *zap.Logger
}

// New returns an empty registry. defaultTTL applies to records that declare none.
func New(defaultTTL time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		members:    make(map[string]*entry),
		evicted:    make(map[string]discovery.MemberRecord),
		defaultTTL: defaultTTL,
		log:        log,
	}
}

// Apply folds one watch event into the registry. routed is false when the
// event does not change the routing list (duplicates, stale revisions, plain
// renewals of a live member); the renewal time is still refreshed for renewals.
func (r *Registry) Apply(ev discovery.ChangeEvent, now time.Time) (c Change, routed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.members[ev.Record.ID]
	if ev.Kind == discovery.Deleted {
		if !ok {
			delete(r.evicted, ev.Record.ID)
			return Change{}, false
		}
		if stale(ev.Record, cur.rec) {
			return Change{}, false
		}
		delete(r.members, ev.Record.ID)
		return Change{Kind: discovery.Deleted, Record: cur.rec, Reason: ReasonWatch}, true
	}

	if !ok {
		if !r.admitLocked(ev.Record) {
			return Change{}, false
		}
		r.members[ev.Record.ID] = &entry{rec: ev.Record, lastSeen: now}
		return Change{Kind: discovery.Created, Record: ev.Record, Reason: ReasonWatch}, true
	}
	if duplicate(ev.Record, cur.rec) {
		return Change{}, false
	}
	wasAlive := r.alive(cur, now)
	prev := r.replaceLocked(cur, ev.Record, now)
	return Change{Kind: discovery.Modified, Record: ev.Record, Reason: ReasonWatch}, !wasAlive || !ev.Record.SameRoute(prev)
}

// Resync replaces the registry with a full listing and returns the
// difference as synthetic changes, sorted by member id. Entries written after
// the snapshot revision are kept.
func (r *Registry) Resync(snap discovery.Snapshot, now time.Time) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []Change
	seen := make(map[string]struct{}, len(snap.Records))
	for _, rec := range snap.Records {
		seen[rec.ID] = struct{}{}
		cur, ok := r.members[rec.ID]
		if !ok {
			if !r.admitLocked(rec) {
				continue
			}
			r.members[rec.ID] = &entry{rec: rec, lastSeen: now}
			changes = append(changes, Change{Kind: discovery.Created, Record: rec, Reason: ReasonResync})
			continue
		}
		if duplicate(rec, cur.rec) {
			continue
		}
		wasAlive := r.alive(cur, now)
		if prev := r.replaceLocked(cur, rec, now); !wasAlive || !rec.SameRoute(prev) {
			changes = append(changes, Change{Kind: discovery.Modified, Record: rec, Reason: ReasonResync})
		}
	}
	for id, cur := range r.members {
		if _, ok := seen[id]; ok {
			continue
		}
		if snap.Revision != 0 && cur.rec.ModRevision > snap.Revision {
			continue
		}
		delete(r.members, id)
		changes = append(changes, Change{Kind: discovery.Deleted, Record: cur.rec, Reason: ReasonResync})
	}
	for id := range r.evicted {
		if _, ok := seen[id]; !ok {
			delete(r.evicted, id)
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Record.ID < changes[j].Record.ID })
	return changes
}

// Expire evicts every member whose last renewal is older than its TTL.
func (r *Registry) Expire(now time.Time) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []Change
	for id, e := range r.members {
		if r.alive(e, now) {
			continue
		}
		delete(r.members, id)
		r.evicted[id] = e.rec
		changes = append(changes, Change{Kind: discovery.Deleted, Record: e.rec, Reason: ReasonTimeout})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Record.ID < changes[j].Record.ID })
	return changes
}

// Snapshot returns the members that are alive at now, sorted by id.
func (r *Registry) Snapshot(now time.Time) []discovery.MemberRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]discovery.MemberRecord, 0, len(r.members))
	for _, e := range r.members {
		if r.alive(e, now) {
			out = append(out, e.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the record for id and when it was last renewed locally.
func (r *Registry) Get(id string) (discovery.MemberRecord, time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.members[id]
	if !ok {
		return discovery.MemberRecord{}, time.Time{}, false
	}
	return e.rec, e.lastSeen, true
}

// Len returns the number of tracked members, alive or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Registry) ttl(rec discovery.MemberRecord) time.Duration {
	if ttl := rec.TTL(); ttl > 0 {
		return ttl
	}
	return r.defaultTTL
}

func (r *Registry) alive(e *entry, now time.Time) bool {
	return now.Sub(e.lastSeen) <= r.ttl(e.rec)
}

// admitLocked reports whether rec may enter the registry. A member evicted on
// timeout stays out until a write newer than the one it was evicted with.
func (r *Registry) admitLocked(rec discovery.MemberRecord) bool {
	last, ok := r.evicted[rec.ID]
	if !ok {
		return true
	}
	if duplicate(rec, last) {
		return false
	}
	delete(r.evicted, rec.ID)
	return true
}

// MinTTL returns the smallest TTL among tracked members, zero when empty.
func (r *Registry) MinTTL() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var min time.Duration
	for _, e := range r.members {
		if ttl := r.ttl(e.rec); min == 0 || ttl < min {
			min = ttl
		}
	}
	return min
}

// replaceLocked stores rec as renewed at now and returns the record it replaced.
func (r *Registry) replaceLocked(e *entry, rec discovery.MemberRecord, now time.Time) discovery.MemberRecord {
	if e.rec.Instance != "" && rec.Instance != "" && e.rec.Instance != rec.Instance {
		r.log.Info("member restarted", zap.String("member", rec.ID),
			zap.String("old_instance", e.rec.Instance), zap.String("instance", rec.Instance))
	}
	prev := e.rec
	e.rec = rec
	e.lastSeen = now
	return prev
}

// stale reports whether incoming is older than what we hold.
func stale(incoming, cur discovery.MemberRecord) bool {
	return incoming.ModRevision != 0 && incoming.ModRevision < cur.ModRevision
}

// duplicate reports whether incoming carries nothing newer than cur.
func duplicate(incoming, cur discovery.MemberRecord) bool {
	if incoming.ModRevision != 0 {
		return incoming.ModRevision <= cur.ModRevision
	}
	return incoming.SameRoute(cur) && incoming.RenewedAt.Equal(cur.RenewedAt) && incoming.Instance == cur.Instance
}
