// Package discoverytest provides an in-memory coordination store with the
// same contract as discovery.Client: leases, revisions and prefix watches.
// Tests can make it unavailable, break watch streams and expire leases.
package discoverytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flosterloh/docker-asterisk/discovery"
)

type lease struct {
	ttl    time.Duration
	expiry time.Time
	keys   map[string]struct{}
}

type item struct {
	rec         discovery.MemberRecord
	lease       discovery.LeaseID
	createRev   int64
	modRevision int64
}

type watcher struct {
	ch     chan discovery.WatchResponse
	closed bool
}

// Store is safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	rev         int64
	nextLease   discovery.LeaseID
	leases      map[discovery.LeaseID]*lease
	items       map[string]*item
	history     []historyEntry
	watchers    map[*watcher]struct{}
	unavailable bool

	calls map[string]int
}

type historyEntry struct {
	rev int64
	ev  discovery.ChangeEvent
}

// New returns an empty store. now may be nil to use time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:       now,
		nextLease: 1,
		leases:    make(map[discovery.LeaseID]*lease),
		items:     make(map[string]*item),
		watchers:  make(map[*watcher]struct{}),
		calls:     make(map[string]int),
	}
}

// SetUnavailable makes every operation fail with ErrStoreUnavailable while on is true.
// Turning it on also breaks open watch streams.
func (s *Store) SetUnavailable(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = on
	if on {
		s.breakLocked(fmt.Errorf("%w: store unavailable", discovery.ErrWatchBroken))
	}
}

// BreakWatches ends every open watch stream with ErrWatchBroken.
func (s *Store) BreakWatches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakLocked(fmt.Errorf("%w: injected disconnect", discovery.ErrWatchBroken))
}

// Watchers returns the number of open watch streams.
func (s *Store) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// Calls returns how many times op was invoked (register, renew, revoke, deregister, list, watch).
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Revision returns the current store revision.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

// Get returns the stored record for id.
func (s *Store) Get(id string) (discovery.MemberRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return discovery.MemberRecord{}, false
	}
	return it.rec, true
}

// ExpireLeases removes every lease whose expiry is not after now, with its keys.
func (s *Store) ExpireLeases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, l := range s.leases {
		if now.Before(l.expiry) {
			continue
		}
		s.dropLeaseLocked(id)
		n++
	}
	return n
}

// RevokeLease drops a lease and its keys immediately.
func (s *Store) RevokeLease(id discovery.LeaseID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLeaseLocked(id)
}

// Leases returns the number of leases currently held.
func (s *Store) Leases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

// Put stores rec without a lease. Useful to seed state behind a watcher's back.
func (s *Store) Put(rec discovery.MemberRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(rec, 0)
}

// Delete removes id regardless of its lease.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(id)
}

func (s *Store) Register(_ context.Context, rec discovery.MemberRecord, ttl time.Duration) (discovery.LeaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["register"]++
	if s.unavailable {
		return 0, fmt.Errorf("register: %w", discovery.ErrStoreUnavailable)
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	rec.TTLSeconds = int64(ttl / time.Second)
	id := s.nextLease
	s.nextLease++
	s.leases[id] = &lease{ttl: ttl, expiry: s.now().Add(ttl), keys: make(map[string]struct{})}
	s.putLocked(rec, id)
	return id, nil
}

func (s *Store) Renew(_ context.Context, id discovery.LeaseID, rec discovery.MemberRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["renew"]++
	if s.unavailable {
		return fmt.Errorf("renew: %w", discovery.ErrStoreUnavailable)
	}
	l, ok := s.leases[id]
	if !ok || !s.now().Before(l.expiry) {
		if ok {
			s.dropLeaseLocked(id)
		}
		return fmt.Errorf("renew: %w", discovery.ErrLeaseExpired)
	}
	l.expiry = s.now().Add(l.ttl)
	s.putLocked(rec, id)
	return nil
}

func (s *Store) Deregister(_ context.Context, id discovery.LeaseID, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["deregister"]++
	if s.unavailable {
		return fmt.Errorf("deregister: %w", discovery.ErrStoreUnavailable)
	}
	s.deleteLocked(member)
	delete(s.leases, id)
	return nil
}

func (s *Store) Revoke(_ context.Context, id discovery.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["revoke"]++
	if s.unavailable {
		return fmt.Errorf("revoke: %w", discovery.ErrStoreUnavailable)
	}
	if _, ok := s.leases[id]; !ok {
		return fmt.Errorf("revoke: %w", discovery.ErrLeaseExpired)
	}
	s.dropLeaseLocked(id)
	return nil
}

func (s *Store) List(_ context.Context) (discovery.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["list"]++
	if s.unavailable {
		return discovery.Snapshot{}, fmt.Errorf("list: %w", discovery.ErrStoreUnavailable)
	}
	snap := discovery.Snapshot{Revision: s.rev}
	for _, it := range s.items {
		snap.Records = append(snap.Records, it.rec)
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ID < snap.Records[j].ID })
	return snap, nil
}

func (s *Store) Watch(ctx context.Context, afterRevision int64) <-chan discovery.WatchResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["watch"]++
	w := &watcher{ch: make(chan discovery.WatchResponse, 256)}
	if s.unavailable {
		w.ch <- discovery.WatchResponse{Err: fmt.Errorf("%w: store unavailable", discovery.ErrWatchBroken)}
		close(w.ch)
		return w.ch
	}
	s.watchers[w] = struct{}{}
	var replay []discovery.ChangeEvent
	for _, h := range s.history {
		if h.rev > afterRevision {
			replay = append(replay, h.ev)
		}
	}
	if len(replay) > 0 {
		s.deliverLocked(w, discovery.WatchResponse{Events: replay})
	}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeLocked(w)
	}()
	return w.ch
}

func (s *Store) putLocked(rec discovery.MemberRecord, id discovery.LeaseID) {
	s.rev++
	kind := discovery.Modified
	it, ok := s.items[rec.ID]
	if !ok {
		kind = discovery.Created
		it = &item{createRev: s.rev}
		s.items[rec.ID] = it
	}
	if it.lease != 0 && it.lease != id {
		if l, ok := s.leases[it.lease]; ok {
			delete(l.keys, rec.ID)
		}
	}
	if l, ok := s.leases[id]; ok {
		l.keys[rec.ID] = struct{}{}
	}
	rec.ModRevision = s.rev
	it.rec = rec
	it.lease = id
	it.modRevision = s.rev
	s.publishLocked(discovery.ChangeEvent{Kind: kind, Record: rec})
}

func (s *Store) deleteLocked(id string) {
	it, ok := s.items[id]
	if !ok {
		return
	}
	s.rev++
	delete(s.items, id)
	if l, ok := s.leases[it.lease]; ok {
		delete(l.keys, id)
	}
	s.publishLocked(discovery.ChangeEvent{
		Kind:   discovery.Deleted,
		Record: discovery.MemberRecord{ID: id, ModRevision: s.rev},
	})
}

func (s *Store) dropLeaseLocked(id discovery.LeaseID) {
	l, ok := s.leases[id]
	if !ok {
		return
	}
	delete(s.leases, id)
	keys := make([]string, 0, len(l.keys))
	for k := range l.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.deleteLocked(k)
	}
}

func (s *Store) publishLocked(ev discovery.ChangeEvent) {
	s.history = append(s.history, historyEntry{rev: s.rev, ev: ev})
	for w := range s.watchers {
		s.deliverLocked(w, discovery.WatchResponse{Events: []discovery.ChangeEvent{ev}})
	}
}

// deliverLocked never blocks; a watcher that cannot keep up is broken.
func (s *Store) deliverLocked(w *watcher, resp discovery.WatchResponse) {
	if w.closed {
		return
	}
	select {
	case w.ch <- resp:
	default:
		s.closeLocked(w)
	}
}

func (s *Store) breakLocked(err error) {
	for w := range s.watchers {
		select {
		case w.ch <- discovery.WatchResponse{Err: err}:
		default:
		}
		s.closeLocked(w)
	}
}

func (s *Store) closeLocked(w *watcher) {
	if w.closed {
		return
	}
	w.closed = true
	delete(s.watchers, w)
	close(w.ch)
}
