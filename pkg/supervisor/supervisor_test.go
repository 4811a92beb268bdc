package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flosterloh/docker-asterisk/discovery"
	"github.com/flosterloh/docker-asterisk/pkg/registry"
)

func TestScanEvictsAfterTwoMissedHeartbeats(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	reg := registry.New(20*time.Second, zaptest.NewLogger(t))
	node := discovery.MemberRecord{ID: "10.0.0.5:5060", Address: "10.0.0.5", Port: 5060, TTLSeconds: 15, ModRevision: 1}
	reg.Apply(discovery.ChangeEvent{Kind: discovery.Created, Record: node}, clk.Now())

	out := make(chan registry.Batch, 1)
	s := New(reg, out, Config{Interval: time.Second, Clock: clk}, zaptest.NewLogger(t))
	ctx := context.Background()

	clk.Advance(10 * time.Second) // two heartbeats (5s) missed
	require.True(t, s.Scan(ctx))
	assert.Empty(t, out)
	assert.Equal(t, 1, reg.Len())

	clk.Advance(6 * time.Second)
	require.True(t, s.Scan(ctx))
	require.Len(t, out, 1)
	b := <-out
	require.Len(t, b.Changes, 1)
	assert.Equal(t, discovery.Deleted, b.Changes[0].Kind)
	assert.Equal(t, registry.ReasonTimeout, b.Changes[0].Reason)
	assert.Equal(t, "10.0.0.5:5060", b.Changes[0].Record.ID)
	assert.Zero(t, reg.Len())
}

func TestRunStopsOnCancel(t *testing.T) {
	reg := registry.New(time.Second, zaptest.NewLogger(t))
	reg.Apply(discovery.ChangeEvent{Kind: discovery.Created, Record: discovery.MemberRecord{ID: "a", TTLSeconds: 1}}, time.Now().Add(-time.Hour))

	out := make(chan registry.Batch, 1)
	s := New(reg, out, Config{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case b := <-out:
		assert.Len(t, b.Changes, 1)
	case <-time.After(time.Second):
		t.Fatal("no eviction")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

// A member whose own TTL is shorter than the watch timeout is scanned for at
// half its TTL, not at the configured interval.
func TestRunScansAtHalfTheSmallestTTL(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	reg := registry.New(20*time.Second, zaptest.NewLogger(t))
	short := discovery.MemberRecord{ID: "10.0.0.7:5060", Address: "10.0.0.7", Port: 5060, TTLSeconds: 4, ModRevision: 1}
	reg.Apply(discovery.ChangeEvent{Kind: discovery.Created, Record: short}, clk.Now())

	out := make(chan registry.Batch, 1)
	s := New(reg, out, Config{Interval: 10 * time.Second, Clock: clk}, zaptest.NewLogger(t))
	assert.Equal(t, 2*time.Second, s.Next())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// scans at +2s and +4s keep it, the +6s scan evicts it
	for range 2 {
		clk.BlockUntil(1)
		clk.Advance(2 * time.Second)
	}
	clk.BlockUntil(1)
	assert.Empty(t, out)
	assert.Equal(t, 1, reg.Len())

	clk.Advance(2 * time.Second)
	select {
	case b := <-out:
		require.Len(t, b.Changes, 1)
		assert.Equal(t, "10.0.0.7:5060", b.Changes[0].Record.ID)
	case <-time.After(time.Second):
		t.Fatal("member with a 4s ttl still present 6s after its last renewal")
	}
	assert.Equal(t, 10*time.Second, s.Next(), "back to the configured interval once empty")
}

func TestIntervalFor(t *testing.T) {
	assert.Equal(t, 7500*time.Millisecond, IntervalFor(15*time.Second))
	assert.Equal(t, 100*time.Millisecond, IntervalFor(0))
}
