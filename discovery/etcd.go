// Package discovery is the coordination client: it registers members under
// leased etcd keys, renews them, and lists/watches the member prefix.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// LeaseID identifies a lease held by an announcer.
type LeaseID int64

// Config configures the etcd-backed client.
type Config struct {
	Endpoints      []string
	Prefix         string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Retries        int
	RetryBackoff   time.Duration
}

// Client talks to etcd. All methods are safe for concurrent use.
type Client struct {
	cli            *clientv3.Client
	prefix         string
	requestTimeout time.Duration
	retries        int
	retryBackoff   time.Duration
	log            *zap.Logger
}

// NewClient connects to the endpoints in cfg. Zero timeouts and an empty
// prefix take their defaults.
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return &Client{
		cli:            cli,
		prefix:         cfg.Prefix,
		requestTimeout: cfg.RequestTimeout,
		retries:        cfg.Retries,
		retryBackoff:   cfg.RetryBackoff,
		log:            log,
	}, nil
}

// Close releases the underlying etcd connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Endpoints returns the configured etcd endpoints.
func (c *Client) Endpoints() []string {
	return c.cli.Endpoints()
}

// Register grants a lease of ttl and stores rec under it.
func (c *Client) Register(ctx context.Context, rec MemberRecord, ttl time.Duration) (LeaseID, error) {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	rec.TTLSeconds = secs
	val, err := Encode(rec)
	if err != nil {
		return 0, err
	}

	var lease *clientv3.LeaseGrantResponse
	err = c.do(ctx, "grant", func(ctx context.Context) error {
		var err error
		lease, err = c.cli.Grant(ctx, secs)
		return err
	})
	if err != nil {
		return 0, err
	}

	key := Key(c.prefix, rec.ID)
	err = c.do(ctx, "put", func(ctx context.Context) error {
		_, err := c.cli.Put(ctx, key, string(val), clientv3.WithLease(lease.ID))
		return err
	})
	if err != nil {
		c.revoke(lease.ID)
		return 0, err
	}
	return LeaseID(lease.ID), nil
}

// Renew keeps the lease alive once and rewrites rec under it, so watchers see
// the heartbeat as a modification.
func (c *Client) Renew(ctx context.Context, lease LeaseID, rec MemberRecord) error {
	err := c.do(ctx, "keepalive", func(ctx context.Context) error {
		_, err := c.cli.KeepAliveOnce(ctx, clientv3.LeaseID(lease))
		return err
	})
	if err != nil {
		return err
	}
	val, err := Encode(rec)
	if err != nil {
		return err
	}
	key := Key(c.prefix, rec.ID)
	return c.do(ctx, "put", func(ctx context.Context) error {
		_, err := c.cli.Put(ctx, key, string(val), clientv3.WithLease(clientv3.LeaseID(lease)))
		return err
	})
}

// Deregister removes the member key and revokes its lease.
func (c *Client) Deregister(ctx context.Context, lease LeaseID, id string) error {
	key := Key(c.prefix, id)
	err := c.do(ctx, "delete", func(ctx context.Context) error {
		_, err := c.cli.Delete(ctx, key)
		return err
	})
	if err != nil {
		return err
	}
	err = c.Revoke(ctx, lease)
	if errors.Is(err, ErrLeaseExpired) {
		return nil
	}
	return err
}

// Revoke drops lease together with any keys still attached to it.
func (c *Client) Revoke(ctx context.Context, lease LeaseID) error {
	return c.do(ctx, "revoke", func(ctx context.Context) error {
		_, err := c.cli.Revoke(ctx, clientv3.LeaseID(lease))
		return err
	})
}

// List returns every member currently stored under the prefix and the store revision.
func (c *Client) List(ctx context.Context) (Snapshot, error) {
	var resp *clientv3.GetResponse
	err := c.do(ctx, "list", func(ctx context.Context) error {
		var err error
		resp, err = c.cli.Get(ctx, Key(c.prefix, ""), clientv3.WithPrefix())
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Revision: resp.Header.Revision}
	for _, kv := range resp.Kvs {
		rec, err := c.decodeKV(kv)
		if err != nil {
			continue
		}
		snap.Records = append(snap.Records, rec)
	}
	return snap, nil
}

// Watch streams changes on the prefix that happened after revision. The
// channel is closed when ctx is done or after a response carrying
// ErrWatchBroken.
func (c *Client) Watch(ctx context.Context, afterRevision int64) <-chan WatchResponse {
	out := make(chan WatchResponse)
	go func() {
		defer close(out)
		wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
		defer cancel()

		wch := c.cli.Watch(wctx, Key(c.prefix, ""), clientv3.WithPrefix(), clientv3.WithRev(afterRevision+1))
		for resp := range wch {
			if err := watchErr(resp); err != nil {
				send(ctx, out, WatchResponse{Err: err})
				return
			}
			events := make([]ChangeEvent, 0, len(resp.Events))
			for _, ev := range resp.Events {
				ce, ok := c.convert(ev)
				if ok {
					events = append(events, ce)
				}
			}
			if len(events) == 0 {
				continue
			}
			if !send(ctx, out, WatchResponse{Events: events}) {
				return
			}
		}
		if ctx.Err() == nil {
			send(ctx, out, WatchResponse{Err: fmt.Errorf("%w: channel closed", ErrWatchBroken)})
		}
	}()
	return out
}

func watchErr(resp clientv3.WatchResponse) error {
	switch {
	case resp.CompactRevision != 0:
		return fmt.Errorf("%w: compacted at revision %d", ErrWatchBroken, resp.CompactRevision)
	case resp.Err() != nil:
		return fmt.Errorf("%w: %w", ErrWatchBroken, resp.Err())
	case resp.Canceled:
		return fmt.Errorf("%w: canceled", ErrWatchBroken)
	}
	return nil
}

func (c *Client) convert(ev *clientv3.Event) (ChangeEvent, bool) {
	if ev.Type == mvccpb.DELETE {
		id, ok := IDFromKey(c.prefix, string(ev.Kv.Key))
		if !ok {
			return ChangeEvent{}, false
		}
		return ChangeEvent{Kind: Deleted, Record: MemberRecord{ID: id, ModRevision: ev.Kv.ModRevision}}, true
	}
	rec, err := c.decodeKV(ev.Kv)
	if err != nil {
		return ChangeEvent{}, false
	}
	kind := Modified
	if ev.IsCreate() {
		kind = Created
	}
	return ChangeEvent{Kind: kind, Record: rec}, true
}

func (c *Client) decodeKV(kv *mvccpb.KeyValue) (MemberRecord, error) {
	rec, err := Decode(kv.Value)
	if err != nil {
		c.log.Warn("skipping malformed member record", zap.ByteString("key", kv.Key), zap.Error(err))
		return MemberRecord{}, err
	}
	if id, ok := IDFromKey(c.prefix, string(kv.Key)); ok && id != rec.ID {
		c.log.Warn("member record id does not match key", zap.ByteString("key", kv.Key), zap.String("id", rec.ID))
		rec.ID = id
	}
	rec.ModRevision = kv.ModRevision
	return rec, nil
}

// do runs fn with a per-attempt timeout, retrying with exponential backoff.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
		err := fn(actx)
		if isLeaseNotFound(err) {
			return backoff.Permanent(ErrLeaseExpired)
		}
		return err
	}, policy, func(err error, _ time.Duration) {
		c.log.Debug("etcd request failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLeaseExpired):
		return fmt.Errorf("%s: %w", op, ErrLeaseExpired)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
}

func (c *Client) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()
	if _, err := c.cli.Revoke(ctx, id); err != nil {
		c.log.Debug("revoke orphaned lease", zap.Int64("lease", int64(id)), zap.Error(err))
	}
}

func isLeaseNotFound(err error) bool {
	return errors.Is(err, rpctypes.ErrLeaseNotFound) || errors.Is(err, rpctypes.ErrGRPCLeaseNotFound)
}

func send(ctx context.Context, out chan<- WatchResponse, resp WatchResponse) bool {
	select {
	case out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}
