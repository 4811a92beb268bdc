// Command bench registers synthetic members against etcd to exercise a
// running watcher under churn. Every member heartbeats until -hold elapses,
// then it either deregisters or, with -crash, goes silent so the watcher has
// to evict it on timeout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flosterloh/docker-asterisk/discovery"
	"github.com/flosterloh/docker-asterisk/internal/telemetry"
)

func main() {
	etcdHost := flag.String("etcdhost", "127.0.0.1:2379", "comma-separated etcd endpoints")
	prefix := flag.String("prefix", discovery.DefaultPrefix, "etcd key prefix for members")
	n := flag.Int("n", 50, "synthetic members")
	conc := flag.Int("c", 8, "concurrent registrations")
	ttl := flag.Duration("ttl", 3*time.Second, "member lease ttl")
	heartbeat := flag.Duration("heartbeat", time.Second, "time between heartbeats")
	hold := flag.Duration("hold", 10*time.Second, "how long members stay announced")
	crash := flag.Bool("crash", false, "stop heartbeating instead of deregistering")
	flag.Parse()

	log, err := telemetry.NewLogger("info", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	var endpoints []string
	for _, e := range strings.Split(*etcdHost, ",") {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	cli, err := discovery.NewClient(discovery.Config{Endpoints: endpoints, Prefix: *prefix}, log)
	if err != nil {
		log.Fatal("etcd client", zap.Error(err))
	}
	defer cli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var registered, renewed, failed atomic.Int64
	sem := make(chan struct{}, *conc)
	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.99.%d.%d", i/250, i%250+1)
			rec := discovery.MemberRecord{
				ID:           discovery.MemberID(addr, 5060),
				Address:      addr,
				Port:         5060,
				RegisteredAt: time.Now(),
				RenewedAt:    time.Now(),
				TTLSeconds:   int64(*ttl / time.Second),
				Instance:     fmt.Sprintf("bench-%d", i),
			}
			lease, err := cli.Register(ctx, rec, *ttl)
			<-sem
			if err != nil {
				failed.Add(1)
				log.Warn("register", zap.String("member", rec.ID), zap.Error(err))
				return
			}
			registered.Add(1)

			hctx, cancel := context.WithTimeout(ctx, *hold)
			defer cancel()
			ticker := time.NewTicker(*heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-hctx.Done():
					if *crash {
						return
					}
					dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
					if err := cli.Deregister(dctx, lease, rec.ID); err != nil {
						log.Warn("deregister", zap.String("member", rec.ID), zap.Error(err))
					}
					dcancel()
					return
				case <-ticker.C:
					rec.RenewedAt = time.Now()
					if err := cli.Renew(hctx, lease, rec); err != nil {
						if hctx.Err() == nil {
							failed.Add(1)
							log.Warn("renew", zap.String("member", rec.ID), zap.Error(err))
						}
						continue
					}
					renewed.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	ops := registered.Load() + renewed.Load()
	fmt.Printf("Registered %d members, %d heartbeats, %d failures in %s (%.2f ops/s)\n",
		registered.Load(), renewed.Load(), failed.Load(), dur, float64(ops)/dur.Seconds())
}
