// Package resolve implements the DNS Resolver (§4.C): a non-blocking
// reverse-lookup cache backed by a bounded worker pool, plus a
// synchronous variant used by the Replay Engine so replayed snapshots
// stay deterministic. Grounded on the teacher's resolvers package
// being pulled in by decoder/ipProfile.go (resolvers.LookupDNSNameLocal)
// for the same reverse-lookup concern; built on stdlib net.LookupAddr
// since no example repo ships a reverse-DNS pool library distinct from
// the standard resolver.
package resolve

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var resolveLog = zap.NewNop()

// SetLogger installs the package logger.
func SetLogger(l *zap.Logger) {
	if l != nil {
		resolveLog = l
	}
}

const (
	defaultWorkers = 10
	lookupTimeout  = 2 * time.Second
)

// Resolver is a process-wide reverse-DNS cache with a bounded pool of
// background lookup workers (§5: "readers of the cache never wait on
// a lookup in flight").
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]string // ip -> hostname, absent entry means "not yet resolved"

	inflight map[string]bool
	jobs     chan string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New starts a Resolver with the given worker count (default 10).
func New(workers int) *Resolver {
	if workers <= 0 {
		workers = defaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		cache:    make(map[string]string),
		inflight: make(map[string]bool),
		jobs:     make(chan string, workers*4),
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	return r
}

// Close stops the worker pool. Outstanding jobs are abandoned.
func (r *Resolver) Close() {
	r.cancel()
	close(r.jobs)
	r.wg.Wait()
}

// Resolve returns the IP literal immediately on first call and
// enqueues a background lookup; subsequent calls return the cached
// hostname once the lookup completes, or the IP literal if the lookup
// failed or is still pending (§4.C).
func (r *Resolver) Resolve(ip string) string {
	r.mu.RLock()
	if host, ok := r.cache[ip]; ok {
		r.mu.RUnlock()
		return host
	}
	r.mu.RUnlock()

	r.mu.Lock()
	if r.inflight[ip] {
		r.mu.Unlock()
		return ip
	}
	r.inflight[ip] = true
	r.mu.Unlock()

	select {
	case r.jobs <- ip:
	default:
		// pool saturated; drop the job, caller keeps seeing the IP
		// literal until a future call finds room.
		r.mu.Lock()
		delete(r.inflight, ip)
		r.mu.Unlock()
	}

	return ip
}

func (r *Resolver) worker(ctx context.Context) {
	defer r.wg.Done()
	for ip := range r.jobs {
		host := lookup(ctx, ip)

		r.mu.Lock()
		if host != "" {
			r.cache[ip] = host
		} else {
			r.cache[ip] = ip
		}
		delete(r.inflight, ip)
		r.mu.Unlock()
	}
}

// ResolveSync performs a blocking lookup, used by the Replay Engine so
// a replayed run's snapshots are stable across runs (§4.J).
func (r *Resolver) ResolveSync(ip string) string {
	r.mu.RLock()
	if host, ok := r.cache[ip]; ok {
		r.mu.RUnlock()
		return host
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	host := lookup(ctx, ip)
	if host == "" {
		host = ip
	}

	r.mu.Lock()
	r.cache[ip] = host
	r.mu.Unlock()

	return host
}

// Cached returns the current cache entry without triggering a lookup.
func (r *Resolver) Cached(ip string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	host, ok := r.cache[ip]
	return host, ok
}

// Snapshot returns a value copy of the full cache for §3's Snapshot.DNSCache.
func (r *Resolver) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.cache))
	for k, v := range r.cache {
		out[k] = v
	}
	return out
}

func lookup(ctx context.Context, ip string) string {
	if _, err := netip.ParseAddr(ip); err != nil {
		return ""
	}

	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}
