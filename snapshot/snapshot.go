// Package snapshot implements the Batcher/Snapshot Builder (§4.H): a
// fixed-cadence ticker that materializes a consistent, value-copied
// view of the graph, ring, stream table and threat detector for
// delivery to fanout subscribers. Grounded on the teacher's
// InitGoPacketDecoders flush/writer-handoff cycle, generalized here to
// a read-lock-and-copy tick instead of a file flush.
package snapshot

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/packetgraph/observatory/graph"
	"github.com/packetgraph/observatory/obsmetrics"
	"github.com/packetgraph/observatory/resolve"
	"github.com/packetgraph/observatory/ring"
	"github.com/packetgraph/observatory/stream"
	"github.com/packetgraph/observatory/threat"
	"github.com/packetgraph/observatory/types"
)

var snapLog = zap.NewNop()

// SetLogger installs the package logger.
func SetLogger(l *zap.Logger) {
	if l != nil {
		snapLog = l
	}
}

// DefaultInterval is T, the fixed tick period (§4.H).
const DefaultInterval = 2 * time.Second

// Sources bundles the read-only accessors the Builder pulls a tick from.
type Sources struct {
	Graph   *graph.Aggregator
	Ring    *ring.Ring
	Streams *stream.Manager
	Threats *threat.Detector
	Resolve *resolve.Resolver
}

// Builder ticks at a fixed cadence and publishes the latest Snapshot,
// coalescing any ticks that arrive while a previous build is still in
// flight (§4.H: "a slow consumer never causes more than one build to
// run at a time").
type Builder struct {
	mu       sync.Mutex
	sources  Sources
	interval time.Duration
	latest   *types.Snapshot
	started  time.Time

	subs   map[int]chan *types.Snapshot
	nextID int
	subMu  sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// New constructs a Builder. interval<=0 uses DefaultInterval.
func New(sources Sources, interval time.Duration) *Builder {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Builder{
		sources:  sources,
		interval: interval,
		started:  time.Time{},
		subs:     make(map[int]chan *types.Snapshot),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run drives the ticker until Stop is called. Intended to be launched
// in its own goroutine by the pipeline wiring.
func (b *Builder) Run() {
	defer close(b.done)

	if b.started.IsZero() {
		b.started = time.Now()
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	building := false
	var buildMu sync.Mutex

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			buildMu.Lock()
			if building {
				buildMu.Unlock()
				continue // coalesce: a build is already in flight
			}
			building = true
			buildMu.Unlock()

			snap := b.build()

			buildMu.Lock()
			building = false
			buildMu.Unlock()

			b.publish(snap)
		}
	}
}

// Stop halts the ticker loop.
func (b *Builder) Stop() {
	close(b.stop)
	<-b.done
}

// build acquires each source's own lock in turn (never a global lock)
// and copies out a consistent-enough view per §4.H's "each component
// is individually consistent; cross-component staleness of at most one
// tick is acceptable".
func (b *Builder) build() *types.Snapshot {
	nodes, edges := b.sources.Graph.Snapshot()
	recent := b.sources.Ring.Recent(0)
	dnsCache := map[string]string{}
	if b.sources.Resolve != nil {
		dnsCache = b.sources.Resolve.Snapshot()
	}

	var threatCount int
	if b.sources.Threats != nil {
		threatCount = b.sources.Threats.Count()
	}

	total := b.sources.Graph.TotalPacketsHint()

	summary := computeSummary(nodes, edges, recent, total, threatCount, b.started)

	snap := &types.Snapshot{
		Packets:       recent,
		Count:         len(recent),
		Nodes:         nodes,
		Edges:         edges,
		TotalCaptured: total,
		DNSCache:      dnsCache,
		Statistics:    summary,
	}

	b.mu.Lock()
	b.latest = snap
	b.mu.Unlock()

	obsmetrics.ObserveSnapshot(snap)

	return snap
}

// computeSummary derives §4.H's fixed Summary fields from a tick's
// materialized state.
func computeSummary(nodes []*types.Node, edges []*types.Edge, recent []*types.PacketRecord, total uint64, threats int, started time.Time) types.Summary {
	var totalBytes uint64
	protocols := make(map[types.AppProtocol]bool)
	for _, e := range edges {
		totalBytes = saturatingAdd(totalBytes, e.ByteCount)
		protocols[e.Protocol] = true
	}

	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	var avgPacketSize float64
	if total > 0 {
		avgPacketSize = float64(totalBytes) / float64(total)
	}

	return types.Summary{
		TotalPackets:      total,
		UniqueHosts:       len(nodes),
		ActiveConnections: len(edges),
		TotalBytes:        totalBytes,
		AvgPacketSize:     avgPacketSize,
		DataVolumeMB:      float64(totalBytes) / (1024 * 1024),
		PacketsPerSec:     float64(total) / elapsed,
		BandwidthMbps:     (float64(totalBytes) * 8) / elapsed / 1_000_000,
		ProtocolCount:     len(protocols),
		ThreatsFound:      threats,
	}
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// Latest returns the most recently built snapshot, or nil before the
// first tick completes.
func (b *Builder) Latest() *types.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// Subscribe registers a channel that receives every future snapshot.
// The returned cancel func must be called to unregister.
func (b *Builder) Subscribe(buf int) (<-chan *types.Snapshot, func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *types.Snapshot, buf)
	b.subs[id] = ch

	return ch, func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Builder) publish(snap *types.Snapshot) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
			snapLog.Warn("snapshot subscriber dropped a tick; channel full")
		}
	}
}
