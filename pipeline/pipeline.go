// Package pipeline wires the packet source through the decoder
// workers into the aggregation stores (§5): a bounded channel between
// the source and a fixed worker pool, workers hashing by endpoint pair
// so per-pair ordering survives fan-out, and a debug dump-on-panic
// guard per worker grounded on the teacher's spew.Dump-inside-recover
// pattern (decoder/gopacketDecoder.go).
package pipeline

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"

	"github.com/packetgraph/observatory/capture"
	"github.com/packetgraph/observatory/decode"
	"github.com/packetgraph/observatory/graph"
	"github.com/packetgraph/observatory/obsmetrics"
	"github.com/packetgraph/observatory/resolve"
	"github.com/packetgraph/observatory/ring"
	"github.com/packetgraph/observatory/stream"
	"github.com/packetgraph/observatory/threat"
	"github.com/packetgraph/observatory/types"
)

var pipeLog = zap.NewNop()

// SetLogger installs the package logger.
func SetLogger(l *zap.Logger) {
	if l != nil {
		pipeLog = l
	}
}

// DefaultChannelDepth is the bounded source->worker channel depth (§5).
const DefaultChannelDepth = 1000

// Config bundles the constructed stores and tunables the pipeline wires.
type Config struct {
	Source   capture.Source
	Decoder  *decode.Decoder
	Graph    *graph.Aggregator
	Ring     *ring.Ring
	Streams  *stream.Manager
	Threats  *threat.Detector
	Resolver *resolve.Resolver
	Recorder *capture.FrameBuffer

	Workers      int
	ChannelDepth int
	Debug        bool
}

// Pipeline owns the worker pool and the bounded channel feeding it.
type Pipeline struct {
	cfg     Config
	workers int
	frames  chan capture.Frame
	wg      sync.WaitGroup
}

// New constructs a Pipeline. Workers<=0 defaults to 4; ChannelDepth<=0
// defaults to DefaultChannelDepth.
func New(cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ChannelDepth <= 0 {
		cfg.ChannelDepth = DefaultChannelDepth
	}
	return &Pipeline{cfg: cfg, workers: cfg.Workers}
}

// Run starts the source and the worker pool and blocks until ctx is
// canceled or the source closes, draining in the order §5 specifies:
// source first, then the packet channel, then the workers.
func (p *Pipeline) Run(ctx context.Context) error {
	frameCh, errCh := p.cfg.Source.Frames(ctx)

	shards := make([]chan capture.Frame, p.workers)
	for i := range shards {
		shards[i] = make(chan capture.Frame, p.cfg.ChannelDepth/p.workers+1)
		p.wg.Add(1)
		go p.worker(shards[i])
	}

	go func() {
		for err := range errCh {
			pipeLog.Error("capture source error", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			for _, s := range shards {
				close(s)
			}
			p.wg.Wait()
			return ctx.Err()

		case fr, ok := <-frameCh:
			if !ok {
				for _, s := range shards {
					close(s)
				}
				p.wg.Wait()
				return nil
			}
			if p.cfg.Recorder != nil {
				p.cfg.Recorder.Append(fr)
			}

			shard := p.shardFor(fr)
			select {
			case shards[shard] <- fr:
				obsmetrics.DecodeChannelDepth.Set(float64(len(shards[shard])))
			case <-ctx.Done():
			}
		}
	}
}

// shardFor hashes the IP source and destination addresses read straight
// from an untagged Ethernet frame, so every packet of one directed
// endpoint pair lands on the same worker and keeps its source order.
// Frames that are not untagged IPv4/IPv6 Ethernet are hashed whole.
func (p *Pipeline) shardFor(fr capture.Frame) int {
	h := fnv.New32a()
	raw := fr.Raw
	switch {
	case len(raw) >= 34 && raw[12] == 0x08 && raw[13] == 0x00:
		h.Write(raw[26:34]) // IPv4 src+dst
	case len(raw) >= 54 && raw[12] == 0x86 && raw[13] == 0xdd:
		h.Write(raw[22:54]) // IPv6 src+dst
	default:
		h.Write(raw)
	}
	return int(h.Sum32()) % p.workers
}

func (p *Pipeline) worker(in <-chan capture.Frame) {
	defer p.wg.Done()

	for fr := range in {
		p.processOne(fr)
	}
}

func (p *Pipeline) processOne(fr capture.Frame) {
	if p.cfg.Debug {
		defer func() {
			if r := recover(); r != nil {
				spew.Dump(fr)
				pipeLog.Error("recovered from panic decoding frame", zap.Any("panic", r))
			}
		}()
	}

	ts := float64(fr.WallTimestamp.UnixNano()) / 1e9
	rec := p.cfg.Decoder.Decode(fr.Raw, ts)
	if rec == nil {
		return
	}
	obsmetrics.ObservePacket(rec.Protocol, rec.Length)

	now := fr.WallTimestamp
	if now.IsZero() {
		now = time.Now()
	}

	srcHost := rec.SrcEndpoint
	dstHost := rec.DstEndpoint
	if p.cfg.Resolver != nil {
		if h, ok := p.cfg.Resolver.Cached(rec.SrcEndpoint); ok {
			srcHost = h
		} else {
			p.cfg.Resolver.Resolve(rec.SrcEndpoint)
		}
		if h, ok := p.cfg.Resolver.Cached(rec.DstEndpoint); ok {
			dstHost = h
		} else {
			p.cfg.Resolver.Resolve(rec.DstEndpoint)
		}
	}

	srcNode := p.cfg.Graph.UpsertNode(rec.SrcEndpoint, srcHost, uint64(rec.Length), true, rec.SrcMAC, now)
	dstNode := p.cfg.Graph.UpsertNode(rec.DstEndpoint, dstHost, uint64(rec.Length), false, rec.DstMAC, now)
	p.cfg.Graph.UpsertEdge(srcNode.ID, dstNode.ID, rec.Protocol, uint64(rec.Length), now)

	p.cfg.Ring.Append(rec)
	p.cfg.Streams.AddPacket(rec)

	p.cfg.Threats.Observe(threat.Packet{
		Timestamp:   now,
		SrcEndpoint: rec.SrcEndpoint,
		DstEndpoint: rec.DstEndpoint,
		SrcMAC:      rec.SrcMAC,
		DstMAC:      rec.DstMAC,
		SrcPort:     rec.SrcPort,
		DstPort:     rec.DstPort,
		TCPFlags:    rec.TCPFlags,
		Protocol:    rec.Protocol,
		IsICMP:      rec.Protocol == types.ProtoICMP,
		ICMPType:    rec.ICMPType,
	})
}
