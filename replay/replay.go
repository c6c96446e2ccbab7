// Package replay implements the Replay Engine (§4.J): loading a
// capture file fully into memory for deterministic offset-bounded
// queries, and the capture-control state machine shared by live and
// replay runs. Grounded on capture's pcapgo reader reused here for
// offline files, and the teacher's decoder-agnostic-to-source design:
// replay drives decode/graph/ring/stream/threat through the same
// interfaces live capture uses.
package replay

import (
	"context"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dreadl0ck/gopacket/pcapgo"
	"github.com/pkg/errors"

	"github.com/packetgraph/observatory/decode"
	"github.com/packetgraph/observatory/graph"
	"github.com/packetgraph/observatory/resolve"
	"github.com/packetgraph/observatory/ring"
	"github.com/packetgraph/observatory/stream"
	"github.com/packetgraph/observatory/threat"
	"github.com/packetgraph/observatory/types"
)

// record pairs a decoded packet with the original capture timestamp
// used for offset comparisons (§4.J).
type record struct {
	packet    *types.PacketRecord
	timestamp float64
}

// Engine holds an entire capture file in memory as an ordered array.
type Engine struct {
	records []record
	startTS float64
}

// Load reads path fully into memory using dec to decode each frame.
func Load(path string, dec *decode.Decoder) (*Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open replay file")
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "parse pcap header")
	}

	e := &Engine{}
	first := true

	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read packet record")
		}

		ts := float64(ci.Timestamp.UnixNano()) / 1e9
		if first {
			e.startTS = ts
			first = false
		}

		pr := dec.Decode(data, ts)
		if pr == nil {
			continue
		}
		e.records = append(e.records, record{packet: pr, timestamp: ts})
	}

	return e, nil
}

// PacketsUpTo returns all records with timestamp <= start + offsetSeconds,
// via binary search over the ordered array (§4.J).
func (e *Engine) PacketsUpTo(offsetSeconds float64) []*types.PacketRecord {
	cutoff := e.startTS + offsetSeconds

	idx := sort.Search(len(e.records), func(i int) bool {
		return e.records[i].timestamp > cutoff
	})

	out := make([]*types.PacketRecord, idx)
	for i := 0; i < idx; i++ {
		out[i] = e.records[i].packet.Clone()
	}
	return out
}

// FullReplay returns every record in the file.
func (e *Engine) FullReplay() []*types.PacketRecord {
	out := make([]*types.PacketRecord, len(e.records))
	for i, r := range e.records {
		out[i] = r.packet.Clone()
	}
	return out
}

// Len reports how many records the file contained.
func (e *Engine) Len() int { return len(e.records) }

// Pipeline bundles the stateful stores a replay run drives, mirroring
// live capture's wiring (§4.J: "drives D, E, F, G through the same
// interfaces as live capture").
type Pipeline struct {
	Graph    *graph.Aggregator
	Ring     *ring.Ring
	Streams  *stream.Manager
	Threats  *threat.Detector
	Resolver *resolve.Resolver
}

// Drive feeds every record in packets through the pipeline in order,
// using the synchronous resolver variant so repeated replays of the
// same file produce identical snapshots (§4.J).
func (e *Engine) Drive(ctx context.Context, p Pipeline, packets []*types.PacketRecord) error {
	for _, pr := range packets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Unix(0, int64(pr.Timestamp*1e9))

		srcHost := p.Resolver.ResolveSync(pr.SrcEndpoint)
		dstHost := p.Resolver.ResolveSync(pr.DstEndpoint)

		srcNode := p.Graph.UpsertNode(pr.SrcEndpoint, srcHost, uint64(pr.Length), true, pr.SrcMAC, now)
		dstNode := p.Graph.UpsertNode(pr.DstEndpoint, dstHost, uint64(pr.Length), false, pr.DstMAC, now)
		p.Graph.UpsertEdge(srcNode.ID, dstNode.ID, pr.Protocol, uint64(pr.Length), now)

		p.Ring.Append(pr)
		p.Streams.AddPacket(pr)
		p.Threats.Observe(threat.Packet{
			Timestamp:   now,
			SrcEndpoint: pr.SrcEndpoint,
			DstEndpoint: pr.DstEndpoint,
			SrcMAC:      pr.SrcMAC,
			DstMAC:      pr.DstMAC,
			SrcPort:     pr.SrcPort,
			DstPort:     pr.DstPort,
			TCPFlags:    pr.TCPFlags,
			Protocol:    pr.Protocol,
			IsICMP:      pr.Protocol == types.ProtoICMP,
			ICMPType:    pr.ICMPType,
		})
	}
	return nil
}
