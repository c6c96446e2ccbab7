// Package obsmetrics exposes the process's Prometheus metrics surface
// on /metrics. Grounded on the teacher's types/vrrpv2.go, which
// registers a prometheus.CounterVec per audit-record type and
// increments it per record; this package generalizes that pattern to
// per-protocol packet/byte counters and the pipeline's own gauges
// instead of one vec per audit-record kind.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetgraph/observatory/types"
)

var (
	PacketsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observatory_packets_decoded_total",
		Help: "Packets successfully decoded, by application protocol.",
	}, []string{"protocol"})

	BytesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observatory_bytes_decoded_total",
		Help: "Frame bytes decoded, by application protocol.",
	}, []string{"protocol"})

	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observatory_alerts_fired_total",
		Help: "Threat detector alerts fired, by kind.",
	}, []string{"kind"})

	SnapshotNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "observatory_snapshot_nodes",
		Help: "Node count in the most recently published snapshot.",
	})

	SnapshotEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "observatory_snapshot_edges",
		Help: "Edge count in the most recently published snapshot.",
	})

	FanoutSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "observatory_fanout_sessions",
		Help: "Connected observer sessions.",
	})

	DecodeChannelDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "observatory_decode_channel_depth",
		Help: "Current depth of the bounded decoder worker channel.",
	})
)

// ObservePacket records one decoded packet's protocol tag and length,
// mirroring the per-record Inc() the teacher attaches to each audit type.
func ObservePacket(protocol types.AppProtocol, length int) {
	PacketsDecoded.WithLabelValues(string(protocol)).Inc()
	BytesDecoded.WithLabelValues(string(protocol)).Add(float64(length))
}

// ObserveAlert records one fired alert by kind.
func ObserveAlert(kind types.AlertKind) {
	AlertsFired.WithLabelValues(string(kind)).Inc()
}

// ObserveSnapshot updates the gauges derived from a published snapshot.
func ObserveSnapshot(snap *types.Snapshot) {
	if snap == nil {
		return
	}
	SnapshotNodes.Set(float64(len(snap.Nodes)))
	SnapshotEdges.Set(float64(len(snap.Edges)))
}
