package obsmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/packetgraph/observatory/types"
)

func TestObservePacketIncrementsByProtocol(t *testing.T) {
	before := testutil.ToFloat64(PacketsDecoded.WithLabelValues(string(types.ProtoHTTP)))
	ObservePacket(types.ProtoHTTP, 100)
	after := testutil.ToFloat64(PacketsDecoded.WithLabelValues(string(types.ProtoHTTP)))
	require.Equal(t, before+1, after)
}

func TestObserveSnapshotSetsGauges(t *testing.T) {
	snap := &types.Snapshot{
		Nodes: []*types.Node{{}, {}},
		Edges: []*types.Edge{{}},
	}
	ObserveSnapshot(snap)
	require.Equal(t, float64(2), testutil.ToFloat64(SnapshotNodes))
	require.Equal(t, float64(1), testutil.ToFloat64(SnapshotEdges))
}

func TestObserveSnapshotNilIsNoop(t *testing.T) {
	require.NotPanics(t, func() { ObserveSnapshot(nil) })
}

func TestObserveAlertIncrementsByKind(t *testing.T) {
	before := testutil.ToFloat64(AlertsFired.WithLabelValues(string(types.AlertPortScan)))
	ObserveAlert(types.AlertPortScan)
	after := testutil.ToFloat64(AlertsFired.WithLabelValues(string(types.AlertPortScan)))
	require.Equal(t, before+1, after)
}

func TestFanoutSessionsAndDecodeChannelDepthAreSettable(t *testing.T) {
	FanoutSessions.Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(FanoutSessions))

	DecodeChannelDepth.Set(7)
	require.Equal(t, float64(7), testutil.ToFloat64(DecodeChannelDepth))
}
