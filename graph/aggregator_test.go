package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/packetgraph/observatory/types"
)

func TestHostMergeViaLateDNS(t *testing.T) {
	g := New()
	now := time.Now()

	for i := 0; i < 100; i++ {
		g.UpsertNode("10.0.0.9", "", 200, true, "", now)
		g.UpsertNode("10.0.0.10", "", 200, false, "", now)
		g.UpsertEdge("10.0.0.9", "10.0.0.10", types.ProtoTCP, 200, now)
	}

	g.UpsertNode("10.0.0.9", "scanner.example", 100, true, "", now)

	nodes, edges := g.Snapshot()

	var scanner *types.Node
	for _, n := range nodes {
		if n.ID == "scanner.example" {
			scanner = n
		}
		require.NotEqual(t, "10.0.0.9", n.ID, "old id must not survive the rename")
	}
	require.NotNil(t, scanner, "renamed node must be present as scanner.example")
	require.EqualValues(t, 100*200+100, scanner.BytesSent)
	require.Contains(t, scanner.IPList, "10.0.0.9")

	var found bool
	for _, e := range edges {
		if e.Src == "scanner.example" && e.Dst == "10.0.0.10" {
			found = true
			require.EqualValues(t, 100, e.PacketCount)
			require.EqualValues(t, 100*200, e.ByteCount)
		}
		require.NotEqual(t, "10.0.0.9", e.Src, "stale edge endpoint must not survive the rename")
	}
	require.True(t, found, "edge must be rekeyed to the resolved hostname")
}

func TestUpsertNodeCountsOnePacketPerCall(t *testing.T) {
	g := New()
	now := time.Now()

	g.UpsertNode("10.0.0.1", "", 500, true, "", now)
	nodes, _ := g.Snapshot()
	require.Len(t, nodes, 1)
	require.EqualValues(t, 500, nodes[0].BytesSent)
	require.EqualValues(t, 1, nodes[0].PacketsSent)
}

func TestEdgeProtocolPromotion(t *testing.T) {
	g := New()
	now := time.Now()

	g.UpsertEdge("a", "b", types.ProtoTCP, 10, now)
	e := g.UpsertEdge("a", "b", types.ProtoHTTP, 10, now)
	require.Equal(t, types.ProtoHTTP, e.Protocol)

	// a more generic tag must never demote an already-specific one.
	e = g.UpsertEdge("a", "b", types.ProtoTCP, 10, now)
	require.Equal(t, types.ProtoHTTP, e.Protocol)
}

// TestMergeCollidingEdges resolves §9's Open Question: two distinct
// pre-merge edges that rewrite to the same post-merge key must sum,
// not silently drop one side.
func TestMergeCollidingEdges(t *testing.T) {
	g := New()
	now := time.Now()

	// Two separate source IPs, 10.0.0.1 and 10.0.0.2, both already have
	// an edge to the same destination id "dst". Both are then merged into
	// one hostname node, forcing an edge-key collision on the second merge.
	g.UpsertNode("10.0.0.1", "", 0, true, "", now)
	g.UpsertNode("10.0.0.2", "", 0, true, "", now)
	g.UpsertEdge("10.0.0.1", "dst", types.ProtoTCP, 100, now)
	g.UpsertEdge("10.0.0.2", "dst", types.ProtoTCP, 50, now)

	// resolving 10.0.0.1 and 10.0.0.2 to the SAME hostname forces both
	// edges (10.0.0.1->dst) and (10.0.0.2->dst) to collide on key "host->dst".
	g.UpsertNode("10.0.0.1", "host", 0, true, "", now)
	g.UpsertNode("10.0.0.2", "host", 0, true, "", now)

	_, edges := g.Snapshot()

	var e *types.Edge
	for _, edge := range edges {
		if edge.Src == "host" && edge.Dst == "dst" {
			e = edge
		}
	}
	require.NotNil(t, e, "colliding edges must merge into one")
	require.EqualValues(t, 150, e.ByteCount, "byte counts of colliding edges must sum")
	require.EqualValues(t, 2, e.PacketCount)
}

func TestDecayDoesNotTouchLiveEntries(t *testing.T) {
	g := New()
	old := time.Now().Add(-2 * time.Hour)
	fresh := time.Now()

	g.UpsertNode("10.0.0.1", "", 10, true, "", old)
	g.UpsertNode("10.0.0.2", "", 10, true, "", fresh)
	g.UpsertEdge("10.0.0.1", "10.0.0.2", types.ProtoTCP, 10, old)

	nodesRemoved, edgesRemoved := g.Decay(time.Hour, time.Minute, time.Now())
	require.Equal(t, 1, nodesRemoved)
	require.Equal(t, 1, edgesRemoved)

	nodes, edges := g.Snapshot()
	require.Len(t, nodes, 1)
	require.Len(t, edges, 0)
	require.Equal(t, "10.0.0.2", nodes[0].ID)
}

func TestSnapshotEveryEdgeEndpointIsALiveNode(t *testing.T) {
	g := New()
	now := time.Now()

	for i := 0; i < 20; i++ {
		g.UpsertNode("10.0.0.1", "", 10, true, "", now)
		g.UpsertNode("10.0.0.2", "", 10, false, "", now)
		g.UpsertEdge("10.0.0.1", "10.0.0.2", types.ProtoHTTP, 10, now)
	}

	nodes, edges := g.Snapshot()
	ids := map[string]bool{}
	for _, n := range nodes {
		ids[n.ID] = true
	}
	for _, e := range edges {
		require.True(t, ids[e.Src], "edge src must name a live node")
		require.True(t, ids[e.Dst], "edge dst must name a live node")
	}
}

func TestResetClearsNodesEdgesAndMergeTables(t *testing.T) {
	g := New()
	now := time.Now()

	g.UpsertNode("10.0.0.1", "host.example", 100, true, "", now)
	g.UpsertNode("10.0.0.2", "", 100, false, "", now)
	g.UpsertEdge("host.example", "10.0.0.2", types.ProtoHTTP, 100, now)

	g.Reset()

	nodes, edges := g.Snapshot()
	require.Empty(t, nodes)
	require.Empty(t, edges)
	require.Equal(t, 0, g.NodeCount())
	require.Equal(t, 0, g.EdgeCount())
	require.EqualValues(t, 0, g.TotalPacketsHint())
	require.Equal(t, "10.0.0.1", g.CanonicalID("10.0.0.1"), "a reset forgets prior ip->id bindings")
}
