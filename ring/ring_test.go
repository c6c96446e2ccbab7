package ring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetgraph/observatory/types"
)

func mkPacket(ts float64) *types.PacketRecord {
	return &types.PacketRecord{Timestamp: ts, Length: 10}
}

func TestRingCapacityPlusOneRetainsNewest(t *testing.T) {
	r := New(4)
	for i := 0; i < 5; i++ {
		r.Append(mkPacket(float64(i)))
	}
	require.Equal(t, 4, r.Len())

	recent := r.Recent(10)
	require.Len(t, recent, 4)
	require.Equal(t, float64(4), recent[len(recent)-1].Timestamp, "newest must be retained")
	require.Equal(t, float64(1), recent[0].Timestamp, "oldest surviving entry")
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	r := New(100)
	for i := 0; i < 10000; i++ {
		r.Append(mkPacket(float64(i)))
	}
	require.LessOrEqual(t, r.Len(), 100)
}

func TestRingRecentCopiesDoNotAlias(t *testing.T) {
	r := New(10)
	p := mkPacket(1)
	p.Payload = []byte("hello")
	r.Append(p)

	copies := r.Recent(1)
	copies[0].Payload[0] = 'X'
	require.Equal(t, byte('h'), p.Payload[0], "Recent must return value copies")
}

func TestRingSearch(t *testing.T) {
	r := New(10)
	p1 := mkPacket(1)
	p1.Payload = []byte("GET /login HTTP/1.1")
	p2 := mkPacket(2)
	p2.Payload = []byte("no match here")
	r.Append(p1)
	r.Append(p2)

	found := r.Search([]byte("login"))
	require.Len(t, found, 1)
}
