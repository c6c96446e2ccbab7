package stream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetgraph/observatory/types"
)

func TestHTTPStreamReconstruction(t *testing.T) {
	m := New(0)

	reqPayload := []byte("GET /x HTTP/1.1\r\nHost: y\r\n\r\n")
	respPayload := []byte("HTTP/1.1 200 OK\r\n\r\nhi")

	m.AddPacket(&types.PacketRecord{
		Timestamp: 1.0, SrcEndpoint: "A", SrcPort: 12345, DstEndpoint: "B", DstPort: 80,
		Length: len(reqPayload), TCPFlags: 0x18, Protocol: types.ProtoHTTP, Payload: reqPayload,
	})
	m.AddPacket(&types.PacketRecord{
		Timestamp: 1.1, SrcEndpoint: "B", SrcPort: 80, DstEndpoint: "A", DstPort: 12345,
		Length: len(respPayload), TCPFlags: 0x18, Protocol: types.ProtoHTTP, Payload: respPayload,
	})

	list := m.List()
	require.Len(t, list, 1, "one bidirectional stream must be produced, not two")
	require.Equal(t, types.ProtoHTTP, list[0].Protocol)
	require.Equal(t, "GET /x", list[0].Summary)

	detail, err := m.Get(list[0].ID)
	require.NoError(t, err)
	require.Equal(t, len(reqPayload), len(detail.RequestDump))
	require.Equal(t, len(respPayload), len(detail.ResponseDump))
}

func TestStreamDirectionIsSticky(t *testing.T) {
	m := New(0)

	m.AddPacket(&types.PacketRecord{SrcEndpoint: "A", SrcPort: 1000, DstEndpoint: "B", DstPort: 80, Protocol: types.ProtoHTTP, TCPFlags: 0x02, Timestamp: 1})
	// a later packet from B to A is the response leg of the same stream.
	m.AddPacket(&types.PacketRecord{SrcEndpoint: "B", SrcPort: 80, DstEndpoint: "A", DstPort: 1000, Protocol: types.ProtoHTTP, TCPFlags: 0x12, Timestamp: 2})
	// and a packet from A to B again is still the request leg.
	m.AddPacket(&types.PacketRecord{SrcEndpoint: "A", SrcPort: 1000, DstEndpoint: "B", DstPort: 80, Protocol: types.ProtoHTTP, TCPFlags: 0x10, Timestamp: 3})

	require.Equal(t, 1, m.Count())
	list := m.List()
	require.EqualValues(t, 3, list[0].PacketCount)
}

func Test501stPacketNotAppendedButCountersUpdate(t *testing.T) {
	m := New(0)

	for i := 0; i < 501; i++ {
		m.AddPacket(&types.PacketRecord{
			SrcEndpoint: "A", SrcPort: 1, DstEndpoint: "B", DstPort: 80,
			Protocol: types.ProtoHTTP, TCPFlags: 0x10, Length: 10, Timestamp: float64(i),
		})
	}

	list := m.List()
	require.EqualValues(t, 501, list[0].PacketCount)

	detail, err := m.Get(list[0].ID)
	require.NoError(t, err)
	require.Len(t, detail.Packets, 500, "per-stream packet list must cap at 500")
}

func TestStreamTableEvictsLRUAtCapacity(t *testing.T) {
	m := New(2)

	m.AddPacket(&types.PacketRecord{SrcEndpoint: "A", SrcPort: 1, DstEndpoint: "X", DstPort: 80, Protocol: types.ProtoHTTP, Timestamp: 1})
	m.AddPacket(&types.PacketRecord{SrcEndpoint: "B", SrcPort: 1, DstEndpoint: "X", DstPort: 80, Protocol: types.ProtoHTTP, Timestamp: 2})
	require.Equal(t, 2, m.Count())

	// third distinct stream must evict the least-recently-seen (A->X).
	m.AddPacket(&types.PacketRecord{SrcEndpoint: "C", SrcPort: 1, DstEndpoint: "X", DstPort: 80, Protocol: types.ProtoHTTP, Timestamp: 3})
	require.Equal(t, 2, m.Count())

	for _, s := range m.List() {
		require.NotEqual(t, "A", s.EndpointA, "the oldest stream must have been evicted")
	}
}

func TestPayloadBufferCappedAt1MiB(t *testing.T) {
	m := New(0)
	chunk := make([]byte, 600000)

	m.AddPacket(&types.PacketRecord{SrcEndpoint: "A", SrcPort: 1, DstEndpoint: "B", DstPort: 80, Protocol: types.ProtoHTTP, Payload: chunk, Timestamp: 1})
	m.AddPacket(&types.PacketRecord{SrcEndpoint: "A", SrcPort: 1, DstEndpoint: "B", DstPort: 80, Protocol: types.ProtoHTTP, Payload: chunk, Timestamp: 2})

	list := m.List()
	detail, err := m.Get(list[0].ID)
	require.NoError(t, err)
	require.LessOrEqual(t, len(detail.RequestDump), maxPayloadBytes)
}

func TestDNSSummary(t *testing.T) {
	m := New(0)
	m.AddPacket(&types.PacketRecord{SrcEndpoint: "A", SrcPort: 5000, DstEndpoint: "B", DstPort: 53, Protocol: types.ProtoDNS, Length: 40, Timestamp: 1})

	list := m.List()
	require.Contains(t, list[0].Summary, "DNS Query")
}

func TestResetDropsAllStreams(t *testing.T) {
	m := New(0)
	m.AddPacket(&types.PacketRecord{SrcEndpoint: "A", SrcPort: 1, DstEndpoint: "B", DstPort: 80, Protocol: types.ProtoHTTP, Timestamp: 1})
	require.Equal(t, 1, m.Count())

	m.Reset()
	require.Equal(t, 0, m.Count())
	require.Empty(t, m.List())
}
