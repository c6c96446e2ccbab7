package fanout

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeProducesTypedEnvelope(t *testing.T) {
	b, err := encode(EventCaptureStarted, nil)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	require.Equal(t, string(EventCaptureStarted), env.Type)
}

func TestEncodeCarriesPayload(t *testing.T) {
	b, err := encode(EventPcapSaved, PcapSavedPayload{Filename: "x.pcap", PacketCount: 5})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(b, &env))

	var payload PcapSavedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Equal(t, "x.pcap", payload.Filename)
	require.Equal(t, 5, payload.PacketCount)
}

func TestSessionEnqueueDropsOldestWhenFull(t *testing.T) {
	s := &session{outbound: make(chan []byte, 2), done: make(chan struct{})}

	s.enqueue([]byte("1"))
	s.enqueue([]byte("2"))
	s.enqueue([]byte("3")) // queue full: must drop "1", keep "2" and "3"

	first := <-s.outbound
	second := <-s.outbound
	require.Equal(t, "2", string(first))
	require.Equal(t, "3", string(second))

	s.laggyMu.Lock()
	laggy := s.laggy
	s.laggyMu.Unlock()
	require.True(t, laggy)
}

func TestJoinInterlockSkipsReadyWhenCaptureActive(t *testing.T) {
	h := New(nil, true)
	h.SetCaptureActive(true)

	s := &session{id: "a", outbound: make(chan []byte, 4), done: make(chan struct{})}
	h.join(s)

	select {
	case <-s.outbound:
		t.Fatal("interface_ready must not be emitted while a capture is active")
	default:
	}
}

func TestJoinEmitsReadyWhenLiveConfiguredAndIdle(t *testing.T) {
	h := New(nil, true)

	s := &session{id: "a", outbound: make(chan []byte, 4), done: make(chan struct{})}
	h.join(s)

	select {
	case b := <-s.outbound:
		var env Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		require.Equal(t, string(EventInterfaceReady), env.Type)
	default:
		t.Fatal("expected interface_ready to be queued")
	}
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	h := New(nil, false)
	a := &session{id: "a", outbound: make(chan []byte, 4), done: make(chan struct{})}
	b := &session{id: "b", outbound: make(chan []byte, 4), done: make(chan struct{})}
	h.mu.Lock()
	h.sessions["a"] = a
	h.sessions["b"] = b
	h.mu.Unlock()

	h.Broadcast(EventCaptureStopped, nil)

	require.Len(t, a.outbound, 1)
	require.Len(t, b.outbound, 1)
}
