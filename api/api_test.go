package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetgraph/observatory/decode"
	"github.com/packetgraph/observatory/graph"
	"github.com/packetgraph/observatory/stream"
	"github.com/packetgraph/observatory/types"
)

func newTestServer(t *testing.T) *Server {
	return &Server{
		CaptureDir: t.TempDir(),
		Latest:     func() *types.Snapshot { return nil },
		Graph:      graph.New(),
		Streams:    stream.New(0),
		Decoder:    decode.New(nil),
	}
}

func TestGraphReturnsEmptySnapshotBeforeFirstTick(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/graph", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGraphHostFilterReturnsOnlyMatchingNodeAndItsEdges(t *testing.T) {
	s := newTestServer(t)

	srcID := s.Graph.CanonicalID("10.0.0.1")
	s.Latest = func() *types.Snapshot {
		return &types.Snapshot{
			Nodes: []*types.Node{
				{ID: srcID, Label: "10.0.0.1"},
				{ID: "other", Label: "10.0.0.2"},
			},
			Edges: []*types.Edge{
				{Src: srcID, Dst: "other", Protocol: types.ProtoTCP},
				{Src: "unrelated-a", Dst: "unrelated-b", Protocol: types.ProtoUDP},
			},
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/graph?host=10.0.0.1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var snap types.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Nodes, 1)
	require.Equal(t, srcID, snap.Nodes[0].ID)
	require.Len(t, snap.Edges, 1)
}

func TestReplayRejectsFilenameOutsidePattern(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/replay?filename=../../etc/passwd&offset=0", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayRejectsOffsetOutOfRange(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/replay?filename=test.pcap&offset=-1", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadReturns404WhenNoFiles(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/download", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamRejectsOverlongID(t *testing.T) {
	s := newTestServer(t)
	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	req := httptest.NewRequest(http.MethodGet, "/api/stream?id="+string(long), nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamRejectsDisallowedCharacters(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/stream?id=%3Cscript%3E", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamsStatsReturnsJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/streams/stats", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
