// Package api implements the synchronous HTTP endpoints of §6:
// snapshot/file/stream interfaces served alongside the WebSocket
// observer channel. Grounded on postmanlabs-observability-cli and
// packetd-packetd, both routing a gopacket-based capture service
// through gorilla/mux.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/packetgraph/observatory/decode"
	"github.com/packetgraph/observatory/graph"
	"github.com/packetgraph/observatory/replay"
	"github.com/packetgraph/observatory/stream"
	"github.com/packetgraph/observatory/types"
)

var apiLog = zap.NewNop()

// SetLogger installs the package logger.
func SetLogger(l *zap.Logger) {
	if l != nil {
		apiLog = l
	}
}

var filenamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+\.pcap$`)

const maxReplayOffsetSeconds = 86400 * 365

// disallowedStreamIDChars mirrors §6's stream-id validation:
// max 200 characters, none of < > " ' &.
var disallowedStreamIDChars = regexp.MustCompile(`[<>"'&]`)

// SnapshotProvider supplies the current materialized view for /api/graph.
type SnapshotProvider func() *types.Snapshot

// Server holds the dependencies the HTTP handlers read from; it owns
// no state of its own beyond the capture directory path.
type Server struct {
	CaptureDir string
	Latest     SnapshotProvider
	Graph      *graph.Aggregator
	Streams    *stream.Manager
	Decoder    *decode.Decoder
}

// Router builds the gorilla/mux router for every §6 endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/graph", s.handleGraph).Methods(http.MethodGet)
	r.HandleFunc("/api/pcaps", s.handlePcaps).Methods(http.MethodGet)
	r.HandleFunc("/api/replay", s.handleReplay).Methods(http.MethodGet)
	r.HandleFunc("/api/download", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/streams", s.handleStreams).Methods(http.MethodGet)
	r.HandleFunc("/api/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/api/streams/stats", s.handleStreamStats).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		apiLog.Error("failed to write json response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleGraph implements GET /api/graph[?host=]. The optional host
// filter narrows the response to one node (resolved through the live
// IP/hostname merge table, so either an IP literal or a hostname
// reaches the same node) and the edges touching it.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	snap := s.Latest()
	if snap == nil {
		snap = &types.Snapshot{Nodes: []*types.Node{}, Edges: []*types.Edge{}}
	}

	host := r.URL.Query().Get("host")
	if host == "" {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	id := s.Graph.CanonicalID(host)
	filtered := &types.Snapshot{
		Nodes:         make([]*types.Node, 0, 1),
		Edges:         make([]*types.Edge, 0),
		TotalCaptured: snap.TotalCaptured,
		Statistics:    snap.Statistics,
	}
	for _, n := range snap.Nodes {
		if n.ID == id {
			filtered.Nodes = append(filtered.Nodes, n)
			break
		}
	}
	for _, e := range snap.Edges {
		if e.Src == id || e.Dst == id {
			filtered.Edges = append(filtered.Edges, e)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// pcapMeta is one entry of the GET /api/pcaps listing.
type pcapMeta struct {
	Filename    string  `json:"filename"`
	Path        string  `json:"path"`
	Size        int64   `json:"size"`
	PacketCount int     `json:"packetCount"`
	StartTime   float64 `json:"startTime"`
	EndTime     float64 `json:"endTime"`
	DurationSec float64 `json:"durationSec"`
	ModTime     int64   `json:"modTime"`
}

// handlePcaps implements GET /api/pcaps.
func (s *Server) handlePcaps(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.CaptureDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot list capture directory")
		return
	}

	var metas []pcapMeta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pcap") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		full := filepath.Join(s.CaptureDir, e.Name())

		start, end, count := s.pcapTimeBounds(full)

		metas = append(metas, pcapMeta{
			Filename:    e.Name(),
			Path:        full,
			Size:        info.Size(),
			PacketCount: count,
			StartTime:   start,
			EndTime:     end,
			DurationSec: end - start,
			ModTime:     info.ModTime().Unix(),
		})
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].ModTime > metas[j].ModTime })
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) pcapTimeBounds(path string) (start, end float64, count int) {
	eng, err := replay.Load(path, s.Decoder)
	if err != nil {
		return 0, 0, 0
	}
	all := eng.FullReplay()
	count = len(all)
	if count > 0 {
		start = all[0].Timestamp
		end = all[count-1].Timestamp
	}
	return start, end, count
}

// handleReplay implements GET /api/replay?filename=&offset=. The
// response carries the file's decoded packets up to the offset and
// their count; nodes, edges and statistics are left empty, since the
// packets are not driven through a graph.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if !filenamePattern.MatchString(filename) {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	full := filepath.Join(s.CaptureDir, filename)
	resolved, err := filepath.Abs(full)
	if err != nil || !strings.HasPrefix(resolved, mustAbs(s.CaptureDir)) {
		writeError(w, http.StatusForbidden, "filename escapes capture directory")
		return
	}

	offsetStr := r.URL.Query().Get("offset")
	offset, err := strconv.ParseFloat(offsetStr, 64)
	if err != nil || offset < 0 || offset > maxReplayOffsetSeconds {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	eng, err := replay.Load(resolved, s.Decoder)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot load capture file")
		return
	}

	packets := eng.PacketsUpTo(offset)
	writeJSON(w, http.StatusOK, &types.Snapshot{
		Packets: packets,
		Count:   len(packets),
	})
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// handleDownload implements GET /api/download: the most recent
// capture file as application/vnd.tcpdump.pcap.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.CaptureDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot list capture directory")
		return
	}

	var newest os.DirEntry
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pcap") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Unix() > newestMod {
			newestMod = info.ModTime().Unix()
			newest = e
		}
	}

	if newest == nil {
		writeError(w, http.StatusNotFound, "no capture files available")
		return
	}

	full := filepath.Join(s.CaptureDir, newest.Name())
	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+newest.Name()+"\"")
	http.ServeFile(w, r, full)
}

// handleStreams implements GET /api/streams[?protocol=X].
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	proto := r.URL.Query().Get("protocol")
	var list []types.StreamInfo
	if proto != "" {
		list = s.Streams.ListByProtocol(types.AppProtocol(proto))
	} else {
		list = s.Streams.List()
	}
	writeJSON(w, http.StatusOK, list)
}

// handleStream implements GET /api/stream?id=….
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if len(id) > 200 || disallowedStreamIDChars.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}

	detail, err := s.Streams.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleStreamStats implements GET /api/streams/stats.
func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Streams.ProtocolCounts())
}
