// Package stream implements the Stream Manager (§4.F): bidirectional
// TCP/UDP conversation reassembly, protocol classification, bounded
// payload retention, and LRU eviction. Grounded on the teacher's
// decoder/stream/tcpConnection.go (bidirectional client/server reader
// pair keyed by a direction-normalized ident) and saveFile.go (content
// rendering, transparent gzip decode of captured bodies).
package stream

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/packetgraph/observatory/types"
)

var streamLog = zap.NewNop()

// SetLogger installs the package logger.
func SetLogger(l *zap.Logger) { streamLog = l }

// ErrStreamNotFound is the Input Validation-kind error for get(id) (§7).
var ErrStreamNotFound = errors.New("stream: not found")

const (
	maxPacketsPerStream = 500
	maxPayloadBytes     = 1 << 20 // 1 MiB
	defaultMaxStreams   = 1000
)

// direction-normalized key: (transport, min(endpoint,port), max(endpoint,port)).
type streamKey struct {
	transport string
	epA, epB  string
	portA     int
	portB     int
}

func newKey(transport, epX string, portX int, epY string, portY int) streamKey {
	ax := fmt.Sprintf("%s:%d", epX, portX)
	ay := fmt.Sprintf("%s:%d", epY, portY)
	if ax <= ay {
		return streamKey{transport, epX, epY, portX, portY}
	}
	return streamKey{transport, epY, epX, portY, portX}
}

func (k streamKey) id() string {
	return fmt.Sprintf("%s-%s:%d-%s:%d", k.transport, k.epA, k.portA, k.epB, k.portB)
}

// conversation is the internal per-stream state.
type conversation struct {
	key       streamKey
	protocol  types.AppProtocol
	start     float64
	lastSeen  float64
	packets   int
	bytes     uint64

	// sticky direction: the initial dst identifies the "server" side.
	initialSrc string
	initialDst string

	request  bytes.Buffer
	response bytes.Buffer

	perPacket []types.StreamPacket

	mailFrom string
}

func (c *conversation) isResponse(srcEndpoint string, srcPort int) bool {
	return fmt.Sprintf("%s:%d", srcEndpoint, srcPort) == c.initialDst
}

// Manager owns the stream table (§5: dedicated mutex guarding the
// table and per-stream payload buffers).
type Manager struct {
	mu         sync.Mutex
	streams    map[string]*conversation
	order      []string // never filled; LRU eviction scans streams by lastSeen
	maxStreams int
}

// New constructs a Manager with capacity S (default 1000 per §3).
func New(maxStreams int) *Manager {
	if maxStreams <= 0 {
		maxStreams = defaultMaxStreams
	}
	return &Manager{
		streams:    make(map[string]*conversation),
		maxStreams: maxStreams,
	}
}

// AddPacket routes p to a stream, creating it if necessary, per §4.F.
func (m *Manager) AddPacket(p *types.PacketRecord) {
	if p.Protocol == types.ProtoICMP || p.Protocol == types.ProtoOther {
		return
	}

	// TCP flags are only ever populated on TCP packets (§4.B); absence
	// plus a UDP-only application tag identifies a UDP conversation.
	transport := "TCP"
	if p.TCPFlags == 0 && (p.Protocol == types.ProtoDNS || p.Protocol == types.ProtoBOOTP || p.Protocol == types.ProtoUDP) {
		transport = "UDP"
	}

	key := newKey(transport, p.SrcEndpoint, p.SrcPort, p.DstEndpoint, p.DstPort)
	id := key.id()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.streams[id]
	if !ok {
		if len(m.streams) >= m.maxStreams {
			m.evictLRULocked()
		}
		c = &conversation{
			key:        key,
			start:      p.Timestamp,
			initialSrc: fmt.Sprintf("%s:%d", p.SrcEndpoint, p.SrcPort),
			initialDst: fmt.Sprintf("%s:%d", p.DstEndpoint, p.DstPort),
		}
		m.streams[id] = c
	}

	c.lastSeen = p.Timestamp
	c.packets++
	c.bytes += uint64(p.Length)

	isResponse := c.isResponse(p.SrcEndpoint, p.SrcPort)

	if len(c.perPacket) < maxPacketsPerStream {
		c.perPacket = append(c.perPacket, types.StreamPacket{
			Timestamp:   p.Timestamp,
			IsResponse:  isResponse,
			Length:      p.Length,
			PayloadSize: len(p.Payload),
		})
	}
	// §8 boundary: the 501st packet still updates counters above but is
	// not appended to the per-packet list.

	if len(p.Payload) > 0 {
		buf := &c.request
		if isResponse {
			buf = &c.response
		}
		appendBounded(buf, p.Payload)
	}

	m.inferTagAndSummary(c, p)
}

// appendBounded appends data to buf, discarding the tail of the newest
// chunk so the buffer never exceeds maxPayloadBytes, per §3.
func appendBounded(buf *bytes.Buffer, data []byte) {
	room := maxPayloadBytes - buf.Len()
	if room <= 0 {
		return
	}
	if len(data) > room {
		data = data[:room]
	}
	buf.Write(data)
}

// evictLRULocked removes the stream with the smallest last-seen
// timestamp. Caller must hold m.mu.
func (m *Manager) evictLRULocked() {
	var oldestID string
	var oldestTS float64 = -1
	for id, c := range m.streams {
		if oldestTS < 0 || c.lastSeen < oldestTS {
			oldestTS = c.lastSeen
			oldestID = id
		}
	}
	if oldestID != "" {
		delete(m.streams, oldestID)
	}
}

// inferTagAndSummary re-derives the protocol tag: the decoder's explicit
// tag if not generic, else the port table, else Unknown. Payload-prefix
// recognition is not repeated here; the decoder's tag already reflects
// it. It also records the SMTP envelope sender; the one-line summary
// itself is built by summary when the stream is read.
func (m *Manager) inferTagAndSummary(c *conversation, p *types.PacketRecord) {
	if !p.Protocol.IsGeneric() {
		c.protocol = p.Protocol
	} else if c.protocol == "" {
		c.protocol = classifyByPort(p.SrcPort, p.DstPort)
	}
	if c.protocol == "" {
		c.protocol = types.ProtoUnknown
	}

	if c.protocol == types.ProtoSMTP && c.mailFrom == "" {
		if idx := bytes.Index(p.Payload, []byte("MAIL FROM:")); idx >= 0 {
			line := p.Payload[idx:]
			if nl := bytes.IndexAny(line, "\r\n"); nl >= 0 {
				line = line[:nl]
			}
			c.mailFrom = strings.TrimSpace(string(line))
		}
	}
}

func classifyByPort(srcPort, dstPort int) types.AppProtocol {
	table := map[int]types.AppProtocol{
		20: types.ProtoFTP, 21: types.ProtoFTP, 22: types.ProtoSSH, 23: types.ProtoTelnet,
		25: types.ProtoSMTP, 465: types.ProtoSMTP, 587: types.ProtoSMTP, 53: types.ProtoDNS,
		80: types.ProtoHTTP, 3000: types.ProtoHTTP, 8000: types.ProtoHTTP, 8080: types.ProtoHTTP,
		443: types.ProtoHTTPS, 8443: types.ProtoHTTPS, 3306: types.ProtoMySQL,
		5432: types.ProtoPostgreSQL, 6379: types.ProtoRedis, 6817: types.ProtoSlurm, 6818: types.ProtoSlurm,
	}
	if t, ok := table[dstPort]; ok {
		return t
	}
	if t, ok := table[srcPort]; ok {
		return t
	}
	return ""
}

// summary builds the §4.F one-line hint for a conversation.
func (m *Manager) summary(c *conversation) string {
	switch c.protocol {
	case types.ProtoHTTP:
		line := firstLine(c.request.Bytes())
		if line == "" {
			return fmt.Sprintf("TCP stream (%d packets)", c.packets)
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			method := fields[0]
			path := fields[1]
			if len(path) > 50 {
				path = path[:50]
			}
			return method + " " + path
		}
		return line
	case types.ProtoSMTP:
		if c.mailFrom != "" {
			return "SMTP from " + strings.TrimPrefix(c.mailFrom, "MAIL FROM:")
		}
		return fmt.Sprintf("TCP stream (%d packets)", c.packets)
	case types.ProtoDNS:
		return fmt.Sprintf("DNS Query (%d bytes)", c.bytes)
	default:
		return fmt.Sprintf("%s stream (%d packets)", c.key.transport, c.packets)
	}
}

func firstLine(b []byte) string {
	if idx := bytes.IndexByte(b, '\n'); idx >= 0 {
		return strings.TrimRight(string(b[:idx]), "\r")
	}
	return strings.TrimRight(string(b), "\r\n")
}

// List returns metadata for every stream, sorted by last-seen desc (§4.F).
func (m *Manager) List() []types.StreamInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.StreamInfo, 0, len(m.streams))
	for id, c := range m.streams {
		out = append(out, m.toInfo(id, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out
}

// ListByProtocol filters List() to one protocol tag.
func (m *Manager) ListByProtocol(p types.AppProtocol) []types.StreamInfo {
	all := m.List()
	out := all[:0:0]
	for _, s := range all {
		if s.Protocol == p {
			out = append(out, s)
		}
	}
	return out
}

// ProtocolCounts returns the per-protocol stream count (§6 /api/streams/stats).
func (m *Manager) ProtocolCounts() map[types.AppProtocol]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[types.AppProtocol]int)
	for _, c := range m.streams {
		counts[c.protocol]++
	}
	return counts
}

func (m *Manager) toInfo(id string, c *conversation) types.StreamInfo {
	return types.StreamInfo{
		ID:          id,
		Protocol:    c.protocol,
		Summary:     m.summary(c),
		StartTime:   c.start,
		LastSeen:    c.lastSeen,
		PacketCount: c.packets,
		ByteCount:   c.bytes,
		EndpointA:   c.key.epA,
		PortA:       c.key.portA,
		EndpointB:   c.key.epB,
		PortB:       c.key.portB,
		Transport:   c.key.transport,
	}
}

// Get returns full detail for one stream, rendering payload buffers as
// hex/ASCII or sanitized text depending on protocol (§4.F).
func (m *Manager) Get(id string) (*types.StreamDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.streams[id]
	if !ok {
		return nil, errors.Wrapf(ErrStreamNotFound, "%s", id)
	}

	detail := &types.StreamDetail{
		StreamInfo:   m.toInfo(id, c),
		Packets:      append([]types.StreamPacket(nil), c.perPacket...),
		RequestDump:  render(c.protocol, c.request.Bytes()),
		ResponseDump: render(c.protocol, c.response.Bytes()),
	}
	return detail, nil
}

// render produces a hex/ASCII dump for binary protocols and a
// sanitized text rendering for text protocols. A text-protocol buffer
// that itself begins with the gzip magic bytes is decompressed first,
// after the teacher's saveFile.go gzip handling; a gzip body that
// follows HTTP headers in the buffer is not decoded.
func render(protocol types.AppProtocol, data []byte) string {
	if len(data) == 0 {
		return ""
	}

	switch protocol {
	case types.ProtoHTTP, types.ProtoHTTPS, types.ProtoSMTP, types.ProtoFTP, types.ProtoSSH, types.ProtoTelnet:
		if decoded, ok := tryGunzip(data); ok {
			data = decoded
		}
		return sanitizeText(data)
	default:
		return hexASCIIDump(data)
	}
}

func tryGunzip(data []byte) ([]byte, bool) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return nil, false
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxPayloadBytes))
	if err != nil && len(out) == 0 {
		return nil, false
	}
	return out, true
}

// sanitizeText strips non-printable bytes other than common whitespace
// so the dump is safe to embed in a JSON string / HTML view.
func sanitizeText(data []byte) string {
	var b strings.Builder
	for _, r := range string(data) {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 0x20 && r < 0x7f) {
			b.WriteRune(r)
		} else {
			b.WriteRune('.')
		}
	}
	return b.String()
}

func hexASCIIDump(data []byte) string {
	var b strings.Builder
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		chunk := data[i:end]
		b.WriteString(strconv.FormatInt(int64(i), 16))
		b.WriteString("  ")
		b.WriteString(hex.EncodeToString(chunk))
		b.WriteString("  ")
		b.WriteString(sanitizeText(chunk))
		b.WriteByte('\n')
	}
	return b.String()
}

// Count returns the number of live streams.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Reset discards every tracked conversation, used on
// save_and_restart_capture (§4.J).
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = make(map[string]*conversation)
	m.order = nil
}
