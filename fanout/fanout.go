// Package fanout implements the Fanout Hub (§4.I): the observer
// session registry, the WebSocket transport, and the event/command
// protocol that lets sessions drive capture control and receive
// snapshots. Grounded on gravwell-gravwell's pairing of gopacket with
// gorilla/websocket for a live packet-event tail.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/packetgraph/observatory/obsmetrics"
	"github.com/packetgraph/observatory/types"
)

var fanoutLog = zap.NewNop()

// SetLogger installs the package logger.
func SetLogger(l *zap.Logger) {
	if l != nil {
		fanoutLog = l
	}
}

// EventKind is the fixed set of server->client events (§4.I).
type EventKind string

const (
	EventInterfaceReady     EventKind = "interface_ready"
	EventCaptureStarted     EventKind = "capture_started"
	EventCaptureStopped     EventKind = "capture_stopped"
	EventCaptureRestarted   EventKind = "capture_restarted"
	EventPcapSaved          EventKind = "pcap_saved"
	EventPacketBatch        EventKind = "packet_batch"
	EventCaptureError       EventKind = "capture_error"
)

// Command is the fixed set of client->server commands (§4.I).
type Command string

const (
	CommandStartCapture           Command = "start_capture"
	CommandStopCapture            Command = "stop_capture"
	CommandSaveAndRestartCapture  Command = "save_and_restart_capture"
)

// Envelope is the wire shape of every message in either direction.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PcapSavedPayload is the payload shape of an EventPcapSaved event.
type PcapSavedPayload struct {
	Filename    string `json:"filename"`
	PacketCount int    `json:"packetCount"`
}

// CommandHandler is invoked on the sending session's read goroutine
// whenever a session sends a recognized command; cmd/observatoryd
// supplies one that drives the replay package's capture controller.
type CommandHandler func(cmd Command)

const (
	outboundQueueDepth = 32
	writeIdleTimeout   = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// session is one connected observer; its own state (queue, laggy flag)
// is owned by its dispatcher goroutine, not the hub's lock, per §5.
type session struct {
	id       string
	conn     *websocket.Conn
	outbound chan []byte
	laggy    bool
	laggyMu  sync.Mutex
	done     chan struct{}
}

func (s *session) enqueue(b []byte) {
	select {
	case s.outbound <- b:
	default:
		// backpressure: drop the oldest queued message, keep the newest,
		// never block the publish (§4.I).
		select {
		case <-s.outbound:
		default:
		}
		select {
		case s.outbound <- b:
		default:
		}
		s.laggyMu.Lock()
		s.laggy = true
		s.laggyMu.Unlock()
	}
}

// Hub owns the session registry (§5: "mutex-guarded registry, per-
// session state owned by the dispatcher").
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session

	onCommand CommandHandler

	captureActive bool
	liveConfigured bool
}

// New constructs an empty Hub. onCommand is called once per recognized
// client command; liveConfigured reports whether a live interface is configured
// at startup (controls the one-shot interface_ready event, §4.I).
func New(onCommand CommandHandler, liveConfigured bool) *Hub {
	return &Hub{
		sessions:       make(map[string]*session),
		onCommand:      onCommand,
		liveConfigured: liveConfigured,
	}
}

// ServeHTTP upgrades the connection and runs the session until it
// disconnects. Register this at the observer endpoint route.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		fanoutLog.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		id:       uuid.NewString(),
		conn:     conn,
		outbound: make(chan []byte, outboundQueueDepth),
		done:     make(chan struct{}),
	}

	h.join(s)
	defer h.leave(s)

	go h.writePump(s)
	h.readPump(s)
}

// join registers the session and, per the startup interlock, emits
// interface_ready only if a live interface is configured and no
// capture is currently active.
func (h *Hub) join(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	emitReady := h.liveConfigured && !h.captureActive
	count := len(h.sessions)
	h.mu.Unlock()
	obsmetrics.FanoutSessions.Set(float64(count))

	if emitReady {
		h.sendTo(s, EventInterfaceReady, nil)
	}
}

func (h *Hub) leave(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	count := len(h.sessions)
	h.mu.Unlock()
	obsmetrics.FanoutSessions.Set(float64(count))
	close(s.done)
	s.conn.Close()
}

func (h *Hub) writePump(s *session) {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.outbound:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeIdleTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(s *session) {
	s.conn.SetReadDeadline(time.Now().Add(writeIdleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(writeIdleTimeout))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch Command(env.Type) {
		case CommandStartCapture, CommandStopCapture, CommandSaveAndRestartCapture:
			if h.onCommand != nil {
				h.onCommand(Command(env.Type))
			}
		default:
			fanoutLog.Debug("ignoring unrecognized client command", zap.String("type", env.Type))
		}
	}
}

// SetCaptureActive records the current capture-controller state so
// future joins honor the startup interlock.
func (h *Hub) SetCaptureActive(active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.captureActive = active
}

// Broadcast delivers one event to every connected session, applying
// the drop-oldest backpressure policy per session rather than blocking.
func (h *Hub) Broadcast(kind EventKind, payload interface{}) {
	b, err := encode(kind, payload)
	if err != nil {
		fanoutLog.Error("failed to encode fanout event", zap.Error(err))
		return
	}

	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.enqueue(b)
	}
}

// BroadcastSnapshot sends a packet_batch event carrying the given
// snapshot (§4.I/§6's exact payload shape).
func (h *Hub) BroadcastSnapshot(snap *types.Snapshot) {
	h.Broadcast(EventPacketBatch, snap)
}

func (h *Hub) sendTo(s *session, kind EventKind, payload interface{}) {
	b, err := encode(kind, payload)
	if err != nil {
		return
	}
	s.enqueue(b)
}

func encode(kind EventKind, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "marshal fanout payload")
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: string(kind), Payload: raw})
}

// SessionCount reports the number of connected observers.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
