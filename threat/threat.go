// Package threat implements the Threat Detector (§4.G): six fixed,
// stateful rules evaluated inline with packet ingestion, each firing
// at most once per (kind, source, source_mac) key in a run. Grounded
// on the mutex-guarded-map idiom of the teacher's atomicIPProfileMap
// (decoder/ipProfile.go), applied here to dedup and rule-state tables
// instead of a single profile table.
package threat

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/packetgraph/observatory/obsmetrics"
	"github.com/packetgraph/observatory/types"
)

var suspiciousPorts = map[int]bool{
	4444: true, 5555: true, 6666: true, 7777: true, 12345: true, 31337: true,
}

const (
	portScanThreshold   = 10
	multiIPThreshold    = 2
	icmpFloodThreshold  = 50
	icmpFloodWindow     = 1 * time.Second
	rstFailureThreshold = 20
)

// Detector holds all per-rule state under its own mutex, separate from
// the graph aggregator's lock; rules run inline with packet ingestion,
// but a packet's graph update and its rule evaluation are not done
// under one shared lock.
type Detector struct {
	mu sync.Mutex

	dedup map[string]bool // (kind, source, mac)

	// rule 1: port scan
	destPortsBySrc map[string]map[int]bool

	// rule 2 & 3: MAC/IP association
	ipsByMAC     map[string]map[string]bool
	lastIPForMAC map[string]string

	// rule 5: ICMP flood sliding window
	icmpTimestamps map[string][]time.Time

	// rule 6: connection failures
	rstCountByPair map[string]int

	alerts []types.Alert
}

// New constructs an empty Detector for one capture run.
func New() *Detector {
	return &Detector{
		dedup:          make(map[string]bool),
		destPortsBySrc: make(map[string]map[int]bool),
		ipsByMAC:       make(map[string]map[string]bool),
		lastIPForMAC:   make(map[string]string),
		icmpTimestamps: make(map[string][]time.Time),
		rstCountByPair: make(map[string]int),
	}
}

func dedupKey(kind types.AlertKind, source, mac string) string {
	return fmt.Sprintf("%s|%s|%s", kind, source, mac)
}

// fire records an alert if its dedup key has not already fired in this
// run, per §4.G / §8 ("no alert of a given (kind, source, source_mac)
// appears twice"). Caller must hold d.mu.
func (d *Detector) fire(kind types.AlertKind, severity types.Severity, source, mac, dest string, port int, proto types.AppProtocol, detail string, at time.Time) {
	key := dedupKey(kind, source, mac)
	if d.dedup[key] {
		return
	}
	d.dedup[key] = true
	obsmetrics.ObserveAlert(kind)

	d.alerts = append(d.alerts, types.Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Source:    source,
		SourceMAC: mac,
		Dest:      dest,
		Port:      port,
		Protocol:  proto,
		Detected:  at,
		Detail:    detail,
	})
}

// Packet is the minimal view of a decoded packet the detector needs;
// kept separate from types.PacketRecord so the detector does not need
// to know about payloads or ring/stream bookkeeping.
type Packet struct {
	Timestamp   time.Time
	SrcEndpoint string
	DstEndpoint string
	SrcMAC      string
	DstMAC      string
	SrcPort     int
	DstPort     int
	TCPFlags    uint8
	Protocol    types.AppProtocol
	ICMPType    int // -1 if not ICMP
	IsICMP      bool
}

const (
	tcpFIN = 0x01
	tcpRST = 0x04
	tcpACK = 0x10
)

// Observe evaluates every rule against one packet. Standard HTTPS(443)
// and DNS(53) traffic is exempt from the noisy rules unless named
// otherwise, per §4.G.
func (d *Detector) Observe(p Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()

	exempt := p.DstPort == 443 || p.DstPort == 53 || p.SrcPort == 443 || p.SrcPort == 53

	if !exempt {
		d.checkPortScan(p)
	}
	d.checkARPIPChange(p)
	d.checkMultiIPHost(p)
	if !exempt {
		d.checkSuspiciousPort(p)
	}
	d.checkICMPFlood(p)
	d.checkConnectionFailures(p)
}

// rule 1: single source with >=10 distinct destination ports on TCP
// packets bearing flags.
func (d *Detector) checkPortScan(p Packet) {
	if p.Protocol == "" || p.TCPFlags == 0 {
		return
	}
	set, ok := d.destPortsBySrc[p.SrcEndpoint]
	if !ok {
		set = make(map[int]bool)
		d.destPortsBySrc[p.SrcEndpoint] = set
	}
	set[p.DstPort] = true

	if len(set) >= portScanThreshold {
		d.fire(types.AlertPortScan, types.SeverityHigh, p.SrcEndpoint, p.SrcMAC, "", 0, p.Protocol,
			fmt.Sprintf("%s contacted %d distinct destination ports", p.SrcEndpoint, len(set)), p.Timestamp)
	}
}

// rule 2: same source MAC seen with a different source IP than
// previously recorded under that MAC.
func (d *Detector) checkARPIPChange(p Packet) {
	if p.SrcMAC == "" {
		return
	}
	prev, ok := d.lastIPForMAC[p.SrcMAC]
	d.lastIPForMAC[p.SrcMAC] = p.SrcEndpoint

	if ok && prev != p.SrcEndpoint {
		d.fire(types.AlertARPIPChange, types.SeverityHigh, p.SrcEndpoint, p.SrcMAC, "", 0, p.Protocol,
			fmt.Sprintf("MAC %s previously seen as %s, now %s", p.SrcMAC, prev, p.SrcEndpoint), p.Timestamp)
	}
}

// rule 3: same MAC (or source when MAC absent) observed with >2
// distinct source IPs.
func (d *Detector) checkMultiIPHost(p Packet) {
	key := p.SrcMAC
	if key == "" {
		key = p.SrcEndpoint
	}
	set, ok := d.ipsByMAC[key]
	if !ok {
		set = make(map[string]bool)
		d.ipsByMAC[key] = set
	}
	set[p.SrcEndpoint] = true

	if len(set) > multiIPThreshold {
		d.fire(types.AlertMultiIPHost, types.SeverityMedium, p.SrcEndpoint, p.SrcMAC, "", 0, p.Protocol,
			fmt.Sprintf("identity %s observed with %d distinct source IPs", key, len(set)), p.Timestamp)
	}
}

// rule 4: dst port in the fixed backdoor/C2 set.
func (d *Detector) checkSuspiciousPort(p Packet) {
	if suspiciousPorts[p.DstPort] {
		d.fire(types.AlertSuspiciousPort, types.SeverityHigh, p.SrcEndpoint, p.SrcMAC, p.DstEndpoint, p.DstPort, p.Protocol,
			fmt.Sprintf("connection to suspicious port %d", p.DstPort), p.Timestamp)
	}
}

// rule 5: >=50 non-echo ICMP packets from the same source within a 1s
// sliding window.
func (d *Detector) checkICMPFlood(p Packet) {
	if !p.IsICMP || p.ICMPType == 8 { // echo request exempt
		return
	}

	times := append(d.icmpTimestamps[p.SrcEndpoint], p.Timestamp)
	cutoff := p.Timestamp.Add(-icmpFloodWindow)
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.icmpTimestamps[p.SrcEndpoint] = kept

	if len(kept) >= icmpFloodThreshold {
		d.fire(types.AlertICMPFlood, types.SeverityHigh, p.SrcEndpoint, p.SrcMAC, "", 0, types.ProtoICMP,
			fmt.Sprintf("%d non-echo ICMP packets within 1s", len(kept)), p.Timestamp)
	}
}

// rule 6: >20 TCP RST packets on the same (source, destination) ordered pair.
func (d *Detector) checkConnectionFailures(p Packet) {
	if p.TCPFlags&tcpRST == 0 {
		return
	}
	key := p.SrcEndpoint + "->" + p.DstEndpoint
	d.rstCountByPair[key]++

	if d.rstCountByPair[key] > rstFailureThreshold {
		d.fire(types.AlertConnFailures, types.SeverityMedium, p.SrcEndpoint, p.SrcMAC, p.DstEndpoint, 0, p.Protocol,
			fmt.Sprintf("%d RST packets from %s to %s", d.rstCountByPair[key], p.SrcEndpoint, p.DstEndpoint), p.Timestamp)
	}
}

// Alerts returns every alert fired so far, in detection-timestamp
// order (§3: "Alerts generated in a run are monotonically ordered by
// detection timestamp").
func (d *Detector) Alerts() []types.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]types.Alert, len(d.alerts))
	copy(out, d.alerts)
	return out
}

// Count returns the number of alerts fired so far.
func (d *Detector) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.alerts)
}

// Reset clears every rule table, dedup entry, and fired alert, starting
// a fresh run. Used on save_and_restart_capture (§4.J).
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dedup = make(map[string]bool)
	d.destPortsBySrc = make(map[string]map[int]bool)
	d.ipsByMAC = make(map[string]map[string]bool)
	d.lastIPForMAC = make(map[string]string)
	d.icmpTimestamps = make(map[string][]time.Time)
	d.rstCountByPair = make(map[string]int)
	d.alerts = nil
}
