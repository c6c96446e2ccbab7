// Package types holds the wire-level data model shared across the
// capture, aggregation, stream and fanout packages: nodes, edges,
// packet records, streams, alerts and the snapshot that bundles them.
package types

import "time"

// AppProtocol is the fixed set of application-layer tags the decoder,
// stream manager and threat detector agree on.
type AppProtocol string

const (
	ProtoUnknown    AppProtocol = "Unknown"
	ProtoTCP        AppProtocol = "TCP"
	ProtoUDP        AppProtocol = "UDP"
	ProtoICMP       AppProtocol = "ICMP"
	ProtoOther      AppProtocol = "Other"
	ProtoFTP        AppProtocol = "FTP"
	ProtoSSH        AppProtocol = "SSH"
	ProtoTelnet     AppProtocol = "Telnet"
	ProtoSMTP       AppProtocol = "SMTP"
	ProtoDNS        AppProtocol = "DNS"
	ProtoBOOTP      AppProtocol = "BOOTP"
	ProtoHTTP       AppProtocol = "HTTP"
	ProtoHTTPS      AppProtocol = "HTTPS"
	ProtoMySQL      AppProtocol = "MySQL"
	ProtoPostgreSQL AppProtocol = "PostgreSQL"
	ProtoRedis      AppProtocol = "Redis"
	ProtoSlurm      AppProtocol = "Slurm"
)

// IsGeneric reports whether the tag is a fallback tag (TCP, UDP,
// Unknown, or empty) that §4.D's edge promotion rule treats as
// less specific than any named application protocol.
func (p AppProtocol) IsGeneric() bool {
	return p == ProtoTCP || p == ProtoUDP || p == ProtoUnknown || p == ""
}

// Node is a logical host endpoint (§3 Endpoint/Node).
type Node struct {
	ID              string            `json:"id"`
	Label           string            `json:"label"`
	IPs             map[string]bool   `json:"-"`
	IPList          []string          `json:"ips"`
	MAC             string            `json:"mac,omitempty"`
	PacketsSent     uint64            `json:"packetsSent"`
	PacketsReceived uint64            `json:"packetsReceived"`
	BytesSent       uint64            `json:"bytesSent"`
	BytesReceived   uint64            `json:"bytesReceived"`
	Protocols       map[string]bool   `json:"-"`
	ProtocolList    []string          `json:"protocols"`
	Peers           map[string]bool   `json:"-"`
	ConnectionCount int               `json:"connectionCount"`
	LastSeen        time.Time         `json:"lastSeen"`
}

// Clone returns a deep value copy suitable for handing to a snapshot
// reader that must never share memory with the aggregator (§3).
func (n *Node) Clone() *Node {
	c := *n
	c.IPs = nil
	c.Protocols = nil
	c.Peers = nil
	c.IPList = append([]string(nil), n.IPList...)
	c.ProtocolList = append([]string(nil), n.ProtocolList...)
	return &c
}

// Edge is a directed (src,dst) aggregation between two nodes (§3 Edge/Connection).
type Edge struct {
	Src         string      `json:"src"`
	Dst         string      `json:"dst"`
	Protocol    AppProtocol `json:"protocol"`
	PacketCount uint64      `json:"packetCount"`
	ByteCount   uint64      `json:"byteCount"`
	FirstSeen   time.Time   `json:"firstSeen"`
	LastSeen    time.Time   `json:"lastSeen"`
}

// Key returns the compound key the aggregator indexes edges by.
func (e *Edge) Key() string { return e.Src + "\x00" + e.Dst }

// Clone returns a value copy for snapshot isolation.
func (e *Edge) Clone() *Edge {
	c := *e
	return &c
}

// PacketRecord is one decoded packet (§3 Packet Record).
type PacketRecord struct {
	Timestamp   float64     `json:"timestamp"`
	SrcEndpoint string      `json:"srcEndpoint"`
	DstEndpoint string      `json:"dstEndpoint"`
	SrcPort     int         `json:"srcPort"`
	DstPort     int         `json:"dstPort"`
	Length      int         `json:"length"`
	TCPFlags    uint8       `json:"tcpFlags,omitempty"`
	Protocol    AppProtocol `json:"protocol"`
	SrcMAC      string      `json:"srcMac,omitempty"`
	DstMAC      string      `json:"dstMac,omitempty"`
	ICMPType    int         `json:"icmpType"`
	Payload     []byte      `json:"-"`
}

// Clone returns a value copy whose payload slice does not alias the
// original, matching the "readers receive a value copy" rule of §4.E.
func (p *PacketRecord) Clone() *PacketRecord {
	c := *p
	if p.Payload != nil {
		c.Payload = append([]byte(nil), p.Payload...)
	}
	return &c
}

// StreamPacket is one direction-tagged sub-record retained by a stream (§3 Stream).
type StreamPacket struct {
	Timestamp   float64 `json:"timestamp"`
	IsResponse  bool    `json:"isResponse"`
	Length      int     `json:"length"`
	PayloadSize int     `json:"payloadSize"`
}

// StreamInfo is the metadata-only view returned by Stream Manager list operations.
type StreamInfo struct {
	ID           string      `json:"id"`
	Protocol     AppProtocol `json:"protocol"`
	Summary      string      `json:"summary"`
	StartTime    float64     `json:"startTime"`
	LastSeen     float64     `json:"lastSeen"`
	PacketCount  int         `json:"packetCount"`
	ByteCount    uint64      `json:"byteCount"`
	EndpointA    string      `json:"endpointA"`
	PortA        int         `json:"portA"`
	EndpointB    string      `json:"endpointB"`
	PortB        int         `json:"portB"`
	Transport    string      `json:"transport"`
}

// StreamDetail is the full view returned by Stream Manager's get(id).
type StreamDetail struct {
	StreamInfo
	Packets      []StreamPacket `json:"packets"`
	RequestDump  string         `json:"requestDump"`
	ResponseDump string         `json:"responseDump"`
}

// AlertKind is the fixed enum of detector rules (§4.G).
type AlertKind string

const (
	AlertPortScan        AlertKind = "port_scan"
	AlertARPIPChange     AlertKind = "arp_ip_change"
	AlertMultiIPHost      AlertKind = "multi_ip_host"
	AlertSuspiciousPort  AlertKind = "suspicious_port"
	AlertICMPFlood       AlertKind = "icmp_flood"
	AlertConnFailures    AlertKind = "connection_failures"
)

// Severity is the fixed severity enum for alerts.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is a single detector firing (§3 Alert).
type Alert struct {
	ID        string      `json:"id"`
	Kind      AlertKind   `json:"kind"`
	Severity  Severity    `json:"severity"`
	Source    string      `json:"source"`
	SourceMAC string      `json:"sourceMac,omitempty"`
	Dest      string      `json:"dest,omitempty"`
	Port      int         `json:"port,omitempty"`
	Protocol  AppProtocol `json:"protocol,omitempty"`
	Detected  time.Time   `json:"detected"`
	Detail    string      `json:"detail"`
}

// Summary is the counter block built by the Batcher (§4.H). TotalPackets
// counts every packet since the last reset; the byte, host, connection
// and protocol figures are computed from the nodes and edges currently
// held, so entries removed by decay no longer count towards them.
type Summary struct {
	TotalPackets      uint64  `json:"totalPackets"`
	UniqueHosts       int     `json:"uniqueHosts"`
	ActiveConnections int     `json:"activeConnections"`
	TotalBytes        uint64  `json:"totalBytes"`
	AvgPacketSize     float64 `json:"avgPacketSize"`
	DataVolumeMB      float64 `json:"dataVolumeMB"`
	PacketsPerSec     float64 `json:"packetsPerSec"`
	BandwidthMbps     float64 `json:"bandwidthMbps"`
	ProtocolCount     int     `json:"protocolCount"`
	ThreatsFound      int     `json:"threatsFound"`
}

// Snapshot is the immutable, value-copied publish unit handed to observers (§3 Snapshot).
type Snapshot struct {
	Packets        []*PacketRecord   `json:"packets"`
	Count          int               `json:"count"`
	Nodes          []*Node           `json:"nodes"`
	Edges          []*Edge           `json:"edges"`
	TotalCaptured  uint64            `json:"totalCaptured"`
	DNSCache       map[string]string `json:"dnsCache"`
	Statistics     Summary           `json:"statistics"`
}
