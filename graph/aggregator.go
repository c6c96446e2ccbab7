// Package graph implements the Graph Aggregator (§4.D): a bounded,
// mutex-guarded node/edge table with IP-to-hostname merge semantics,
// edge protocol promotion, decay-based eviction, and deep-copy
// snapshotting. Grounded on the teacher's atomicIPProfileMap
// (decoder/ipProfile.go): a single mutex around a map of profiles,
// generalized here to also own a second map of edges and the
// IP/hostname-to-canonical-id indirection the merge algorithm needs.
package graph

import (
	"sync"
	"time"

	"github.com/packetgraph/observatory/types"
)

// Aggregator owns the node and edge maps (§5: single mutex guards both).
type Aggregator struct {
	mu sync.Mutex

	nodes map[string]*types.Node // canonical id -> node
	edges map[string]*types.Edge // "src\x00dst" -> edge

	ipToID   map[string]string // ip literal -> canonical id currently bound
	hostToID map[string]string // hostname -> canonical id

	totalPackets uint64 // lifetime count, incremented once per UpsertEdge call
}

// New constructs an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		nodes:    make(map[string]*types.Node),
		edges:    make(map[string]*types.Edge),
		ipToID:   make(map[string]string),
		hostToID: make(map[string]string),
	}
}

// UpsertNode implements §4.D's node-merge algorithm. bytesDelta is
// added to the resolved node's sent or received counter depending on
// asSource; hostname may be empty (no resolution yet) or equal to ip
// (resolution cached as ip->ip per §7, treated as "no hostname"). mac
// is recorded on the node under the same lock when non-empty, since
// the returned *Node is shared with the caller and must never be
// written to outside the aggregator (§5).
func (a *Aggregator) UpsertNode(ip, hostname string, bytesDelta uint64, asSource bool, mac string, now time.Time) *types.Node {
	a.mu.Lock()
	defer a.mu.Unlock()

	targetID := a.resolveTargetID(ip, hostname)

	if oldID, bound := a.ipToID[ip]; bound && oldID != targetID {
		a.merge(oldID, targetID, now)
	}

	a.ipToID[ip] = targetID
	if hostname != "" && hostname != ip {
		a.hostToID[hostname] = targetID
	}

	n, ok := a.nodes[targetID]
	if !ok {
		n = &types.Node{
			ID:        targetID,
			Label:     targetID,
			IPs:       map[string]bool{},
			Protocols: map[string]bool{},
			Peers:     map[string]bool{},
		}
		a.nodes[targetID] = n
	}
	n.IPs[ip] = true
	n.LastSeen = now
	if mac != "" {
		n.MAC = mac
	}

	if asSource {
		n.PacketsSent = saturatingAdd(n.PacketsSent, 1)
		n.BytesSent = saturatingAdd(n.BytesSent, bytesDelta)
	} else {
		n.PacketsReceived = saturatingAdd(n.PacketsReceived, 1)
		n.BytesReceived = saturatingAdd(n.BytesReceived, bytesDelta)
	}

	return n
}

// resolveTargetID implements step 1 of §4.D's algorithm: prefer the
// existing hostname->id mapping; else, if hostname is valid and
// distinct from ip, mint the hostname as the new id; else use ip.
func (a *Aggregator) resolveTargetID(ip, hostname string) string {
	if hostname != "" && hostname != ip {
		if id, ok := a.hostToID[hostname]; ok {
			return id
		}
		return hostname
	}
	return ip
}

// merge implements steps 2-3 of §4.D: rename or fold oldID into
// targetID, rewriting every edge key and summing counters on collision,
// preserving the invariant that counter sums are unaffected by a merge.
func (a *Aggregator) merge(oldID, targetID string, now time.Time) {
	old, hadOld := a.nodes[oldID]
	target, hadTarget := a.nodes[targetID]

	switch {
	case hadOld && !hadTarget:
		// rename: the old node becomes the target under its new id.
		old.ID = targetID
		old.Label = targetID
		a.nodes[targetID] = old
		delete(a.nodes, oldID)

	case hadOld && hadTarget:
		// fold: sum counters into target, extend IP set, drop old.
		target.PacketsSent = saturatingAdd(target.PacketsSent, old.PacketsSent)
		target.PacketsReceived = saturatingAdd(target.PacketsReceived, old.PacketsReceived)
		target.BytesSent = saturatingAdd(target.BytesSent, old.BytesSent)
		target.BytesReceived = saturatingAdd(target.BytesReceived, old.BytesReceived)
		for ip := range old.IPs {
			target.IPs[ip] = true
		}
		for p := range old.Protocols {
			target.Protocols[p] = true
		}
		for peer := range old.Peers {
			target.Peers[peer] = true
		}
		if old.LastSeen.After(target.LastSeen) {
			target.LastSeen = old.LastSeen
		}
		delete(a.nodes, oldID)

	default:
		// oldID had no node entry (shouldn't happen if ipToID was bound
		// to it, but stay defensive): nothing to fold.
	}

	// §3 "connection-count (distinct peers)": every other node's Peers
	// set must also follow the oldID->targetID rename, or a node that
	// peered with both pre-merge identities double-counts connections.
	// A node that peered with both oldID and targetID collapses to a
	// single targetID entry rather than gaining a self-reference.
	for id, n := range a.nodes {
		if !n.Peers[oldID] {
			continue
		}
		delete(n.Peers, oldID)
		if id != targetID {
			n.Peers[targetID] = true
		}
		n.ConnectionCount = len(n.Peers)
	}

	a.rewriteEdgesForMerge(oldID, targetID)

	// any ip/host mapping that still points at oldID must follow the
	// rename so later lookups resolve to the live node.
	for ip, id := range a.ipToID {
		if id == oldID {
			a.ipToID[ip] = targetID
		}
	}
	for host, id := range a.hostToID {
		if id == oldID {
			a.hostToID[host] = targetID
		}
	}
}

// rewriteEdgesForMerge rewrites every edge endpoint referencing oldID
// to targetID, summing any two edges that collide under their new
// compound key. This resolves §9's Open Question: the spec requires
// summing on collision, so edges are rebuilt into a fresh map rather
// than mutated key-by-key in place, which would silently drop one
// side of a collision.
func (a *Aggregator) rewriteEdgesForMerge(oldID, targetID string) {
	rewritten := make(map[string]*types.Edge, len(a.edges))

	for _, e := range a.edges {
		src, dst := e.Src, e.Dst
		if src == oldID {
			src = targetID
		}
		if dst == oldID {
			dst = targetID
		}

		key := src + "\x00" + dst
		if existing, ok := rewritten[key]; ok {
			existing.PacketCount = saturatingAdd(existing.PacketCount, e.PacketCount)
			existing.ByteCount = saturatingAdd(existing.ByteCount, e.ByteCount)
			if e.FirstSeen.Before(existing.FirstSeen) {
				existing.FirstSeen = e.FirstSeen
			}
			if e.LastSeen.After(existing.LastSeen) {
				existing.LastSeen = e.LastSeen
			}
			if !e.Protocol.IsGeneric() && existing.Protocol.IsGeneric() {
				existing.Protocol = e.Protocol
			}
			continue
		}

		e.Src, e.Dst = src, dst
		rewritten[key] = e
	}

	a.edges = rewritten
}

// UpsertEdge creates or bumps the edge keyed by the current node ids
// of src/dst (§4.D). It must be called after UpsertNode has resolved
// both endpoints' canonical ids for this packet.
func (a *Aggregator) UpsertEdge(srcID, dstID string, tag types.AppProtocol, bytesDelta uint64, now time.Time) *types.Edge {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := srcID + "\x00" + dstID
	e, ok := a.edges[key]
	if !ok {
		e = &types.Edge{
			Src:       srcID,
			Dst:       dstID,
			Protocol:  tag,
			FirstSeen: now,
		}
		a.edges[key] = e
	}

	e.PacketCount = saturatingAdd(e.PacketCount, 1)
	e.ByteCount = saturatingAdd(e.ByteCount, bytesDelta)
	e.LastSeen = now
	a.totalPackets = saturatingAdd(a.totalPackets, 1)

	// promotion: a more specific tag replaces a generic one (§4.D).
	if !tag.IsGeneric() && e.Protocol.IsGeneric() {
		e.Protocol = tag
	}

	if src, ok := a.nodes[srcID]; ok {
		src.Protocols[string(e.Protocol)] = true
		src.Peers[dstID] = true
		src.ConnectionCount = len(src.Peers)
	}
	if dst, ok := a.nodes[dstID]; ok {
		dst.Protocols[string(e.Protocol)] = true
		dst.Peers[srcID] = true
		dst.ConnectionCount = len(dst.Peers)
	}

	return e
}

// CanonicalID returns the node id an ip literal currently resolves to,
// or the ip literal itself if it has never been observed.
func (a *Aggregator) CanonicalID(ip string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.ipToID[ip]; ok {
		return id
	}
	return ip
}

// Snapshot returns a deep-copy materialization (§4.D): every node
// referenced by an edge is guaranteed present, since nodes and edges
// are read under the same lock acquisition.
func (a *Aggregator) Snapshot() ([]*types.Node, []*types.Edge) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nodes := make([]*types.Node, 0, len(a.nodes))
	for _, n := range a.nodes {
		c := n.Clone()
		for ip := range n.IPs {
			c.IPList = append(c.IPList, ip)
		}
		for p := range n.Protocols {
			c.ProtocolList = append(c.ProtocolList, p)
		}
		nodes = append(nodes, c)
	}

	edges := make([]*types.Edge, 0, len(a.edges))
	for _, e := range a.edges {
		edges = append(edges, e.Clone())
	}

	return nodes, edges
}

// Decay evicts nodes and edges whose last-seen predates the threshold,
// per §4.D. Decay never touches the Packet Ring or Stream Manager.
func (a *Aggregator) Decay(nodeThreshold, edgeThreshold time.Duration, now time.Time) (nodesRemoved, edgesRemoved int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, e := range a.edges {
		if now.Sub(e.LastSeen) > edgeThreshold {
			delete(a.edges, key)
			edgesRemoved++
		}
	}

	for id, n := range a.nodes {
		if now.Sub(n.LastSeen) > nodeThreshold {
			delete(a.nodes, id)
			nodesRemoved++
			for ip, mappedID := range a.ipToID {
				if mappedID == id {
					delete(a.ipToID, ip)
				}
			}
			for host, mappedID := range a.hostToID {
				if mappedID == id {
					delete(a.hostToID, host)
				}
			}
		}
	}

	return nodesRemoved, edgesRemoved
}

// Reset drops every node, edge, and merge mapping, returning the
// Aggregator to its New() state. Used on save_and_restart_capture (§4.J).
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nodes = make(map[string]*types.Node)
	a.edges = make(map[string]*types.Edge)
	a.ipToID = make(map[string]string)
	a.hostToID = make(map[string]string)
	a.totalPackets = 0
}

// NodeCount and EdgeCount support tests and the summary block.
func (a *Aggregator) NodeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}

func (a *Aggregator) EdgeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.edges)
}

// TotalPacketsHint returns the lifetime count of packets folded into
// edges, used by the Batcher to compute throughput statistics (§4.H).
func (a *Aggregator) TotalPacketsHint() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalPackets
}

// saturatingAdd implements §3's "counters use unsigned 64-bit
// arithmetic; overflow ... must saturate, not wrap".
func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}
