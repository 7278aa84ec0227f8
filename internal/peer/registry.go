// Package peer implements PeerRegistry, the in-memory map of known peers
// described in SPEC_FULL.md §4.2.
package peer

import (
	"sync"
	"time"
)

// TOnline is the window within which a peer is considered online based on
// its last_seen timestamp.
const TOnline = 5 * time.Minute

// NodeID identifies a peer by its public key, hex-encoded.
type NodeID string

// Peer is a known member of the network.
type Peer struct {
	NodeID     NodeID
	LastSeen   time.Time
	TrackCount int
	online     bool // explicit offline override set by MarkOffline
}

// Online reports whether the peer is considered reachable: it has not been
// explicitly marked offline, and its last_seen timestamp falls within
// TOnline of now. MarkOffline always wins over last_seen.
func (p Peer) Online(now time.Time) bool {
	if !p.online {
		return false
	}
	return now.Sub(p.LastSeen) <= TOnline
}

// Registry is the read/write-locked map of NodeId -> Peer.
type Registry struct {
	mu    sync.RWMutex
	peers map[NodeID]*Peer
	now   func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[NodeID]*Peer),
		now:   time.Now,
	}
}

// Upsert records an observation of nodeID: last_seen = now, online = true,
// and the given track count. Peers are created on first observation, never
// deleted — they only go offline.
func (r *Registry) Upsert(nodeID NodeID, trackCount int) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok {
		p = &Peer{NodeID: nodeID}
		r.peers[nodeID] = p
	}
	p.LastSeen = r.now()
	p.TrackCount = trackCount
	p.online = true
	return p
}

// Touch records an observation of nodeID without asserting a track count,
// preserving whatever count was last known. Used for message kinds that
// don't carry one (e.g. FetchTrack, AnnounceTrack) so they don't clobber
// the count a Pong previously established.
func (r *Registry) Touch(nodeID NodeID) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok {
		p = &Peer{NodeID: nodeID}
		r.peers[nodeID] = p
	}
	p.LastSeen = r.now()
	p.online = true
	return p
}

// RegisterKnown creates a peer entry for nodeID if absent, left offline,
// as spec.md §4.5's PeerExchange handler requires for peers only learned
// indirectly (not yet observed directly via Ping/Touch).
func (r *Registry) RegisterKnown(nodeID NodeID, trackCount int) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[nodeID]; ok {
		return p
	}
	p := &Peer{NodeID: nodeID, TrackCount: trackCount}
	r.peers[nodeID] = p
	return p
}

// MarkOffline forces nodeID immediately offline without removing it from
// the registry.
func (r *Registry) MarkOffline(nodeID NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[nodeID]; ok {
		p.online = false
	}
}

// Get returns a copy of the peer record for nodeID, or false if unknown.
func (r *Registry) Get(nodeID NodeID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// IsOnline reports whether nodeID is currently considered online. Unknown
// peers are not online.
func (r *Registry) IsOnline(nodeID NodeID) bool {
	p, ok := r.Get(nodeID)
	if !ok {
		return false
	}
	return p.Online(r.now())
}

// OnlinePeers returns every peer currently considered online.
func (r *Registry) OnlinePeers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Online(now) {
			out = append(out, *p)
		}
	}
	return out
}

// ListPeers returns every known peer, online or not.
func (r *Registry) ListPeers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// PeerCount returns the number of known peers.
func (r *Registry) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
