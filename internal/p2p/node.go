package p2p

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/soundtime-net/soundtime-node/internal/blobstore"
	"github.com/soundtime-net/soundtime-node/internal/catalog"
	"github.com/soundtime-net/soundtime-node/internal/identity"
	"github.com/soundtime-net/soundtime-node/internal/peer"
	"github.com/soundtime-net/soundtime-node/internal/sterr"
)

// Config carries the P2pNode tunables named in SPEC_FULL.md §4.5/§9.
type Config struct {
	BindAddr string

	// SeedPeers are dialable "host:port" addresses of bootstrap peers. In
	// the original iroh-based transport a NodeId alone is dialable via
	// discovery/relay; plain QUIC has no such resolution, so seeds here
	// must already be network addresses.
	SeedPeers []string

	// RelayWaitTimeout is carried for parity with spec.md §4.5's "wait up
	// to 15s for a relay" step. There is no relay in this transport (no
	// iroh rendezvous/hole-punching) — the equivalent readiness signal is
	// simply the listener successfully binding, so this value is accepted
	// but not used.
	RelayWaitTimeout time.Duration
	BootstrapDelay   time.Duration
	PexInterval      time.Duration
}

// Node is the QUIC endpoint, wire protocol, accept loop, and replication
// logic described in SPEC_FULL.md §4.5.
type Node struct {
	cfg     Config
	id      *identity.Identity
	blobs   *blobstore.Store
	catalog *catalog.DB
	peers   *peer.Registry
	logger  *slog.Logger

	listener *quic.Listener
	tlsConf  *tls.Config
	quicConf *quic.Config

	// addrs maps a peer's NodeID to a last-known dialable address. This is
	// not part of spec.md's Peer data model (§3 defines Peer as
	// {node_id, last_seen, track_count, online} with no address) — it is
	// purely an artifact of this transport needing a real network address
	// to dial, where iroh's NodeId would have sufficed on its own.
	addrsMu sync.RWMutex
	addrs   map[identity.NodeID]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start binds the QUIC endpoint, spawns the accept loop, and schedules
// seed-peer bootstrap and periodic PEX, per spec.md §4.5's lifecycle.
func Start(ctx context.Context, cfg Config, id *identity.Identity, blobs *blobstore.Store, db *catalog.DB, peers *peer.Registry, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PexInterval <= 0 {
		cfg.PexInterval = 5 * time.Minute
	}

	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	listener, err := quic.ListenAddr(cfg.BindAddr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("p2p: binding %s: %w", cfg.BindAddr, err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		cfg:      cfg,
		id:       id,
		blobs:    blobs,
		catalog:  db,
		peers:    peers,
		logger:   logger,
		listener: listener,
		tlsConf:  tlsConf,
		quicConf: quicConf,
		addrs:    make(map[identity.NodeID]string),
		ctx:      nodeCtx,
		cancel:   cancel,
	}

	logger.Info("p2p endpoint bound", "addr", listener.Addr().String(), "node_id", n.NodeID())

	n.wg.Add(1)
	go n.acceptLoop()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-time.After(cfg.BootstrapDelay):
			n.connectToSeedPeers(n.ctx, cfg.SeedPeers)
		case <-n.ctx.Done():
		}
	}()

	n.wg.Add(1)
	go n.pexLoop()

	return n, nil
}

// NodeID returns this node's persistent identity.
func (n *Node) NodeID() identity.NodeID {
	return n.id.NodeID()
}

// Shutdown signals every background task to stop, closes the endpoint,
// and flushes the blob store.
func (n *Node) Shutdown() {
	n.cancel()
	n.listener.Close()
	n.wg.Wait()
	if err := n.blobs.Shutdown(); err != nil {
		n.logger.Warn("blobstore shutdown", "error", err)
	}
}

// --- address book (see the addrs field comment) -----------------------------

func (n *Node) rememberAddr(id identity.NodeID, addr string) {
	if id == "" || addr == "" {
		return
	}
	n.addrsMu.Lock()
	n.addrs[id] = addr
	n.addrsMu.Unlock()
}

func (n *Node) addrFor(id identity.NodeID) (string, bool) {
	n.addrsMu.RLock()
	defer n.addrsMu.RUnlock()
	a, ok := n.addrs[id]
	return a, ok
}

func toPeerID(id identity.NodeID) peer.NodeID     { return peer.NodeID(id) }
func toIdentityID(id peer.NodeID) identity.NodeID { return identity.NodeID(id) }

// --- publish / local access ---------------------------------------------------

// PublishTrack imports data into the blob store and returns its hash. The
// returned tag is never released: blobs this node publishes are pinned
// permanently (SPEC_FULL.md §9, "Ownership of blob tags"). The caller is
// responsible for broadcasting the resulting announcement.
func (n *Node) PublishTrack(data []byte) (string, error) {
	hash, _, err := n.blobs.Put(data)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GetLocalTrack reads a blob's full contents from the local store.
func (n *Node) GetLocalTrack(hash string) ([]byte, error) {
	return n.blobs.Get(blobstore.Hash(hash))
}

// HasBlob reports whether hash is present locally, without reading it.
func (n *Node) HasBlob(hash string) bool {
	return n.blobs.Has(blobstore.Hash(hash))
}

func (n *Node) localTrackCount() int {
	tracks, err := n.catalog.LocalOriginTracks()
	if err != nil {
		return 0
	}
	return len(tracks)
}

func (n *Node) trackToAnnouncement(t *catalog.Track) TrackAnnouncement {
	var artistName, albumTitle string
	if artist, err := n.catalog.ArtistByID(t.ArtistID); err == nil {
		artistName = artist.Name
	}
	if t.AlbumID != "" {
		if album, err := n.catalog.AlbumByID(t.AlbumID); err == nil {
			albumTitle = album.Title
		}
	}
	return TrackAnnouncement{
		Hash:         t.ContentHash,
		Title:        t.Title,
		ArtistName:   artistName,
		AlbumTitle:   albumTitle,
		DurationSecs: t.DurationSecs,
		Format:       t.Format,
		FileSize:     t.FileSize,
		Genre:        t.Genre,
		Year:         t.Year,
		TrackNumber:  t.TrackNumber,
		DiscNumber:   t.DiscNumber,
		Bitrate:      t.Bitrate,
		SampleRate:   t.SampleRate,
		OriginNode:   string(n.NodeID()),
	}
}

// AnnounceLocalTrack broadcasts t, a track this node just published, to
// every currently-online peer. Callers publish to the blob store and
// insert the catalog row first, then call this to fan the announcement
// out (spec.md §4.5's local-upload lifecycle).
func (n *Node) AnnounceLocalTrack(t *catalog.Track) {
	n.BroadcastAnnounceTrack(n.trackToAnnouncement(t))
}

// --- client-side transport ----------------------------------------------------

// sendMessageToPeer dials addr, writes msg on a fresh bidirectional stream,
// finishes the write half, and — if expectResponse — reads back one framed
// JSON message. The connection is held open for streamDrainDelay after the
// exchange completes before being dropped, matching node.rs's
// send_message_to_peer 2-second sleep (SPEC_FULL.md §9, "Stream-close race").
func (n *Node) sendMessageToPeer(ctx context.Context, addr string, msg Message, expectResponse bool) (*Message, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConf, n.quicConf)
	if err != nil {
		return nil, fmt.Errorf("p2p: dialing %s: %w", addr, sterr.PeerUnreachable)
	}
	defer func() {
		time.Sleep(streamDrainDelay)
		conn.CloseWithError(0, "")
	}()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("p2p: opening stream to %s: %w", addr, sterr.PeerUnreachable)
	}
	defer stream.Close()

	msg.From = string(n.NodeID())
	if err := writeFramed(stream, msg); err != nil {
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("p2p: finishing stream to %s: %w", addr, err)
	}

	if !expectResponse {
		return nil, nil
	}
	var resp Message
	if err := readFramed(stream, &resp); err != nil {
		return nil, fmt.Errorf("p2p: reading response from %s: %w", addr, err)
	}
	return &resp, nil
}

// fetchTrackFromPeerAddr issues a FetchTrack request over a dedicated
// stream, since its response is raw length-prefixed bytes rather than a
// framed Message.
func (n *Node) fetchTrackFromPeerAddr(ctx context.Context, addr, hash string) ([]byte, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConf, n.quicConf)
	if err != nil {
		return nil, fmt.Errorf("p2p: dialing %s: %w", addr, sterr.PeerUnreachable)
	}
	defer func() {
		time.Sleep(streamDrainDelay)
		conn.CloseWithError(0, "")
	}()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("p2p: opening stream to %s: %w", addr, sterr.PeerUnreachable)
	}
	defer stream.Close()

	msg := Message{Kind: KindFetchTrack, From: string(n.NodeID()), FetchHash: hash}
	if err := writeFramed(stream, msg); err != nil {
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("p2p: finishing stream to %s: %w", addr, err)
	}

	data, err := readFramedBytes(stream)
	if err != nil {
		return nil, fmt.Errorf("p2p: reading fetch_track response: %w", err)
	}
	if data == nil {
		return nil, sterr.TrackNotFound
	}
	return data, nil
}

// FetchTrackFromPeer fetches hash from peerNodeID, using its last-known
// dial address.
func (n *Node) FetchTrackFromPeer(ctx context.Context, peerNodeID identity.NodeID, hash string) ([]byte, error) {
	addr, ok := n.addrFor(peerNodeID)
	if !ok {
		return nil, fmt.Errorf("p2p: no known address for peer %s: %w", peerNodeID, sterr.PeerUnreachable)
	}
	return n.fetchTrackFromPeerAddr(ctx, addr, hash)
}

// Fetch implements health.Fetcher so HealthManager.AutoRepair can pull
// replacement bytes from a peer without the health package depending on
// this one's types.
func (n *Node) Fetch(ctx context.Context, peerNodeID, contentHash string) ([]byte, error) {
	return n.FetchTrackFromPeer(ctx, identity.NodeID(peerNodeID), contentHash)
}

// PingPeer dials addr, sends Ping, and on a valid Pong registers the
// responder's NodeID and address.
func (n *Node) PingPeer(ctx context.Context, addr string) (identity.NodeID, int, error) {
	ping := Message{Kind: KindPing, ListenAddr: n.listener.Addr().String()}
	resp, err := n.sendMessageToPeer(ctx, addr, ping, true)
	if err != nil {
		return "", 0, err
	}
	if resp.Kind != KindPong {
		return "", 0, fmt.Errorf("p2p: unexpected response kind %q from %s", resp.Kind, addr)
	}
	nodeID := identity.NodeID(resp.NodeID)
	if nodeID == "" || nodeID == n.NodeID() {
		return "", 0, fmt.Errorf("p2p: refusing to register self as peer")
	}
	n.rememberAddr(nodeID, addr)
	n.peers.Upsert(toPeerID(nodeID), resp.TrackCount)
	return nodeID, resp.TrackCount, nil
}

// --- broadcast & sync ----------------------------------------------------------

// BroadcastAnnounceTrack sends a to every currently-online peer. Send
// failures mark that peer offline and are otherwise not retried in this
// pass (spec.md §4.5).
func (n *Node) BroadcastAnnounceTrack(a TrackAnnouncement) {
	for _, p := range n.peers.OnlinePeers() {
		pid := toIdentityID(p.NodeID)
		addr, ok := n.addrFor(pid)
		if !ok {
			continue
		}
		msg := Message{Kind: KindAnnounceTrack, Announce: &a}
		if _, err := n.sendMessageToPeer(n.ctx, addr, msg, false); err != nil {
			n.logger.Warn("announce failed, marking peer offline", "peer", pid, "error", err)
			n.peers.MarkOffline(p.NodeID)
		}
	}
}

// announceAllTracksToPeer sends every locally-origin track with a content
// hash to peerID as a single CatalogSync message.
func (n *Node) announceAllTracksToPeer(ctx context.Context, peerID identity.NodeID) {
	addr, ok := n.addrFor(peerID)
	if !ok {
		return
	}
	tracks, err := n.catalog.LocalOriginTracks()
	if err != nil {
		n.logger.Error("listing local tracks for catalog sync", "error", err)
		return
	}
	if len(tracks) == 0 {
		return
	}

	anns := make([]TrackAnnouncement, 0, len(tracks))
	for _, t := range tracks {
		anns = append(anns, n.trackToAnnouncement(t))
	}

	msg := Message{Kind: KindCatalogSync, CatalogSync: anns}
	if _, err := n.sendMessageToPeer(ctx, addr, msg, false); err != nil {
		n.logger.Warn("catalog sync failed", "peer", peerID, "error", err)
		n.peers.MarkOffline(toPeerID(peerID))
	}
}

// processTrackAnnouncement implements spec.md §4.5's dedup-then-replicate
// rule for a single incoming announcement.
func (n *Node) processTrackAnnouncement(ctx context.Context, a TrackAnnouncement, from identity.NodeID) {
	if a.OriginNode == string(n.NodeID()) {
		return // never replicate our own tracks back to ourselves
	}
	if existing, err := n.catalog.TrackByContentHash(a.Hash); err == nil && existing != nil {
		return // already have this hash; idempotent dedup
	}

	if !n.blobs.Has(blobstore.Hash(a.Hash)) {
		data, err := n.FetchTrackFromPeer(ctx, from, a.Hash)
		if err != nil {
			n.logger.Warn("fetching announced track failed", "hash", a.Hash, "peer", from, "error", err)
		} else if _, _, err := n.blobs.Put(data); err != nil {
			n.logger.Warn("importing fetched track failed", "hash", a.Hash, "error", err)
		}
	}

	artist, err := n.catalog.ResolveOrCreateArtist(a.ArtistName)
	if err != nil {
		n.logger.Error("resolving artist for announcement", "hash", a.Hash, "error", err)
		return
	}
	var albumID string
	if a.AlbumTitle != "" {
		if album, err := n.catalog.ResolveOrCreateAlbum(a.AlbumTitle, artist.ID); err != nil {
			n.logger.Error("resolving album for announcement", "hash", a.Hash, "error", err)
		} else if album != nil {
			albumID = album.ID
		}
	}

	track := &catalog.Track{
		Title:        a.Title,
		ArtistID:     artist.ID,
		AlbumID:      albumID,
		DurationSecs: a.DurationSecs,
		Format:       a.Format,
		FileSize:     a.FileSize,
		Bitrate:      a.Bitrate,
		SampleRate:   a.SampleRate,
		Genre:        a.Genre,
		Year:         a.Year,
		TrackNumber:  a.TrackNumber,
		DiscNumber:   a.DiscNumber,
		ContentHash:  a.Hash,
		Origin:       catalog.OriginP2P,
		OriginNode:   a.OriginNode,
	}
	if err := n.catalog.InsertTrack(track); err != nil {
		n.logger.Error("inserting replicated track", "hash", a.Hash, "error", err)
		return
	}

	remote := &catalog.RemoteTrack{
		LocalTrackRef: track.ID,
		ContentHash:   a.Hash,
		Title:         a.Title,
		ArtistName:    a.ArtistName,
		AlbumTitle:    a.AlbumTitle,
		RemoteURI:     catalog.P2PRemoteURI(a.OriginNode, a.Hash),
		Bitrate:       a.Bitrate,
		SampleRate:    a.SampleRate,
		Format:        a.Format,
		IsAvailable:   true,
	}
	if err := n.catalog.InsertRemoteTrack(remote); err != nil {
		n.logger.Error("inserting remote track record", "hash", a.Hash, "error", err)
	}
}

// --- discovery, bootstrap, PEX --------------------------------------------------

func (n *Node) knownPeerInfos() []PeerInfo {
	list := n.peers.ListPeers()
	out := make([]PeerInfo, 0, len(list))
	for _, p := range list {
		addr, _ := n.addrFor(toIdentityID(p.NodeID))
		out = append(out, PeerInfo{NodeID: string(p.NodeID), Addr: addr, TrackCount: p.TrackCount})
	}
	return out
}

func (n *Node) selfPeerInfo() PeerInfo {
	return PeerInfo{
		NodeID:     string(n.NodeID()),
		Addr:       n.listener.Addr().String(),
		TrackCount: n.localTrackCount(),
	}
}

// discoverViaPeer sends our known-peer list to peerID, receives theirs in
// reply, and pings every peer we didn't already know (spec.md §4.5,
// "ping unknowns").
func (n *Node) discoverViaPeer(ctx context.Context, peerID identity.NodeID) {
	addr, ok := n.addrFor(peerID)
	if !ok {
		return
	}
	mine := append(n.knownPeerInfos(), n.selfPeerInfo())

	resp, err := n.sendMessageToPeer(ctx, addr, Message{Kind: KindPeerExchange, Peers: mine}, true)
	if err != nil {
		n.logger.Warn("peer exchange failed", "peer", peerID, "error", err)
		n.peers.MarkOffline(toPeerID(peerID))
		return
	}

	for _, pi := range resp.Peers {
		discovered := identity.NodeID(pi.NodeID)
		if discovered == "" || discovered == n.NodeID() || discovered == peerID {
			continue
		}
		if _, known := n.peers.Get(toPeerID(discovered)); known {
			continue
		}
		n.rememberAddr(discovered, pi.Addr)
		if dialAddr, ok := n.addrFor(discovered); ok {
			if _, _, err := n.PingPeer(ctx, dialAddr); err != nil {
				n.logger.Debug("discovered peer unreachable", "peer", discovered, "error", err)
			}
		}
	}
}

// connectToSeedPeers implements spec.md §4.5's bootstrap step: ping each
// seed, register valid responders, then catch up via PEX and a full
// catalog sync.
func (n *Node) connectToSeedPeers(ctx context.Context, seeds []string) {
	for _, addr := range seeds {
		nodeID, _, err := n.PingPeer(ctx, addr)
		if err != nil {
			n.logger.Warn("seed peer unreachable", "addr", addr, "error", err)
			continue
		}
		n.logger.Info("registered seed peer", "peer", nodeID, "addr", addr)
		n.discoverViaPeer(ctx, nodeID)
		n.announceAllTracksToPeer(ctx, nodeID)
	}
}

func (n *Node) pexLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.PexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.runPexRound()
		case <-n.ctx.Done():
			return
		}
	}
}

// runPexRound picks one known online peer and re-runs discovery through
// it, per spec.md §4.5's periodic PEX.
func (n *Node) runPexRound() {
	online := n.peers.OnlinePeers()
	if len(online) == 0 {
		return
	}
	n.discoverViaPeer(n.ctx, toIdentityID(online[0].NodeID))
}

// --- accept loop and server-side handlers ---------------------------------------

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.logger.Warn("accept failed", "error", err)
			continue
		}
		n.wg.Add(1)
		go n.handleConnection(conn)
	}
}

func (n *Node) handleConnection(conn *quic.Conn) {
	defer n.wg.Done()
	for {
		stream, err := conn.AcceptStream(n.ctx)
		if err != nil {
			return // connection closed, or shutdown in progress
		}
		n.wg.Add(1)
		go n.handleStream(conn, stream)
	}
}

func (n *Node) handleStream(conn *quic.Conn, stream *quic.Stream) {
	defer n.wg.Done()
	defer stream.Close()

	var msg Message
	if err := readFramed(stream, &msg); err != nil {
		n.logger.Debug("stream read failed", "error", err)
		return
	}

	from := identity.NodeID(msg.From)
	if from != "" && from != n.NodeID() {
		blocked, err := n.catalog.IsPeerBlocked(string(from))
		if err != nil {
			n.logger.Warn("blocklist check failed", "peer", from, "error", err)
		} else if blocked {
			n.logger.Warn("rejecting stream from blocked peer", "peer", from)
			conn.CloseWithError(1, "peer blocked")
			return
		}
	}

	n.handleMessage(conn, stream, from, &msg)
}

func (n *Node) handleMessage(conn *quic.Conn, stream *quic.Stream, from identity.NodeID, msg *Message) {
	switch msg.Kind {
	case KindPing:
		if from != "" {
			n.peers.Touch(toPeerID(from))
			n.rememberAddr(from, msg.ListenAddr)
		}
		pong := Message{
			Kind:       KindPong,
			From:       string(n.NodeID()),
			NodeID:     string(n.NodeID()),
			TrackCount: n.localTrackCount(),
		}
		if err := writeFramed(stream, pong); err != nil {
			n.logger.Warn("writing pong", "peer", from, "error", err)
			return
		}
		if from != "" {
			go n.announceAllTracksToPeer(n.ctx, from)
		}

	case KindFetchTrack:
		if from != "" {
			n.peers.Touch(toPeerID(from))
		}
		data, err := n.blobs.Get(blobstore.Hash(msg.FetchHash))
		if err != nil {
			if writeErr := writeFramedBytes(stream, nil); writeErr != nil {
				n.logger.Warn("writing not-found fetch_track reply", "hash", msg.FetchHash, "error", writeErr)
			}
			return
		}
		if err := writeFramedBytes(stream, data); err != nil {
			n.logger.Warn("writing fetch_track reply", "hash", msg.FetchHash, "error", err)
		}

	case KindAnnounceTrack:
		if from != "" {
			n.peers.Touch(toPeerID(from))
		}
		if msg.Announce != nil {
			n.processTrackAnnouncement(n.ctx, *msg.Announce, from)
		}

	case KindCatalogSync:
		if from != "" {
			n.peers.Touch(toPeerID(from))
		}
		for _, a := range msg.CatalogSync {
			n.processTrackAnnouncement(n.ctx, a, from)
		}

	case KindPeerExchange:
		if from != "" {
			n.peers.Touch(toPeerID(from))
		}
		n.handlePeerExchange(stream, from, msg.Peers)

	default:
		n.logger.Warn("unknown message kind", "kind", msg.Kind, "peer", from)
	}
}

// handlePeerExchange implements the passive side of PEX: register unknown
// peers offline (we only learn of them, we don't dial them here — that's
// discoverViaPeer's job on the initiating side) and reply with our own
// known peers plus ourselves.
func (n *Node) handlePeerExchange(stream *quic.Stream, from identity.NodeID, incoming []PeerInfo) {
	for _, pi := range incoming {
		discovered := identity.NodeID(pi.NodeID)
		if discovered == "" || discovered == n.NodeID() {
			continue
		}
		n.rememberAddr(discovered, pi.Addr)
		if _, known := n.peers.Get(toPeerID(discovered)); !known {
			n.peers.RegisterKnown(toPeerID(discovered), 0)
		}
	}

	reply := Message{
		Kind: KindPeerExchange,
		From: string(n.NodeID()),
		Peers: append(n.knownPeerInfos(), n.selfPeerInfo()),
	}
	if err := writeFramed(stream, reply); err != nil {
		n.logger.Warn("writing peer_exchange reply", "peer", from, "error", err)
	}
}
