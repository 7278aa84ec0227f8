// Package p2p implements P2pNode: the QUIC endpoint, wire protocol,
// accept loop, bootstrap, catalog sync, and broadcast described in
// SPEC_FULL.md §4.5.
package p2p

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ALPN is the single application-layer protocol identifier that gates
// incoming QUIC streams.
const ALPN = "soundtime/p2p/1"

// streamDrainDelay is the minimum time a stream's connection must be kept
// alive after the final byte is written, so the QUIC transport has time to
// flush large payloads before the caller drops its reference
// (SPEC_FULL.md §9, "Stream-close race").
const streamDrainDelay = 2 * time.Second

// MessageKind tags the variant of a wire message.
type MessageKind string

const (
	KindPing           MessageKind = "ping"
	KindPong           MessageKind = "pong"
	KindFetchTrack     MessageKind = "fetch_track"
	KindAnnounceTrack  MessageKind = "announce_track"
	KindCatalogSync    MessageKind = "catalog_sync"
	KindPeerExchange   MessageKind = "peer_exchange"
)

// TrackAnnouncement carries everything a peer needs to replicate a track.
type TrackAnnouncement struct {
	Hash         string `json:"hash"`
	Title        string `json:"title"`
	ArtistName   string `json:"artist_name"`
	AlbumTitle   string `json:"album_title,omitempty"`
	DurationSecs int    `json:"duration_secs"`
	Format       string `json:"format"`
	FileSize     int64  `json:"file_size"`
	Genre        string `json:"genre,omitempty"`
	Year         int    `json:"year,omitempty"`
	TrackNumber  int    `json:"track_number,omitempty"`
	DiscNumber   int    `json:"disc_number,omitempty"`
	Bitrate      int    `json:"bitrate,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
	OriginNode   string `json:"origin_node"`
}

// PeerInfo is the minimal shape exchanged during PeerExchange.
//
// Addr is a dialable "host:port" for this peer. iroh's NodeId doubles as
// the network address via its own discovery/relay layer; plain QUIC has
// no such binding, so PeerExchange carries the address alongside the
// NodeID for the receiver to dial directly.
type PeerInfo struct {
	NodeID     string `json:"node_id"`
	Addr       string `json:"addr,omitempty"`
	TrackCount int    `json:"track_count"`
}

// Message is the envelope for every request sent over a stream. Exactly
// one of the payload fields is populated, selected by Kind.
type Message struct {
	Kind MessageKind `json:"kind"`

	// From is the sender's NodeID, set on every outgoing message. Because
	// the QUIC transport here uses a self-signed cert with no PKI, this is
	// the only place peer identity is asserted — the receiver treats it as
	// the app-layer identity of whoever opened the stream.
	From string `json:"from,omitempty"`

	// ListenAddr is the sender's own dial address, set on outgoing Ping
	// messages. A dialing peer's remote address as seen by the acceptor is
	// an ephemeral client port, not something the acceptor could dial back
	// on; without it, the acceptor could never push a catalog sync to a
	// peer that only ever connects inbound.
	ListenAddr string `json:"listen_addr,omitempty"`

	FetchHash   string              `json:"fetch_hash,omitempty"`
	Announce    *TrackAnnouncement  `json:"announce,omitempty"`
	CatalogSync []TrackAnnouncement `json:"catalog_sync,omitempty"`
	Peers       []PeerInfo          `json:"peers,omitempty"`

	// Pong fields.
	NodeID     string `json:"node_id,omitempty"`
	TrackCount int    `json:"track_count,omitempty"`
}

// writeFramed writes a u32 big-endian length prefix followed by the JSON
// encoding of v.
func writeFramed(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("p2p: marshaling message: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("p2p: writing length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("p2p: writing message body: %w", err)
	}
	return nil
}

// readFramed reads a u32 big-endian length prefix and that many bytes of
// UTF-8 JSON, decoding into v.
func readFramed(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("p2p: reading length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("p2p: reading message body: %w", err)
		}
	}
	return json.Unmarshal(data, v)
}

// writeFramedBytes writes a u32 length prefix followed by raw bytes, used
// for the FetchTrack response (length 0 means not-found).
func writeFramedBytes(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("p2p: writing length prefix: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

// readFramedBytes is the client-side counterpart of writeFramedBytes.
func readFramedBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("p2p: reading length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("p2p: reading bytes: %w", err)
	}
	return data, nil
}
