// Package resolver implements the best-source resolution rules in
// SPEC_FULL.md §4.3.
package resolver

import (
	"github.com/soundtime-net/soundtime-node/internal/catalog"
	"github.com/soundtime-net/soundtime-node/internal/peer"
	"github.com/soundtime-net/soundtime-node/internal/sterr"
)

// SourceKind distinguishes where a resolved copy lives.
type SourceKind string

const (
	SourceLocal  SourceKind = "local"
	SourceRemote SourceKind = "remote"
)

// BestSource is the result of resolving a track id to its best reachable
// copy.
type BestSource struct {
	Source    SourceKind
	StreamURL string
	Bitrate   int
	Format    string
}

// CatalogReader is the narrow read interface the resolver needs from the
// catalog.
type CatalogReader interface {
	TrackByID(id string) (*catalog.Track, error)
	RemoteTracksByLocalRef(localTrackID string) ([]*catalog.RemoteTrack, error)
}

// LocalPresence is the narrow interface the resolver needs from BlobStore:
// a track only counts as a local candidate if its blob is actually present,
// not merely if the catalog row names a content hash (spec.md §4.3, rule 1:
// "if the track has a local blob").
type LocalPresence interface {
	Has(hash string) bool
}

// OnlineChecker is the narrow interface the resolver needs from
// PeerRegistry. A remote candidate whose origin node has gone offline is
// excluded even if its RemoteTrack row still carries a stale
// is_available=true from the last health-monitor sweep (spec.md §8's
// best-source-switch scenario requires this to react immediately, not only
// on the next sweep interval).
type OnlineChecker interface {
	IsOnline(nodeID peer.NodeID) bool
}

// Resolve picks the best reachable source for a track, applying the rules
// in order: start with local if the blob is actually present; collect
// available-and-online remote candidates; pick by maximum bitrate with
// local-first, then insertion-order tie-breaks.
func Resolve(track *catalog.Track, remotes []*catalog.RemoteTrack, blobs LocalPresence, online OnlineChecker) (*BestSource, error) {
	var best *BestSource

	if track != nil && track.ContentHash != "" && track.Origin == catalog.OriginLocal && blobs.Has(track.ContentHash) {
		best = &BestSource{
			Source:    SourceLocal,
			StreamURL: catalog.StreamURLForHash(track.ContentHash),
			Bitrate:   track.Bitrate,
			Format:    track.Format,
		}
	}

	for _, rt := range remotes {
		if !rt.IsAvailable {
			continue
		}
		if originNode, _, ok := catalog.ParseP2PRemoteURI(rt.RemoteURI); ok && !online.IsOnline(peer.NodeID(originNode)) {
			continue
		}
		candidate := &BestSource{
			Source:    SourceRemote,
			StreamURL: rt.RemoteStreamURL,
			Bitrate:   rt.Bitrate,
			Format:    rt.Format,
		}
		if best == nil || candidate.Bitrate > best.Bitrate {
			best = candidate
		}
		// Ties: local-first (best already local, so a remote with equal
		// bitrate never displaces it) then insertion order (first remote
		// candidate at a given bitrate wins, since we only replace on
		// strictly greater bitrate above).
	}

	if best == nil {
		return nil, sterr.NotFound
	}
	return best, nil
}
