package resolver

import (
	"testing"

	"github.com/soundtime-net/soundtime-node/internal/catalog"
	"github.com/soundtime-net/soundtime-node/internal/peer"
)

type fakeOnline map[peer.NodeID]bool

func (f fakeOnline) IsOnline(nodeID peer.NodeID) bool { return f[nodeID] }

type fakePresence map[string]bool

func (f fakePresence) Has(hash string) bool { return f[hash] }

func TestResolveReturnsRemoteWhenHigherBitrate(t *testing.T) {
	local := &catalog.Track{ContentHash: "h", Origin: catalog.OriginLocal, Bitrate: 128000, Format: "mp3"}
	remotes := []*catalog.RemoteTrack{
		{Bitrate: 1_000_000, Format: "flac", IsAvailable: true, RemoteStreamURL: "remote"},
	}

	best, err := Resolve(local, remotes, fakePresence{"h": true}, fakeOnline{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if best.Source != SourceRemote {
		t.Fatalf("expected remote source, got %v", best.Source)
	}
}

func TestResolveFallsBackToLocalWhenRemoteUnavailable(t *testing.T) {
	local := &catalog.Track{ContentHash: "h", Origin: catalog.OriginLocal, Bitrate: 128000, Format: "mp3"}
	remotes := []*catalog.RemoteTrack{
		{Bitrate: 1_000_000, Format: "flac", IsAvailable: false},
	}

	best, err := Resolve(local, remotes, fakePresence{"h": true}, fakeOnline{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if best.Source != SourceLocal {
		t.Fatalf("expected local source, got %v", best.Source)
	}
}

func TestResolveIgnoresLocalWhenBlobMissing(t *testing.T) {
	local := &catalog.Track{ContentHash: "h", Origin: catalog.OriginLocal, Bitrate: 128000, Format: "mp3"}
	remotes := []*catalog.RemoteTrack{
		{Bitrate: 64000, Format: "mp3", IsAvailable: true, RemoteStreamURL: "remote"},
	}

	best, err := Resolve(local, remotes, fakePresence{}, fakeOnline{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if best.Source != SourceRemote {
		t.Fatalf("expected remote source when local blob is missing, got %v", best.Source)
	}
}

func TestResolveSkipsRemoteWhenOriginNodeOffline(t *testing.T) {
	local := &catalog.Track{ContentHash: "h", Origin: catalog.OriginLocal, Bitrate: 128000, Format: "mp3"}
	remotes := []*catalog.RemoteTrack{
		{Bitrate: 1_000_000, Format: "flac", IsAvailable: true, RemoteStreamURL: "remote", RemoteURI: "p2p://node-1/h"},
	}

	best, err := Resolve(local, remotes, fakePresence{"h": true}, fakeOnline{"node-1": false})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if best.Source != SourceLocal {
		t.Fatalf("expected local source when remote's origin node is offline, got %v", best.Source)
	}
}

func TestResolveSwitchesAcrossSources(t *testing.T) {
	local := &catalog.Track{ContentHash: "h", Origin: catalog.OriginLocal, Bitrate: 320000, Format: "mp3"}
	r1 := &catalog.RemoteTrack{Bitrate: 1_000_000, Format: "flac", IsAvailable: true, RemoteStreamURL: "r1"}
	r2 := &catalog.RemoteTrack{Bitrate: 500000, Format: "ogg", IsAvailable: true, RemoteStreamURL: "r2"}

	best, err := Resolve(local, []*catalog.RemoteTrack{r1, r2}, fakePresence{"h": true}, fakeOnline{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if best.StreamURL != "r1" {
		t.Fatalf("expected r1 to win, got %s", best.StreamURL)
	}

	// R1 now unavailable: r2 wins over local since it has the higher bitrate.
	r1.IsAvailable = false
	best, err = Resolve(local, []*catalog.RemoteTrack{r1, r2}, fakePresence{"h": true}, fakeOnline{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if best.Source != SourceRemote || best.StreamURL != "r2" {
		t.Fatalf("expected r2 to win over local (500000 > 320000), got %+v", best)
	}
}

func TestResolveNotFoundWhenNothingAvailable(t *testing.T) {
	_, err := Resolve(nil, nil, fakePresence{}, fakeOnline{})
	if err == nil {
		t.Fatalf("expected NotFound error")
	}
}
