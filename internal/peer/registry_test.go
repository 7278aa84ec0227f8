package peer

import (
	"testing"
	"time"
)

func TestUpsertThenOnline(t *testing.T) {
	r := NewRegistry()
	r.Upsert("node1", 5)

	if !r.IsOnline("node1") {
		t.Fatalf("expected node1 to be online after upsert")
	}
	p, ok := r.Get("node1")
	if !ok {
		t.Fatalf("expected node1 to be present")
	}
	if p.TrackCount != 5 {
		t.Fatalf("expected track count 5, got %d", p.TrackCount)
	}
}

func TestMarkOfflineDoesNotDelete(t *testing.T) {
	r := NewRegistry()
	r.Upsert("node1", 1)
	r.MarkOffline("node1")

	if r.IsOnline("node1") {
		t.Fatalf("expected node1 to be offline after MarkOffline")
	}
	if _, ok := r.Get("node1"); !ok {
		t.Fatalf("expected node1 to remain in the registry after MarkOffline")
	}
	if r.PeerCount() != 1 {
		t.Fatalf("expected peer count 1, got %d", r.PeerCount())
	}
}

func TestOnlinePeersFiltersStale(t *testing.T) {
	r := NewRegistry()
	fakeNow := time.Now()
	r.now = func() time.Time { return fakeNow }

	r.Upsert("fresh", 0)
	r.Upsert("stale", 0)

	// Advance the clock past T_online for "stale" only by re-touching "fresh".
	fakeNow = fakeNow.Add(TOnline + time.Minute)
	r.Upsert("fresh", 0)

	online := r.OnlinePeers()
	if len(online) != 1 || online[0].NodeID != "fresh" {
		t.Fatalf("expected only 'fresh' to be online, got %+v", online)
	}
}

func TestUnknownPeerIsNotOnline(t *testing.T) {
	r := NewRegistry()
	if r.IsOnline("ghost") {
		t.Fatalf("expected unknown peer to not be online")
	}
}
