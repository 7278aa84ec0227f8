package health

import (
	"testing"
	"time"
)

type fakeRemoteSource struct {
	rows     []RemoteTrackRef
	setCalls map[string]bool
	setErr   error
	setCount int
}

func (f *fakeRemoteSource) AllRemoteTracks() ([]RemoteTrackRef, error) {
	return f.rows, nil
}

func (f *fakeRemoteSource) SetRemoteTrackAvailability(hash string, available bool, _ time.Time) error {
	if f.setCalls == nil {
		f.setCalls = make(map[string]bool)
	}
	f.setCalls[hash] = available
	f.setCount++
	return f.setErr
}

type fakeLocalPresence struct {
	present map[string]bool
}

func (f fakeLocalPresence) Has(hash string) bool { return f.present[hash] }

type fakeOnlineChecker struct {
	online map[string]bool
}

func (f fakeOnlineChecker) IsOnline(nodeID string) bool { return f.online[nodeID] }

func TestParseP2PRemoteURI(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		wantOrigin string
		wantHash   string
		wantOK     bool
	}{
		{"well formed", "p2p://node-a/abc123", "node-a", "abc123", true},
		{"missing scheme", "abc123", "", "", false},
		{"missing slash", "p2p://node-a", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin, hash, ok := parseP2PRemoteURI(tt.uri)
			if ok != tt.wantOK || origin != tt.wantOrigin || hash != tt.wantHash {
				t.Fatalf("parseP2PRemoteURI(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.uri, origin, hash, ok, tt.wantOrigin, tt.wantHash, tt.wantOK)
			}
		})
	}
}

func TestMonitorSweepMarksPresentBlobHealthy(t *testing.T) {
	m := NewManager(DefaultConfig())
	remotes := &fakeRemoteSource{rows: []RemoteTrackRef{
		{ContentHash: "h1", RemoteURI: "p2p://origin/h1"},
	}}
	blobs := fakeLocalPresence{present: map[string]bool{"h1": true}}
	peers := fakeOnlineChecker{}

	mon := NewMonitor(m, remotes, blobs, peers, time.Minute, nil)
	mon.sweep()

	if available, ok := remotes.setCalls["h1"]; !ok || !available {
		t.Fatalf("expected h1 marked available, got %v (present=%v)", available, ok)
	}
	rec, ok := m.Get("h1")
	if !ok || rec.Status.Kind != Healthy {
		t.Fatalf("expected h1 record Healthy, got %+v (ok=%v)", rec, ok)
	}
}

func TestMonitorSweepKeepsDereferencedUnavailable(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordFailure("h1", "origin")
	m.RecordFailure("h1", "origin")
	m.RecordFailure("h1", "origin") // -> Dereferenced at MaxRetryAttempts=3

	remotes := &fakeRemoteSource{rows: []RemoteTrackRef{
		{ContentHash: "h1", RemoteURI: "p2p://origin/h1"},
	}}
	blobs := fakeLocalPresence{} // not present locally
	peers := fakeOnlineChecker{}

	mon := NewMonitor(m, remotes, blobs, peers, time.Minute, nil)
	mon.sweep()

	if available, ok := remotes.setCalls["h1"]; !ok || available {
		t.Fatalf("expected h1 marked unavailable, got %v (ok=%v)", available, ok)
	}
}

func TestMonitorSweepDedupesByContentHash(t *testing.T) {
	m := NewManager(DefaultConfig())
	remotes := &fakeRemoteSource{rows: []RemoteTrackRef{
		{ContentHash: "h1", RemoteURI: "p2p://origin-a/h1"},
		{ContentHash: "h1", RemoteURI: "p2p://origin-b/h1"},
	}}
	blobs := fakeLocalPresence{present: map[string]bool{"h1": true}}
	peers := fakeOnlineChecker{}

	mon := NewMonitor(m, remotes, blobs, peers, time.Minute, nil)
	mon.sweep()

	if remotes.setCount != 1 {
		t.Fatalf("expected exactly one persisted availability call, got %d", remotes.setCount)
	}
}
