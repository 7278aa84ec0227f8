package health

import "testing"

func TestStateMachineDegradedThenDereferenced(t *testing.T) {
	m := NewManager(Config{MaxRetryAttempts: 3})

	r := m.RecordFailure("h1", "node1")
	if r.Status.Kind != Degraded || r.Status.N != 1 {
		t.Fatalf("expected Degraded{1}, got %+v", r.Status)
	}

	r = m.RecordFailure("h1", "node1")
	if r.Status.Kind != Degraded || r.Status.N != 2 {
		t.Fatalf("expected Degraded{2}, got %+v", r.Status)
	}

	r = m.RecordFailure("h1", "node1")
	if r.Status.Kind != Dereferenced {
		t.Fatalf("expected Dereferenced at MaxRetryAttempts, got %+v", r.Status)
	}
	if r.FailedAttempts != 3 {
		t.Fatalf("expected failed_attempts=3, got %d", r.FailedAttempts)
	}
}

func TestDereferencedFailureDoesNotIncrementFurther(t *testing.T) {
	m := NewManager(Config{MaxRetryAttempts: 3})
	m.RecordFailure("h1", "node1")
	m.RecordFailure("h1", "node1")
	m.RecordFailure("h1", "node1")

	r := m.RecordFailure("h1", "node1")
	if r.Status.Kind != Dereferenced {
		t.Fatalf("expected to remain Dereferenced, got %+v", r.Status)
	}
	if r.FailedAttempts != 3 {
		t.Fatalf("expected failed_attempts to stay at 3, got %d", r.FailedAttempts)
	}
}

func TestRecordSuccessResetsAndRecovers(t *testing.T) {
	m := NewManager(Config{MaxRetryAttempts: 3})
	m.RecordFailure("h1", "node1")
	m.RecordFailure("h1", "node1")

	r, ok := m.RecordSuccess("h1")
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if r.Status.Kind != Recovered || r.FailedAttempts != 0 {
		t.Fatalf("expected Recovered with failed_attempts=0, got %+v", r)
	}
}

func TestReReferenceOnlyFromDereferenced(t *testing.T) {
	m := NewManager(Config{MaxRetryAttempts: 3})
	m.RecordFailure("h1", "node1")

	// Not yet Dereferenced: re_reference is a no-op.
	_, ok := m.ReReference("h1", "node1")
	if ok {
		t.Fatalf("expected re_reference to be a no-op on Degraded status")
	}

	m.RecordFailure("h1", "node1")
	m.RecordFailure("h1", "node1")
	r, _ := m.Get("h1")
	if r.Status.Kind != Dereferenced {
		t.Fatalf("setup: expected Dereferenced")
	}

	r, ok = m.ReReference("h1", "node1")
	if !ok {
		t.Fatalf("expected re_reference to succeed from Dereferenced")
	}
	if r.Status.Kind != Healthy || r.FailedAttempts != 0 {
		t.Fatalf("expected Healthy with failed_attempts=0, got %+v", r)
	}
}

func TestBackpressurePermits(t *testing.T) {
	m := NewManager(Config{MaxConcurrentRecoveries: 2})

	p1, ok := m.TryAcquireRecoveryPermit()
	if !ok {
		t.Fatalf("expected first permit to be available")
	}
	_, ok = m.TryAcquireRecoveryPermit()
	if !ok {
		t.Fatalf("expected second permit to be available")
	}
	_, ok = m.TryAcquireRecoveryPermit()
	if ok {
		t.Fatalf("expected third permit to be unavailable")
	}

	p1.Release()
	_, ok = m.TryAcquireRecoveryPermit()
	if !ok {
		t.Fatalf("expected a permit to be available after release")
	}
}

func TestSelectBestCopyOnlineBonusDominates(t *testing.T) {
	mp3Online := Candidate{Online: true, Format: "mp3", BitrateBps: 320_000}
	flacOffline := Candidate{Online: false, Format: "flac", BitrateBps: 1_000_000}

	best, ok := SelectBestCopy([]Candidate{mp3Online, flacOffline})
	if !ok {
		t.Fatalf("expected a selection")
	}
	if best.Format != "mp3" {
		t.Fatalf("expected online mp3 to win over offline flac, got %+v", best)
	}
}

func TestSelectBestCopyFormatWinsWhenBothOffline(t *testing.T) {
	mp3Offline := Candidate{Online: false, Format: "mp3", BitrateBps: 320_000}
	flacOffline := Candidate{Online: false, Format: "flac", BitrateBps: 1_000_000}

	best, ok := SelectBestCopy([]Candidate{mp3Offline, flacOffline})
	if !ok {
		t.Fatalf("expected a selection")
	}
	if best.Format != "flac" {
		t.Fatalf("expected flac to win when both offline, got %+v", best)
	}
}

type fakeBlobs map[string]bool

func (f fakeBlobs) Has(hash string) bool { return f[hash] }

type fakeOnlinePeers map[string]bool

func (f fakeOnlinePeers) IsOnline(nodeID string) bool { return f[nodeID] }

func TestProcessBatchHealthyNeverTriggersRecovery(t *testing.T) {
	m := NewManager(DefaultConfig())
	blobs := fakeBlobs{}
	peers := fakeOnlinePeers{"nodeA": false}

	result := m.ProcessBatch([]CheckItem{{ContentHash: "missing", OriginNode: "nodeA"}}, blobs, peers)

	if result.Healthy != 1 {
		t.Fatalf("expected healthy=1, got %+v", result)
	}
	if result.UnavailableSource != 1 {
		t.Fatalf("expected unavailable_source=1 since origin is offline, got %+v", result)
	}
	if result.Dereferenced != 0 {
		t.Fatalf("expected no dereferenced count, got %+v", result)
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatalf("expected no record to be created for a merely-missing healthy blob")
	}
}

func TestProcessBatchSkipsRecoveryForDereferenced(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordFailure("h1", "nodeA")
	m.RecordFailure("h1", "nodeA")
	m.RecordFailure("h1", "nodeA")

	blobs := fakeBlobs{}
	peers := fakeOnlinePeers{"nodeA": true}

	result := m.ProcessBatch([]CheckItem{{ContentHash: "h1", OriginNode: "nodeA"}}, blobs, peers)
	if result.Dereferenced != 1 {
		t.Fatalf("expected dereferenced=1, got %+v", result)
	}
	if result.Healthy != 0 {
		t.Fatalf("expected no healthy count for a dereferenced track, got %+v", result)
	}
}

func TestProcessBatchReReferencesWhenBlobReturns(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordFailure("h1", "nodeA")
	m.RecordFailure("h1", "nodeA")
	m.RecordFailure("h1", "nodeA")

	blobs := fakeBlobs{"h1": true}
	peers := fakeOnlinePeers{"nodeA": true}

	result := m.ProcessBatch([]CheckItem{{ContentHash: "h1", OriginNode: "nodeA"}}, blobs, peers)
	if result.ReReferenced != 1 || result.Healthy != 1 {
		t.Fatalf("expected re_referenced=1 and healthy=1, got %+v", result)
	}
	rec, _ := m.Get("h1")
	if rec.Status.Kind != Healthy {
		t.Fatalf("expected status Healthy after blob returns, got %+v", rec.Status)
	}
}
