package health

import (
	"context"
	"fmt"
)

// Candidate is an alternative source for a content hash, gathered from
// registered RemoteTrack rows sharing the hash.
type Candidate struct {
	PeerNodeID string
	Online     bool
	Format     string
	BitrateBps int
	SampleRateHz int
}

// formatBase implements the table in SPEC_FULL.md §4.4.
func formatBase(format string) int {
	switch format {
	case "flac", "FLAC":
		return 1000
	case "wav", "WAV", "aiff", "AIFF":
		return 900
	case "opus", "OPUS":
		return 700
	case "aac", "AAC":
		return 600
	case "ogg", "OGG":
		return 500
	case "mp3", "MP3":
		return 400
	default:
		return 300
	}
}

func capped(v, max int) int {
	if v > max {
		return max
	}
	return v
}

// QualityScore computes the ranking score for a candidate source: higher is
// better. See SPEC_FULL.md §4.4 for the exact formula.
func QualityScore(c Candidate) int {
	score := formatBase(c.Format)
	score += capped(c.BitrateBps, 500_000) / 1000
	score += capped(c.SampleRateHz, 192_000) / 1000
	if c.Online {
		score += 2000
	}
	return score
}

// SelectBestCopy picks the best candidate: online candidates are preferred
// as a class over offline ones, the highest QualityScore wins within a
// class, and if no online candidate exists the highest-scored offline one
// is returned.
func SelectBestCopy(candidates []Candidate) (Candidate, bool) {
	var bestOnline, bestOffline *Candidate
	for i := range candidates {
		c := &candidates[i]
		if c.Online {
			if bestOnline == nil || QualityScore(*c) > QualityScore(*bestOnline) {
				bestOnline = c
			}
		} else {
			if bestOffline == nil || QualityScore(*c) > QualityScore(*bestOffline) {
				bestOffline = c
			}
		}
	}
	if bestOnline != nil {
		return *bestOnline, true
	}
	if bestOffline != nil {
		return *bestOffline, true
	}
	return Candidate{}, false
}

// Fetcher is the narrow interface HealthManager needs to pull bytes from a
// peer. Implemented by the P2pNode's FetchTrack client call.
type Fetcher interface {
	Fetch(ctx context.Context, peerNodeID, contentHash string) ([]byte, error)
}

// BlobImporter is the narrow interface HealthManager needs to persist
// recovered bytes.
type BlobImporter interface {
	Has(hash string) bool
	Put(data []byte) (string, error)
}

// RecoveryResult is the outcome of an auto_repair call.
type RecoveryResult struct {
	Success  bool
	Status   Status
	PeerUsed string
	Err      error
}

// AutoRepair acquires a recovery permit, tries the origin peer first, and
// on failure tries the best-ranked alternative. On success it calls
// RecordSuccess, which by itself takes the record to Recovered with the
// failure count reset, whether it was Degraded or Dereferenced (ReReference
// is not called); on total failure it calls RecordFailure, which is a no-op
// on the counter if the record is already Dereferenced.
func (m *Manager) AutoRepair(ctx context.Context, hash, originNode string, fetcher Fetcher, importer BlobImporter, alternatives []Candidate) RecoveryResult {
	permit := m.AcquireRecoveryPermit()
	defer permit.Release()

	peerUsed, data, err := m.tryOrigin(ctx, hash, originNode, fetcher)
	if err != nil {
		peerUsed, data, err = m.tryAlternative(ctx, hash, fetcher, alternatives)
	}

	if err != nil {
		rec := m.RecordFailure(hash, originNode)
		return RecoveryResult{Success: false, Status: rec.Status, Err: err}
	}

	if _, perr := importer.Put(data); perr != nil {
		rec := m.RecordFailure(hash, originNode)
		return RecoveryResult{Success: false, Status: rec.Status, Err: perr}
	}

	// record_success takes the record to Recovered with failed_attempts
	// reset to 0, whether it was previously Degraded or Dereferenced.
	rec, _ := m.RecordSuccess(hash)
	return RecoveryResult{Success: true, Status: rec.Status, PeerUsed: peerUsed}
}

func (m *Manager) tryOrigin(ctx context.Context, hash, originNode string, fetcher Fetcher) (string, []byte, error) {
	data, err := fetcher.Fetch(ctx, originNode, hash)
	if err != nil {
		return "", nil, fmt.Errorf("health: origin fetch failed: %w", err)
	}
	return originNode, data, nil
}

func (m *Manager) tryAlternative(ctx context.Context, hash string, fetcher Fetcher, alternatives []Candidate) (string, []byte, error) {
	best, ok := SelectBestCopy(alternatives)
	if !ok {
		return "", nil, fmt.Errorf("health: no alternative sources for %s", hash)
	}
	data, err := fetcher.Fetch(ctx, best.PeerNodeID, hash)
	if err != nil {
		return "", nil, fmt.Errorf("health: alternative fetch failed: %w", err)
	}
	return best.PeerNodeID, data, nil
}
