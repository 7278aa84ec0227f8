package health

// CheckItem is one unit of work in a batch health sweep: a federated track
// identified by its content hash and the node it originated from.
type CheckItem struct {
	ContentHash string
	OriginNode  string
}

// BatchCheckResult carries the four independent counters the original
// implementation tracks per sweep (SPEC_FULL.md §9, supplemented feature 5).
type BatchCheckResult struct {
	Healthy           int
	ReReferenced      int
	Dereferenced      int
	UnavailableSource int
}

// LocalPresence is the narrow interface the batch checker needs from
// BlobStore.
type LocalPresence interface {
	Has(hash string) bool
}

// OnlineChecker is the narrow interface the batch checker needs from
// PeerRegistry.
type OnlineChecker interface {
	IsOnline(nodeID string) bool
}

// ProcessBatch implements the lazy-fetch batch semantics of SPEC_FULL.md
// §4.4: for each item, presence and Dereferenced status decide the outcome
// without ever invoking a recovery fetch — recovery happens only through
// AutoRepair, invoked separately on user-triggered playback failures.
func (m *Manager) ProcessBatch(items []CheckItem, blobs LocalPresence, peers OnlineChecker) BatchCheckResult {
	var result BatchCheckResult

	for _, item := range items {
		if blobs.Has(item.ContentHash) {
			rec, existed := m.Get(item.ContentHash)
			if existed && rec.Status.Kind == Dereferenced {
				m.ReReference(item.ContentHash, item.OriginNode)
				result.ReReferenced++
			}
			m.MarkHealthy(item.ContentHash, item.OriginNode)
			result.Healthy++
			continue
		}

		rec, existed := m.Get(item.ContentHash)
		if existed && rec.Status.Kind == Dereferenced {
			result.Dereferenced++
			continue
		}

		result.Healthy++
		if !peers.IsOnline(item.OriginNode) {
			result.UnavailableSource++
		}
	}

	return result
}
