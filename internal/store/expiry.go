package store

import (
	"github.com/pharmalert/ack-engine/internal/domain"
)

// FollowupCandidate is an unacknowledged, non-failed receipt annotated
// with its expiry state computed fresh against the supplied clock,
// independent of whether a sweep has persisted the transition yet.
type FollowupCandidate struct {
	Receipt   *domain.Receipt
	IsExpired bool
}

// CheckExpirations persists the expired state for every receipt whose
// acknowledgment window has passed. Acknowledged and failed receipts
// keep their state: acknowledgment wins over the deadline, and failed is
// terminal for the engine. Already-expired receipts are skipped, so
// repeated sweeps are idempotent. Returns the newly expired receipts.
func (s *Store) CheckExpirations() []*domain.Receipt {
	now := s.now()
	var expired []*domain.Receipt

	for _, shard := range s.shards() {
		shard.mu.Lock()
		for _, record := range shard.receipts {
			if record.IsAcknowledged() {
				continue
			}
			if record.Status == domain.StatusExpired || record.Status == domain.StatusFailed {
				continue
			}
			if !record.IsExpired(now) {
				continue
			}
			record.Status = domain.StatusExpired
			record.LastUpdated = now
			expired = append(expired, record.Clone())
		}
		shard.mu.Unlock()
	}

	return expired
}

// FollowupCandidates returns the receipts in a batch that still need an
// acknowledgment chase: no acknowledgment recorded and not failed. With
// includeExpired false, receipts past their deadline are dropped.
func (s *Store) FollowupCandidates(batchID string, includeExpired bool) []FollowupCandidate {
	shard := s.shard(batchID)
	if shard == nil {
		return nil
	}

	now := s.now()

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	var candidates []FollowupCandidate
	for _, record := range shard.receipts {
		if record.IsAcknowledged() {
			continue
		}
		if record.Status == domain.StatusFailed {
			continue
		}

		isExpired := record.IsExpired(now)
		if isExpired && !includeExpired {
			continue
		}
		candidates = append(candidates, FollowupCandidate{
			Receipt:   record.Clone(),
			IsExpired: isExpired,
		})
	}

	return candidates
}
