package store

import "github.com/pharmalert/ack-engine/internal/domain"

// BatchStatus summarizes acknowledgment progress for one batch. The
// buckets are disjoint and exhaustive: a receipt with an acknowledgment
// timestamp counts as acknowledged regardless of later status
// overwrites, a failed receipt counts as failed, and everything else
// (delivered or expired, unacknowledged) counts as pending.
type BatchStatus struct {
	BatchID            string
	TotalSent          int
	AcknowledgedCount  int
	PendingCount       int
	FailedCount        int
	AcknowledgmentRate float64
	Acknowledged       []string
	Pending            []string
	Failed             []string
	Receipts           []*domain.Receipt
}

// BatchBreakdown is one batch's row in the global statistics.
type BatchBreakdown struct {
	BatchID      string
	Sent         int
	Acknowledged int
	Pending      int
	Failed       int
	Rate         float64
}

// Statistics aggregates acknowledgment progress across every batch.
type Statistics struct {
	TotalBatches       int
	TotalSent          int
	TotalAcknowledged  int
	TotalPending       int
	TotalFailed        int
	AcknowledgmentRate float64
	ByBatch            []BatchBreakdown
}

// AcknowledgmentStatus folds one batch into counts, id buckets, and the
// acknowledgment rate. A batch with no receipts reports rate 0.
func (s *Store) AcknowledgmentStatus(batchID string) BatchStatus {
	status := BatchStatus{
		BatchID:      batchID,
		Acknowledged: []string{},
		Pending:      []string{},
		Failed:       []string{},
	}

	shard := s.shard(batchID)
	if shard == nil {
		return status
	}

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	for _, record := range shard.receipts {
		status.TotalSent++
		status.Receipts = append(status.Receipts, record.Clone())

		switch {
		case record.IsAcknowledged():
			status.AcknowledgedCount++
			status.Acknowledged = append(status.Acknowledged, record.RecipientID)
		case record.Status == domain.StatusFailed:
			status.FailedCount++
			status.Failed = append(status.Failed, record.RecipientID)
		default:
			status.PendingCount++
			status.Pending = append(status.Pending, record.RecipientID)
		}
	}

	if status.TotalSent > 0 {
		status.AcknowledgmentRate = float64(status.AcknowledgedCount) / float64(status.TotalSent)
	}
	return status
}

// Statistics folds the whole store into global counts plus a per-batch
// breakdown in batch insertion order. Batches are folded one shard at a
// time, so the result is eventually consistent across batches while each
// row is internally consistent.
func (s *Store) Statistics() Statistics {
	stats := Statistics{ByBatch: []BatchBreakdown{}}

	for _, batchID := range s.batchIDs() {
		batch := s.AcknowledgmentStatus(batchID)
		if s.shard(batchID) == nil {
			continue
		}

		stats.TotalBatches++
		stats.TotalSent += batch.TotalSent
		stats.TotalAcknowledged += batch.AcknowledgedCount
		stats.TotalPending += batch.PendingCount
		stats.TotalFailed += batch.FailedCount
		stats.ByBatch = append(stats.ByBatch, BatchBreakdown{
			BatchID:      batchID,
			Sent:         batch.TotalSent,
			Acknowledged: batch.AcknowledgedCount,
			Pending:      batch.PendingCount,
			Failed:       batch.FailedCount,
			Rate:         batch.AcknowledgmentRate,
		})
	}

	if stats.TotalSent > 0 {
		stats.AcknowledgmentRate = float64(stats.TotalAcknowledged) / float64(stats.TotalSent)
	}
	return stats
}

// RetryTargets returns the recipient ids in a batch whose delivery is
// currently failed, in insertion order. The dispatch layer re-delivers
// to them through StoreReceipts, which bumps Attempts.
func (s *Store) RetryTargets(batchID string) []string {
	shard := s.shard(batchID)
	if shard == nil {
		return nil
	}

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	var targets []string
	for _, record := range shard.receipts {
		if record.Status == domain.StatusFailed {
			targets = append(targets, record.RecipientID)
		}
	}
	return targets
}
