package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pharmalert/ack-engine/internal/domain"
)

// Store is the authoritative in-memory mapping from (batch, recipient)
// to a delivery receipt. Batches are sharded: each batch carries its own
// lock, so mutations on different batches never contend. Readers receive
// deep copies; cross-batch reads (history, statistics, sweeps) lock one
// shard at a time and are therefore eventually consistent across
// batches, while staying consistent within a single batch.
type Store struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	batches map[string]*batchShard
	order   []string
}

type batchShard struct {
	mu       sync.RWMutex
	receipts []*domain.Receipt
	index    map[string]*domain.Receipt
}

// New builds a store with the given acknowledgment timeout. A
// non-positive timeout is a construction-time error.
func New(acknowledgmentTimeout time.Duration) (*Store, error) {
	return newStore(acknowledgmentTimeout, time.Now)
}

func newStore(acknowledgmentTimeout time.Duration, nowFn func() time.Time) (*Store, error) {
	if acknowledgmentTimeout <= 0 {
		return nil, fmt.Errorf("%w: acknowledgment timeout must be positive (got %s)",
			domain.ErrValidation, acknowledgmentTimeout)
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &Store{
		timeout: acknowledgmentTimeout,
		now:     nowFn,
		batches: make(map[string]*batchShard),
	}, nil
}

// Timeout returns the configured acknowledgment timeout.
func (s *Store) Timeout() time.Duration { return s.timeout }

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now() }

// StoreReceipts records one delivery of batchID to every recipient in
// order. Unknown pairs are created with Attempts=1 and a fixed expiry of
// now+timeout; known pairs are updated in place: status is overwritten,
// Attempts is bumped, metadata keys are merged additively, and
// ExpiresAt/AcknowledgedAt are left untouched. The call is unconditional:
// recipient existence is the caller's concern. All-or-nothing on bad
// input, so a retried batch never double-bumps Attempts. Returns the
// resulting records in input order.
func (s *Store) StoreReceipts(
	batchID string,
	recipientIDs []string,
	initialStatus domain.Status,
	metadata map[string]any,
) ([]*domain.Receipt, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	if initialStatus == "" {
		initialStatus = domain.StatusDelivered
	}
	if initialStatus != domain.StatusDelivered && initialStatus != domain.StatusFailed {
		return nil, fmt.Errorf("%w: initial status must be %s or %s (got %q)",
			domain.ErrValidation, domain.StatusDelivered, domain.StatusFailed, initialStatus)
	}

	// Validate the whole input before the first mutation. A rejected
	// call must leave no trace: no shard registered, no receipt created,
	// no Attempts bumped.
	cleaned := make([]string, 0, len(recipientIDs))
	for _, recipientID := range recipientIDs {
		recipientID = strings.TrimSpace(recipientID)
		if recipientID == "" {
			return nil, fmt.Errorf("%w: recipient id is required", domain.ErrValidation)
		}
		cleaned = append(cleaned, recipientID)
	}
	if len(cleaned) == 0 {
		return []*domain.Receipt{}, nil
	}

	shard := s.shardForWrite(batchID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	ts := s.now()
	results := make([]*domain.Receipt, 0, len(cleaned))

	for _, recipientID := range cleaned {
		existing, ok := shard.index[recipientID]
		if !ok {
			record := &domain.Receipt{
				BatchID:     batchID,
				RecipientID: recipientID,
				Status:      initialStatus,
				DeliveredAt: ts,
				Attempts:    1,
				ExpiresAt:   ts.Add(s.timeout),
				LastUpdated: ts,
				Metadata:    copyMetadata(metadata),
			}
			shard.receipts = append(shard.receipts, record)
			shard.index[recipientID] = record
			results = append(results, record.Clone())
			continue
		}

		status := initialStatus
		if status == domain.StatusFailed && existing.IsAcknowledged() {
			// An acknowledged receipt never reads as failed; a failed
			// re-delivery on it reopens the record as delivered instead.
			status = domain.StatusDelivered
		}
		existing.Status = status
		existing.Attempts++
		existing.LastUpdated = ts
		mergeMetadata(existing, metadata)
		results = append(results, existing.Clone())
	}

	return results, nil
}

// GetReceipt returns a copy of the receipt for one pair, or ErrNotFound.
// Absence is a normal outcome; callers must check the error.
func (s *Store) GetReceipt(batchID, recipientID string) (*domain.Receipt, error) {
	shard := s.shard(batchID)
	if shard == nil {
		return nil, domain.ErrNotFound
	}

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	record, ok := shard.index[recipientID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return record.Clone(), nil
}

// GetAllReceipts returns every receipt for a batch in insertion order.
func (s *Store) GetAllReceipts(batchID string) []*domain.Receipt {
	shard := s.shard(batchID)
	if shard == nil {
		return nil
	}

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	out := make([]*domain.Receipt, 0, len(shard.receipts))
	for _, record := range shard.receipts {
		out = append(out, record.Clone())
	}
	return out
}

// GetRecipientHistory returns every receipt referencing the recipient
// across all batches, most recent delivery first.
func (s *Store) GetRecipientHistory(recipientID string) []*domain.Receipt {
	var history []*domain.Receipt
	for _, shard := range s.shards() {
		shard.mu.RLock()
		record, ok := shard.index[recipientID]
		if ok {
			history = append(history, record.Clone())
		}
		shard.mu.RUnlock()
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].DeliveredAt.After(history[j].DeliveredAt)
	})
	return history
}

// MarkAcknowledged records an acknowledgment for an existing pair. The
// acknowledgment timestamp is set exactly once; repeated calls keep the
// original timestamp but may still amend the actor and notes. The
// second return reports whether this call recorded the acknowledgment,
// so callers can count and publish exactly once per receipt. Returns
// ErrNotFound for unknown pairs and ErrConflict for failed receipts,
// which must be re-delivered before they can be acknowledged.
func (s *Store) MarkAcknowledged(
	batchID, recipientID string,
	acknowledgedBy *string,
	notes *string,
) (*domain.Receipt, bool, error) {
	shard := s.shard(batchID)
	if shard == nil {
		return nil, false, domain.ErrNotFound
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	record, ok := shard.index[recipientID]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if record.Status == domain.StatusFailed {
		return nil, false, fmt.Errorf("%w: receipt for %s/%s is failed and cannot be acknowledged",
			domain.ErrConflict, batchID, recipientID)
	}

	ts := s.now()
	firstAck := record.AcknowledgedAt == nil
	if firstAck {
		ackTs := ts
		record.AcknowledgedAt = &ackTs
	}
	record.Status = domain.StatusAcknowledged
	record.LastUpdated = ts
	if acknowledgedBy != nil {
		by := strings.TrimSpace(*acknowledgedBy)
		if by != "" {
			record.AcknowledgedBy = &by
		}
	}
	if notes != nil && strings.TrimSpace(*notes) != "" {
		record.Metadata[domain.MetaAcknowledgmentNotes] = strings.TrimSpace(*notes)
	}

	return record.Clone(), firstAck, nil
}

// MarkFailed records a delivery failure for an existing pair. Allowed
// from delivered or expired; once a receipt is acknowledged the call is
// a no-op that returns the record unchanged. Re-failing an already
// failed receipt amends the reason and LastUpdated.
func (s *Store) MarkFailed(batchID, recipientID string, reason *string) (*domain.Receipt, error) {
	shard := s.shard(batchID)
	if shard == nil {
		return nil, domain.ErrNotFound
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	record, ok := shard.index[recipientID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if record.IsAcknowledged() {
		return record.Clone(), nil
	}

	record.Status = domain.StatusFailed
	record.LastUpdated = s.now()
	if reason != nil && strings.TrimSpace(*reason) != "" {
		record.Metadata[domain.MetaFailureReason] = strings.TrimSpace(*reason)
	}

	return record.Clone(), nil
}

// Reset clears one batch, or the whole store when batchID is empty.
// Administrative and explicitly destructive.
func (s *Store) Reset(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batchID == "" {
		s.batches = make(map[string]*batchShard)
		s.order = nil
		return
	}

	if _, ok := s.batches[batchID]; !ok {
		return
	}
	delete(s.batches, batchID)
	for i, id := range s.order {
		if id == batchID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) shard(batchID string) *batchShard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batches[batchID]
}

func (s *Store) shardForWrite(batchID string) *batchShard {
	s.mu.Lock()
	defer s.mu.Unlock()

	shard, ok := s.batches[batchID]
	if !ok {
		shard = &batchShard{index: make(map[string]*domain.Receipt)}
		s.batches[batchID] = shard
		s.order = append(s.order, batchID)
	}
	return shard
}

// shards returns the shard list in batch insertion order. Shard locks
// are taken individually afterwards; never while holding s.mu.
func (s *Store) shards() []*batchShard {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*batchShard, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.batches[id])
	}
	return out
}

func (s *Store) batchIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func copyMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

func mergeMetadata(record *domain.Receipt, metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	if record.Metadata == nil {
		record.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		record.Metadata[k] = v
	}
}
