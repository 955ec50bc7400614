package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pharmalert/ack-engine/internal/domain"
)

// Snapshot is the portable representation of the store: batch id to the
// batch's receipts in insertion order.
type Snapshot map[string][]SnapshotRecord

// SnapshotRecord is one exported receipt. Timestamps travel as ISO-8601
// strings; the batch id is repeated on every record so consumers can
// flatten the map without losing it.
type SnapshotRecord struct {
	RecipientID    string         `json:"recipient_id"`
	BatchID        string         `json:"batch_id"`
	DeliveredAt    time.Time      `json:"delivered_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at"`
	LastUpdated    time.Time      `json:"last_updated"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Status         string         `json:"status"`
	AcknowledgedBy *string        `json:"acknowledged_by"`
	Attempts       int            `json:"attempts"`
	Metadata       map[string]any `json:"metadata"`
}

// Export folds the whole store into a snapshot. Per-batch record order
// is insertion order, matching GetAllReceipts.
func (s *Store) Export() Snapshot {
	snapshot := make(Snapshot)
	for _, batchID := range s.batchIDs() {
		receipts := s.GetAllReceipts(batchID)
		if receipts == nil {
			continue
		}
		records := make([]SnapshotRecord, 0, len(receipts))
		for _, receipt := range receipts {
			records = append(records, snapshotRecordFromReceipt(receipt))
		}
		snapshot[batchID] = records
	}
	return snapshot
}

// ExportJSON serializes the snapshot for transfer across process
// boundaries.
func (s *Store) ExportJSON() ([]byte, error) {
	payload, err := json.MarshalIndent(s.Export(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return payload, nil
}

// Import replaces the store contents with a snapshot. The whole input is
// validated before any state changes: a single malformed record fails
// the import and names the offending batch and record, leaving the
// previous contents intact.
func (s *Store) Import(snapshot Snapshot) error {
	batches := make(map[string]*batchShard, len(snapshot))
	order := make([]string, 0, len(snapshot))

	for batchID, records := range snapshot {
		if batchID == "" {
			return fmt.Errorf("%w: snapshot contains an empty batch id", domain.ErrValidation)
		}

		shard := &batchShard{index: make(map[string]*domain.Receipt, len(records))}
		for i, record := range records {
			receipt, err := record.toReceipt(batchID)
			if err != nil {
				return fmt.Errorf("snapshot batch %q record %d: %w", batchID, i, err)
			}
			if _, exists := shard.index[receipt.RecipientID]; exists {
				return fmt.Errorf("%w: snapshot batch %q record %d: duplicate recipient %q",
					domain.ErrValidation, batchID, i, receipt.RecipientID)
			}
			shard.receipts = append(shard.receipts, receipt)
			shard.index[receipt.RecipientID] = receipt
		}
		batches[batchID] = shard
		order = append(order, batchID)
	}

	// Map iteration order is random; sort so post-import batch order is
	// deterministic.
	sort.Strings(order)

	s.mu.Lock()
	s.batches = batches
	s.order = order
	s.mu.Unlock()
	return nil
}

// ImportJSON parses and imports a serialized snapshot, all-or-nothing.
func (s *Store) ImportJSON(payload []byte) error {
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return fmt.Errorf("%w: malformed snapshot payload: %v", domain.ErrValidation, err)
	}
	return s.Import(snapshot)
}

func snapshotRecordFromReceipt(r *domain.Receipt) SnapshotRecord {
	return SnapshotRecord{
		RecipientID:    r.RecipientID,
		BatchID:        r.BatchID,
		DeliveredAt:    r.DeliveredAt,
		AcknowledgedAt: r.AcknowledgedAt,
		LastUpdated:    r.LastUpdated,
		ExpiresAt:      r.ExpiresAt,
		Status:         r.Status.String(),
		AcknowledgedBy: r.AcknowledgedBy,
		Attempts:       r.Attempts,
		Metadata:       r.Metadata,
	}
}

func (rec SnapshotRecord) toReceipt(batchID string) (*domain.Receipt, error) {
	if rec.BatchID != "" && rec.BatchID != batchID {
		return nil, fmt.Errorf("%w: record batch id %q does not match containing batch %q",
			domain.ErrValidation, rec.BatchID, batchID)
	}

	status, err := domain.ParseStatusFromString(rec.Status)
	if err != nil {
		return nil, err
	}

	receipt := &domain.Receipt{
		BatchID:        batchID,
		RecipientID:    rec.RecipientID,
		Status:         status,
		DeliveredAt:    rec.DeliveredAt,
		AcknowledgedAt: rec.AcknowledgedAt,
		AcknowledgedBy: rec.AcknowledgedBy,
		Attempts:       rec.Attempts,
		ExpiresAt:      rec.ExpiresAt,
		LastUpdated:    rec.LastUpdated,
		Metadata:       copyMetadata(rec.Metadata),
	}
	if err := receipt.Validate(); err != nil {
		return nil, err
	}
	return receipt, nil
}
