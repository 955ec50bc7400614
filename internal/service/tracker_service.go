package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pharmalert/ack-engine/internal/domain"
	"github.com/pharmalert/ack-engine/internal/observability"
	"github.com/pharmalert/ack-engine/internal/queue"
	"github.com/pharmalert/ack-engine/internal/ratelimit"
	"github.com/pharmalert/ack-engine/internal/repository"
	"github.com/pharmalert/ack-engine/internal/store"
)

// TrackerService is the boundary the dispatch and ingestion layers call
// into. It wraps the receipt store with logging, metrics, lifecycle
// events, acknowledgment rate limiting, and optional snapshot
// persistence. Publisher, limiter, and snapshot repository may all be
// nil: events are then skipped, ingestion is unlimited, and the snapshot
// endpoints report ErrConflict.
type TrackerService struct {
	receipts  *store.Store
	publisher queue.Publisher
	snapshots repository.SnapshotRepository
	limiter   ratelimit.RateLimiter
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewTrackerService(
	receipts *store.Store,
	publisher queue.Publisher,
	snapshots repository.SnapshotRepository,
	limiter ratelimit.RateLimiter,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*TrackerService, error) {
	if receipts == nil {
		return nil, fmt.Errorf("receipt store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TrackerService{
		receipts:  receipts,
		publisher: publisher,
		snapshots: snapshots,
		limiter:   limiter,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// RecordDelivery registers one delivery of a batch to every recipient,
// creating or updating receipts. Called by the dispatch layer after it
// has transmitted (or failed to transmit) the message.
func (s *TrackerService) RecordDelivery(
	ctx context.Context,
	batchID string,
	recipientIDs []string,
	initialStatus domain.Status,
	metadata map[string]any,
) ([]*domain.Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	records, err := s.receipts.StoreReceipts(batchID, recipientIDs, initialStatus, metadata)
	if err != nil {
		return nil, err
	}

	correlationID := s.correlationID(ctx)
	for _, record := range records {
		s.metrics.IncReceiptStored(record.Status.String())
		s.publishEvent(ctx, record, correlationID)
	}

	s.logger.Info("deliveries recorded",
		zap.String("batchId", batchID),
		zap.Int("recipients", len(records)),
		zap.String("correlationId", correlationID),
	)
	return records, nil
}

// Acknowledge records a recipient's acknowledgment of a batch. Subject
// to per-batch rate limiting when a limiter is configured.
func (s *TrackerService) Acknowledge(
	ctx context.Context,
	batchID, recipientID string,
	acknowledgedBy *string,
	notes *string,
) (*domain.Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, ackScope(batchID))
		if err != nil {
			return nil, fmt.Errorf("acknowledgment rate limit check failed: %w", err)
		}
		if !allowed {
			s.metrics.IncRateLimitRejected()
			return nil, fmt.Errorf("%w: acknowledgment ingestion for batch %q", domain.ErrRateLimited, batchID)
		}
	}

	record, newlyAcked, err := s.receipts.MarkAcknowledged(batchID, recipientID, acknowledgedBy, notes)
	if err != nil {
		return nil, err
	}

	// Only the call that recorded the acknowledgment counts and
	// publishes; idempotent repeats stay silent.
	if newlyAcked {
		s.metrics.IncAcknowledged()
		if latency, ok := record.AcknowledgmentLatency(); ok {
			s.metrics.ObserveAckLatency(latency)
		}
		s.publishEvent(ctx, record, s.correlationID(ctx))
	}

	s.logger.Info("acknowledgment recorded",
		zap.String("batchId", batchID),
		zap.String("recipientId", recipientID),
	)
	return record, nil
}

// Fail records a delivery failure reported by the dispatch layer. A
// no-op on acknowledged receipts.
func (s *TrackerService) Fail(
	ctx context.Context,
	batchID, recipientID string,
	reason *string,
) (*domain.Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	record, err := s.receipts.MarkFailed(batchID, recipientID, reason)
	if err != nil {
		return nil, err
	}

	if record.Status == domain.StatusFailed {
		s.metrics.IncFailed()
		s.publishEvent(ctx, record, s.correlationID(ctx))
		s.logger.Info("delivery failure recorded",
			zap.String("batchId", batchID),
			zap.String("recipientId", recipientID),
		)
	}
	return record, nil
}

// CheckExpirations persists expired state for every overdue receipt and
// returns the newly expired ones.
func (s *TrackerService) CheckExpirations(ctx context.Context) []*domain.Receipt {
	if ctx == nil {
		ctx = context.Background()
	}

	expired := s.receipts.CheckExpirations()
	if len(expired) == 0 {
		return expired
	}

	s.metrics.AddExpired(len(expired))
	correlationID := s.correlationID(ctx)
	for _, record := range expired {
		s.publishEvent(ctx, record, correlationID)
	}

	s.logger.Info("receipts expired",
		zap.Int("count", len(expired)),
		zap.String("correlationId", correlationID),
	)
	return expired
}

func (s *TrackerService) Receipt(batchID, recipientID string) (*domain.Receipt, error) {
	return s.receipts.GetReceipt(batchID, recipientID)
}

func (s *TrackerService) Receipts(batchID string) []*domain.Receipt {
	return s.receipts.GetAllReceipts(batchID)
}

func (s *TrackerService) RecipientHistory(recipientID string) []*domain.Receipt {
	return s.receipts.GetRecipientHistory(recipientID)
}

func (s *TrackerService) Status(batchID string) store.BatchStatus {
	return s.receipts.AcknowledgmentStatus(batchID)
}

func (s *TrackerService) Statistics() store.Statistics {
	return s.receipts.Statistics()
}

func (s *TrackerService) FollowupCandidates(batchID string, includeExpired bool) []store.FollowupCandidate {
	return s.receipts.FollowupCandidates(batchID, includeExpired)
}

func (s *TrackerService) RetryTargets(batchID string) []string {
	return s.receipts.RetryTargets(batchID)
}

// Reset clears one batch, or everything when batchID is empty.
func (s *TrackerService) Reset(batchID string) {
	s.receipts.Reset(batchID)
	s.logger.Warn("receipt store reset", zap.String("batchId", batchID))
}

func (s *TrackerService) Export() store.Snapshot {
	return s.receipts.Export()
}

func (s *TrackerService) ImportJSON(payload []byte) error {
	return s.receipts.ImportJSON(payload)
}

// SaveSnapshot persists the current store export. Requires a configured
// snapshot repository.
func (s *TrackerService) SaveSnapshot(ctx context.Context) (*repository.StoreSnapshot, error) {
	if s.snapshots == nil {
		return nil, fmt.Errorf("%w: snapshot persistence is not configured", domain.ErrConflict)
	}

	payload, err := s.receipts.ExportJSON()
	if err != nil {
		return nil, err
	}

	stats := s.receipts.Statistics()
	snapshot := &repository.StoreSnapshot{
		ID:       uuid.NewString(),
		Payload:  payload,
		Batches:  stats.TotalBatches,
		Receipts: stats.TotalSent,
	}
	if err := s.snapshots.Save(ctx, snapshot); err != nil {
		return nil, err
	}

	s.logger.Info("snapshot saved",
		zap.String("snapshotId", snapshot.ID),
		zap.Int("batches", snapshot.Batches),
		zap.Int("receipts", snapshot.Receipts),
	)
	return snapshot, nil
}

// RestoreSnapshot replaces the store contents with the most recent
// persisted snapshot.
func (s *TrackerService) RestoreSnapshot(ctx context.Context) (*repository.StoreSnapshot, error) {
	if s.snapshots == nil {
		return nil, fmt.Errorf("%w: snapshot persistence is not configured", domain.ErrConflict)
	}

	snapshot, err := s.snapshots.LoadLatest(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.receipts.ImportJSON(snapshot.Payload); err != nil {
		return nil, fmt.Errorf("failed to restore snapshot %s: %w", snapshot.ID, err)
	}

	s.logger.Info("snapshot restored", zap.String("snapshotId", snapshot.ID))
	return snapshot, nil
}

func (s *TrackerService) publishEvent(ctx context.Context, record *domain.Receipt, correlationID string) {
	if s.publisher == nil {
		return
	}

	event := queue.EventFromReceipt(record, correlationID, record.LastUpdated)
	if err := s.publisher.Publish(ctx, event); err != nil {
		// Event delivery is best-effort; the store mutation already
		// succeeded.
		s.logger.Warn("failed to publish receipt event",
			zap.String("type", event.Type.String()),
			zap.String("batchId", event.BatchID),
			zap.String("recipientId", event.RecipientID),
			zap.Error(err),
		)
	}
}

func (s *TrackerService) correlationID(ctx context.Context) string {
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		return correlationID
	}
	return uuid.NewString()
}

func ackScope(batchID string) string {
	return "ack:" + strings.ToLower(strings.TrimSpace(batchID))
}
