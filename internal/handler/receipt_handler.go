package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"

	"github.com/pharmalert/ack-engine/internal/domain"
	"github.com/pharmalert/ack-engine/internal/observability"
	"github.com/pharmalert/ack-engine/internal/repository"
	"github.com/pharmalert/ack-engine/internal/store"
)

const correlationIDHeader = "X-Correlation-Id"

// TrackerService is the boundary the HTTP layer drives. The dispatch
// layer posts deliveries and failures; the ingestion layer posts
// acknowledgments and reads statistics and follow-up lists.
type TrackerService interface {
	RecordDelivery(ctx context.Context, batchID string, recipientIDs []string, initialStatus domain.Status, metadata map[string]any) ([]*domain.Receipt, error)
	Acknowledge(ctx context.Context, batchID, recipientID string, acknowledgedBy, notes *string) (*domain.Receipt, error)
	Fail(ctx context.Context, batchID, recipientID string, reason *string) (*domain.Receipt, error)
	Receipt(batchID, recipientID string) (*domain.Receipt, error)
	Receipts(batchID string) []*domain.Receipt
	RecipientHistory(recipientID string) []*domain.Receipt
	Status(batchID string) store.BatchStatus
	Statistics() store.Statistics
	FollowupCandidates(batchID string, includeExpired bool) []store.FollowupCandidate
	RetryTargets(batchID string) []string
	CheckExpirations(ctx context.Context) []*domain.Receipt
	Reset(batchID string)
	Export() store.Snapshot
	ImportJSON(payload []byte) error
	SaveSnapshot(ctx context.Context) (*repository.StoreSnapshot, error)
	RestoreSnapshot(ctx context.Context) (*repository.StoreSnapshot, error)
}

type ReceiptHandler struct {
	service TrackerService
}

func NewReceiptHandler(service TrackerService) (*ReceiptHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("tracker service is required")
	}
	return &ReceiptHandler{service: service}, nil
}

func RegisterReceiptRoutes(router fiber.Router, service TrackerService) error {
	h, err := NewReceiptHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches/:batchId/receipts", h.RecordDelivery)
	v1.Get("/batches/:batchId/receipts", h.ListReceipts)
	v1.Get("/batches/:batchId/receipts/:recipientId", h.GetReceipt)
	v1.Post("/batches/:batchId/receipts/:recipientId/ack", h.Acknowledge)
	v1.Post("/batches/:batchId/receipts/:recipientId/fail", h.Fail)
	v1.Get("/batches/:batchId/status", h.GetStatus)
	v1.Get("/batches/:batchId/followups", h.GetFollowups)
	v1.Get("/batches/:batchId/retry-targets", h.GetRetryTargets)
	v1.Delete("/batches/:batchId", h.ResetBatch)
	v1.Get("/recipients/:recipientId/history", h.GetRecipientHistory)
	v1.Get("/statistics", h.GetStatistics)
	v1.Post("/expirations/check", h.CheckExpirations)
	v1.Delete("/receipts", h.ResetAll)
	v1.Get("/export", h.Export)
	v1.Post("/import", h.Import)
	v1.Post("/snapshots", h.SaveSnapshot)
	v1.Post("/snapshots/restore", h.RestoreSnapshot)

	return nil
}

// CorrelationMiddleware threads the X-Correlation-Id header (or a fresh
// id) into the request context for logging and event publication.
func CorrelationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		correlationID := strings.TrimSpace(c.Get(correlationIDHeader))
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), correlationID))
		c.Set(correlationIDHeader, correlationID)
		return c.Next()
	}
}

type recordDeliveryRequest struct {
	RecipientIDs []string       `json:"recipientIds"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata"`
}

type acknowledgeRequest struct {
	AcknowledgedBy *string `json:"acknowledgedBy"`
	Notes          *string `json:"notes"`
}

type failRequest struct {
	Reason *string `json:"reason"`
}

type receiptResponse struct {
	RecipientID    string         `json:"recipientId"`
	BatchID        string         `json:"batchId"`
	Status         string         `json:"status"`
	DeliveredAt    time.Time      `json:"deliveredAt"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy *string        `json:"acknowledgedBy,omitempty"`
	Attempts       int            `json:"attempts"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	LastUpdated    time.Time      `json:"lastUpdated"`
	Metadata       map[string]any `json:"metadata"`
}

type followupResponse struct {
	receiptResponse
	IsExpired bool `json:"isExpired"`
}

type batchStatusResponse struct {
	BatchID            string   `json:"batchId"`
	TotalSent          int      `json:"totalSent"`
	AcknowledgedCount  int      `json:"acknowledgedCount"`
	PendingCount       int      `json:"pendingCount"`
	FailedCount        int      `json:"failedCount"`
	AcknowledgmentRate float64  `json:"acknowledgmentRate"`
	Acknowledged       []string `json:"acknowledged"`
	Pending            []string `json:"pending"`
	Failed             []string `json:"failed"`
}

type batchBreakdownItem struct {
	BatchID      string  `json:"batchId"`
	Sent         int     `json:"sent"`
	Acknowledged int     `json:"acknowledged"`
	Pending      int     `json:"pending"`
	Failed       int     `json:"failed"`
	Rate         float64 `json:"rate"`
}

type statisticsResponse struct {
	TotalBatches       int                  `json:"totalBatches"`
	TotalSent          int                  `json:"totalSent"`
	TotalAcknowledged  int                  `json:"totalAcknowledged"`
	TotalPending       int                  `json:"totalPending"`
	TotalFailed        int                  `json:"totalFailed"`
	AcknowledgmentRate float64              `json:"acknowledgmentRate"`
	ByBatch            []batchBreakdownItem `json:"byBatch"`
}

type snapshotResponse struct {
	ID        string    `json:"id"`
	Batches   int       `json:"batches"`
	Receipts  int       `json:"receipts"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *ReceiptHandler) RecordDelivery(c *fiber.Ctx) error {
	var req recordDeliveryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.RecipientIDs) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "recipientIds is required")
	}

	status := domain.StatusDelivered
	if strings.TrimSpace(req.Status) != "" {
		parsed, err := domain.ParseStatusFromString(req.Status)
		if err != nil {
			return respondError(c, err)
		}
		status = parsed
	}

	// The store retains the batch id beyond this request; fiber reuses
	// the param's backing buffer, so it must be copied.
	records, err := h.service.RecordDelivery(c.UserContext(), utils.CopyString(c.Params("batchId")), req.RecipientIDs, status, req.Metadata)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(receiptResponses(records))
}

func (h *ReceiptHandler) Acknowledge(c *fiber.Ctx) error {
	var req acknowledgeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	record, err := h.service.Acknowledge(c.UserContext(), c.Params("batchId"), c.Params("recipientId"), req.AcknowledgedBy, req.Notes)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(receiptResponseFromDomain(record))
}

func (h *ReceiptHandler) Fail(c *fiber.Ctx) error {
	var req failRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	record, err := h.service.Fail(c.UserContext(), c.Params("batchId"), c.Params("recipientId"), req.Reason)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(receiptResponseFromDomain(record))
}

func (h *ReceiptHandler) GetReceipt(c *fiber.Ctx) error {
	record, err := h.service.Receipt(c.Params("batchId"), c.Params("recipientId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(receiptResponseFromDomain(record))
}

func (h *ReceiptHandler) ListReceipts(c *fiber.Ctx) error {
	records := h.service.Receipts(c.Params("batchId"))
	return c.Status(fiber.StatusOK).JSON(receiptResponses(records))
}

func (h *ReceiptHandler) GetRecipientHistory(c *fiber.Ctx) error {
	records := h.service.RecipientHistory(c.Params("recipientId"))
	return c.Status(fiber.StatusOK).JSON(receiptResponses(records))
}

func (h *ReceiptHandler) GetStatus(c *fiber.Ctx) error {
	status := h.service.Status(c.Params("batchId"))
	return c.Status(fiber.StatusOK).JSON(batchStatusResponse{
		BatchID:            status.BatchID,
		TotalSent:          status.TotalSent,
		AcknowledgedCount:  status.AcknowledgedCount,
		PendingCount:       status.PendingCount,
		FailedCount:        status.FailedCount,
		AcknowledgmentRate: status.AcknowledgmentRate,
		Acknowledged:       status.Acknowledged,
		Pending:            status.Pending,
		Failed:             status.Failed,
	})
}

func (h *ReceiptHandler) GetFollowups(c *fiber.Ctx) error {
	includeExpired := c.QueryBool("includeExpired", true)
	candidates := h.service.FollowupCandidates(c.Params("batchId"), includeExpired)

	out := make([]followupResponse, 0, len(candidates))
	for _, candidate := range candidates {
		out = append(out, followupResponse{
			receiptResponse: receiptResponseFromDomain(candidate.Receipt),
			IsExpired:       candidate.IsExpired,
		})
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

func (h *ReceiptHandler) GetRetryTargets(c *fiber.Ctx) error {
	targets := h.service.RetryTargets(c.Params("batchId"))
	if targets == nil {
		targets = []string{}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId":    c.Params("batchId"),
		"recipients": targets,
	})
}

func (h *ReceiptHandler) GetStatistics(c *fiber.Ctx) error {
	stats := h.service.Statistics()

	byBatch := make([]batchBreakdownItem, 0, len(stats.ByBatch))
	for _, row := range stats.ByBatch {
		byBatch = append(byBatch, batchBreakdownItem{
			BatchID:      row.BatchID,
			Sent:         row.Sent,
			Acknowledged: row.Acknowledged,
			Pending:      row.Pending,
			Failed:       row.Failed,
			Rate:         row.Rate,
		})
	}

	return c.Status(fiber.StatusOK).JSON(statisticsResponse{
		TotalBatches:       stats.TotalBatches,
		TotalSent:          stats.TotalSent,
		TotalAcknowledged:  stats.TotalAcknowledged,
		TotalPending:       stats.TotalPending,
		TotalFailed:        stats.TotalFailed,
		AcknowledgmentRate: stats.AcknowledgmentRate,
		ByBatch:            byBatch,
	})
}

func (h *ReceiptHandler) CheckExpirations(c *fiber.Ctx) error {
	expired := h.service.CheckExpirations(c.UserContext())
	return c.Status(fiber.StatusOK).JSON(receiptResponses(expired))
}

func (h *ReceiptHandler) ResetBatch(c *fiber.Ctx) error {
	h.service.Reset(c.Params("batchId"))
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ReceiptHandler) ResetAll(c *fiber.Ctx) error {
	h.service.Reset("")
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ReceiptHandler) Export(c *fiber.Ctx) error {
	// The snapshot types carry the wire format; no separate DTO needed.
	return c.Status(fiber.StatusOK).JSON(h.service.Export())
}

func (h *ReceiptHandler) Import(c *fiber.Ctx) error {
	if err := h.service.ImportJSON(c.Body()); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ReceiptHandler) SaveSnapshot(c *fiber.Ctx) error {
	snapshot, err := h.service.SaveSnapshot(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(snapshotResponse{
		ID:        snapshot.ID,
		Batches:   snapshot.Batches,
		Receipts:  snapshot.Receipts,
		CreatedAt: snapshot.CreatedAt,
	})
}

func (h *ReceiptHandler) RestoreSnapshot(c *fiber.Ctx) error {
	snapshot, err := h.service.RestoreSnapshot(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(snapshotResponse{
		ID:        snapshot.ID,
		Batches:   snapshot.Batches,
		Receipts:  snapshot.Receipts,
		CreatedAt: snapshot.CreatedAt,
	})
}

func receiptResponseFromDomain(r *domain.Receipt) receiptResponse {
	return receiptResponse{
		RecipientID:    r.RecipientID,
		BatchID:        r.BatchID,
		Status:         r.Status.String(),
		DeliveredAt:    r.DeliveredAt,
		AcknowledgedAt: r.AcknowledgedAt,
		AcknowledgedBy: r.AcknowledgedBy,
		Attempts:       r.Attempts,
		ExpiresAt:      r.ExpiresAt,
		LastUpdated:    r.LastUpdated,
		Metadata:       r.Metadata,
	}
}

func receiptResponses(records []*domain.Receipt) []receiptResponse {
	out := make([]receiptResponse, 0, len(records))
	for _, record := range records {
		out = append(out, receiptResponseFromDomain(record))
	}
	return out
}

func respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		return fiber.NewError(fiber.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
