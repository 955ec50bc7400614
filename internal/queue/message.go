package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/pharmalert/ack-engine/internal/domain"
)

// ReceiptEvent is the broker payload for one receipt lifecycle
// transition.
type ReceiptEvent struct {
	Type          EventType     `json:"type"`
	BatchID       string        `json:"batchId"`
	RecipientID   string        `json:"recipientId"`
	Status        domain.Status `json:"status"`
	Attempts      int           `json:"attempts"`
	CorrelationID string        `json:"correlationId,omitempty"`
	OccurredAt    time.Time     `json:"occurredAt"`
}

func (e ReceiptEvent) Validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if strings.TrimSpace(e.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if strings.TrimSpace(e.RecipientID) == "" {
		return fmt.Errorf("recipientId is required")
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	return nil
}

// EventFromReceipt builds the lifecycle event matching a mutated
// receipt.
func EventFromReceipt(receipt *domain.Receipt, correlationID string, occurredAt time.Time) ReceiptEvent {
	return ReceiptEvent{
		Type:          EventTypeForStatus(receipt.Status),
		BatchID:       receipt.BatchID,
		RecipientID:   receipt.RecipientID,
		Status:        receipt.Status,
		Attempts:      receipt.Attempts,
		CorrelationID: correlationID,
		OccurredAt:    occurredAt,
	}
}
