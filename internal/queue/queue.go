package queue

import (
	"context"

	"github.com/pharmalert/ack-engine/internal/domain"
)

// EventType identifies a receipt lifecycle transition.
type EventType string

const (
	EventDelivered    EventType = "receipt.delivered"
	EventAcknowledged EventType = "receipt.acknowledged"
	EventFailed       EventType = "receipt.failed"
	EventExpired      EventType = "receipt.expired"
)

func (t EventType) String() string { return string(t) }

func (t EventType) IsValid() bool {
	switch t {
	case EventDelivered, EventAcknowledged, EventFailed, EventExpired:
		return true
	}
	return false
}

// EventTypeForStatus maps a receipt status to its lifecycle event.
func EventTypeForStatus(status domain.Status) EventType {
	switch status {
	case domain.StatusAcknowledged:
		return EventAcknowledged
	case domain.StatusFailed:
		return EventFailed
	case domain.StatusExpired:
		return EventExpired
	default:
		return EventDelivered
	}
}

// Publisher publishes receipt lifecycle events for downstream consumers
// (follow-up jobs, dashboards). The tracker treats publishing as
// best-effort: a publish failure never fails the recording mutation.
type Publisher interface {
	Publish(ctx context.Context, event ReceiptEvent) error
	Close() error
}
