package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a delivery receipt.
type Status string

const (
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusDelivered, StatusAcknowledged, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether the acknowledgment engine refuses further
// transitions from this state. Re-delivery through the store upsert can
// still reopen a terminal receipt.
func (s Status) IsTerminal() bool {
	return s == StatusAcknowledged || s == StatusFailed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Metadata keys written by the store mutators.
const (
	MetaFailureReason       = "failure_reason"
	MetaAcknowledgmentNotes = "acknowledgment_notes"
)

// Receipt tracks one delivery of a notification batch to one recipient.
// Exactly one receipt exists per (BatchID, RecipientID) pair; repeated
// deliveries update the same record and bump Attempts.
type Receipt struct {
	BatchID        string
	RecipientID    string
	Status         Status
	DeliveredAt    time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy *string
	Attempts       int
	ExpiresAt      time.Time
	LastUpdated    time.Time
	Metadata       map[string]any
}

// IsAcknowledged reports whether an acknowledgment has ever been
// recorded. Acknowledgment outlives later status overwrites, so this is
// timestamp-based rather than status-based.
func (r *Receipt) IsAcknowledged() bool {
	return r != nil && r.AcknowledgedAt != nil
}

// IsExpired reports whether the receipt's acknowledgment window has
// passed without an acknowledgment. Pure function of the record and the
// supplied clock reading; it does not mutate status.
func (r *Receipt) IsExpired(now time.Time) bool {
	if r == nil || r.IsAcknowledged() {
		return false
	}
	return now.After(r.ExpiresAt)
}

// AcknowledgmentLatency returns the time between delivery and
// acknowledgment, or false if the receipt was never acknowledged.
func (r *Receipt) AcknowledgmentLatency() (time.Duration, bool) {
	if !r.IsAcknowledged() {
		return 0, false
	}
	return r.AcknowledgedAt.Sub(r.DeliveredAt), true
}

// Clone returns a deep copy so readers never alias store-owned state.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}

	out := *r
	if r.AcknowledgedAt != nil {
		ts := *r.AcknowledgedAt
		out.AcknowledgedAt = &ts
	}
	if r.AcknowledgedBy != nil {
		by := *r.AcknowledgedBy
		out.AcknowledgedBy = &by
	}
	out.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

func (r *Receipt) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: receipt is required", ErrValidation)
	}
	if strings.TrimSpace(r.BatchID) == "" {
		return fmt.Errorf("%w: batch id is required", ErrValidation)
	}
	if strings.TrimSpace(r.RecipientID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, r.Status)
	}
	if r.Attempts < 1 {
		return fmt.Errorf("%w: attempts must be >= 1 (got %d)", ErrValidation, r.Attempts)
	}
	if r.DeliveredAt.IsZero() {
		return fmt.Errorf("%w: delivered timestamp is required", ErrValidation)
	}
	if r.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expiry timestamp is required", ErrValidation)
	}
	if r.Status == StatusFailed && r.AcknowledgedAt != nil {
		return fmt.Errorf("%w: failed receipt cannot carry an acknowledgment", ErrValidation)
	}
	return nil
}
