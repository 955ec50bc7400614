package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseStatusFromString(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input   string
		want    Status
		wantErr bool
	}{
		{input: "delivered", want: StatusDelivered},
		{input: "ACKNOWLEDGED", want: StatusAcknowledged},
		{input: "  failed  ", want: StatusFailed},
		{input: "expired", want: StatusExpired},
		{input: "pending", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tc := range testCases {
		got, err := ParseStatusFromString(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseStatusFromString(%q) expected error, got %v", tc.input, got)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("ParseStatusFromString(%q) error = %v, want ErrValidation", tc.input, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseStatusFromString(%q) error = %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("ParseStatusFromString(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	if StatusDelivered.IsTerminal() || StatusExpired.IsTerminal() {
		t.Fatal("delivered and expired must not be terminal")
	}
	if !StatusAcknowledged.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Fatal("acknowledged and failed must be terminal")
	}
}

func TestReceiptIsExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	receipt := &Receipt{
		BatchID:     "R1",
		RecipientID: "P1",
		Status:      StatusDelivered,
		DeliveredAt: now,
		Attempts:    1,
		ExpiresAt:   now.Add(time.Hour),
	}

	if receipt.IsExpired(now) {
		t.Fatal("receipt should not be expired at delivery time")
	}
	if receipt.IsExpired(now.Add(time.Hour)) {
		t.Fatal("receipt should not be expired exactly at the deadline")
	}
	if !receipt.IsExpired(now.Add(time.Hour + time.Second)) {
		t.Fatal("receipt should be expired past the deadline")
	}

	ackTs := now.Add(30 * time.Minute)
	receipt.AcknowledgedAt = &ackTs
	if receipt.IsExpired(now.Add(2 * time.Hour)) {
		t.Fatal("acknowledged receipt never expires")
	}
}

func TestReceiptAcknowledgmentLatency(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	receipt := &Receipt{DeliveredAt: now}

	if _, ok := receipt.AcknowledgmentLatency(); ok {
		t.Fatal("unacknowledged receipt has no latency")
	}

	ackTs := now.Add(45 * time.Minute)
	receipt.AcknowledgedAt = &ackTs
	latency, ok := receipt.AcknowledgmentLatency()
	if !ok {
		t.Fatal("expected latency for acknowledged receipt")
	}
	if latency != 45*time.Minute {
		t.Fatalf("latency = %s, want 45m", latency)
	}
}

func TestReceiptCloneIsDeep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	by := "Dr. Smith"
	original := &Receipt{
		BatchID:        "R1",
		RecipientID:    "P1",
		Status:         StatusAcknowledged,
		DeliveredAt:    now,
		AcknowledgedAt: &now,
		AcknowledgedBy: &by,
		Attempts:       1,
		ExpiresAt:      now.Add(time.Hour),
		LastUpdated:    now,
		Metadata:       map[string]any{"severity": "critical"},
	}

	clone := original.Clone()
	clone.Metadata["severity"] = "low"
	*clone.AcknowledgedBy = "someone else"

	if original.Metadata["severity"] != "critical" {
		t.Fatal("clone shares metadata with original")
	}
	if *original.AcknowledgedBy != "Dr. Smith" {
		t.Fatal("clone shares acknowledgedBy with original")
	}
}

func TestReceiptValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	valid := Receipt{
		BatchID:     "R1",
		RecipientID: "P1",
		Status:      StatusDelivered,
		DeliveredAt: now,
		Attempts:    1,
		ExpiresAt:   now.Add(time.Hour),
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	missingBatch := valid
	missingBatch.BatchID = " "
	if err := missingBatch.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing batch id error = %v, want ErrValidation", err)
	}

	zeroAttempts := valid
	zeroAttempts.Attempts = 0
	if err := zeroAttempts.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("zero attempts error = %v, want ErrValidation", err)
	}

	failedWithAck := valid
	failedWithAck.Status = StatusFailed
	failedWithAck.AcknowledgedAt = &now
	if err := failedWithAck.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("failed-with-ack error = %v, want ErrValidation", err)
	}
}
