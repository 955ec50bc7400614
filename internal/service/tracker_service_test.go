package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pharmalert/ack-engine/internal/domain"
	"github.com/pharmalert/ack-engine/internal/queue"
	"github.com/pharmalert/ack-engine/internal/ratelimit"
	"github.com/pharmalert/ack-engine/internal/repository"
	"github.com/pharmalert/ack-engine/internal/store"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.ReceiptEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, event queue.ReceiptEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() []queue.ReceiptEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.ReceiptEvent(nil), p.events...)
}

type fakeLimiter struct {
	allowFn func(ctx context.Context, scope string) (bool, error)
}

func (l *fakeLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	return l.allowFn(ctx, scope)
}

func (l *fakeLimiter) Wait(context.Context, string) error { return nil }

type fakeSnapshotRepo struct {
	saveFn func(ctx context.Context, snapshot *repository.StoreSnapshot) error
	loadFn func(ctx context.Context) (*repository.StoreSnapshot, error)
}

func (r *fakeSnapshotRepo) Save(ctx context.Context, snapshot *repository.StoreSnapshot) error {
	return r.saveFn(ctx, snapshot)
}

func (r *fakeSnapshotRepo) LoadLatest(ctx context.Context) (*repository.StoreSnapshot, error) {
	return r.loadFn(ctx)
}

func newTestTracker(t *testing.T, timeout time.Duration, opts ...func(*trackerDeps)) *TrackerService {
	t.Helper()

	receipts, err := store.New(timeout)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}

	deps := &trackerDeps{}
	for _, opt := range opts {
		opt(deps)
	}

	tracker, err := NewTrackerService(receipts, deps.publisher, deps.snapshots, deps.limiter, nil, nil)
	if err != nil {
		t.Fatalf("NewTrackerService() error = %v", err)
	}
	return tracker
}

type trackerDeps struct {
	publisher queue.Publisher
	snapshots repository.SnapshotRepository
	limiter   ratelimit.RateLimiter
}

func withPublisher(p queue.Publisher) func(*trackerDeps) {
	return func(d *trackerDeps) { d.publisher = p }
}

func withSnapshots(r repository.SnapshotRepository) func(*trackerDeps) {
	return func(d *trackerDeps) { d.snapshots = r }
}

func withLimiter(l ratelimit.RateLimiter) func(*trackerDeps) {
	return func(d *trackerDeps) { d.limiter = l }
}

func TestNewTrackerServiceRequiresStore(t *testing.T) {
	t.Parallel()

	if _, err := NewTrackerService(nil, nil, nil, nil, nil, nil); err == nil {
		t.Fatal("NewTrackerService(nil store) expected error")
	}
}

func TestRecordDeliveryPublishesPerRecipient(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	tracker := newTestTracker(t, time.Hour, withPublisher(publisher))

	records, err := tracker.RecordDelivery(context.Background(), "R1", []string{"P1", "P2"},
		domain.StatusDelivered, nil)
	if err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	events := publisher.published()
	if len(events) != 2 {
		t.Fatalf("published events = %d, want 2", len(events))
	}
	for i, event := range events {
		if event.Type != queue.EventDelivered {
			t.Fatalf("event[%d].Type = %s, want %s", i, event.Type, queue.EventDelivered)
		}
		if event.CorrelationID == "" {
			t.Fatalf("event[%d] missing correlation id", i)
		}
	}
	// One delivery call is one correlated unit of work.
	if events[0].CorrelationID != events[1].CorrelationID {
		t.Fatal("events from one delivery should share a correlation id")
	}
}

func TestRecordDeliveryPublishFailureDoesNotFailCall(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{err: fmt.Errorf("broker down")}
	tracker := newTestTracker(t, time.Hour, withPublisher(publisher))

	if _, err := tracker.RecordDelivery(context.Background(), "R1", []string{"P1"},
		domain.StatusDelivered, nil); err != nil {
		t.Fatalf("RecordDelivery() error = %v, publish failures are best-effort", err)
	}

	record, err := tracker.Receipt("R1", "P1")
	if err != nil {
		t.Fatalf("Receipt() error = %v", err)
	}
	if record.Status != domain.StatusDelivered {
		t.Fatalf("status = %s, want delivered", record.Status)
	}
}

func TestAcknowledgePublishesOnceForIdempotentRepeats(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	tracker := newTestTracker(t, time.Hour, withPublisher(publisher))

	if _, err := tracker.RecordDelivery(context.Background(), "R1", []string{"P1"},
		domain.StatusDelivered, nil); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}

	by := "Dr. Smith"
	first, err := tracker.Acknowledge(context.Background(), "R1", "P1", &by, nil)
	if err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	second, err := tracker.Acknowledge(context.Background(), "R1", "P1", &by, nil)
	if err != nil {
		t.Fatalf("repeat Acknowledge() error = %v", err)
	}
	if !first.AcknowledgedAt.Equal(*second.AcknowledgedAt) {
		t.Fatal("repeat acknowledgment changed the timestamp")
	}

	var ackEvents int
	for _, event := range publisher.published() {
		if event.Type == queue.EventAcknowledged {
			ackEvents++
		}
	}
	if ackEvents != 1 {
		t.Fatalf("acknowledged events = %d, want 1 (idempotent repeat must not re-publish)", ackEvents)
	}
}

func TestAcknowledgeRateLimited(t *testing.T) {
	t.Parallel()

	var scopes []string
	limiter := &fakeLimiter{
		allowFn: func(_ context.Context, scope string) (bool, error) {
			scopes = append(scopes, scope)
			return false, nil
		},
	}
	tracker := newTestTracker(t, time.Hour, withLimiter(limiter))

	if _, err := tracker.RecordDelivery(context.Background(), "R1", []string{"P1"},
		domain.StatusDelivered, nil); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}

	_, err := tracker.Acknowledge(context.Background(), "R1", "P1", nil, nil)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("Acknowledge() error = %v, want ErrRateLimited", err)
	}
	if len(scopes) != 1 || scopes[0] != "ack:r1" {
		t.Fatalf("limiter scopes = %v, want [ack:r1]", scopes)
	}

	// The rejected acknowledgment must not have touched the record.
	record, err := tracker.Receipt("R1", "P1")
	if err != nil {
		t.Fatalf("Receipt() error = %v", err)
	}
	if record.AcknowledgedAt != nil {
		t.Fatal("rejected acknowledgment mutated the receipt")
	}
}

func TestAcknowledgeLimiterErrorSurfaces(t *testing.T) {
	t.Parallel()

	limiter := &fakeLimiter{
		allowFn: func(context.Context, string) (bool, error) {
			return false, fmt.Errorf("redis unreachable")
		},
	}
	tracker := newTestTracker(t, time.Hour, withLimiter(limiter))

	if _, err := tracker.RecordDelivery(context.Background(), "R1", []string{"P1"},
		domain.StatusDelivered, nil); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}

	_, err := tracker.Acknowledge(context.Background(), "R1", "P1", nil, nil)
	if err == nil || errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("Acknowledge() error = %v, want wrapped limiter error", err)
	}
}

func TestFailPublishesOnlyOnActualTransition(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	tracker := newTestTracker(t, time.Hour, withPublisher(publisher))

	if _, err := tracker.RecordDelivery(context.Background(), "R1", []string{"P1"},
		domain.StatusDelivered, nil); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}
	if _, err := tracker.Acknowledge(context.Background(), "R1", "P1", nil, nil); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}

	reason := "bounced"
	record, err := tracker.Fail(context.Background(), "R1", "P1", &reason)
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if record.Status != domain.StatusAcknowledged {
		t.Fatalf("status = %s, want acknowledged (failure after ack is a no-op)", record.Status)
	}

	for _, event := range publisher.published() {
		if event.Type == queue.EventFailed {
			t.Fatal("no-op failure published a failed event")
		}
	}
}

func TestCheckExpirationsPublishesExpiredEvents(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	tracker := newTestTracker(t, time.Nanosecond, withPublisher(publisher))

	if _, err := tracker.RecordDelivery(context.Background(), "R1", []string{"P1", "P2"},
		domain.StatusDelivered, nil); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}

	expired := tracker.CheckExpirations(context.Background())
	if len(expired) != 2 {
		t.Fatalf("expired = %d, want 2", len(expired))
	}

	var expiredEvents int
	for _, event := range publisher.published() {
		if event.Type == queue.EventExpired {
			expiredEvents++
		}
	}
	if expiredEvents != 2 {
		t.Fatalf("expired events = %d, want 2", expiredEvents)
	}

	if again := tracker.CheckExpirations(context.Background()); len(again) != 0 {
		t.Fatalf("second sweep expired = %d, want 0", len(again))
	}
}

func TestSaveSnapshotWithoutRepository(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(t, time.Hour)

	if _, err := tracker.SaveSnapshot(context.Background()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("SaveSnapshot() error = %v, want ErrConflict", err)
	}
	if _, err := tracker.RestoreSnapshot(context.Background()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("RestoreSnapshot() error = %v, want ErrConflict", err)
	}
}

func TestSaveSnapshotPersistsExport(t *testing.T) {
	t.Parallel()

	var saved *repository.StoreSnapshot
	repo := &fakeSnapshotRepo{
		saveFn: func(_ context.Context, snapshot *repository.StoreSnapshot) error {
			saved = snapshot
			return nil
		},
	}
	tracker := newTestTracker(t, time.Hour, withSnapshots(repo))

	if _, err := tracker.RecordDelivery(context.Background(), "R1", []string{"P1", "P2"},
		domain.StatusDelivered, nil); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}

	snapshot, err := tracker.SaveSnapshot(context.Background())
	if err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if saved == nil || saved.ID != snapshot.ID {
		t.Fatal("repository did not receive the snapshot")
	}
	if snapshot.ID == "" {
		t.Fatal("snapshot id is empty")
	}
	if snapshot.Batches != 1 || snapshot.Receipts != 2 {
		t.Fatalf("snapshot counts = %d batches / %d receipts, want 1/2",
			snapshot.Batches, snapshot.Receipts)
	}
	if len(snapshot.Payload) == 0 {
		t.Fatal("snapshot payload is empty")
	}
}

func TestRestoreSnapshotReplacesStore(t *testing.T) {
	t.Parallel()

	source := newTestTracker(t, time.Hour)
	if _, err := source.RecordDelivery(context.Background(), "R1", []string{"P1"},
		domain.StatusDelivered, nil); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}
	exported, err := json.Marshal(source.Export())
	if err != nil {
		t.Fatalf("export error = %v", err)
	}

	repo := &fakeSnapshotRepo{
		loadFn: func(context.Context) (*repository.StoreSnapshot, error) {
			return &repository.StoreSnapshot{ID: "snap-1", Payload: exported}, nil
		},
	}
	tracker := newTestTracker(t, time.Hour, withSnapshots(repo))
	if _, err := tracker.RecordDelivery(context.Background(), "OLD", []string{"P9"},
		domain.StatusDelivered, nil); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}

	snapshot, err := tracker.RestoreSnapshot(context.Background())
	if err != nil {
		t.Fatalf("RestoreSnapshot() error = %v", err)
	}
	if snapshot.ID != "snap-1" {
		t.Fatalf("snapshot id = %s, want snap-1", snapshot.ID)
	}

	if _, err := tracker.Receipt("R1", "P1"); err != nil {
		t.Fatalf("restored receipt error = %v", err)
	}
	if _, err := tracker.Receipt("OLD", "P9"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("old receipt error = %v, want ErrNotFound", err)
	}
}

func TestRestoreSnapshotRejectsCorruptPayload(t *testing.T) {
	t.Parallel()

	repo := &fakeSnapshotRepo{
		loadFn: func(context.Context) (*repository.StoreSnapshot, error) {
			return &repository.StoreSnapshot{ID: "snap-bad", Payload: []byte("{broken")}, nil
		},
	}
	tracker := newTestTracker(t, time.Hour, withSnapshots(repo))

	if _, err := tracker.RestoreSnapshot(context.Background()); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("RestoreSnapshot() error = %v, want ErrValidation", err)
	}
}
