package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/pharmalert/ack-engine/internal/domain"
)

// SnapshotModel is the persistence model for receipt_snapshots. Each row
// holds one full store export as a JSON document.
type SnapshotModel struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Payload   []byte `gorm:"type:jsonb;not null"`
	Batches   int    `gorm:"not null"`
	Receipts  int    `gorm:"not null"`
	CreatedAt time.Time
}

func (SnapshotModel) TableName() string {
	return "receipt_snapshots"
}

// StoreSnapshot is the repository view of one saved export.
type StoreSnapshot struct {
	ID        string
	Payload   []byte
	Batches   int
	Receipts  int
	CreatedAt time.Time
}

// SnapshotRepository persists store exports so the in-memory tracker can
// survive process restarts.
type SnapshotRepository interface {
	Save(ctx context.Context, snapshot *StoreSnapshot) error
	LoadLatest(ctx context.Context) (*StoreSnapshot, error)
}

type GormSnapshotRepo struct {
	db *gorm.DB
}

func NewGormSnapshotRepo(db *gorm.DB) *GormSnapshotRepo {
	return &GormSnapshotRepo{db: db}
}

func (r *GormSnapshotRepo) Save(ctx context.Context, snapshot *StoreSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("%w: snapshot is required", domain.ErrValidation)
	}
	if snapshot.ID == "" {
		return fmt.Errorf("%w: snapshot id is required", domain.ErrValidation)
	}
	if len(snapshot.Payload) == 0 {
		return fmt.Errorf("%w: snapshot payload is required", domain.ErrValidation)
	}

	model := &SnapshotModel{
		ID:       snapshot.ID,
		Payload:  snapshot.Payload,
		Batches:  snapshot.Batches,
		Receipts: snapshot.Receipts,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	snapshot.CreatedAt = model.CreatedAt
	return nil
}

func (r *GormSnapshotRepo) LoadLatest(ctx context.Context) (*StoreSnapshot, error) {
	var model SnapshotModel
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &StoreSnapshot{
		ID:        model.ID,
		Payload:   model.Payload,
		Batches:   model.Batches,
		Receipts:  model.Receipts,
		CreatedAt: model.CreatedAt,
	}, nil
}
