package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/pharmalert/ack-engine/internal/repository"
)

func createReceiptSnapshotsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_receipt_snapshots",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.SnapshotModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_receipt_snapshots_created_at ON receipt_snapshots (created_at DESC)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SnapshotModel{})
		},
	}
}
