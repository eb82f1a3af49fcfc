package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/luminatech/scanqueue/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_scan_batches",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.BatchModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_scan_batches_owner_created ON scan_batches (owner, created_at DESC)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.BatchModel{})
			},
		},
		{
			ID: "000002_create_batch_urls",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.BatchURLModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_batch_urls_batch_state_position ON batch_urls (batch_id, state, position)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.BatchURLModel{})
			},
		},
		{
			ID: "000003_create_backlog_entries",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.BacklogEntryModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_backlog_eligible ON backlog_entries (owner, submitted_at) WHERE status IN ('PENDING', 'FAILED')`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.BacklogEntryModel{})
			},
		},
	})

	return m.Migrate()
}
