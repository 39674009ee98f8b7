package database

import (
	"errors"
	"time"

	"github.com/easel-labs/easel-backend/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearDanglingCollectionRefs = "2026-07-14_clear_dangling_collection_refs"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClearDanglingCollectionRefs, apply: clearDanglingCollectionRefs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clearDanglingCollectionRefs nulls out document collection references that
// point at collections no longer present, which older imports could leave
// behind.
func clearDanglingCollectionRefs(db *gorm.DB) error {
	return db.Model(&documents.Document{}).
		Where("collection_id IS NOT NULL AND collection_id NOT IN (?)",
			db.Model(&documents.Collection{}).Select("id")).
		Update("collection_id", nil).Error
}
