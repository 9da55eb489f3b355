package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationUppercaseCommitHashes = "2026-05-04_uppercase_commit_hashes"

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
		{name: migrationUppercaseCommitHashes, apply: uppercaseCommitHashes},
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

// uppercaseCommitHashes normalizes hashes written by clients that emitted lowercase hex.
func uppercaseCommitHashes(db *gorm.DB) error {
	return db.Model(&crdt.StoredCommit{}).
		Where("hash <> UPPER(hash) OR parent_hash <> UPPER(parent_hash)").
		Updates(map[string]any{
			"hash":        gorm.Expr("UPPER(hash)"),
			"parent_hash": gorm.Expr("UPPER(parent_hash)"),
		}).Error
}
