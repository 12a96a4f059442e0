package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/versions"
)

const (
	migrationBackfillBranchHeads   = "2026-09-14_backfill_branch_heads"
	migrationPruneOrphanedBindings = "2026-10-02_prune_orphaned_commit_bindings"
)

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
		{name: migrationBackfillBranchHeads, apply: backfillBranchHeads},
		{name: migrationPruneOrphanedBindings, apply: pruneOrphanedBindings},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillBranchHeads points forks that predate head tracking at their base commit.
func backfillBranchHeads(db *gorm.DB) error {
	return db.Model(&versions.Branch{}).
		Where("head_commit_id IS NULL AND base_commit_id IS NOT NULL").
		Update("head_commit_id", gorm.Expr("base_commit_id")).Error
}

// pruneOrphanedBindings removes commit bindings left behind by drafts deleted outside a
// transaction.
func pruneOrphanedBindings(db *gorm.DB) error {
	return db.Where("commit_id NOT IN (?)", db.Model(&versions.Commit{}).Select("id")).
		Delete(&versions.CommitFile{}).Error
}
