package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSubmissionOutcome = "2026-09-14_backfill_submission_outcome"
	migrationBackfillSubmissionIDLists = "2026-09-21_backfill_submission_id_lists"
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
		{name: migrationBackfillSubmissionOutcome, apply: backfillSubmissionOutcome},
		{name: migrationBackfillSubmissionIDLists, apply: backfillSubmissionIDLists},
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

// Rows written before outcomes were recorded cannot be classified after the fact.
func backfillSubmissionOutcome(db *gorm.DB) error {
	return db.Model(&ledger.SubmissionRecord{}).
		Where("outcome = '' OR outcome IS NULL").
		Update("outcome", string(ledger.OutcomeUnknown)).Error
}

func backfillSubmissionIDLists(db *gorm.DB) error {
	columns := []string{"accepted_ids_json", "rejected_ids_json", "missing_ids_json", "pruned_ids_json"}
	for _, column := range columns {
		if err := db.Model(&ledger.SubmissionRecord{}).
			Where(column+" = '' OR "+column+" IS NULL").
			Update(column, "[]").Error; err != nil {
			return err
		}
	}
	return nil
}
