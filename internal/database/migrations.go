package database

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillOwnerShareGrants = "2026-06-01_backfill_owner_share_grants"
	migrationBackfillCreationEntries  = "2026-06-01_backfill_creation_entries"
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
		{name: migrationBackfillOwnerShareGrants, apply: backfillOwnerShareGrants},
		{name: migrationBackfillCreationEntries, apply: backfillCreationEntries},
	}

	for _, migration := range migrations {
		var records []migrationRecord
		lookup := db.Where("name = ?", migration.name).Limit(1).Find(&records)
		if lookup.Error != nil {
			return lookup.Error
		}
		if lookup.RowsAffected > 0 {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
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

// backfillOwnerShareGrants restores the owner grant for notes that lost it.
func backfillOwnerShareGrants(db *gorm.DB) error {
	return db.Exec(`INSERT INTO note_shares (note_id, user_id, created_at)
SELECT notes.note_id, notes.owner_id, notes.created_at FROM notes
WHERE NOT EXISTS (
	SELECT 1 FROM note_shares
	WHERE note_shares.note_id = notes.note_id AND note_shares.user_id = notes.owner_id
)`).Error
}

// backfillCreationEntries seeds a version history for notes that have none, so that
// every ledger starts from the current content.
func backfillCreationEntries(db *gorm.DB) error {
	return db.Exec(`INSERT INTO note_versions (note_id, editor_id, previous_content, edited_content, edited_at)
SELECT notes.note_id, notes.owner_id, '', notes.content, notes.created_at FROM notes
WHERE NOT EXISTS (
	SELECT 1 FROM note_versions WHERE note_versions.note_id = notes.note_id
)`).Error
}
