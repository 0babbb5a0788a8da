package database

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/notes"
	"github.com/MarcoPoloResearchLab/geonotes/internal/quota"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeNoteEnums    = "2026-09-14_normalize_note_enums"
	migrationBackfillQuotaCounters = "2026-09-21_backfill_quota_counters"
	queryCountedPrivateNotes       = "visibility = ? AND owner_id <> ''"
	queryCountedOpenPrivateNotes   = queryCountedPrivateNotes + " AND state <> ?"
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
		{name: migrationNormalizeNoteEnums, apply: normalizeNoteEnums},
		{name: migrationBackfillQuotaCounters, apply: backfillQuotaCounters},
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

// normalizeNoteEnums lowercases state and visibility values and fills empty user data.
func normalizeNoteEnums(db *gorm.DB) error {
	if err := db.Exec("UPDATE notes SET state = lower(trim(state)), visibility = lower(trim(visibility))").Error; err != nil {
		return err
	}
	if err := db.Model(&notes.Note{}).Where("visibility = ''").Update("visibility", notes.VisibilityPublic).Error; err != nil {
		return err
	}
	return db.Model(&notes.Note{}).
		Where("user_data_json IS NULL OR trim(user_data_json) = ''").
		Update("user_data_json", "{}").Error
}

func backfillQuotaCounters(db *gorm.DB) error {
	store, err := quota.NewGormCounterStore(db)
	if err != nil {
		return err
	}
	_, err = ReconcileQuotaCounters(context.Background(), db, store, false)
	return err
}

type ownerCount struct {
	OwnerID string `gorm:"column:owner_id"`
	Total   int64  `gorm:"column:total"`
}

// ReconcileQuotaCounters recomputes every owner's private note counter from the notes table
// and writes it through store. Owners the store holds a counter for but who have no counted
// notes are reset to zero. It must run before the service accepts traffic and returns the
// number of owners written.
func ReconcileQuotaCounters(ctx context.Context, db *gorm.DB, store quota.CounterStore, releaseOnClose bool) (int, error) {
	if db == nil || store == nil {
		return 0, errors.New("database and counter store are required")
	}

	query := db.WithContext(ctx).Model(&notes.Note{})
	if releaseOnClose {
		query = query.Where(queryCountedOpenPrivateNotes, notes.VisibilityPrivate, notes.StateClosed)
	} else {
		query = query.Where(queryCountedPrivateNotes, notes.VisibilityPrivate)
	}
	var counts []ownerCount
	if err := query.Select("owner_id, COUNT(*) AS total").Group("owner_id").Scan(&counts).Error; err != nil {
		return 0, err
	}

	expected := make(map[string]int64, len(counts))
	for _, count := range counts {
		expected[count.OwnerID] = count.Total
	}

	owners, err := store.Owners(ctx)
	if err != nil {
		return 0, err
	}
	for _, ownerID := range owners {
		if _, ok := expected[ownerID]; !ok {
			expected[ownerID] = 0
		}
	}

	written := 0
	for ownerID, total := range expected {
		if err := store.Reset(ctx, ownerID, total); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
