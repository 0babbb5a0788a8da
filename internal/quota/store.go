package quota

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("quota: database handle is required")
	errCounterMissing  = errors.New("quota: counter row missing after upsert")
)

const (
	columnOwnerID      = "owner_id"
	columnPrivateCount = "private_count"
	queryOwner         = columnOwnerID + " = ?"
	queryOwnerBelow    = columnOwnerID + " = ? AND " + columnPrivateCount + " < ?"
	queryOwnerPositive = columnOwnerID + " = ? AND " + columnPrivateCount + " > 0"
)

// CounterStore is the durable home of per-owner private note counters. Every method
// must be atomic with respect to concurrent calls for the same owner.
type CounterStore interface {
	// TryIncrement increments the owner's counter when it is below limit.
	TryIncrement(ctx context.Context, ownerID string, limit int64) (admitted bool, count int64, err error)
	// Decrement lowers the counter by one unless it is already zero; clamped reports the latter.
	Decrement(ctx context.Context, ownerID string) (count int64, clamped bool, err error)
	// Count returns the current counter value, zero for unknown owners.
	Count(ctx context.Context, ownerID string) (int64, error)
	// Reset overwrites the owner's counter with an externally computed value.
	Reset(ctx context.Context, ownerID string, count int64) error
	// Owners lists every owner that has a counter.
	Owners(ctx context.Context) ([]string, error)
}

// Counter is the persisted per-owner private note counter.
type Counter struct {
	OwnerID      string    `gorm:"column:owner_id;primaryKey;size:190;not null"`
	PrivateCount int64     `gorm:"column:private_count;not null;default:0"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "quota_counters"
}

// GormCounterStore keeps counters in the relational store next to the notes.
type GormCounterStore struct {
	db *gorm.DB
}

// NewGormCounterStore constructs a counter store over db.
func NewGormCounterStore(db *gorm.DB) (*GormCounterStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormCounterStore{db: db}, nil
}

// TryIncrement performs a conditional increment, so the limit check and the write are one statement.
func (store *GormCounterStore) TryIncrement(ctx context.Context, ownerID string, limit int64) (bool, int64, error) {
	var admitted bool
	var count int64
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		seed := Counter{OwnerID: ownerID, PrivateCount: 0}
		if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		result := transaction.Model(&Counter{}).
			Where(queryOwnerBelow, ownerID, limit).
			UpdateColumn(columnPrivateCount, gorm.Expr(columnPrivateCount+" + 1"))
		if result.Error != nil {
			return result.Error
		}
		admitted = result.RowsAffected == 1
		current, err := readCount(transaction, ownerID)
		if err != nil {
			return err
		}
		count = current
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return admitted, count, nil
}

// Decrement lowers the counter, refusing to go below zero.
func (store *GormCounterStore) Decrement(ctx context.Context, ownerID string) (int64, bool, error) {
	var count int64
	var clamped bool
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Model(&Counter{}).
			Where(queryOwnerPositive, ownerID).
			UpdateColumn(columnPrivateCount, gorm.Expr(columnPrivateCount+" - 1"))
		if result.Error != nil {
			return result.Error
		}
		clamped = result.RowsAffected == 0
		current, err := readCount(transaction, ownerID)
		if errors.Is(err, errCounterMissing) {
			count = 0
			return nil
		}
		if err != nil {
			return err
		}
		count = current
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return count, clamped, nil
}

// Count returns the owner's counter.
func (store *GormCounterStore) Count(ctx context.Context, ownerID string) (int64, error) {
	count, err := readCount(store.db.WithContext(ctx), ownerID)
	if errors.Is(err, errCounterMissing) {
		return 0, nil
	}
	return count, err
}

// Reset overwrites the counter with an externally computed value.
func (store *GormCounterStore) Reset(ctx context.Context, ownerID string, count int64) error {
	ownerID = strings.TrimSpace(ownerID)
	if count < 0 {
		count = 0
	}
	return store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnOwnerID}},
		DoUpdates: clause.AssignmentColumns([]string{columnPrivateCount, "updated_at"}),
	}).Create(&Counter{OwnerID: ownerID, PrivateCount: count}).Error
}

// Owners lists the owners with a counter row.
func (store *GormCounterStore) Owners(ctx context.Context) ([]string, error) {
	var owners []string
	if err := store.db.WithContext(ctx).Model(&Counter{}).Order(columnOwnerID).Pluck(columnOwnerID, &owners).Error; err != nil {
		return nil, err
	}
	return owners, nil
}

func readCount(db *gorm.DB, ownerID string) (int64, error) {
	var counter Counter
	err := db.Where(queryOwner, ownerID).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, errCounterMissing
	}
	if err != nil {
		return 0, err
	}
	return counter.PrivateCount, nil
}
