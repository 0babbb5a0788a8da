package notes

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

const (
	fieldNoteID       = "note_id"
	fieldVersion      = "version"
	queryNoteID       = fieldNoteID + " = ?"
	queryNoteIDIn     = fieldNoteID + " IN ?"
	queryNoteVersion  = fieldNoteID + " = ? AND " + fieldVersion + " = ?"
	orderVersionAsc   = fieldVersion + " ASC"
	defaultScanBatch  = 500
	maxInClauseLength = 500
)

// Repository is the durable store of notes and their version logs. Implementations
// report ErrNoteMissing and ErrVersionMismatch; any other error is a storage failure.
type Repository interface {
	// Insert stores a new note together with its first version record.
	Insert(ctx context.Context, note Note, version VersionRecord) error
	// Get loads the latest state of a note.
	Get(ctx context.Context, id NoteID) (Note, error)
	// GetMany loads the notes that still exist among ids, in no particular order.
	GetMany(ctx context.Context, ids []NoteID) ([]Note, error)
	// CompareAndSwap replaces the note when its stored version equals expectedVersion
	// and appends version in the same transaction.
	CompareAndSwap(ctx context.Context, expectedVersion int64, note Note, version VersionRecord) error
	// Delete removes the note and its version log when the stored version equals expectedVersion.
	Delete(ctx context.Context, id NoteID, expectedVersion int64) error
	// ListVersions returns the version log ordered by version.
	ListVersions(ctx context.Context, id NoteID) ([]VersionRecord, error)
	// Scan streams every note in batches.
	Scan(ctx context.Context, batchSize int, visit func([]Note) error) error
}

// GormRepository implements Repository on top of GORM.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository constructs a repository over db.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormRepository{db: db}, nil
}

func (repo *GormRepository) Insert(ctx context.Context, note Note, version VersionRecord) error {
	return repo.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&note).Error; err != nil {
			return err
		}
		return tx.Create(&version).Error
	})
}

func (repo *GormRepository) Get(ctx context.Context, id NoteID) (Note, error) {
	var note Note
	err := repo.db.WithContext(ctx).Where(queryNoteID, id.String()).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, ErrNoteMissing
	}
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

func (repo *GormRepository) GetMany(ctx context.Context, ids []NoteID) ([]Note, error) {
	found := make([]Note, 0, len(ids))
	for start := 0; start < len(ids); start += maxInClauseLength {
		end := min(start+maxInClauseLength, len(ids))
		raw := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			raw = append(raw, id.String())
		}
		var batch []Note
		if err := repo.db.WithContext(ctx).Where(queryNoteIDIn, raw).Find(&batch).Error; err != nil {
			return nil, err
		}
		found = append(found, batch...)
	}
	return found, nil
}

func (repo *GormRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, note Note, version VersionRecord) error {
	return repo.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Note{}).
			Where(queryNoteVersion, note.NoteID, expectedVersion).
			Updates(map[string]any{
				"latitude":       note.Latitude,
				"longitude":      note.Longitude,
				"description":    note.Description,
				"visibility":     note.Visibility,
				"state":          note.State,
				"user_data_json": note.UserDataJSON,
				"version":        note.Version,
				"updated_at":     note.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return repo.missingOrStale(tx, note.NoteID)
		}
		return tx.Create(&version).Error
	})
}

func (repo *GormRepository) Delete(ctx context.Context, id NoteID, expectedVersion int64) error {
	return repo.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where(queryNoteVersion, id.String(), expectedVersion).Delete(&Note{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return repo.missingOrStale(tx, id.String())
		}
		return tx.Where(queryNoteID, id.String()).Delete(&VersionRecord{}).Error
	})
}

func (repo *GormRepository) ListVersions(ctx context.Context, id NoteID) ([]VersionRecord, error) {
	var versions []VersionRecord
	err := repo.db.WithContext(ctx).
		Where(queryNoteID, id.String()).
		Order(orderVersionAsc).
		Find(&versions).Error
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNoteMissing
	}
	return versions, nil
}

func (repo *GormRepository) Scan(ctx context.Context, batchSize int, visit func([]Note) error) error {
	if batchSize <= 0 {
		batchSize = defaultScanBatch
	}
	var batch []Note
	result := repo.db.WithContext(ctx).
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			return visit(batch)
		})
	return result.Error
}

func (repo *GormRepository) missingOrStale(tx *gorm.DB, noteID string) error {
	var count int64
	if err := tx.Model(&Note{}).Where(queryNoteID, noteID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNoteMissing
	}
	return ErrVersionMismatch
}
