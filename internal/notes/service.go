package notes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/keylock"
	"github.com/MarcoPoloResearchLab/geonotes/internal/metrics"
	"github.com/MarcoPoloResearchLab/geonotes/internal/quota"
	"github.com/MarcoPoloResearchLab/geonotes/internal/spatial"
	"github.com/MarcoPoloResearchLab/geonotes/internal/validation"
	"go.uber.org/zap"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingQuota      = errors.New("quota gate is required")
	errMissingIndex      = errors.New("spatial index is required")
	errMissingOwner      = errors.New("private notes require an owner")
	errEmptyPatch        = errors.New("patch changes nothing")
	errInvalidRadius     = errors.New("radius must be a finite non-negative number")
	errQuotaDenied       = errors.New("owner has reached the private note limit")
	noOpLogger           = zap.NewNop()
)

const (
	DefaultMaxDescriptionRunes = 2000
	DefaultMaxUserDataBytes    = 16 * 1024

	emptyUserData   = "{}"
	rebuildBatch    = 500
	outcomeSuccess  = "ok"
	fieldOwnerID    = "owner_id"
	fieldNoteIDName = "note_id"
)

const (
	opServiceNew    = "notes.service.new"
	opCreate        = "notes.create"
	opGet           = "notes.get"
	opTransition    = "notes.transition"
	opUpdate        = "notes.update"
	opDelete        = "notes.delete"
	opQueryNearby   = "notes.query_nearby"
	opListVersions  = "notes.list_versions"
	opRebuildIndex  = "notes.rebuild_index"
	opQuotaRollback = "notes.quota_rollback"
)

const (
	reasonMissingRepository  = "missing_repository"
	reasonMissingQuota       = "missing_quota"
	reasonMissingIndex       = "missing_index"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonInvalidID          = "invalid_id"
	reasonInvalidCoordinates = "invalid_coordinates"
	reasonInvalidDescription = "invalid_description"
	reasonInvalidUserData    = "invalid_user_data"
	reasonInvalidVisibility  = "invalid_visibility"
	reasonInvalidState       = "invalid_state"
	reasonInvalidRadius      = "invalid_radius"
	reasonMissingOwner       = "missing_owner"
	reasonEmptyPatch         = "empty_patch"
	reasonEdgeNotAllowed     = "edge_not_allowed"
	reasonQuotaExceeded      = "quota_exceeded"
	reasonQuotaFailed        = "quota_failed"
	reasonQuotaReleaseFailed = "quota_release_failed"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonNotFound           = "not_found"
	reasonVersionMismatch    = "version_mismatch"
	reasonStorageFailed      = "storage_failed"
)

// IDProvider issues identifiers for new notes.
type IDProvider interface {
	NewID() (string, error)
}

// QuotaGate admits and releases private note slots. *quota.Enforcer satisfies it.
type QuotaGate interface {
	TryAdmitPrivate(ctx context.Context, ownerID string) (quota.Admission, error)
	Release(ctx context.Context, ownerID string) error
	ReleaseOnClose() bool
}

// SpatialIndex is the derived coordinate index kept in step with the repository.
// *spatial.Grid satisfies it.
type SpatialIndex interface {
	Insert(id string, latitude, longitude float64)
	Move(id string, latitude, longitude float64)
	Remove(id string) bool
	QueryRadiusMatches(latitude, longitude, radiusMeters float64) []spatial.Match
	Len() int
	Reset()
}

type ServiceConfig struct {
	Repository          Repository
	Quota               QuotaGate
	Index               SpatialIndex
	Clock               func() time.Time
	IDProvider          IDProvider
	Logger              *zap.Logger
	MaxDescriptionRunes int
	MaxUserDataBytes    int
}

// Service owns note existence, field values and lifecycle state.
type Service struct {
	repo                Repository
	quota               QuotaGate
	index               SpatialIndex
	clock               func() time.Time
	idProvider          IDProvider
	logger              *zap.Logger
	noteLocks           *keylock.Table
	ownerLocks          *keylock.Table
	maxDescriptionRunes int
	maxUserDataBytes    int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opServiceNew, reasonMissingRepository, nil, errMissingRepository)
	}
	if cfg.Quota == nil {
		return nil, newServiceError(opServiceNew, reasonMissingQuota, nil, errMissingQuota)
	}
	if cfg.Index == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIndex, nil, errMissingIndex)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, nil, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	maxDescriptionRunes := cfg.MaxDescriptionRunes
	if maxDescriptionRunes <= 0 {
		maxDescriptionRunes = DefaultMaxDescriptionRunes
	}
	maxUserDataBytes := cfg.MaxUserDataBytes
	if maxUserDataBytes <= 0 {
		maxUserDataBytes = DefaultMaxUserDataBytes
	}

	return &Service{
		repo:                cfg.Repository,
		quota:               cfg.Quota,
		index:               cfg.Index,
		clock:               clock,
		idProvider:          cfg.IDProvider,
		logger:              logger,
		noteLocks:           keylock.New(),
		ownerLocks:          keylock.New(),
		maxDescriptionRunes: maxDescriptionRunes,
		maxUserDataBytes:    maxUserDataBytes,
	}, nil
}

// CreateNote validates input, takes a quota slot for private notes and stores version 1.
// Admission and insert run under the owner's lock so concurrent private creations for
// one owner are serialized. The note's own lock is held until the index entry exists.
func (s *Service) CreateNote(ctx context.Context, input CreateInput) (created Note, err error) {
	defer s.observe(opCreate, &err)

	visibility, parseErr := ParseVisibility(string(input.Visibility))
	if parseErr != nil {
		return Note{}, newServiceError(opCreate, reasonInvalidVisibility, ErrValidation, parseErr)
	}
	owner, ownerErr := NewOwnerID(input.OwnerID.String())
	if ownerErr != nil {
		return Note{}, newServiceError(opCreate, reasonInvalidID, ErrValidation, ownerErr)
	}
	if err := validation.ValidateCoordinates(input.Latitude, input.Longitude); err != nil {
		return Note{}, newServiceError(opCreate, reasonInvalidCoordinates, ErrValidation, err)
	}
	if err := validation.ValidateDescription(input.Description, s.maxDescriptionRunes); err != nil {
		return Note{}, newServiceError(opCreate, reasonInvalidDescription, ErrValidation, err)
	}
	if err := validation.ValidateUserData(input.UserData, s.maxUserDataBytes); err != nil {
		return Note{}, newServiceError(opCreate, reasonInvalidUserData, ErrValidation, err)
	}
	if visibility == VisibilityPrivate && owner.IsAnonymous() {
		return Note{}, newServiceError(opCreate, reasonMissingOwner, ErrValidation, errMissingOwner)
	}

	rawID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDGenerationFailed, err)
		return Note{}, newServiceError(opCreate, reasonIDGenerationFailed, ErrStorage, err)
	}

	now := s.clock().UTC()
	note := Note{
		NoteID:       rawID,
		OwnerID:      owner.String(),
		Latitude:     input.Latitude,
		Longitude:    input.Longitude,
		Description:  strings.TrimSpace(input.Description),
		Visibility:   visibility,
		State:        StateNew,
		UserDataJSON: normalizeUserData(input.UserData),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	unlockNote := s.noteLocks.Lock(note.NoteID)
	defer unlockNote()

	admitted := false
	if countsAgainstQuota(note, s.quota.ReleaseOnClose()) {
		unlockOwner := s.ownerLocks.Lock(note.OwnerID)
		defer unlockOwner()
		if err := s.admit(ctx, opCreate, note.OwnerID); err != nil {
			return Note{}, err
		}
		admitted = true
	}

	if err := s.repo.Insert(ctx, note, snapshotOf(note, TransitionCreate)); err != nil {
		if admitted {
			s.rollbackAdmission(ctx, note.OwnerID)
		}
		return Note{}, s.repositoryFailure(opCreate, err, zap.String(fieldNoteIDName, note.NoteID))
	}

	s.index.Insert(note.NoteID, note.Latitude, note.Longitude)
	metrics.SpatialIndexEntries.Set(float64(s.index.Len()))
	return note, nil
}

// GetNote returns the latest version of a note.
func (s *Service) GetNote(ctx context.Context, id NoteID) (note Note, err error) {
	defer s.observe(opGet, &err)

	if _, err := NewNoteID(id.String()); err != nil {
		return Note{}, newServiceError(opGet, reasonInvalidID, ErrValidation, err)
	}
	note, err = s.repo.Get(ctx, id)
	if err != nil {
		return Note{}, s.repositoryFailure(opGet, err, zap.String(fieldNoteIDName, id.String()))
	}
	return note, nil
}

// TransitionNote moves a note along one lifecycle edge. The write is a compare-and-swap
// against the version read here, so a concurrent writer surfaces as ErrConflict.
func (s *Service) TransitionNote(ctx context.Context, id NoteID, target State) (updated Note, err error) {
	defer s.observe(opTransition, &err)

	if _, err := NewNoteID(id.String()); err != nil {
		return Note{}, newServiceError(opTransition, reasonInvalidID, ErrValidation, err)
	}
	if _, err := ParseState(string(target)); err != nil {
		return Note{}, newServiceError(opTransition, reasonInvalidState, ErrValidation, err)
	}

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Note{}, s.repositoryFailure(opTransition, err, zap.String(fieldNoteIDName, id.String()))
	}

	guard := CanTransition(current.State, target)
	if !guard.Allowed {
		return Note{}, newServiceError(opTransition, reasonEdgeNotAllowed, ErrInvalidTransition, errors.New(guard.Reason))
	}

	next := current
	next.State = target
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock().UTC()
	return s.commit(ctx, opTransition, current, next, TransitionStateChange)
}

// UpdateNote applies a non-state patch under the same optimistic discipline as TransitionNote.
func (s *Service) UpdateNote(ctx context.Context, id NoteID, patch Patch) (updated Note, err error) {
	defer s.observe(opUpdate, &err)

	if _, err := NewNoteID(id.String()); err != nil {
		return Note{}, newServiceError(opUpdate, reasonInvalidID, ErrValidation, err)
	}
	if patch.IsEmpty() {
		return Note{}, newServiceError(opUpdate, reasonEmptyPatch, ErrValidation, errEmptyPatch)
	}

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Note{}, s.repositoryFailure(opUpdate, err, zap.String(fieldNoteIDName, id.String()))
	}
	if patch.ExpectedVersion > 0 && patch.ExpectedVersion != current.Version {
		cause := fmt.Errorf("%w: expected %d, stored %d", ErrVersionMismatch, patch.ExpectedVersion, current.Version)
		return Note{}, newServiceError(opUpdate, reasonVersionMismatch, ErrConflict, cause)
	}

	next, err := s.applyPatch(current, patch)
	if err != nil {
		return Note{}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.clock().UTC()
	return s.commit(ctx, opUpdate, current, next, TransitionEdit)
}

// DeleteNote removes the note and its version log, frees its quota slot and drops it
// from the spatial index.
func (s *Service) DeleteNote(ctx context.Context, id NoteID) (err error) {
	defer s.observe(opDelete, &err)

	if _, err := NewNoteID(id.String()); err != nil {
		return newServiceError(opDelete, reasonInvalidID, ErrValidation, err)
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return s.repositoryFailure(opDelete, err, zap.String(fieldNoteIDName, id.String()))
	}

	unlock := s.noteLocks.Lock(current.NoteID)
	defer unlock()

	if err := s.repo.Delete(ctx, id, current.Version); err != nil {
		return s.repositoryFailure(opDelete, err, zap.String(fieldNoteIDName, id.String()))
	}
	s.index.Remove(current.NoteID)
	metrics.SpatialIndexEntries.Set(float64(s.index.Len()))

	if countsAgainstQuota(current, s.quota.ReleaseOnClose()) {
		if err := s.quota.Release(ctx, current.OwnerID); err != nil {
			s.logError(opDelete, reasonQuotaReleaseFailed, err,
				zap.String(fieldNoteIDName, current.NoteID),
				zap.String(fieldOwnerID, current.OwnerID))
			return newServiceError(opDelete, reasonQuotaReleaseFailed, ErrStorage, err)
		}
	}
	return nil
}

// QueryNearby returns the notes within radiusMeters of the point, nearest first.
func (s *Service) QueryNearby(ctx context.Context, latitude, longitude, radiusMeters float64) (found []Note, err error) {
	defer s.observe(opQueryNearby, &err)

	if err := validation.ValidateCoordinates(latitude, longitude); err != nil {
		return nil, newServiceError(opQueryNearby, reasonInvalidCoordinates, ErrValidation, err)
	}
	if !validRadius(radiusMeters) {
		return nil, newServiceError(opQueryNearby, reasonInvalidRadius, ErrValidation, errInvalidRadius)
	}

	started := time.Now()
	defer func() {
		metrics.SpatialQueryDuration.Observe(time.Since(started).Seconds())
	}()

	matches := s.index.QueryRadiusMatches(latitude, longitude, radiusMeters)
	if len(matches) == 0 {
		return []Note{}, nil
	}
	ids := make([]NoteID, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, NoteID(match.ID))
	}

	stored, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, s.repositoryFailure(opQueryNearby, err)
	}
	byID := make(map[string]Note, len(stored))
	for _, note := range stored {
		byID[note.NoteID] = note
	}

	found = make([]Note, 0, len(matches))
	for _, match := range matches {
		note, ok := byID[match.ID]
		if !ok {
			continue
		}
		// The repository is authoritative; drop hits whose stored position moved away mid-query.
		if spatial.HaversineMeters(latitude, longitude, note.Latitude, note.Longitude) > radiusMeters {
			continue
		}
		found = append(found, note)
	}
	return found, nil
}

// ListVersions returns the note's version log, oldest first.
func (s *Service) ListVersions(ctx context.Context, id NoteID) (versions []VersionRecord, err error) {
	defer s.observe(opListVersions, &err)

	if _, err := NewNoteID(id.String()); err != nil {
		return nil, newServiceError(opListVersions, reasonInvalidID, ErrValidation, err)
	}
	versions, err = s.repo.ListVersions(ctx, id)
	if err != nil {
		return nil, s.repositoryFailure(opListVersions, err, zap.String(fieldNoteIDName, id.String()))
	}
	return versions, nil
}

// RebuildIndex reloads the spatial index from the repository and returns the entry count.
func (s *Service) RebuildIndex(ctx context.Context) (int, error) {
	s.index.Reset()
	err := s.repo.Scan(ctx, rebuildBatch, func(batch []Note) error {
		for _, note := range batch {
			s.index.Insert(note.NoteID, note.Latitude, note.Longitude)
		}
		return nil
	})
	if err != nil {
		s.logError(opRebuildIndex, reasonStorageFailed, err)
		return 0, newServiceError(opRebuildIndex, reasonStorageFailed, ErrStorage, err)
	}
	count := s.index.Len()
	metrics.SpatialIndexEntries.Set(float64(count))
	s.logger.Info("spatial index rebuilt", zap.Int("entries", count))
	return count, nil
}

// commit writes next over observed under the note's lock, keeping the quota counter and
// the spatial index in step with the stored row.
func (s *Service) commit(ctx context.Context, operation string, observed, next Note, transition TransitionKind) (Note, error) {
	unlock := s.noteLocks.Lock(observed.NoteID)
	defer unlock()

	releaseOnClose := s.quota.ReleaseOnClose()
	countedBefore := countsAgainstQuota(observed, releaseOnClose)
	countedAfter := countsAgainstQuota(next, releaseOnClose)

	admitted := false
	if !countedBefore && countedAfter {
		unlockOwner := s.ownerLocks.Lock(next.OwnerID)
		defer unlockOwner()
		if err := s.admit(ctx, operation, next.OwnerID); err != nil {
			return Note{}, err
		}
		admitted = true
	}

	if err := s.repo.CompareAndSwap(ctx, observed.Version, next, snapshotOf(next, transition)); err != nil {
		if admitted {
			s.rollbackAdmission(ctx, next.OwnerID)
		}
		return Note{}, s.repositoryFailure(operation, err, zap.String(fieldNoteIDName, next.NoteID))
	}

	if observed.Latitude != next.Latitude || observed.Longitude != next.Longitude {
		s.index.Move(next.NoteID, next.Latitude, next.Longitude)
	}

	if countedBefore && !countedAfter {
		if err := s.quota.Release(ctx, observed.OwnerID); err != nil {
			s.logError(operation, reasonQuotaReleaseFailed, err,
				zap.String(fieldNoteIDName, next.NoteID),
				zap.String(fieldOwnerID, observed.OwnerID))
			return Note{}, newServiceError(operation, reasonQuotaReleaseFailed, ErrStorage, err)
		}
	}
	return next, nil
}

func (s *Service) applyPatch(current Note, patch Patch) (Note, error) {
	next := current
	if patch.Description != nil {
		if err := validation.ValidateDescription(*patch.Description, s.maxDescriptionRunes); err != nil {
			return Note{}, newServiceError(opUpdate, reasonInvalidDescription, ErrValidation, err)
		}
		next.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.UserData != nil {
		if err := validation.ValidateUserData(patch.UserData, s.maxUserDataBytes); err != nil {
			return Note{}, newServiceError(opUpdate, reasonInvalidUserData, ErrValidation, err)
		}
		next.UserDataJSON = normalizeUserData(patch.UserData)
	}
	if patch.Latitude != nil {
		next.Latitude = *patch.Latitude
	}
	if patch.Longitude != nil {
		next.Longitude = *patch.Longitude
	}
	if err := validation.ValidateCoordinates(next.Latitude, next.Longitude); err != nil {
		return Note{}, newServiceError(opUpdate, reasonInvalidCoordinates, ErrValidation, err)
	}
	if patch.Visibility != nil {
		visibility, err := ParseVisibility(string(*patch.Visibility))
		if err != nil {
			return Note{}, newServiceError(opUpdate, reasonInvalidVisibility, ErrValidation, err)
		}
		if visibility == VisibilityPrivate && next.OwnerID == "" {
			return Note{}, newServiceError(opUpdate, reasonMissingOwner, ErrValidation, errMissingOwner)
		}
		next.Visibility = visibility
	}
	return next, nil
}

func (s *Service) admit(ctx context.Context, operation, ownerID string) error {
	admission, err := s.quota.TryAdmitPrivate(ctx, ownerID)
	if err != nil {
		s.logError(operation, reasonQuotaFailed, err, zap.String(fieldOwnerID, ownerID))
		return newServiceError(operation, reasonQuotaFailed, ErrStorage, err)
	}
	if !admission.Admitted {
		cause := fmt.Errorf("%w: %d of %d", errQuotaDenied, admission.Count, admission.Limit)
		return newServiceError(operation, reasonQuotaExceeded, ErrQuotaExceeded, cause)
	}
	return nil
}

func (s *Service) rollbackAdmission(ctx context.Context, ownerID string) {
	if err := s.quota.Release(ctx, ownerID); err != nil {
		s.logError(opQuotaRollback, reasonQuotaReleaseFailed, err, zap.String(fieldOwnerID, ownerID))
	}
}

func (s *Service) repositoryFailure(operation string, err error, fields ...zap.Field) error {
	switch {
	case errors.Is(err, ErrNoteMissing):
		return newServiceError(operation, reasonNotFound, ErrNotFound, err)
	case errors.Is(err, ErrVersionMismatch):
		return newServiceError(operation, reasonVersionMismatch, ErrConflict, err)
	default:
		s.logError(operation, reasonStorageFailed, err, fields...)
		return newServiceError(operation, reasonStorageFailed, ErrStorage, err)
	}
}

func (s *Service) observe(operation string, errPtr *error) {
	outcome := outcomeSuccess
	if errPtr != nil && *errPtr != nil {
		outcome = string(KindOf(*errPtr))
	}
	metrics.NoteOperations.WithLabelValues(operation, outcome).Inc()
}

func normalizeUserData(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return emptyUserData
	}
	return string(trimmed)
}

func validRadius(radiusMeters float64) bool {
	return radiusMeters >= 0 && !math.IsNaN(radiusMeters) && !math.IsInf(radiusMeters, 0)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
