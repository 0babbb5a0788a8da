package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidOwnerID indicates that an owner identifier exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("notes: invalid owner id")
	// ErrInvalidState indicates an unknown lifecycle state name.
	ErrInvalidState = errors.New("notes: invalid state")
	// ErrInvalidVisibility indicates an unknown visibility name.
	ErrInvalidVisibility = errors.New("notes: invalid visibility")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// OwnerID identifies the user owning a note. The zero value marks an anonymous note.
type OwnerID string

// NewOwnerID validates raw input; blank input yields the anonymous owner.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// IsAnonymous reports whether no owner is attached.
func (id OwnerID) IsAnonymous() bool {
	return id == ""
}

// State enumerates the note lifecycle states.
type State string

const (
	StateNew    State = "new"
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// ParseState validates a lifecycle state name.
func ParseState(raw string) (State, error) {
	switch state := State(strings.ToLower(strings.TrimSpace(raw))); state {
	case StateNew, StateOpen, StateClosed:
		return state, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
}

// Visibility controls who may read a note.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ParseVisibility validates a visibility name; blank input defaults to public.
func ParseVisibility(raw string) (Visibility, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return VisibilityPublic, nil
	}
	switch visibility := Visibility(trimmed); visibility {
	case VisibilityPublic, VisibilityPrivate:
		return visibility, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, raw)
	}
}

// TransitionKind names the mutation that produced a version record.
type TransitionKind string

const (
	TransitionCreate      TransitionKind = "create"
	TransitionEdit        TransitionKind = "edit"
	TransitionStateChange TransitionKind = "state-change"
)

// Note is the persisted, latest view of a location-tagged report.
type Note struct {
	NoteID       string     `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerID      string     `gorm:"column:owner_id;size:190;not null;default:'';index:idx_notes_owner_visibility,priority:1"`
	Latitude     float64    `gorm:"column:latitude;not null"`
	Longitude    float64    `gorm:"column:longitude;not null"`
	Description  string     `gorm:"column:description;type:text;not null"`
	Visibility   Visibility `gorm:"column:visibility;size:16;not null;index:idx_notes_owner_visibility,priority:2"`
	State        State      `gorm:"column:state;size:16;not null"`
	UserDataJSON string     `gorm:"column:user_data_json;type:text;not null;default:'{}'"`
	Version      int64      `gorm:"column:version;not null;default:1"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// IsPrivate reports whether the note is restricted to its owner.
func (note Note) IsPrivate() bool {
	return note.Visibility == VisibilityPrivate
}

// VisibleTo reports whether the requester may read the note.
func (note Note) VisibleTo(requester OwnerID) bool {
	if !note.IsPrivate() {
		return true
	}
	return !requester.IsAnonymous() && note.OwnerID == requester.String()
}

// VersionRecord is an immutable snapshot appended on every accepted mutation.
type VersionRecord struct {
	NoteID       string         `gorm:"column:note_id;primaryKey;size:190;not null"`
	Version      int64          `gorm:"column:version;primaryKey;autoIncrement:false;not null"`
	Transition   TransitionKind `gorm:"column:transition;size:16;not null"`
	OwnerID      string         `gorm:"column:owner_id;size:190;not null;default:''"`
	Latitude     float64        `gorm:"column:latitude;not null"`
	Longitude    float64        `gorm:"column:longitude;not null"`
	Description  string         `gorm:"column:description;type:text;not null"`
	Visibility   Visibility     `gorm:"column:visibility;size:16;not null"`
	State        State          `gorm:"column:state;size:16;not null"`
	UserDataJSON string         `gorm:"column:user_data_json;type:text;not null;default:'{}'"`
	RecordedAt   time.Time      `gorm:"column:recorded_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRecord) TableName() string {
	return "note_versions"
}

func snapshotOf(note Note, transition TransitionKind) VersionRecord {
	return VersionRecord{
		NoteID:       note.NoteID,
		Version:      note.Version,
		Transition:   transition,
		OwnerID:      note.OwnerID,
		Latitude:     note.Latitude,
		Longitude:    note.Longitude,
		Description:  note.Description,
		Visibility:   note.Visibility,
		State:        note.State,
		UserDataJSON: note.UserDataJSON,
		RecordedAt:   note.UpdatedAt,
	}
}

// CreateInput carries the caller-supplied fields of a new note.
type CreateInput struct {
	Latitude    float64
	Longitude   float64
	Description string
	Visibility  Visibility
	OwnerID     OwnerID
	// UserData is an opaque JSON object; nil or empty stores "{}".
	UserData []byte
}

// Patch lists the non-state fields to change; nil fields are left untouched.
type Patch struct {
	Description *string
	UserData    []byte
	Latitude    *float64
	Longitude   *float64
	Visibility  *Visibility
	// ExpectedVersion pins the version the caller last read; zero means "whatever is current".
	ExpectedVersion int64
}

// IsEmpty reports whether the patch would change nothing.
func (patch Patch) IsEmpty() bool {
	return patch.Description == nil &&
		patch.UserData == nil &&
		patch.Latitude == nil &&
		patch.Longitude == nil &&
		patch.Visibility == nil
}
