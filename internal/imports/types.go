// Package imports runs bulk note creation jobs with bounded concurrency and per-item
// failure isolation.
package imports

import (
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/notes"
	"github.com/MarcoPoloResearchLab/geonotes/internal/validation"
	"github.com/goccy/go-json"
)

// JobID identifies a bulk import job.
type JobID string

// String returns the underlying identifier.
func (id JobID) String() string {
	return string(id)
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued             Status = "queued"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusPartiallyCompleted Status = "partially-completed"
	StatusCancelled          Status = "cancelled"
)

// IsTerminal reports whether the job will never change again.
func (status Status) IsTerminal() bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusPartiallyCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Outcome is the result of a single item.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Item failure codes outside the notes error taxonomy.
const (
	CodeCancelled   = "cancelled"
	CodeInterrupted = "interrupted"
)

// Item is one note creation request inside a batch.
type Item struct {
	Latitude    float64         `json:"latitude"`
	Longitude   float64         `json:"longitude"`
	Description string          `json:"description"`
	Visibility  string          `json:"visibility,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty"`
	UserData    json.RawMessage `json:"user_data,omitempty"`
}

func (item Item) createInput() notes.CreateInput {
	return notes.CreateInput{
		Latitude:    item.Latitude,
		Longitude:   item.Longitude,
		Description: item.Description,
		Visibility:  notes.Visibility(item.Visibility),
		OwnerID:     notes.OwnerID(item.OwnerID),
		UserData:    validation.StripNull(item.UserData),
	}
}

// ItemResult records how one item ended. Failed items carry their original payload.
type ItemResult struct {
	Index        int     `json:"index"`
	Outcome      Outcome `json:"outcome"`
	NoteID       string  `json:"note_id,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Item         *Item   `json:"item,omitempty"`
}

// Job is a point-in-time snapshot of a bulk import.
type Job struct {
	ID              JobID        `json:"id"`
	Submitter       string       `json:"submitter,omitempty"`
	Status          Status       `json:"status"`
	Total           int          `json:"total"`
	Succeeded       int          `json:"succeeded"`
	Failed          int          `json:"failed"`
	CancelRequested bool         `json:"cancel_requested"`
	Results         []ItemResult `json:"results"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

func (job Job) clone() Job {
	copied := job
	copied.Results = append([]ItemResult(nil), job.Results...)
	if job.StartedAt != nil {
		startedAt := *job.StartedAt
		copied.StartedAt = &startedAt
	}
	if job.CompletedAt != nil {
		completedAt := *job.CompletedAt
		copied.CompletedAt = &completedAt
	}
	return copied
}

// Record is the persisted form of a job: the snapshot plus the submitted items, which
// recovery needs to report unprocessed payloads.
type Record struct {
	Job   Job    `json:"job"`
	Items []Item `json:"items"`
}
