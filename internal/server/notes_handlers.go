package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/notes"
	"github.com/MarcoPoloResearchLab/geonotes/internal/validation"
	"github.com/gin-gonic/gin"
)

const (
	opHTTPCreate     = "http.notes.create"
	opHTTPGet        = "http.notes.get"
	opHTTPUpdate     = "http.notes.update"
	opHTTPTransition = "http.notes.transition"
	opHTTPDelete     = "http.notes.delete"
	opHTTPNearby     = "http.notes.nearby"
	opHTTPVersions   = "http.notes.versions"

	codeNoteNotFound = "notes.get.not_found"

	unpinnedUpdateAttempts = 3
)

type createNoteRequest struct {
	Latitude    *float64        `json:"latitude" validate:"required"`
	Longitude   *float64        `json:"longitude" validate:"required"`
	Description string          `json:"description"`
	Visibility  string          `json:"visibility"`
	UserData    json.RawMessage `json:"user_data"`
}

type updateNoteRequest struct {
	Description     *string         `json:"description"`
	UserData        json.RawMessage `json:"user_data"`
	Latitude        *float64        `json:"latitude"`
	Longitude       *float64        `json:"longitude"`
	Visibility      *string         `json:"visibility"`
	ExpectedVersion int64           `json:"expected_version"`
}

type transitionRequest struct {
	State string `json:"state" validate:"required"`
}

type noteResponse struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id,omitempty"`
	Latitude    float64         `json:"latitude"`
	Longitude   float64         `json:"longitude"`
	Description string          `json:"description"`
	Visibility  string          `json:"visibility"`
	State       string          `json:"state"`
	UserData    json.RawMessage `json:"user_data"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type versionResponse struct {
	Version     int64           `json:"version"`
	Transition  string          `json:"transition"`
	Latitude    float64         `json:"latitude"`
	Longitude   float64         `json:"longitude"`
	Description string          `json:"description"`
	Visibility  string          `json:"visibility"`
	State       string          `json:"state"`
	UserData    json.RawMessage `json:"user_data"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

func toNoteResponse(note notes.Note) noteResponse {
	return noteResponse{
		ID:          note.NoteID,
		OwnerID:     note.OwnerID,
		Latitude:    note.Latitude,
		Longitude:   note.Longitude,
		Description: note.Description,
		Visibility:  string(note.Visibility),
		State:       string(note.State),
		UserData:    rawUserData(note.UserDataJSON),
		Version:     note.Version,
		CreatedAt:   note.CreatedAt,
		UpdatedAt:   note.UpdatedAt,
	}
}

func rawUserData(value string) json.RawMessage {
	if value == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(value)
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request createNoteRequest
	if !bindEnvelope(c, &request) {
		return
	}

	created, err := h.notesService.CreateNote(c.Request.Context(), notes.CreateInput{
		Latitude:    *request.Latitude,
		Longitude:   *request.Longitude,
		Description: request.Description,
		Visibility:  notes.Visibility(request.Visibility),
		OwnerID:     requester(c),
		UserData:    validation.StripNull(request.UserData),
	})
	if err != nil {
		h.respondServiceError(c, opHTTPCreate, err)
		return
	}
	c.JSON(http.StatusCreated, toNoteResponse(created))
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	note, ok := h.loadVisibleNote(c, opHTTPGet)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toNoteResponse(note))
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	var request updateNoteRequest
	if !bindEnvelope(c, &request) {
		return
	}
	current, ok := h.loadMutableNote(c, opHTTPUpdate)
	if !ok {
		return
	}

	patch := notes.Patch{
		Description:     request.Description,
		Latitude:        request.Latitude,
		Longitude:       request.Longitude,
		ExpectedVersion: request.ExpectedVersion,
	}
	if userData := validation.StripNull(request.UserData); userData != nil {
		patch.UserData = userData
	}
	if request.Visibility != nil {
		visibility := notes.Visibility(*request.Visibility)
		patch.Visibility = &visibility
	}

	id := notes.NoteID(current.NoteID)
	var updated notes.Note
	var err error
	if patch.ExpectedVersion != 0 {
		updated, err = h.notesService.UpdateNote(c.Request.Context(), id, patch)
	} else {
		// An unpinned patch applies to whatever version is current, so conflicts are retried.
		observed := current.Version
		err = notes.RetryOnConflict(c.Request.Context(), unpinnedUpdateAttempts, func(ctx context.Context) error {
			if observed == 0 {
				latest, getErr := h.notesService.GetNote(ctx, id)
				if getErr != nil {
					return getErr
				}
				observed = latest.Version
			}
			patch.ExpectedVersion = observed
			observed = 0
			var updateErr error
			updated, updateErr = h.notesService.UpdateNote(ctx, id, patch)
			return updateErr
		})
	}
	if err != nil {
		h.respondServiceError(c, opHTTPUpdate, err)
		return
	}
	c.JSON(http.StatusOK, toNoteResponse(updated))
}

func (h *httpHandler) handleTransitionNote(c *gin.Context) {
	var request transitionRequest
	if !bindEnvelope(c, &request) {
		return
	}
	current, ok := h.loadMutableNote(c, opHTTPTransition)
	if !ok {
		return
	}

	updated, err := h.notesService.TransitionNote(c.Request.Context(), notes.NoteID(current.NoteID), notes.State(request.State))
	if err != nil {
		h.respondServiceError(c, opHTTPTransition, err)
		return
	}
	c.JSON(http.StatusOK, toNoteResponse(updated))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	current, ok := h.loadMutableNote(c, opHTTPDelete)
	if !ok {
		return
	}
	if err := h.notesService.DeleteNote(c.Request.Context(), notes.NoteID(current.NoteID)); err != nil {
		h.respondServiceError(c, opHTTPDelete, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	note, ok := h.loadVisibleNote(c, opHTTPVersions)
	if !ok {
		return
	}
	versions, err := h.notesService.ListVersions(c.Request.Context(), notes.NoteID(note.NoteID))
	if err != nil {
		h.respondServiceError(c, opHTTPVersions, err)
		return
	}

	response := make([]versionResponse, 0, len(versions))
	for _, version := range versions {
		response = append(response, versionResponse{
			Version:     version.Version,
			Transition:  string(version.Transition),
			Latitude:    version.Latitude,
			Longitude:   version.Longitude,
			Description: version.Description,
			Visibility:  string(version.Visibility),
			State:       string(version.State),
			UserData:    rawUserData(version.UserDataJSON),
			RecordedAt:  version.RecordedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"note_id": note.NoteID, "versions": response})
}

func (h *httpHandler) handleQueryNearby(c *gin.Context) {
	latitude, latErr := strconv.ParseFloat(c.Query("lat"), 64)
	longitude, lonErr := strconv.ParseFloat(c.Query("lon"), 64)
	radius, radiusErr := strconv.ParseFloat(c.Query("radius_m"), 64)
	if latErr != nil || lonErr != nil || radiusErr != nil {
		respondInvalidRequest(c, "invalid_query")
		return
	}

	found, err := h.notesService.QueryNearby(c.Request.Context(), latitude, longitude, radius)
	if err != nil {
		h.respondServiceError(c, opHTTPNearby, err)
		return
	}

	caller := requester(c)
	response := make([]noteResponse, 0, len(found))
	for _, note := range found {
		if note.VisibleTo(caller) {
			response = append(response, toNoteResponse(note))
		}
	}
	c.JSON(http.StatusOK, gin.H{"notes": response})
}

// loadVisibleNote fetches the path note; private notes of other owners read as missing.
func (h *httpHandler) loadVisibleNote(c *gin.Context, operation string) (notes.Note, bool) {
	note, err := h.notesService.GetNote(c.Request.Context(), notes.NoteID(c.Param("id")))
	if err != nil {
		h.respondServiceError(c, operation, err)
		return notes.Note{}, false
	}
	if !note.VisibleTo(requester(c)) {
		respondNotFound(c, codeNoteNotFound)
		return notes.Note{}, false
	}
	return note, true
}

// loadMutableNote additionally requires the owner's session for owned notes.
func (h *httpHandler) loadMutableNote(c *gin.Context, operation string) (notes.Note, bool) {
	note, ok := h.loadVisibleNote(c, operation)
	if !ok {
		return notes.Note{}, false
	}
	if note.OwnerID != "" && note.OwnerID != requester(c).String() {
		respondForbidden(c)
		return notes.Note{}, false
	}
	return note, true
}
