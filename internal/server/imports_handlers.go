package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/geonotes/internal/imports"
	"github.com/gin-gonic/gin"
)

const (
	opHTTPImportSubmit = "http.imports.submit"
	opHTTPImportStatus = "http.imports.status"
	opHTTPImportCancel = "http.imports.cancel"

	codeImportNotFound = "imports.status.not_found"
)

type submitImportRequest struct {
	Items []imports.Item `json:"items" validate:"required"`
}

// handleSubmitImport queues a batch owned by the caller. Item owner ids are replaced with
// the caller's so a batch cannot create notes for someone else.
func (h *httpHandler) handleSubmitImport(c *gin.Context) {
	var request submitImportRequest
	if !bindEnvelope(c, &request) {
		return
	}

	owner := requester(c).String()
	items := make([]imports.Item, len(request.Items))
	for index, item := range request.Items {
		item.OwnerID = owner
		items[index] = item
	}

	id, err := h.imports.Submit(c.Request.Context(), owner, items)
	if err != nil {
		h.respondServiceError(c, opHTTPImportSubmit, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": imports.StatusQueued, "total": len(items)})
}

func (h *httpHandler) handleImportStatus(c *gin.Context) {
	job, ok := h.loadOwnedJob(c, opHTTPImportStatus)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *httpHandler) handleCancelImport(c *gin.Context) {
	job, ok := h.loadOwnedJob(c, opHTTPImportCancel)
	if !ok {
		return
	}
	cancelled, err := h.imports.Cancel(c.Request.Context(), job.ID)
	if err != nil {
		h.respondServiceError(c, opHTTPImportCancel, err)
		return
	}
	c.JSON(http.StatusAccepted, cancelled)
}

// loadOwnedJob hides jobs submitted by other callers.
func (h *httpHandler) loadOwnedJob(c *gin.Context, operation string) (imports.Job, bool) {
	job, err := h.imports.Status(c.Request.Context(), imports.JobID(c.Param("id")))
	if err != nil {
		h.respondServiceError(c, operation, err)
		return imports.Job{}, false
	}
	if job.Submitter != requester(c).String() {
		respondNotFound(c, codeImportNotFound)
		return imports.Job{}, false
	}
	return job, true
}
