package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/geonotes/internal/notes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	opHTTPQuotaUsage = "http.quota.usage"

	codeQuotaUsageFailed = "quota.usage.storage_failed"
)

type quotaUsageResponse struct {
	OwnerID        string `json:"owner_id"`
	PrivateNotes   int64  `json:"private_notes"`
	Limit          int64  `json:"limit"`
	Remaining      int64  `json:"remaining"`
	ReleaseOnClose bool   `json:"release_on_close"`
}

// handleQuotaUsage reports how many private slots the caller holds.
func (h *httpHandler) handleQuotaUsage(c *gin.Context) {
	owner := requester(c).String()
	count, err := h.quota.Count(c.Request.Context(), owner)
	if err != nil {
		h.logger.Error("request failed",
			zap.String("operation", opHTTPQuotaUsage),
			zap.String("owner_id", owner),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": string(notes.KindStorage), "code": codeQuotaUsageFailed})
		return
	}
	limit := h.quota.Limit()
	c.JSON(http.StatusOK, quotaUsageResponse{
		OwnerID:        owner,
		PrivateNotes:   count,
		Limit:          limit,
		Remaining:      max(limit-count, 0),
		ReleaseOnClose: h.quota.ReleaseOnClose(),
	})
}
