package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/geonotes/internal/notes"
	"github.com/MarcoPoloResearchLab/geonotes/internal/validation"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var kindStatus = map[notes.ErrorKind]int{
	notes.KindValidation:        http.StatusBadRequest,
	notes.KindQuotaExceeded:     http.StatusTooManyRequests,
	notes.KindInvalidTransition: http.StatusConflict,
	notes.KindConflict:          http.StatusConflict,
	notes.KindNotFound:          http.StatusNotFound,
	notes.KindStorage:           http.StatusServiceUnavailable,
	notes.KindInternal:          http.StatusInternalServerError,
}

func statusForKind(kind notes.ErrorKind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondServiceError writes {"error": kind, "code": service code}.
func (h *httpHandler) respondServiceError(c *gin.Context, operation string, err error) {
	kind := notes.KindOf(err)
	status := statusForKind(kind)
	body := gin.H{"error": string(kind)}

	var serviceErr *notes.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	c.JSON(status, body)
}

// bindEnvelope decodes the JSON body and applies its `validate` tags. A tag failure is
// reported as missing_<field> or invalid_<field>.
func bindEnvelope(c *gin.Context, request any) bool {
	if err := c.ShouldBindJSON(request); err != nil {
		respondInvalidRequest(c, "invalid_request")
		return false
	}
	err := validation.ValidateStruct(request)
	if err == nil {
		return true
	}
	var fieldErr *validation.FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field() == "" {
		respondInvalidRequest(c, "invalid_request")
		return false
	}
	code := "invalid_" + fieldErr.Field()
	if fieldErr.Tag() == "required" {
		code = "missing_" + fieldErr.Field()
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error": string(notes.KindValidation),
		"code":  code,
		"field": fieldErr.Field(),
	})
	return false
}

func respondInvalidRequest(c *gin.Context, reason string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(notes.KindValidation), "code": reason})
}

func respondNotFound(c *gin.Context, code string) {
	c.JSON(http.StatusNotFound, gin.H{"error": string(notes.KindNotFound), "code": code})
}

func respondForbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
}
