package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/auth"
	"github.com/MarcoPoloResearchLab/geonotes/internal/imports"
	"github.com/MarcoPoloResearchLab/geonotes/internal/metrics"
	"github.com/MarcoPoloResearchLab/geonotes/internal/notes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ownerIDContextKey = "geonotes_owner_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingNotesService     = errors.New("notes service dependency required")
	errMissingImportProcessor  = errors.New("import processor dependency required")
	errMissingQuotaReporter    = errors.New("quota reporter dependency required")
)

// SessionValidator resolves the caller's session from a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// NotesService is the note surface the HTTP adapter drives. *notes.Service satisfies it.
type NotesService interface {
	CreateNote(ctx context.Context, input notes.CreateInput) (notes.Note, error)
	GetNote(ctx context.Context, id notes.NoteID) (notes.Note, error)
	UpdateNote(ctx context.Context, id notes.NoteID, patch notes.Patch) (notes.Note, error)
	TransitionNote(ctx context.Context, id notes.NoteID, target notes.State) (notes.Note, error)
	DeleteNote(ctx context.Context, id notes.NoteID) error
	QueryNearby(ctx context.Context, latitude, longitude, radiusMeters float64) ([]notes.Note, error)
	ListVersions(ctx context.Context, id notes.NoteID) ([]notes.VersionRecord, error)
}

// ImportProcessor is the bulk import surface. *imports.Processor satisfies it.
type ImportProcessor interface {
	Submit(ctx context.Context, submitter string, items []imports.Item) (imports.JobID, error)
	Status(ctx context.Context, id imports.JobID) (imports.Job, error)
	Cancel(ctx context.Context, id imports.JobID) (imports.Job, error)
}

// QuotaReporter exposes per-owner private note usage. *quota.Enforcer satisfies it.
type QuotaReporter interface {
	Count(ctx context.Context, ownerID string) (int64, error)
	Limit() int64
	ReleaseOnClose() bool
}

type Dependencies struct {
	Sessions       SessionValidator
	NotesService   NotesService
	Imports        ImportProcessor
	Quota          QuotaReporter
	Logger         *zap.Logger
	AllowedOrigins []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.Imports == nil {
		return nil, errMissingImportProcessor
	}
	if deps.Quota == nil {
		return nil, errMissingQuotaReporter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:     deps.Sessions,
		notesService: deps.NotesService,
		imports:      deps.Imports,
		quota:        deps.Quota,
		logger:       logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/")
	api.Use(handler.resolveSession)
	api.POST("/notes", handler.handleCreateNote)
	api.GET("/notes/nearby", handler.handleQueryNearby)
	api.GET("/notes/:id", handler.handleGetNote)
	api.PATCH("/notes/:id", handler.handleUpdateNote)
	api.POST("/notes/:id/transitions", handler.handleTransitionNote)
	api.DELETE("/notes/:id", handler.handleDeleteNote)
	api.GET("/notes/:id/versions", handler.handleListVersions)

	importsGroup := api.Group("/imports")
	importsGroup.Use(handler.requireSession)
	importsGroup.POST("", handler.handleSubmitImport)
	importsGroup.GET("/:id", handler.handleImportStatus)
	importsGroup.POST("/:id/cancel", handler.handleCancelImport)

	api.GET("/quota", handler.requireSession, handler.handleQuotaUsage)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions     SessionValidator
	notesService NotesService
	imports      ImportProcessor
	quota        QuotaReporter
	logger       *zap.Logger
}

// resolveSession attaches the caller's owner id when a session is presented. Requests
// without one proceed anonymously; a presented but invalid session is rejected.
func (h *httpHandler) resolveSession(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	switch {
	case err == nil:
		c.Set(ownerIDContextKey, claims.OwnerID())
	case errors.Is(err, auth.ErrMissingSessionToken):
	case errors.Is(err, auth.ErrExpiredSessionToken):
		h.logger.Info("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	default:
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) requireSession(c *gin.Context) {
	if requester(c).IsAnonymous() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func requester(c *gin.Context) notes.OwnerID {
	return notes.OwnerID(c.GetString(ownerIDContextKey))
}
