package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/geonotes/internal/config"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func mustConfig(t *testing.T) config.AppConfig {
	t.Helper()
	configViper := config.NewViper()
	configViper.Set("auth.signing_secret", "app-test-secret")
	configViper.Set("database.path", filepath.Join(t.TempDir(), "geonotes.db"))
	appConfig, err := config.Load(configViper)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return appConfig
}

func TestBuildServesHealthAndClosesOnce(t *testing.T) {
	gin.SetMode(gin.TestMode)
	application, err := Build(context.Background(), mustConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	recorder := httptest.NewRecorder()
	application.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy response, got %d", recorder.Code)
	}

	if err := application.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := application.Close(context.Background()); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
}

func TestBuildRejectsUnreachableDatabasePath(t *testing.T) {
	appConfig := mustConfig(t)
	appConfig.DatabasePath = filepath.Join(t.TempDir(), "missing", "nested", "geonotes.db")
	if _, err := Build(context.Background(), appConfig, nil); err == nil {
		t.Fatalf("expected build to fail for a database in a missing directory")
	}
}
