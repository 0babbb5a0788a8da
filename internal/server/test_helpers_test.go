package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/auth"
	"github.com/MarcoPoloResearchLab/geonotes/internal/imports"
	"github.com/MarcoPoloResearchLab/geonotes/internal/notes"
	"github.com/MarcoPoloResearchLab/geonotes/internal/quota"
	"github.com/MarcoPoloResearchLab/geonotes/internal/spatial"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "tauth"
	testCookieName    = "app_session"
)

type testServer struct {
	handler   http.Handler
	issuer    *auth.SessionIssuer
	processor *imports.Processor
}

func newTestServer(t *testing.T, privateLimit int64) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&notes.Note{}, &notes.VersionRecord{}, &quota.Counter{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	repo, err := notes.NewGormRepository(db)
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	counters, err := quota.NewGormCounterStore(db)
	if err != nil {
		t.Fatalf("failed to construct counter store: %v", err)
	}
	enforcer, err := quota.NewEnforcer(quota.EnforcerConfig{Store: counters, Limit: privateLimit})
	if err != nil {
		t.Fatalf("failed to construct enforcer: %v", err)
	}
	service, err := notes.NewService(notes.ServiceConfig{
		Repository: repo,
		Quota:      enforcer,
		Index:      spatial.NewGrid(spatial.DefaultCellSizeMeters),
		IDProvider: notes.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}

	processor, err := imports.NewProcessor(imports.ProcessorConfig{
		Creator:           service,
		Store:             imports.NewMemoryJobStore(),
		WorkerConcurrency: 1,
	})
	if err != nil {
		t.Fatalf("failed to construct processor: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = processor.Close(ctx)
	})

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:     validator,
		NotesService: service,
		Imports:      processor,
		Quota:        enforcer,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return testServer{handler: handler, issuer: issuer, processor: processor}
}

func (s testServer) token(t *testing.T, ownerID string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(ownerID, "")
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}
	return token
}

// do sends a request as ownerID; an empty ownerID sends it anonymously.
func (s testServer) do(t *testing.T, method, path, ownerID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if ownerID != "" {
		request.Header.Set("Authorization", "Bearer "+s.token(t, ownerID))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, want int) {
	t.Helper()
	if recorder.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, recorder.Code, recorder.Body.String())
	}
}

func expectError(t *testing.T, recorder *httptest.ResponseRecorder, wantStatus int, wantError, wantCode string) {
	t.Helper()
	expectStatus(t, recorder, wantStatus)
	var payload map[string]any
	decodeBody(t, recorder, &payload)
	if payload["error"] != wantError {
		t.Fatalf("expected error %q, got %v", wantError, payload["error"])
	}
	if wantCode != "" && payload["code"] != wantCode {
		t.Fatalf("expected code %q, got %v", wantCode, payload["code"])
	}
}

func createNote(t *testing.T, server testServer, ownerID string, body map[string]any) noteResponse {
	t.Helper()
	recorder := server.do(t, http.MethodPost, "/notes", ownerID, body)
	expectStatus(t, recorder, http.StatusCreated)
	var created noteResponse
	decodeBody(t, recorder, &created)
	return created
}

func newRawRequest(method, path string) (*http.Request, *httptest.ResponseRecorder) {
	return httptest.NewRequest(method, path, http.NoBody), httptest.NewRecorder()
}
