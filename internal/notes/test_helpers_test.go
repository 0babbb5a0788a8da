package notes

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/quota"
	"github.com/MarcoPoloResearchLab/geonotes/internal/spatial"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	mu    sync.Mutex
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type testHarness struct {
	service  *Service
	db       *gorm.DB
	grid     *spatial.Grid
	enforcer *quota.Enforcer
	repo     *GormRepository
}

type harnessOptions struct {
	ids            []string
	privateLimit   int64
	releaseOnClose bool
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:geonotes_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	if err := db.AutoMigrate(&Note{}, &VersionRecord{}, &quota.Counter{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestHarness(t *testing.T, options harnessOptions) testHarness {
	t.Helper()

	db := newTestDatabase(t)
	repo, err := NewGormRepository(db)
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	store, err := quota.NewGormCounterStore(db)
	if err != nil {
		t.Fatalf("failed to construct counter store: %v", err)
	}
	limit := options.privateLimit
	if limit == 0 {
		limit = 10
	}
	enforcer, err := quota.NewEnforcer(quota.EnforcerConfig{
		Store:          store,
		Limit:          limit,
		ReleaseOnClose: options.releaseOnClose,
	})
	if err != nil {
		t.Fatalf("failed to construct enforcer: %v", err)
	}

	var provider IDProvider = NewUUIDProvider()
	if len(options.ids) > 0 {
		provider = &staticIDGenerator{ids: options.ids}
	}
	grid := spatial.NewGrid(spatial.DefaultCellSizeMeters)
	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }

	service, err := NewService(ServiceConfig{
		Repository: repo,
		Quota:      enforcer,
		Index:      grid,
		Clock:      clock,
		IDProvider: provider,
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	return testHarness{service: service, db: db, grid: grid, enforcer: enforcer, repo: repo}
}

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func mustOwnerID(t *testing.T, value string) OwnerID {
	t.Helper()
	id, err := NewOwnerID(value)
	if err != nil {
		t.Fatalf("unexpected owner id error: %v", err)
	}
	return id
}

func floatPtr(value float64) *float64 {
	return &value
}

func stringPtr(value string) *string {
	return &value
}

func visibilityPtr(value Visibility) *Visibility {
	return &value
}

func expectKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("expected %s error, got %s (%v)", want, got, err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *ServiceError, got %T", err)
	}
}
