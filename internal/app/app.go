// Package app assembles the geonotes API from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/auth"
	"github.com/MarcoPoloResearchLab/geonotes/internal/config"
	"github.com/MarcoPoloResearchLab/geonotes/internal/database"
	"github.com/MarcoPoloResearchLab/geonotes/internal/imports"
	"github.com/MarcoPoloResearchLab/geonotes/internal/notes"
	"github.com/MarcoPoloResearchLab/geonotes/internal/quota"
	"github.com/MarcoPoloResearchLab/geonotes/internal/server"
	"github.com/MarcoPoloResearchLab/geonotes/internal/spatial"
	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App owns every long-lived resource of a running API process.
type App struct {
	Handler http.Handler
	Notes   *notes.Service
	Imports *imports.Processor
	DB      *gorm.DB
	jobDB   *badger.DB
	redis   *redis.Client
	closed  bool
}

// Build opens storage, restores derived state and returns a ready-to-serve App. Restoring
// means rebuilding the spatial index from stored notes, optionally reconciling quota
// counters, and finalizing import jobs a previous process left unfinished.
func Build(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	application := &App{}
	defer func() {
		if err != nil {
			_ = application.Close(context.Background())
		}
	}()

	application.DB, err = database.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	storage, err := notes.NewGormRepository(application.DB)
	if err != nil {
		return nil, err
	}
	repository, err := notes.NewBreakerRepository(storage, notes.BreakerConfig{
		FailureThreshold: cfg.StorageBreakerFailureThreshold,
		Timeout:          cfg.StorageBreakerTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	counters, err := application.counterStore(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.QuotaReconcile {
		owners, err := database.ReconcileQuotaCounters(ctx, application.DB, counters, cfg.QuotaReleaseOnClose)
		if err != nil {
			return nil, fmt.Errorf("reconcile quota counters: %w", err)
		}
		logger.Info("quota counters reconciled", zap.Int("owners", owners))
	}
	enforcer, err := quota.NewEnforcer(quota.EnforcerConfig{
		Store:          counters,
		Limit:          cfg.QuotaPrivateLimit,
		ReleaseOnClose: cfg.QuotaReleaseOnClose,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	grid := spatial.NewGrid(cfg.SpatialCellSizeMeters)
	application.Notes, err = notes.NewService(notes.ServiceConfig{
		Repository:          repository,
		Quota:               enforcer,
		Index:               grid,
		Clock:               time.Now,
		IDProvider:          notes.NewUUIDProvider(),
		Logger:              logger,
		MaxDescriptionRunes: cfg.MaxDescriptionRunes,
		MaxUserDataBytes:    cfg.MaxUserDataBytes,
	})
	if err != nil {
		return nil, err
	}
	indexed, err := application.Notes.RebuildIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild spatial index: %w", err)
	}
	logger.Info("spatial index rebuilt",
		zap.Int("notes", indexed),
		zap.Float64("cell_size_meters", grid.CellSizeMeters()))

	application.jobDB, err = imports.OpenBadger(cfg.ImportStorePath)
	if err != nil {
		return nil, err
	}
	jobs, err := imports.NewBadgerJobStore(application.jobDB, cfg.ImportRetention)
	if err != nil {
		return nil, err
	}
	application.Imports, err = imports.NewProcessor(imports.ProcessorConfig{
		Creator:           application.Notes,
		Store:             jobs,
		MaxItems:          cfg.ImportMaxItems,
		WorkerConcurrency: cfg.ImportWorkerConcurrency,
		MaxInFlight:       cfg.ImportMaxInFlight,
		ItemsPerSecond:    cfg.ImportItemsPerSecond,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	recovered, err := application.Imports.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover import jobs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("unfinished import jobs finalized", zap.Int("jobs", recovered))
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.AuthSigningSecret),
		Issuer:        cfg.AuthIssuer,
		CookieName:    cfg.AuthCookieName,
	})
	if err != nil {
		return nil, err
	}
	application.Handler, err = server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		NotesService:   application.Notes,
		Imports:        application.Imports,
		Quota:          enforcer,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		return nil, err
	}
	return application, nil
}

func (a *App) counterStore(cfg config.AppConfig) (quota.CounterStore, error) {
	switch cfg.QuotaBackend {
	case config.QuotaBackendRedis:
		a.redis = quota.OpenRedis(cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB)
		return quota.NewRedisCounterStore(a.redis, cfg.RedisKeyPrefix)
	default:
		return quota.NewGormCounterStore(a.DB)
	}
}

// Close drains import jobs and releases storage handles.
func (a *App) Close(ctx context.Context) error {
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.Imports != nil {
		if err := a.Imports.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain import jobs: %w", err))
		}
	}
	if a.jobDB != nil {
		if err := a.jobDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close job store: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close database: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
