package notes

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/geonotes/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	defaultBreakerName             = "notes-storage"
	defaultBreakerFailureThreshold = 5
	defaultBreakerTimeout          = 30 * time.Second
)

var errMissingRepository = errors.New("repository is required")

// BreakerConfig tunes the storage circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
	Logger           *zap.Logger
}

// breakerRepository fails fast once the wrapped repository keeps erroring. Contract
// errors (missing note, version mismatch) are outcomes, not failures, and never trip it.
type breakerRepository struct {
	next    Repository
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreakerRepository wraps next with a consecutive-failure circuit breaker.
func NewBreakerRepository(next Repository, cfg BreakerConfig) (Repository, error) {
	if next == nil {
		return nil, errMissingRepository
	}
	name := cfg.Name
	if name == "" {
		name = defaultBreakerName
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = defaultBreakerFailureThreshold
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	settings := gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			logger.Warn("storage breaker state change",
				zap.String("breaker", breakerName),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			metrics.StorageBreakerState.WithLabelValues(breakerName).Set(open)
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNoteMissing) ||
				errors.Is(err, ErrVersionMismatch) ||
				errors.Is(err, context.Canceled)
		},
	}

	return &breakerRepository{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}, nil
}

func (repo *breakerRepository) run(fn func() error) error {
	_, err := repo.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func (repo *breakerRepository) Insert(ctx context.Context, note Note, version VersionRecord) error {
	return repo.run(func() error {
		return repo.next.Insert(ctx, note, version)
	})
}

func (repo *breakerRepository) Get(ctx context.Context, id NoteID) (Note, error) {
	var note Note
	err := repo.run(func() error {
		var err error
		note, err = repo.next.Get(ctx, id)
		return err
	})
	return note, err
}

func (repo *breakerRepository) GetMany(ctx context.Context, ids []NoteID) ([]Note, error) {
	var found []Note
	err := repo.run(func() error {
		var err error
		found, err = repo.next.GetMany(ctx, ids)
		return err
	})
	return found, err
}

func (repo *breakerRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, note Note, version VersionRecord) error {
	return repo.run(func() error {
		return repo.next.CompareAndSwap(ctx, expectedVersion, note, version)
	})
}

func (repo *breakerRepository) Delete(ctx context.Context, id NoteID, expectedVersion int64) error {
	return repo.run(func() error {
		return repo.next.Delete(ctx, id, expectedVersion)
	})
}

func (repo *breakerRepository) ListVersions(ctx context.Context, id NoteID) ([]VersionRecord, error) {
	var versions []VersionRecord
	err := repo.run(func() error {
		var err error
		versions, err = repo.next.ListVersions(ctx, id)
		return err
	})
	return versions, err
}

// Scan is not guarded by the breaker.
func (repo *breakerRepository) Scan(ctx context.Context, batchSize int, visit func([]Note) error) error {
	return repo.next.Scan(ctx, batchSize, visit)
}
