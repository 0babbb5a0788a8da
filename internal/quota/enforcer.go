// Package quota admits or rejects private note creation against a per-owner limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/geonotes/internal/metrics"
	"go.uber.org/zap"
)

const (
	opTryAdmit = "quota.try_admit"
	opRelease  = "quota.release"
	opCount    = "quota.count"

	decisionAdmitted = "admitted"
	decisionDenied   = "denied"
)

var (
	// ErrMissingOwner indicates a quota call without an owner identifier.
	ErrMissingOwner = errors.New("quota: owner id is required")
	// ErrInvalidLimit indicates a negative configured limit.
	ErrInvalidLimit = errors.New("quota: limit must not be negative")

	errMissingStore = errors.New("quota: counter store is required")
)

// EnforcerConfig describes the dependencies of an Enforcer.
type EnforcerConfig struct {
	Store          CounterStore
	Limit          int64
	ReleaseOnClose bool
	Logger         *zap.Logger
}

// Admission is the outcome of TryAdmitPrivate.
type Admission struct {
	OwnerID  string
	Admitted bool
	Count    int64
	Limit    int64
}

// Enforcer applies the private note limit. It holds no per-owner state of its own;
// atomicity comes from the CounterStore.
type Enforcer struct {
	store          CounterStore
	limit          int64
	releaseOnClose bool
	logger         *zap.Logger
}

// NewEnforcer validates cfg and builds an Enforcer.
func NewEnforcer(cfg EnforcerConfig) (*Enforcer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Limit < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, cfg.Limit)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		store:          cfg.Store,
		limit:          cfg.Limit,
		releaseOnClose: cfg.ReleaseOnClose,
		logger:         logger,
	}, nil
}

// Limit returns the configured per-owner maximum.
func (e *Enforcer) Limit() int64 {
	return e.limit
}

// ReleaseOnClose reports whether closing a private note frees its slot.
func (e *Enforcer) ReleaseOnClose() bool {
	return e.releaseOnClose
}

// TryAdmitPrivate atomically checks the owner's counter against the limit and
// increments it on success. A denial leaves the counter untouched.
func (e *Enforcer) TryAdmitPrivate(ctx context.Context, ownerID string) (Admission, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return Admission{}, ErrMissingOwner
	}

	admitted, count, err := e.store.TryIncrement(ctx, owner, e.limit)
	if err != nil {
		e.logger.Error("quota store error",
			zap.String("operation", opTryAdmit),
			zap.String("owner_id", owner),
			zap.Error(err))
		return Admission{}, fmt.Errorf("%s: %w", opTryAdmit, err)
	}

	decision := decisionAdmitted
	if !admitted {
		decision = decisionDenied
		e.logger.Info("private note quota exhausted",
			zap.String("owner_id", owner),
			zap.Int64("count", count),
			zap.Int64("limit", e.limit))
	}
	metrics.QuotaDecisions.WithLabelValues(decision).Inc()

	return Admission{
		OwnerID:  owner,
		Admitted: admitted,
		Count:    count,
		Limit:    e.limit,
	}, nil
}

// Release frees one slot for the owner. A release at zero is a caller bug: it is
// logged and clamped, never returned as an error.
func (e *Enforcer) Release(ctx context.Context, ownerID string) error {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return ErrMissingOwner
	}

	count, clamped, err := e.store.Decrement(ctx, owner)
	if err != nil {
		e.logger.Error("quota store error",
			zap.String("operation", opRelease),
			zap.String("owner_id", owner),
			zap.Error(err))
		return fmt.Errorf("%s: %w", opRelease, err)
	}
	if clamped {
		metrics.QuotaReleaseClamps.Inc()
		e.logger.Warn("quota release below zero clamped",
			zap.String("owner_id", owner),
			zap.Int64("count", count))
	}
	return nil
}

// Count returns the owner's current private note count.
func (e *Enforcer) Count(ctx context.Context, ownerID string) (int64, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return 0, ErrMissingOwner
	}
	count, err := e.store.Count(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", opCount, err)
	}
	return count, nil
}
