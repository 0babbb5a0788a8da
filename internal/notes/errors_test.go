package notes

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfClassifiesWrappedErrors(t *testing.T) {
	tests := []struct {
		err  error
		kind ErrorKind
	}{
		{newServiceError(opCreate, reasonInvalidCoordinates, ErrValidation, errors.New("bad")), KindValidation},
		{fmt.Errorf("outer: %w", newServiceError(opCreate, reasonQuotaExceeded, ErrQuotaExceeded, nil)), KindQuotaExceeded},
		{newServiceError(opTransition, reasonEdgeNotAllowed, ErrInvalidTransition, nil), KindInvalidTransition},
		{newServiceError(opUpdate, reasonVersionMismatch, ErrConflict, ErrVersionMismatch), KindConflict},
		{newServiceError(opGet, reasonNotFound, ErrNotFound, ErrNoteMissing), KindNotFound},
		{newServiceError(opGet, reasonStorageFailed, ErrStorage, errors.New("io")), KindStorage},
		{errors.New("plain"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Fatalf("expected %s for %v, got %s", tt.kind, tt.err, got)
		}
	}
}

func TestServiceErrorExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := newServiceError(opCreate, reasonStorageFailed, ErrStorage, cause)
	if !errors.Is(err, cause) || !errors.Is(err, ErrStorage) {
		t.Fatalf("expected both kind and cause to be reachable")
	}
	if err.Error() != "notes.create.storage_failed: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestRetryOnConflict(t *testing.T) {
	attempts := 0
	err := RetryOnConflict(context.Background(), 3, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return newServiceError(opUpdate, reasonVersionMismatch, ErrConflict, nil)
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("expected success on third attempt, got %v after %d", err, attempts)
	}

	attempts = 0
	err = RetryOnConflict(context.Background(), 5, func(context.Context) error {
		attempts++
		return newServiceError(opUpdate, reasonEdgeNotAllowed, ErrInvalidTransition, nil)
	})
	if !errors.Is(err, ErrInvalidTransition) || attempts != 1 {
		t.Fatalf("non-conflict errors must not be retried, got %v after %d", err, attempts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := RetryOnConflict(ctx, 3, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
