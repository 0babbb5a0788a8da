package notes

import (
	"context"
	"errors"
)

// RetryOnConflict calls fn until it returns something other than ErrConflict, at most
// attempts times. fn must re-read the note on every call.
func RetryOnConflict(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
