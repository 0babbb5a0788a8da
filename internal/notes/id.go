package notes

import "github.com/google/uuid"

// IDProviderFunc adapts a plain function to IDProvider.
type IDProviderFunc func() (string, error)

// NewID calls the wrapped function.
func (fn IDProviderFunc) NewID() (string, error) {
	return fn()
}

// NewUUIDProvider constructs an IDProvider that issues time-ordered UUIDv7 identifiers,
// so note ids sort roughly by creation time.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(newUUIDv7)
}

func newUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
