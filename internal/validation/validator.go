// Package validation holds the pure input checks shared by the note engine:
// coordinate ranges, description bounds, userData shape and struct tags.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

const (
	tagLatitude  = "gte=-90,lte=90"
	tagLongitude = "gte=-180,lte=180"
)

var jsonNull = []byte("null")

var (
	// ErrInvalidInput is the sentinel matched by every FieldError.
	ErrInvalidInput = errors.New("validation: invalid input")

	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError describes a single rejected field.
type FieldError struct {
	field   string
	tag     string
	message string
}

// Field returns the rejected field name.
func (e *FieldError) Field() string {
	return e.field
}

// Tag returns the rule that failed.
func (e *FieldError) Tag() string {
	return e.tag
}

func (e *FieldError) Error() string {
	return e.message
}

// Is lets callers match any FieldError with errors.Is(err, ErrInvalidInput).
func (e *FieldError) Is(target error) bool {
	return target == ErrInvalidInput
}

func newFieldError(field, tag, format string, args ...any) *FieldError {
	return &FieldError{field: field, tag: tag, message: fmt.Sprintf(format, args...)}
}

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateCoordinates reports whether lat/lon lie inside the WGS84 ranges.
func ValidateCoordinates(latitude, longitude float64) error {
	if math.IsNaN(latitude) || math.IsInf(latitude, 0) {
		return newFieldError("latitude", "finite", "latitude must be a finite number")
	}
	if math.IsNaN(longitude) || math.IsInf(longitude, 0) {
		return newFieldError("longitude", "finite", "longitude must be a finite number")
	}
	if err := instance().Var(latitude, tagLatitude); err != nil {
		return newFieldError("latitude", "range", "latitude %v outside [-90, 90]", latitude)
	}
	if err := instance().Var(longitude, tagLongitude); err != nil {
		return newFieldError("longitude", "range", "longitude %v outside [-180, 180]", longitude)
	}
	return nil
}

// ValidateDescription requires a non-blank description of at most maxRunes runes.
func ValidateDescription(description string, maxRunes int) error {
	if strings.TrimSpace(description) == "" {
		return newFieldError("description", "required", "description must not be empty")
	}
	if !utf8.ValidString(description) {
		return newFieldError("description", "utf8", "description must be valid UTF-8")
	}
	if maxRunes > 0 && utf8.RuneCountInString(description) > maxRunes {
		return newFieldError("description", "max", "description exceeds %d characters", maxRunes)
	}
	return nil
}

// ValidateUserData accepts an empty document or a JSON object no larger than maxBytes.
func ValidateUserData(raw []byte, maxBytes int) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if maxBytes > 0 && len(trimmed) > maxBytes {
		return newFieldError("user_data", "max", "user data exceeds %d bytes", maxBytes)
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return newFieldError("user_data", "object", "user data must be a JSON object")
	}
	return nil
}

// StripNull returns nil for an absent or JSON null document so callers treat both alike.
func StripNull(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull) {
		return nil
	}
	return raw
}

// ValidateStruct applies `validate` struct tags and returns the first failure.
func ValidateStruct(value any) error {
	err := instance().Struct(value)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		first := validationErrors[0]
		field := toSnakeCase(first.Field())
		if first.Param() != "" {
			return newFieldError(field, first.Tag(), "%s failed %s=%s", field, first.Tag(), first.Param())
		}
		return newFieldError(field, first.Tag(), "%s failed %s", field, first.Tag())
	}
	return newFieldError("", "struct", "%v", err)
}

func toSnakeCase(name string) string {
	var builder strings.Builder
	for index, r := range name {
		if r >= 'A' && r <= 'Z' {
			if index > 0 {
				builder.WriteByte('_')
			}
			builder.WriteRune(r + ('a' - 'A'))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
