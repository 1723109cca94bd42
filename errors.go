package flatblocks

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no entity matches a slug or id.
	ErrNotFound = errors.New("flatblocks: not found")

	// ErrDuplicateSlug is returned by repositories when a slug is already taken.
	ErrDuplicateSlug = errors.New("flatblocks: duplicate slug")

	// ErrInvalid marks input rejected before it reaches storage.
	ErrInvalid = errors.New("flatblocks: invalid")
)

// LookupError describes a failed lookup. Either Slug or ID is set.
type LookupError struct {
	Kind Kind
	Slug string
	ID   int64
	Err  error
}

func (e *LookupError) Error() string {
	if e.Slug == "" && e.ID != 0 {
		return fmt.Sprintf("%s #%d: %v", e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Kind, e.Slug, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// NotFound builds the error repositories return for a missing slug.
func NotFound(kind Kind, slug string) error {
	return &LookupError{Kind: kind, Slug: slug, Err: ErrNotFound}
}

// NotFoundID builds the error repositories return for a missing id.
func NotFoundID(kind Kind, id int64) error {
	return &LookupError{Kind: kind, ID: id, Err: ErrNotFound}
}

// Duplicate builds the error repositories return for a taken slug.
func Duplicate(kind Kind, slug string) error {
	return &LookupError{Kind: kind, Slug: slug, Err: ErrDuplicateSlug}
}

// ValidationError reports the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flatblocks: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }
