package util

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a time-ordered UUID (v7) for spaces, pages and users.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewSortableID returns a ULID. Comments and attachments use it so that key
// order matches creation order in every store.
func NewSortableID() string {
	return ulid.Make().String()
}

// NewSlugID returns a short random slug for page URLs, taken from the random
// half of a ULID.
func NewSlugID() string {
	id := ulid.Make().String()
	return strings.ToLower(id[len(id)-10:])
}

// IsUUID reports whether value parses as a UUID.
func IsUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
