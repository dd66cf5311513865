package model

import "github.com/google/uuid"

// NewID returns a time-sortable UUIDv7. All entity identifiers in the system
// are v7 so that ORDER BY id is also creation order within a clock's
// resolution.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
