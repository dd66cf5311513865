package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// Per-entity wrappers so callers can match generically with
// errors.Is(err, ErrNotFound) or specifically.
var (
	ErrMemoryNotFound      = fmt.Errorf("storage: memory: %w", ErrNotFound)
	ErrInteractionNotFound = fmt.Errorf("storage: interaction: %w", ErrNotFound)
	ErrProfileNotFound     = fmt.Errorf("storage: profile: %w", ErrNotFound)
	ErrCertificateNotFound = fmt.Errorf("storage: certificate: %w", ErrNotFound)
)

// ErrInvalidStatusTransition is returned when a memory status change would
// move backwards in the monotonic lifecycle.
var ErrInvalidStatusTransition = errors.New("storage: invalid status transition")
