package intel

import "errors"

// ErrInvalidConfig is returned when the service configuration fails validation.
var ErrInvalidConfig = errors.New("intel: invalid config")

// ErrInvalidTarget is returned for a target entry that cannot be monitored.
var ErrInvalidTarget = errors.New("intel: invalid target")

// ErrNotFound is returned when a requested change does not exist.
var ErrNotFound = errors.New("intel: not found")
