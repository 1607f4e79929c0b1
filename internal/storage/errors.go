package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrStaleRun is returned when a conditional run update matched no row:
// the run left RUNNING, or its position moved past the expected value,
// between load and update. Callers treat the delivery as stale.
var ErrStaleRun = errors.New("storage: stale run state")
