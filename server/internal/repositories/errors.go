package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers check it with errors.Is to distinguish missing
// records from other database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example a duplicate idempotency key or host FQN.
var ErrConflict = errors.New("record already exists")

// ErrStaleState is returned by CommandRepository.Transition when the row is
// no longer in the expected source state. The command lifecycle is monotone;
// a stale transition is silently superseded, never retried.
var ErrStaleState = errors.New("command not in expected state")
