package runstore

import "errors"

// ErrNotFound is returned by Store methods when the requested run does not
// exist. Callers check for it with errors.Is.
var ErrNotFound = errors.New("runstore: run not found")

// ErrConflict is returned by InsertPending on the vanishingly rare UUIDv7
// collision; callers retry with a freshly generated id.
var ErrConflict = errors.New("runstore: id already exists")
