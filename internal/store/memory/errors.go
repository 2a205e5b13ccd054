package memory

import "errors"

// ErrNotFound reports a row that does not exist.
var ErrNotFound = errors.New("not found")
