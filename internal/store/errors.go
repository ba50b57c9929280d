package store

import "errors"

// ErrNotFound is returned by Store lookups that find no matching row.
var ErrNotFound = errors.New("not found")
