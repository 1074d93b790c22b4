package store

import "errors"

// ErrNotFound is returned by SelectOne when no row matches the filters.
var ErrNotFound = errors.New("store: row not found")

// IsNotFound reports whether err means an absent row rather than a
// transport or server failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
