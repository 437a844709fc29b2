package cache

import "errors"

var (
	// ErrInvalidPage is returned when a page key resolves to no usable page:
	// a missing record, a missing file, or an out-of-range access.
	ErrInvalidPage = errors.New("invalid page")

	// ErrInvalidChannel is returned when a segment or request names a channel
	// the current request does not carry.
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrNoSpace is returned by the hard eviction cycle when the cache still
	// exceeds its hard budget after every aged page has been reclaimed.
	ErrNoSpace = errors.New("cache exceeds hard budget after eviction")
)
