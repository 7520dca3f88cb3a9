package cache

import "errors"

// ErrClosed is returned by SourceCache methods once the cache has
// been disposed.
var ErrClosed = errors.New("cache: source cache closed")
