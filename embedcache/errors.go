package embedcache

import "errors"

// ErrClosed is returned by Embed on a cache that has already been
// closed.
var ErrClosed = errors.New("embedcache: cache is closed")
