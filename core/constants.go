package core

import "time"

// Headers the dispatch path reads or sets itself.
const (
	headerContentType = "Content-Type"
	headerRange       = "Range"
	headerRetryAfter  = "Retry-After"
	headerCacheState  = "X-Cache"
	headerAge         = "Age"
)

// Connection loop defaults, applied when Options leaves them zero.
const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultMaxBodyBytes = 10 << 20

	readBufferSize  = 8 << 10
	writeBufferSize = 8 << 10
)
