package repository

import "errors"

var (
	// ErrCacheMiss indicates the requested key is not in the cache.
	ErrCacheMiss = errors.New("cache miss")
)
