package storage

import "errors"

// Storage errors
var (
	// ErrBlobNotFound indicates that the requested blob was not found.
	ErrBlobNotFound = errors.New("blob not found in storage")

	// ErrInvalidChecksum indicates that the checksum is not a usable
	// storage key.
	ErrInvalidChecksum = errors.New("invalid checksum")
)
