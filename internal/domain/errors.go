package domain

import "errors"

// Errors surfaced by the core engine. Repository and storage layers map
// driver-level failures onto these sentinels; callers match with errors.Is.
var (
	// ErrNotFound indicates a requested row or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a uniqueness violation, such as a duplicate
	// backup set name or session.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotAuthenticated indicates a privileged operation was attempted on
	// a handle that has not passed password authentication.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAuthenticationFailed indicates the digest of regenerated content
	// did not match its recorded checksum.
	ErrAuthenticationFailed = errors.New("content did not authenticate")

	// ErrSchemaMismatch indicates the dataset schema version is not one this
	// build understands.
	ErrSchemaMismatch = errors.New("schema version mismatch")

	// ErrChainTooLong indicates inserting a delta would exceed the configured
	// maximum delta chain length; the caller must supply a full blob instead.
	ErrChainTooLong = errors.New("delta chain too long")

	// ErrMalformedDelta indicates a delta payload could not be parsed.
	ErrMalformedDelta = errors.New("malformed delta")

	// ErrBasisMissing indicates a delta's basis checksum has no row or blob.
	ErrBasisMissing = errors.New("delta basis missing")

	// ErrBasisMismatch indicates a delta was applied against content that is
	// not the basis it was computed from.
	ErrBasisMismatch = errors.New("delta basis mismatch")

	// ErrCorruptBlob indicates blob content could not be decoded.
	ErrCorruptBlob = errors.New("corrupt blob")

	// ErrBasisCycle indicates an insert would close a cycle in the basis graph.
	ErrBasisCycle = errors.New("basis chain would form a cycle")
)
