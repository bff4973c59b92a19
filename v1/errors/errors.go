// Package errors holds the sentinel errors shared by the latch packages.
// Call sites wrap them with context, so compare with errors.Is.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("latch: timeout")
	ErrConnectionClosed = errors.New("latch: connection closed")

	// ErrInvalidCount is returned for counts outside the range a primitive accepts.
	ErrInvalidCount = errors.New("latch: count out of range")
	// ErrInvalidTTL is returned when a non-positive lease TTL is provided.
	ErrInvalidTTL = errors.New("latch: ttl must be positive")
	// ErrInvalidOwner is returned for blank owners or owners that can't be
	// stored in a lease record.
	ErrInvalidOwner = errors.New("latch: invalid owner")
	// ErrInvalidName is returned for lock names that can't be used as a file name.
	ErrInvalidName = errors.New("latch: invalid lock name")

	// ErrSynchronization is delivered to a pending acquisition whose request was
	// withdrawn by a release on the same handle before it could be granted.
	ErrSynchronization = errors.New("latch: pending acquisition invalidated by release")

	// ErrLockIsDirectory is returned when a lease path points to a directory.
	ErrLockIsDirectory = errors.New("latch: lock path is a directory")
)
