package pmwcas

import "errors"

var (
	ErrBadMagic         = errors.New("pmwcas: invalid magic bytes")
	ErrCorrupted        = errors.New("pmwcas: pool file corrupted")
	ErrClosed           = errors.New("pmwcas: pool is closed")
	ErrReadOnly         = errors.New("pmwcas: pool is read-only")
	ErrLocked           = errors.New("pmwcas: pool is locked by another writer")
	ErrAlreadyOpen      = errors.New("pmwcas: pool file is already open in this process")
	ErrCapacityMismatch = errors.New("pmwcas: descriptor capacity (K) does not match the pool on disk")
	ErrCapacityExceeded = errors.New("pmwcas: target count exceeds descriptor capacity")
	ErrValueOutOfDomain = errors.New("pmwcas: value collides with reserved tag bits")
	ErrTooManyThreads   = errors.New("pmwcas: thread id exceeds pool's max_threads")
	ErrBadLocator       = errors.New("pmwcas: descriptor locator out of range")
	ErrThreadIDInUse    = errors.New("pmwcas: thread id already acquired")
	ErrThreadIDNotOwned = errors.New("pmwcas: thread id not held by this manager")
)
