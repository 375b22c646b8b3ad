package mmap

import "errors"

// AccessPattern is a madvise hint for a mapping.
type AccessPattern int

const (
	// AccessDefault clears any previous hint.
	AccessDefault AccessPattern = iota
	// AccessSequential favors read-ahead, as for a bootstrap scan.
	AccessSequential
	// AccessRandom disables read-ahead, as for keyed lookups.
	AccessRandom
	// AccessWillNeed asks for the pages to be faulted in early.
	AccessWillNeed
	// AccessDontNeed lets the kernel drop the pages.
	AccessDontNeed
)

var (
	// ErrClosed is returned by methods of a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for negative sizes and for shrinking a file.
	ErrInvalidSize = errors.New("mmap: invalid size")
	// ErrOutOfBounds is returned for ranges outside the mapping.
	ErrOutOfBounds = errors.New("mmap: out of bounds")
)
