// Package errs holds the error sentinels shared by the tiers and re-exported
// by the root package.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreAccess means a storage engine could not complete an operation.
	ErrStoreAccess = errors.New("store access failure")

	// ErrAllocationExhausted means a write found no space even after the
	// forced eviction pass and retry.
	ErrAllocationExhausted = fmt.Errorf("%w: allocation exhausted", ErrStoreAccess)

	// ErrNoSpace is returned by storage engines when an allocation fails and
	// evicting may help. Segments translate it into ErrAllocationExhausted.
	ErrNoSpace = errors.New("storage engine out of space")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrCorruptHeader means a persistent segment file header is unreadable.
	ErrCorruptHeader = fmt.Errorf("%w: corrupt segment header", ErrStoreAccess)
)
