package tiercache

import (
	"errors"
	"fmt"

	"github.com/hupe1980/tiercache/internal/disk"
	"github.com/hupe1980/tiercache/internal/errs"
	"github.com/hupe1980/tiercache/resource"
)

var (
	// ErrStoreAccess is returned when a storage engine could not complete an
	// operation.
	ErrStoreAccess = errs.ErrStoreAccess
	// ErrAllocationExhausted is returned when a put finds no space even after
	// a forced eviction. It also matches ErrStoreAccess.
	ErrAllocationExhausted = errs.ErrAllocationExhausted
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errs.ErrClosed
	// ErrCorruptHeader is returned when a segment file header is unreadable.
	ErrCorruptHeader = errs.ErrCorruptHeader
	// ErrLayoutMismatch is returned when a persistence space was written
	// with a different segment count.
	ErrLayoutMismatch = disk.ErrLayoutMismatch
	// ErrConfigurationInvalid is returned for rejected pools or options.
	ErrConfigurationInvalid = resource.ErrConfigurationInvalid
)

// StoreAccessError reports a storage failure of one store operation.
//
// The original underlying error can be accessed via errors.Unwrap.
type StoreAccessError struct {
	Op  string
	Err error
}

func (e *StoreAccessError) Error() string {
	return fmt.Sprintf("tiercache: %s: %v", e.Op, e.Err)
}

func (e *StoreAccessError) Unwrap() error { return e.Err }

func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errs.ErrClosed) {
		return ErrClosed
	}

	var sae *StoreAccessError
	if errors.As(err, &sae) {
		return err
	}
	if errors.Is(err, errs.ErrStoreAccess) {
		return &StoreAccessError{Op: op, Err: err}
	}
	return err
}
