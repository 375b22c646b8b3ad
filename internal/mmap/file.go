package mmap

import (
	"errors"
	"os"
)

// File is a read-write shared mapping of a file on disk.
type File struct {
	f     *os.File
	data  []byte
	unmap func([]byte) error
}

// OpenFile opens or creates path and maps it read-write.
// Files smaller than minSize are extended (zero filled) to minSize.
func OpenFile(path string, minSize int64) (*File, error) {
	if minSize < 0 {
		return nil, ErrInvalidSize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := fi.Size()
	if size < minSize {
		if err := f.Truncate(minSize); err != nil {
			f.Close()
			return nil, err
		}
		size = minSize
	}

	m := &File{f: f}
	if err := m.remap(size); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *File) remap(size int64) error {
	if m.data != nil {
		if err := m.unmap(m.data); err != nil {
			return err
		}
		m.data, m.unmap = nil, nil
	}
	if size == 0 {
		return nil
	}
	data, unmap, err := osMapFile(m.f, int(size))
	if err != nil {
		return err
	}
	m.data, m.unmap = data, unmap
	return nil
}

// Name returns the path of the mapped file.
func (m *File) Name() string {
	return m.f.Name()
}

// Bytes returns the mapped file contents.
// Warning: The slice is invalidated by Grow and Close.
func (m *File) Bytes() []byte {
	return m.data
}

// Size returns the mapped size in bytes.
func (m *File) Size() int64 {
	return int64(len(m.data))
}

// Grow extends the file to size bytes and remaps it.
// Existing contents are preserved; the new tail is zero filled.
func (m *File) Grow(size int64) error {
	if m.f == nil {
		return ErrClosed
	}
	if size < int64(len(m.data)) {
		return ErrInvalidSize
	}
	if size == int64(len(m.data)) {
		return nil
	}
	if m.data != nil {
		// Flush before the view goes away.
		if err := osSync(m.data); err != nil {
			return err
		}
	}
	if err := m.f.Truncate(size); err != nil {
		return err
	}
	return m.remap(size)
}

// Sync flushes the page aligned range covering [off, off+n) to disk.
func (m *File) Sync(off, n int) error {
	if m.f == nil {
		return ErrClosed
	}
	if n == 0 {
		return nil
	}
	if off < 0 || n < 0 || off+n > len(m.data) {
		return ErrOutOfBounds
	}
	page := os.Getpagesize()
	start := off - off%page
	return osSync(m.data[start : off+n])
}

// SyncAll flushes the whole mapping to disk.
func (m *File) SyncAll() error {
	if m.f == nil {
		return ErrClosed
	}
	if len(m.data) == 0 {
		return nil
	}
	return osSync(m.data)
}

// Advise provides hints to the kernel about how the file will be accessed.
func (m *File) Advise(pattern AccessPattern) error {
	if m.f == nil {
		return ErrClosed
	}
	return osAdvise(m.data, pattern)
}

// Close unmaps the file and closes it. Dirty pages are not flushed; call
// SyncAll first when durability matters. Close is idempotent.
func (m *File) Close() error {
	if m.f == nil {
		return nil
	}
	var errs []error
	if m.data != nil {
		errs = append(errs, m.unmap(m.data))
		m.data, m.unmap = nil, nil
	}
	errs = append(errs, m.f.Close())
	m.f = nil
	return errors.Join(errs...)
}
