// Package mmapfile maps a fixed-size file read-write into memory.
//
// The mapping is MAP_SHARED, so a process that exits without cleanup
// leaves its last writes in the file. That gives the ring buffer a backing
// region that behaves like retained RAM across a warm restart, and gives
// the device simulators a byte-addressable image.
package mmapfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked indicates another process already holds the mapping.
var ErrLocked = errors.New("file is mapped by another process")

// File represents a writable memory-mapped file.
type File struct {
	path string
	file *os.File
	data []byte
}

// Open maps path, creating it with size bytes of fill if it does not
// exist. An existing file shorter than size is extended with fill; a longer
// one is mapped only up to size.
//
// The file is locked with flock(LOCK_EX|LOCK_NB) for the lifetime of the
// mapping so only one writer can hold it.
func Open(path string, size int, fill byte) (*File, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap %s: invalid size %d", path, size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	if cur := info.Size(); cur < int64(size) {
		if err := extend(f, cur, int64(size), fill); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return &File{path: path, file: f, data: data}, nil
}

func extend(f *os.File, from, to int64, fill byte) error {
	if fill == 0 {
		if err := f.Truncate(to); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
		return nil
	}
	pad := make([]byte, to-from)
	for i := range pad {
		pad[i] = fill
	}
	if _, err := f.WriteAt(pad, from); err != nil {
		return fmt.Errorf("extend file: %w", err)
	}
	return nil
}

// Data returns the mapped bytes. Writes to the slice land in the file.
func (m *File) Data() []byte {
	return m.data
}

// Size returns the mapped length.
func (m *File) Size() int {
	return len(m.data)
}

// Path returns the backing file path.
func (m *File) Path() string {
	return m.path
}

// Sync flushes dirty pages to the backing file.
func (m *File) Sync() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// Close unmaps the file and releases the lock. The mapping contents are
// not synced first; call Sync when durability matters.
func (m *File) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	closeErr := m.file.Close()
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return closeErr
}
