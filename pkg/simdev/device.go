// Package simdev provides host-side stand-ins for the external memories a
// board carries: a byte-writable EEPROM and a NOR flash that only programs
// erased bytes. Both keep their contents in a memory-mapped image file so
// state survives across CLI invocations.
package simdev

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eunmann/fwlog/pkg/mmapfile"
)

const (
	// EEPROMSize is the default simulated EEPROM capacity.
	EEPROMSize = 64 * 1024
	// FlashSize is the default simulated flash capacity.
	FlashSize = 256 * 1024
	// FlashEraseBlock is the default flash erase granularity.
	FlashEraseBlock = 4096
	// ErasedByte is the value of an erased flash byte and of a fresh image.
	ErasedByte = 0xFF
)

var (
	// ErrOutOfRange indicates an access past the end of the device.
	ErrOutOfRange = errors.New("access outside device")
	// ErrInjected is returned by an operation failed via FailNextWrites.
	ErrInjected = errors.New("injected device fault")
)

// image is the part shared by both simulators: a locked, mapped file plus
// a fault counter.
type image struct {
	mu    sync.Mutex
	file  *mmapfile.File
	fails atomic.Int32
}

func openImage(path string, size int) (*image, error) {
	f, err := mmapfile.Open(path, size, ErasedByte)
	if err != nil {
		return nil, fmt.Errorf("open device image: %w", err)
	}
	return &image{file: f}, nil
}

func (im *image) check(off uint32, n int) error {
	if uint64(off)+uint64(n) > uint64(im.file.Size()) {
		return fmt.Errorf("%w: %#x+%d > %d", ErrOutOfRange, off, n, im.file.Size())
	}
	return nil
}

// injected consumes one pending fault, if any.
func (im *image) injected() bool {
	for {
		n := im.fails.Load()
		if n <= 0 {
			return false
		}
		if im.fails.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// FailNextWrites makes the next n writes fail with ErrInjected without
// touching the image.
func (im *image) FailNextWrites(n int) {
	im.fails.Store(int32(n))
}

// Read copies bytes at off into p.
func (im *image) Read(off uint32, p []byte) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.check(off, len(p)); err != nil {
		return err
	}
	copy(p, im.file.Data()[off:])
	return nil
}

// Size returns the device capacity in bytes.
func (im *image) Size() uint32 {
	return uint32(im.file.Size())
}

// Sync flushes the image to disk.
func (im *image) Sync() error {
	return im.file.Sync()
}

// Close syncs and unmaps the image.
func (im *image) Close() error {
	im.mu.Lock()
	defer im.mu.Unlock()
	if err := im.file.Sync(); err != nil {
		im.file.Close()
		return err
	}
	return im.file.Close()
}

// EEPROM is a byte-writable memory. Write stores bytes directly and Erase
// does nothing.
type EEPROM struct {
	*image
}

// OpenEEPROM maps the image at path, creating it with size erased bytes.
func OpenEEPROM(path string, size int) (*EEPROM, error) {
	im, err := openImage(path, size)
	if err != nil {
		return nil, err
	}
	return &EEPROM{image: im}, nil
}

// Write stores p at off.
func (e *EEPROM) Write(off uint32, p []byte) error {
	if e.injected() {
		return ErrInjected
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(off, len(p)); err != nil {
		return err
	}
	copy(e.file.Data()[off:], p)
	return nil
}

// Erase is a no-op; EEPROM cells are rewritten in place.
func (e *EEPROM) Erase(off, size uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.check(off, int(size))
}

// Flash is a NOR flash: programming can only clear bits, and only a block
// erase sets them again.
type Flash struct {
	*image
	block int
}

// OpenFlash maps the image at path with the given capacity and erase block
// size. size must be a multiple of block.
func OpenFlash(path string, size, block int) (*Flash, error) {
	if block <= 0 || size%block != 0 {
		return nil, fmt.Errorf("flash size %d is not a multiple of erase block %d", size, block)
	}
	im, err := openImage(path, size)
	if err != nil {
		return nil, err
	}
	return &Flash{image: im, block: block}, nil
}

// Write leaves exactly p at off. Every erase block the range touches is
// read, erased and reprogrammed, so bytes outside the range survive.
func (f *Flash) Write(off uint32, p []byte) error {
	if f.injected() {
		return ErrInjected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(off, len(p)); err != nil {
		return err
	}

	mem := f.file.Data()
	first := int(off) / f.block * f.block
	last := (int(off) + len(p) + f.block - 1) / f.block * f.block
	saved := make([]byte, f.block)
	for b := first; b < last; b += f.block {
		blk := mem[b : b+f.block]
		copy(saved, blk)
		fill(blk, ErasedByte)

		// Splice the new bytes into the saved copy, then program.
		lo := max(int(off), b)
		hi := min(int(off)+len(p), b+f.block)
		copy(saved[lo-b:hi-b], p[lo-int(off):hi-int(off)])
		program(blk, saved)
	}
	return nil
}

// Erase sets the range to ErasedByte.
func (f *Flash) Erase(off, size uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(off, int(size)); err != nil {
		return err
	}
	fill(f.file.Data()[off:off+size], ErasedByte)
	return nil
}

// program ANDs src into dst the way a raw NOR program operation does: it
// can only clear bits.
func program(dst, src []byte) {
	for i := range dst {
		dst[i] &= src[i]
	}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
