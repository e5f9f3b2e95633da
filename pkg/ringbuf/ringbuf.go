// Package ringbuf implements the circular log buffer: a byte ring with a
// persistent 64-byte header, living in a caller-supplied memory region.
//
// The region is typically memory that survives a warm restart (on the host,
// a MAP_SHARED file from pkg/mmapfile). Init decides whether the existing
// contents are trustworthy; every mutating call rewrites the header and its
// checksum before returning.
//
// Thread Safety: all methods are safe for concurrent use. Each call holds
// the buffer's mutex for its whole read-modify-write of data and header.
package ringbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eunmann/fwlog/pkg/format"
	"github.com/eunmann/fwlog/pkg/logging"
	"github.com/rs/zerolog"
)

var (
	// ErrRecordTooLarge indicates a record at least as large as the data region.
	ErrRecordTooLarge = errors.New("record larger than buffer")
	// ErrParamMismatch indicates a header whose parameter count differs from
	// the number of parameter words supplied.
	ErrParamMismatch = errors.New("header parameter count mismatch")
	// ErrNotInitialized indicates use of the buffer before Init.
	ErrNotInitialized = errors.New("buffer not initialized")
	// ErrRegionSize indicates a backing region of unusable size.
	ErrRegionSize = errors.New("invalid region size")
)

// MaxDataSize is the largest data region addressable by the header's
// 16-bit offsets.
const MaxDataSize = 1 << 16

// Status is the non-error outcome of Write.
type Status int

const (
	// StatusOK means the record was stored and usage is below the threshold.
	StatusOK Status = iota
	// StatusNeedFlush means usage reached the flush threshold.
	StatusNeedFlush
)

func (s Status) String() string {
	if s == StatusNeedFlush {
		return "need_flush"
	}
	return "ok"
}

// Options configures a Buffer.
type Options struct {
	// FlushThreshold is the usage in bytes at which Write reports
	// StatusNeedFlush. Zero selects three quarters of the data region.
	FlushThreshold int
	// Now returns the timestamp stamped into the header on ClearFlushed.
	// Defaults to Unix seconds.
	Now func() uint32
	// Logger receives init diagnostics. Defaults to the package logger.
	Logger *zerolog.Logger
}

// InitResult reports what Init found in the region.
type InitResult struct {
	// Warm is true when the existing header was valid and kept.
	Warm bool
	// Reason is why the header was rebuilt; nil on a warm start or forced clear.
	Reason error
}

// Buffer is a circular log buffer over a fixed region.
type Buffer struct {
	mu sync.Mutex

	raw       []byte // header bytes as stored in the region
	data      []byte
	hdr       format.BufferHeader
	threshold int
	now       func() uint32
	log       zerolog.Logger
	ready     bool

	stats Stats
}

// New binds a Buffer to region. The first format.BufferHeaderSize bytes
// hold the header and the rest is the data region. New does not read or
// modify region; call Init before use.
func New(region []byte, opts Options) (*Buffer, error) {
	dataSize := len(region) - format.BufferHeaderSize
	if dataSize < format.WordSize || dataSize > MaxDataSize {
		return nil, fmt.Errorf("%w: %d bytes of data (region %d)", ErrRegionSize, dataSize, len(region))
	}

	threshold := opts.FlushThreshold
	if threshold == 0 {
		threshold = dataSize * 3 / 4
	}
	if threshold <= 0 || threshold > dataSize {
		return nil, fmt.Errorf("flush threshold %d outside (0, %d]", threshold, dataSize)
	}

	now := opts.Now
	if now == nil {
		now = func() uint32 { return uint32(time.Now().Unix()) }
	}

	log := logging.WithComponent("ringbuf")
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Buffer{
		raw:       region[:format.BufferHeaderSize:format.BufferHeaderSize],
		data:      region[format.BufferHeaderSize:],
		threshold: threshold,
		now:       now,
		log:       log,
	}, nil
}

// Init validates the stored header. When forceClear is set, or the header
// fails any check, the header is rebuilt and the data region zeroed.
// Otherwise offsets and counters are preserved. Statistics are reset either
// way.
func (b *Buffer) Init(forceClear bool) InitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res InitResult
	if !forceClear {
		res.Reason = format.ValidateBufferHeader(b.raw, len(b.data))
		res.Warm = res.Reason == nil
	}

	if res.Warm {
		b.hdr, _ = format.DecodeBufferHeader(b.raw)
	} else {
		b.hdr = format.NewBufferHeader()
		clear(b.data)
		b.commit()
	}
	b.stats = Stats{}
	b.ready = true

	ev := logging.BufferInitialized(b.log).
		Usage(b.usage(), len(b.data)).
		Int("write_offset", int(b.hdr.WriteOffset)).
		Int("read_offset", int(b.hdr.ReadOffset)).
		Uint32("total_written", b.hdr.TotalWritten).
		Uint32("flush_count", b.hdr.FlushCount)
	switch {
	case res.Warm:
		ev.Str("start", "warm").LogDebug("buffer state preserved")
	case forceClear:
		ev.Str("start", "cold").LogDebug("buffer cleared")
	default:
		ev.Str("start", "cold").Str("reason", res.Reason.Error()).LogDebug("buffer header invalid, reinitialized")
	}
	return res
}

// Write appends one record: the header word followed by params. The
// header's parameter count must equal len(params).
//
// When the record does not fit in the space ahead of the write offset, the
// overflow flag is set and writing restarts at offset 0, overwriting
// whatever is there, flushed or not.
func (b *Buffer) Write(header uint32, params []uint32) (Status, error) {
	if n := format.DecodeRecord(header).ParamCount; int(n) != len(params) {
		return StatusOK, fmt.Errorf("%w: header says %d, got %d", ErrParamMismatch, n, len(params))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return StatusOK, ErrNotInitialized
	}

	required := format.RecordSize(len(params))
	size := len(b.data)
	// A record filling the whole region would leave the write offset on
	// the read offset and read back as empty.
	if required >= size {
		return StatusOK, fmt.Errorf("%w: %d >= %d bytes", ErrRecordTooLarge, required, size)
	}

	w := int(b.hdr.WriteOffset)
	if r := int(b.hdr.ReadOffset); !b.fits(w, r, required) {
		b.hdr.Overflow = true
		w = 0
		b.stats.OverflowCount++
		// The wrapped record covers the read offset: everything unread
		// is gone, so reading restarts at the new record.
		if r > 0 && required >= r {
			b.hdr.ReadOffset = 0
		}
	}

	binary.LittleEndian.PutUint32(b.data[w:], header)
	for i, p := range params {
		binary.LittleEndian.PutUint32(b.data[w+format.WordSize*(i+1):], p)
	}

	b.hdr.WriteOffset = uint16((w + required) % size)
	b.hdr.TotalWritten += uint32(required)
	b.commit()

	usage := b.usage()
	b.stats.WriteCalls++
	b.stats.WriteBytes += uint32(required)
	b.stats.PeakUsage = max(b.stats.PeakUsage, usage)

	if usage >= b.threshold {
		b.stats.FlushTriggers++
		return StatusNeedFlush, nil
	}
	return StatusOK, nil
}

// fits reports whether n bytes can be written at w without wrapping and
// without the write offset reaching the read offset, which would make a
// full ring read as empty.
func (b *Buffer) fits(w, r, n int) bool {
	if w < r {
		return w+n < r
	}
	end := w + n
	if end < len(b.data) {
		return true
	}
	return end == len(b.data) && r > 0
}

// Read copies up to len(dst) pending bytes, starting at the read offset,
// into dst and returns the count. It does not consume them; call
// ClearFlushed once the bytes are persisted.
func (b *Buffer) Read(dst []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(b.usage(), len(dst))
	if n == 0 {
		return 0
	}

	r := int(b.hdr.ReadOffset)
	first := copy(dst[:n], b.data[r:])
	if first < n {
		copy(dst[first:n], b.data)
	}
	return n
}

// ClearFlushed advances the read offset by n bytes after they were
// persisted. When the read offset catches the write offset both reset to
// zero and the overflow flag clears. The flush count and last flush time
// are updated.
func (b *Buffer) ClearFlushed(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return
	}
	n = max(n, 0)
	b.hdr.ReadOffset = uint16((int(b.hdr.ReadOffset) + n) % len(b.data))
	if b.hdr.ReadOffset == b.hdr.WriteOffset {
		b.hdr.ReadOffset = 0
		b.hdr.WriteOffset = 0
		b.hdr.Overflow = false
	}
	b.hdr.FlushCount++
	b.hdr.LastFlushTime = b.now()
	b.commit()
}

// ClearAll discards all pending data and zeroes the data region. The
// cumulative counters in the header are kept.
func (b *Buffer) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return
	}
	b.hdr.WriteOffset = 0
	b.hdr.ReadOffset = 0
	b.hdr.Overflow = false
	b.commit()
	clear(b.data)
}

// Usage returns the number of pending bytes.
func (b *Buffer) Usage() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage()
}

// Available returns the free space in bytes.
func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.usage()
}

// NeedFlush reports whether usage has reached the flush threshold.
func (b *Buffer) NeedFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage() >= b.threshold
}

func (b *Buffer) usage() int {
	w, r := int(b.hdr.WriteOffset), int(b.hdr.ReadOffset)
	if w >= r {
		return w - r
	}
	return len(b.data) - r + w
}

// Validate re-runs the Init checks against the header as stored in the
// region without changing anything.
func (b *Buffer) Validate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return format.ValidateBufferHeader(b.raw, len(b.data))
}

// Header returns a copy of the current header.
func (b *Buffer) Header() format.BufferHeader {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hdr
}

// DataSize returns the capacity of the data region.
func (b *Buffer) DataSize() int {
	return len(b.data)
}

// Threshold returns the configured flush threshold.
func (b *Buffer) Threshold() int {
	return b.threshold
}

// commit reseals the header and writes it to the region.
func (b *Buffer) commit() {
	b.hdr.Seal()
	format.EncodeBufferHeader(b.raw, b.hdr)
}
