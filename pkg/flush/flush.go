// Package flush moves pending log bytes from the ring buffer to the log
// partition.
//
// A flush reads without consuming, writes at the partition cursor, and only
// then acknowledges the bytes to the buffer, so a failed write loses
// nothing. The cursor wraps to the start of the partition when the next
// batch would run past its end; the partition is erased at that point.
package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eunmann/fwlog/internal/logctx"
	"github.com/eunmann/fwlog/pkg/format"
	"github.com/eunmann/fwlog/pkg/logging"
)

// ErrCursorRange indicates a starting cursor past the end of the partition.
var ErrCursorRange = errors.New("cursor outside log partition")

// Source is the buffer side of a flush.
type Source interface {
	Usage() int
	Read(dst []byte) int
	ClearFlushed(n int)
}

// Sink is the storage side of a flush.
type Sink interface {
	Write(ctx context.Context, offset uint32, data []byte) error
	Erase(offset, size uint32) error
	PartitionInfo() (format.PartitionEntry, error)
}

// Options configures a Flusher.
type Options struct {
	// Cursor is the partition offset of the next write, for platforms that
	// persist it across restarts.
	Cursor uint32
	// Batch caps the bytes moved per flush. Zero moves everything pending.
	Batch int
}

// Result describes one completed flush.
type Result struct {
	Bytes   int
	Offset  uint32
	Wrapped bool
}

// Flusher drains a Source into a Sink.
type Flusher struct {
	mu     sync.Mutex
	src    Source
	sink   Sink
	cursor uint32
	batch  int
	seq    uint32
}

// NewFlusher returns a Flusher starting at opts.Cursor.
func NewFlusher(src Source, sink Sink, opts Options) *Flusher {
	batch := opts.Batch
	if batch < 0 {
		batch = 0
	}
	return &Flusher{src: src, sink: sink, cursor: opts.Cursor, batch: batch}
}

// Cursor returns the partition offset the next flush writes to.
func (f *Flusher) Cursor() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// Flush moves one batch. With nothing pending it returns a zero Result and
// does not touch storage. On error the buffer and cursor are unchanged.
func (f *Flusher) Flush(ctx context.Context) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending := f.src.Usage()
	if pending == 0 {
		return Result{}, nil
	}

	f.seq++
	ctx = logctx.WithUint32(ctx, "flush_seq", f.seq)
	log := logctx.FromContext(ctx)
	start := time.Now()

	part, err := f.sink.PartitionInfo()
	if err != nil {
		logging.FlushFailed(log, time.Since(start)).
			Str("error", err.Error()).
			Int("pending", pending).
			Log("flush skipped, storage unavailable")
		return Result{}, err
	}
	ctx = logctx.WithHex(ctx, "partition", part.Offset)
	log = logctx.FromContext(ctx)
	if f.cursor > part.Size {
		return Result{}, fmt.Errorf("%w: %#x > %#x", ErrCursorRange, f.cursor, part.Size)
	}

	n := pending
	if f.batch > 0 {
		n = min(n, f.batch)
	}
	n = min(n, int(part.Size))

	data := make([]byte, n)
	n = f.src.Read(data)
	data = data[:n]

	res := Result{Bytes: n, Offset: f.cursor}
	if uint64(f.cursor)+uint64(n) > uint64(part.Size) {
		if err := f.sink.Erase(0, part.Size); err != nil {
			logging.FlushFailed(log, time.Since(start)).
				Str("error", err.Error()).
				Str("stage", "erase").
				Log("flush failed")
			return Result{}, err
		}
		res.Offset = 0
		res.Wrapped = true
	}

	if err := f.sink.Write(ctx, res.Offset, data); err != nil {
		logging.FlushFailed(log, time.Since(start)).
			Str("error", err.Error()).
			Hex("offset", res.Offset).
			Int("size", n).
			Log("flush failed, buffer retained")
		return Result{}, err
	}

	f.src.ClearFlushed(n)
	f.cursor = res.Offset + uint32(n)

	logging.FlushCompleted(log, time.Since(start)).
		Bytes("bytes", int64(n)).
		Hex("offset", res.Offset).
		Hex("cursor", f.cursor).
		Bool("wrapped", res.Wrapped).
		Int("remaining", f.src.Usage()).
		Log("flush completed")
	return res, nil
}

// Drain flushes until the source is empty or a flush fails.
func (f *Flusher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := f.Flush(ctx)
		if err != nil {
			return total, err
		}
		if res.Bytes == 0 {
			return total, nil
		}
		total += res.Bytes
	}
}
