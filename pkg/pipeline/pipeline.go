// Package pipeline joins the record codec, the ring buffer and the flusher
// into the single call application code makes per log event.
package pipeline

import (
	"context"

	"github.com/eunmann/fwlog/internal/logctx"
	"github.com/eunmann/fwlog/pkg/flush"
	"github.com/eunmann/fwlog/pkg/format"
	"github.com/eunmann/fwlog/pkg/ringbuf"
)

// Outcome reports what one Emit did besides storing the record.
type Outcome struct {
	Status ringbuf.Status
	// Dropped is the number of trailing parameters cut to fit MaxParams.
	Dropped int
	// Flushed is the number of bytes a triggered flush persisted.
	Flushed int
	// FlushErr is the error of a triggered flush. The record itself was
	// stored and stays buffered for the next attempt.
	FlushErr error
}

// Pipeline appends records and flushes synchronously when the buffer
// crosses its threshold.
type Pipeline struct {
	buf     *ringbuf.Buffer
	flusher *flush.Flusher
}

// New returns a Pipeline. flusher may be nil, in which case NeedFlush is
// reported but nothing is persisted.
func New(buf *ringbuf.Buffer, flusher *flush.Flusher) *Pipeline {
	return &Pipeline{buf: buf, flusher: flusher}
}

// Emit encodes and appends one record. Parameters beyond format.MaxParams
// are dropped; source and line are truncated to their field widths.
//
// An error means the record was not stored. A failed flush is not an
// error: it is reported in Outcome.FlushErr.
func (p *Pipeline) Emit(ctx context.Context, source, line uint32, level format.Level, params ...uint32) (Outcome, error) {
	var out Outcome
	if len(params) > format.MaxParams {
		out.Dropped = len(params) - format.MaxParams
		params = params[:format.MaxParams]
	}

	hdr := format.EncodeRecord(source, line, level, uint32(len(params)))
	st, err := p.buf.Write(hdr, params)
	if err != nil {
		return out, err
	}
	out.Status = st

	if st != ringbuf.StatusNeedFlush || p.flusher == nil {
		return out, nil
	}

	res, err := p.flusher.Flush(ctx)
	if err != nil {
		log := logctx.FromContext(ctx)
		log.Warn().Err(err).
			Int("usage", p.buf.Usage()).
			Int("threshold", p.buf.Threshold()).
			Msg("triggered flush failed, records kept in buffer")
		out.FlushErr = err
		return out, nil
	}
	out.Flushed = res.Bytes
	return out, nil
}

// Flush drains the buffer regardless of the threshold.
func (p *Pipeline) Flush(ctx context.Context) (int, error) {
	if p.flusher == nil {
		return 0, nil
	}
	return p.flusher.Drain(ctx)
}

// Buffer returns the underlying ring buffer.
func (p *Pipeline) Buffer() *ringbuf.Buffer {
	return p.buf
}
