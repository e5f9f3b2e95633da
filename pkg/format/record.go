package format

import (
	"encoding/binary"
	"fmt"
)

// Record is one decoded log event.
type Record struct {
	RecordHeader
	Params []uint32
}

// AppendRecord appends the wire form of header followed by params to dst.
func AppendRecord(dst []byte, header uint32, params []uint32) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, header)
	for _, p := range params {
		dst = binary.LittleEndian.AppendUint32(dst, p)
	}
	return dst
}

// Scanner walks a byte stream of concatenated records. The header's
// parameter count is the only framing, so a corrupt header desynchronizes
// everything after it.
//
// A header word equal to ErasedWord ends the stream without error, which
// lets a scan run over a partially written flash partition.
type Scanner struct {
	data []byte
	off  int
	rec  Record
	err  error
}

// NewScanner returns a Scanner over data.
func NewScanner(data []byte) *Scanner {
	return &Scanner{data: data}
}

// Next advances to the next record. It returns false at the end of the
// stream or on error; check Err to tell them apart.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	remaining := len(s.data) - s.off
	if remaining < WordSize {
		return false
	}

	word := binary.LittleEndian.Uint32(s.data[s.off:])
	if word == ErasedWord {
		return false
	}

	hdr := DecodeRecord(word)
	size := hdr.Size()
	if size > remaining {
		s.err = fmt.Errorf("%w: at offset %d need %d bytes, have %d",
			ErrTruncatedRecord, s.off, size, remaining)
		return false
	}

	params := make([]uint32, hdr.ParamCount)
	for i := range params {
		params[i] = binary.LittleEndian.Uint32(s.data[s.off+WordSize*(i+1):])
	}

	s.rec = Record{RecordHeader: hdr, Params: params}
	s.off += size
	return true
}

// Record returns the record produced by the last successful Next.
func (s *Scanner) Record() Record {
	return s.rec
}

// Offset returns the byte offset of the next unread record.
func (s *Scanner) Offset() int {
	return s.off
}

// Err returns the first framing error encountered.
func (s *Scanner) Err() error {
	return s.err
}
