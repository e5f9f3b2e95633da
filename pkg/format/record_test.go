package format

import (
	"errors"
	"testing"
)

func TestScannerWalksRecords(t *testing.T) {
	var stream []byte
	stream = AppendRecord(stream, EncodeRecord(1, 10, LevelInfo, 0), nil)
	stream = AppendRecord(stream, EncodeRecord(2, 20, LevelError, 2), []uint32{7, 8})
	stream = AppendRecord(stream, EncodeRecord(3, 30, LevelDebug, 1), []uint32{0xDEADBEEF})

	s := NewScanner(stream)
	var got []Record
	for s.Next() {
		got = append(got, s.Record())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("records = %d, want 3", len(got))
	}
	if got[1].SourceID != 2 || got[1].Line != 20 || len(got[1].Params) != 2 || got[1].Params[1] != 8 {
		t.Errorf("record 1 = %+v", got[1])
	}
	if got[2].Params[0] != 0xDEADBEEF {
		t.Errorf("record 2 param = %#x", got[2].Params[0])
	}
	if s.Offset() != len(stream) {
		t.Errorf("Offset = %d, want %d", s.Offset(), len(stream))
	}
}

func TestScannerTruncated(t *testing.T) {
	stream := AppendRecord(nil, EncodeRecord(1, 1, LevelWarn, 3), []uint32{1})

	s := NewScanner(stream)
	if s.Next() {
		t.Fatal("Next succeeded on truncated record")
	}
	if !errors.Is(s.Err(), ErrTruncatedRecord) {
		t.Errorf("Err = %v, want ErrTruncatedRecord", s.Err())
	}
}

func TestScannerStopsAtErasedFlash(t *testing.T) {
	stream := AppendRecord(nil, EncodeRecord(9, 9, LevelInfo, 0), nil)
	stream = append(stream, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)

	s := NewScanner(stream)
	n := 0
	for s.Next() {
		n++
	}
	if n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
	if s.Err() != nil {
		t.Errorf("Err = %v, want nil", s.Err())
	}
}
