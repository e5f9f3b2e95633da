package ringbuf

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eunmann/fwlog/pkg/format"
	"github.com/eunmann/fwlog/pkg/mmapfile"
	"github.com/rs/zerolog"
)

func newTestBuffer(t *testing.T, dataSize, threshold int) (*Buffer, []byte) {
	t.Helper()
	region := make([]byte, format.BufferHeaderSize+dataSize)
	b := openTestBuffer(t, region, threshold)
	if res := b.Init(true); res.Warm {
		t.Fatal("forced init reported warm start")
	}
	return b, region
}

func openTestBuffer(t *testing.T, region []byte, threshold int) *Buffer {
	t.Helper()
	nop := zerolog.Nop()
	b, err := New(region, Options{
		FlushThreshold: threshold,
		Now:            func() uint32 { return 1234 },
		Logger:         &nop,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func mustWrite(t *testing.T, b *Buffer, src uint32, params ...uint32) Status {
	t.Helper()
	hdr := format.EncodeRecord(src, 1, format.LevelInfo, uint32(len(params)))
	st, err := b.Write(hdr, params)
	if err != nil {
		t.Fatalf("Write(src=%d, %d params) failed: %v", src, len(params), err)
	}
	return st
}

func TestNewRejectsBadRegion(t *testing.T) {
	if _, err := New(make([]byte, format.BufferHeaderSize), Options{}); !errors.Is(err, ErrRegionSize) {
		t.Errorf("header-only region: got %v, want ErrRegionSize", err)
	}
	if _, err := New(make([]byte, format.BufferHeaderSize+MaxDataSize+4), Options{}); !errors.Is(err, ErrRegionSize) {
		t.Errorf("oversized region: got %v, want ErrRegionSize", err)
	}
	if _, err := New(make([]byte, format.BufferHeaderSize+100), Options{FlushThreshold: 101}); err == nil {
		t.Error("threshold above capacity accepted")
	}
}

func TestDefaultThreshold(t *testing.T) {
	b, err := New(make([]byte, 4096), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if b.DataSize() != 4032 {
		t.Errorf("DataSize = %d, want 4032", b.DataSize())
	}
	if b.Threshold() != 3024 {
		t.Errorf("Threshold = %d, want 3024", b.Threshold())
	}
}

func TestColdStartDeterminism(t *testing.T) {
	region := make([]byte, format.BufferHeaderSize+100)
	for i := range region {
		region[i] = 0xA5
	}

	b := openTestBuffer(t, region, 50)
	b.Init(true)

	h := b.Header()
	if h.WriteOffset != 0 || h.ReadOffset != 0 || h.Overflow {
		t.Errorf("header after cold init = %+v", h)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("Validate after cold init = %v", err)
	}
	for i, c := range region[format.BufferHeaderSize:] {
		if c != 0 {
			t.Fatalf("data byte %d = %#x, want 0", i, c)
		}
	}
}

func TestInitRebuildsGarbageHeader(t *testing.T) {
	region := make([]byte, format.BufferHeaderSize+100)
	for i := range region {
		region[i] = 0x5A
	}

	b := openTestBuffer(t, region, 50)
	res := b.Init(false)
	if res.Warm {
		t.Fatal("garbage header accepted as warm")
	}
	if !errors.Is(res.Reason, format.ErrMagicMismatch) {
		t.Errorf("Reason = %v, want ErrMagicMismatch", res.Reason)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("Validate after rebuild = %v", err)
	}
}

func TestWarmRestartIdempotence(t *testing.T) {
	b, region := newTestBuffer(t, 100, 90)
	mustWrite(t, b, 1, 10, 20)
	mustWrite(t, b, 2)
	b.ClearFlushed(12)
	before := b.Header()

	for i := 0; i < 2; i++ {
		b2 := openTestBuffer(t, region, 90)
		res := b2.Init(false)
		if !res.Warm {
			t.Fatalf("restart %d: not warm, reason %v", i, res.Reason)
		}
		if got := b2.Header(); got != before {
			t.Errorf("restart %d: header = %+v, want %+v", i, got, before)
		}
		if b2.Usage() != 4 {
			t.Errorf("restart %d: usage = %d, want 4", i, b2.Usage())
		}
	}
}

func TestInitDiscardsCorruptHeader(t *testing.T) {
	b, region := newTestBuffer(t, 100, 90)
	mustWrite(t, b, 1, 10, 20)

	region[12] ^= 0x01 // total_written

	b2 := openTestBuffer(t, region, 90)
	res := b2.Init(false)
	if res.Warm {
		t.Fatal("corrupt header accepted")
	}
	if !errors.Is(res.Reason, format.ErrChecksumMismatch) {
		t.Errorf("Reason = %v, want ErrChecksumMismatch", res.Reason)
	}
	if h := b2.Header(); h.WriteOffset != 0 || h.TotalWritten != 0 {
		t.Errorf("header after rebuild = %+v", h)
	}
}

func TestInitRejectsOutOfRangeOffsets(t *testing.T) {
	b, region := newTestBuffer(t, 100, 90)
	mustWrite(t, b, 1)

	// A valid header from a larger region: offsets are fine there but not here.
	h := b.Header()
	h.WriteOffset = 120
	h.Seal()
	format.EncodeBufferHeader(region, h)

	b2 := openTestBuffer(t, region, 90)
	if res := b2.Init(false); res.Warm || !errors.Is(res.Reason, format.ErrBoundsCheck) {
		t.Errorf("Init = %+v, want cold with ErrBoundsCheck", res)
	}
}

func TestChecksumSensitivity(t *testing.T) {
	b, region := newTestBuffer(t, 100, 90)
	mustWrite(t, b, 7, 1, 2, 3)
	b.ClearFlushed(4)

	for i := 0; i < format.BufferHeaderSize-4; i++ {
		for bit := 0; bit < 8; bit++ {
			region[i] ^= 1 << bit
			if err := b.Validate(); err == nil {
				t.Errorf("flip byte %d bit %d: Validate passed", i, bit)
			}
			region[i] ^= 1 << bit
		}
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate after restore = %v", err)
	}
}

func TestUsageMonotonicWithoutOverflow(t *testing.T) {
	b, _ := newTestBuffer(t, 200, 200)

	sum := 0
	for i := 0; i < 10; i++ {
		params := make([]uint32, i%4)
		mustWrite(t, b, uint32(i), params...)
		sum += format.RecordSize(len(params))
		if got := b.Usage(); got != sum {
			t.Fatalf("after write %d: usage = %d, want %d", i, got, sum)
		}
		if got := b.Available(); got != 200-sum {
			t.Fatalf("after write %d: available = %d, want %d", i, got, 200-sum)
		}
	}
	if h := b.Header(); h.Overflow || h.TotalWritten != uint32(sum) {
		t.Errorf("header = %+v", h)
	}
}

func TestOverflowWrap(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 100)

	for i := 0; i < 23; i++ {
		mustWrite(t, b, uint32(i))
	}
	if h := b.Header(); h.WriteOffset != 92 {
		t.Fatalf("write offset = %d, want 92", h.WriteOffset)
	}

	mustWrite(t, b, 99, 0xAAAA, 0xBBBB)

	h := b.Header()
	if !h.Overflow {
		t.Error("overflow flag not set")
	}
	if h.WriteOffset != 12 {
		t.Errorf("write offset = %d, want 12", h.WriteOffset)
	}
	if b.Usage() != 12 {
		t.Errorf("usage = %d, want 12", b.Usage())
	}
	if h.TotalWritten != 104 {
		t.Errorf("total written = %d, want 104", h.TotalWritten)
	}
	if s := b.Stats(); s.OverflowCount != 1 {
		t.Errorf("overflow count = %d, want 1", s.OverflowCount)
	}

	out := make([]byte, 100)
	n := b.Read(out)
	s := format.NewScanner(out[:n])
	if !s.Next() || s.Record().SourceID != 99 || s.Record().Params[1] != 0xBBBB {
		t.Errorf("wrapped record = %+v, err %v", s.Record(), s.Err())
	}
}

func TestRecordTooLarge(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 100)

	params := make([]uint32, 25) // 104 bytes
	hdr := format.EncodeRecord(1, 1, format.LevelError, 25)
	if _, err := b.Write(hdr, params); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("Write = %v, want ErrRecordTooLarge", err)
	}
	if b.Usage() != 0 || b.Header().Overflow {
		t.Error("rejected write changed buffer state")
	}
}

func TestParamMismatch(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 100)

	hdr := format.EncodeRecord(1, 1, format.LevelError, 2)
	if _, err := b.Write(hdr, []uint32{1}); !errors.Is(err, ErrParamMismatch) {
		t.Errorf("Write = %v, want ErrParamMismatch", err)
	}
}

func TestWriteBeforeInit(t *testing.T) {
	b := openTestBuffer(t, make([]byte, format.BufferHeaderSize+100), 50)
	if _, err := b.Write(0, nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Write = %v, want ErrNotInitialized", err)
	}
}

func TestFlushThenClear(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 32)

	var st Status
	writes := 0
	for st != StatusNeedFlush {
		st = mustWrite(t, b, uint32(writes), 1)
		writes++
	}
	if writes != 4 {
		t.Errorf("NeedFlush after %d writes, want 4", writes)
	}
	if !b.NeedFlush() {
		t.Error("NeedFlush() = false")
	}

	usage := b.Usage()
	out := make([]byte, usage)
	if n := b.Read(out); n != usage {
		t.Fatalf("Read = %d, want %d", n, usage)
	}
	b.ClearFlushed(usage)

	h := b.Header()
	if h.ReadOffset != 0 || h.WriteOffset != 0 || h.Overflow {
		t.Errorf("header after clear = %+v", h)
	}
	if h.FlushCount != 1 || h.LastFlushTime != 1234 {
		t.Errorf("flush count/time = %d/%d, want 1/1234", h.FlushCount, h.LastFlushTime)
	}
	if s := b.Stats(); s.FlushTriggers != 1 || s.PeakUsage != 32 {
		t.Errorf("stats = %+v", s)
	}
}

func TestClearFlushedCollapsesOverflow(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 100)
	for i := 0; i < 23; i++ {
		mustWrite(t, b, uint32(i))
	}
	mustWrite(t, b, 99, 1, 2)
	if !b.Header().Overflow {
		t.Fatal("setup: overflow not set")
	}

	b.ClearFlushed(b.Usage())
	if h := b.Header(); h.Overflow || h.WriteOffset != 0 || h.ReadOffset != 0 {
		t.Errorf("header after clear = %+v", h)
	}
}

func TestPartialClearKeepsRemainder(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 100)
	mustWrite(t, b, 1, 1)
	mustWrite(t, b, 2, 2)

	b.ClearFlushed(8)
	h := b.Header()
	if h.ReadOffset != 8 || h.WriteOffset != 16 {
		t.Errorf("offsets = %d/%d, want 8/16", h.ReadOffset, h.WriteOffset)
	}
	out := make([]byte, 16)
	n := b.Read(out)
	s := format.NewScanner(out[:n])
	if !s.Next() || s.Record().SourceID != 2 {
		t.Errorf("remaining record = %+v", s.Record())
	}
}

func TestReadAcrossWrap(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 100)

	for i := 0; i < 20; i++ { // offsets 0..80
		mustWrite(t, b, uint32(i))
	}
	b.ClearFlushed(40) // read offset 40, records 10..19 pending
	for i := 20; i < 25; i++ {
		mustWrite(t, b, uint32(i)) // 80..100, write offset wraps to 0
	}
	mustWrite(t, b, 25, 0xCAFE) // 0..8

	h := b.Header()
	if h.Overflow {
		t.Fatal("exact fit at end of region should not overflow")
	}
	if h.WriteOffset != 8 || h.ReadOffset != 40 {
		t.Fatalf("offsets = w%d r%d, want w8 r40", h.WriteOffset, h.ReadOffset)
	}
	if b.Usage() != 68 {
		t.Fatalf("usage = %d, want 68", b.Usage())
	}

	out := make([]byte, 128)
	n := b.Read(out)
	if n != 68 {
		t.Fatalf("Read = %d, want 68", n)
	}

	s := format.NewScanner(out[:n])
	want := uint16(10)
	for s.Next() {
		if got := s.Record().SourceID; got != want {
			t.Fatalf("record source = %d, want %d", got, want)
		}
		want++
	}
	if s.Err() != nil || want != 26 {
		t.Errorf("scan ended at %d, err %v", want, s.Err())
	}

	// Read is a peek.
	again := make([]byte, 128)
	if n2 := b.Read(again); n2 != n || !bytes.Equal(again[:n2], out[:n]) {
		t.Error("second Read differs from first")
	}
	if b.Usage() != 68 {
		t.Error("Read changed usage")
	}
}

func TestReadBounded(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 100)
	mustWrite(t, b, 1, 1, 2, 3)

	out := make([]byte, 6)
	if n := b.Read(out); n != 6 {
		t.Errorf("Read = %d, want 6", n)
	}
	if n := b.Read(nil); n != 0 {
		t.Errorf("Read(nil) = %d, want 0", n)
	}
}

func TestWrapDoesNotFillToReadOffset(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 100)
	for i := 0; i < 11; i++ {
		mustWrite(t, b, uint32(i))
	}
	b.ClearFlushed(40)
	for i := 11; i < 25; i++ {
		mustWrite(t, b, uint32(i)) // up to 100, wraps write offset to 0
	}
	for i := 25; i < 34; i++ {
		mustWrite(t, b, uint32(i)) // 0..36
	}
	if b.Header().Overflow {
		t.Fatal("unexpected overflow before ring is full")
	}

	// 36 + 4 would land on the read offset; that write must wrap instead.
	mustWrite(t, b, 34)
	h := b.Header()
	if !h.Overflow || h.WriteOffset != 4 {
		t.Errorf("header = %+v, want overflow with write offset 4", h)
	}
}

// wrapAt fills a 100-byte buffer to write offset 92 with the read offset
// at r, ready for a 12-byte record to overflow.
func wrapAt(t *testing.T, r int) *Buffer {
	t.Helper()
	b, _ := newTestBuffer(t, 100, 100)
	for i := 0; i < 22; i++ {
		mustWrite(t, b, uint32(i))
	}
	b.ClearFlushed(r)
	mustWrite(t, b, 22)
	if h := b.Header(); h.WriteOffset != 92 || int(h.ReadOffset) != r || h.Overflow {
		t.Fatalf("setup header = %+v", h)
	}
	return b
}

func TestOverflowOntoReadOffsetKeepsNewest(t *testing.T) {
	for _, r := range []int{12, 8, 4} {
		b := wrapAt(t, r)

		if st := mustWrite(t, b, 99, 0xAAAA, 0xBBBB); st != StatusOK {
			t.Errorf("r=%d: status = %v", r, st)
		}
		h := b.Header()
		if !h.Overflow || h.WriteOffset != 12 || h.ReadOffset != 0 {
			t.Errorf("r=%d: header = %+v, want overflow, write 12, read 0", r, h)
		}
		if b.Usage() != 12 {
			t.Errorf("r=%d: usage = %d, want 12", r, b.Usage())
		}

		out := make([]byte, 100)
		s := format.NewScanner(out[:b.Read(out)])
		if !s.Next() || s.Record().SourceID != 99 || s.Record().Params[0] != 0xAAAA {
			t.Errorf("r=%d: newest record = %+v, err %v", r, s.Record(), s.Err())
		}
		if s.Next() {
			t.Errorf("r=%d: unexpected second record %+v", r, s.Record())
		}
	}
}

func TestOverflowBeforeReadOffsetKeepsTail(t *testing.T) {
	b := wrapAt(t, 16)
	mustWrite(t, b, 99, 0xAAAA, 0xBBBB)

	h := b.Header()
	if !h.Overflow || h.WriteOffset != 12 || h.ReadOffset != 16 {
		t.Errorf("header = %+v, want overflow, write 12, read 16", h)
	}
	if b.Usage() != 96 {
		t.Errorf("usage = %d, want 96", b.Usage())
	}
}

func TestRecordFillingRegionRejected(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 100)

	params := make([]uint32, 24) // exactly 100 bytes
	hdr := format.EncodeRecord(1, 1, format.LevelError, 24)
	if _, err := b.Write(hdr, params); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("Write = %v, want ErrRecordTooLarge", err)
	}
}

func TestClearAllKeepsCounters(t *testing.T) {
	b, region := newTestBuffer(t, 100, 100)
	mustWrite(t, b, 1, 1, 2)
	b.ClearFlushed(4)

	b.ClearAll()

	h := b.Header()
	if h.WriteOffset != 0 || h.ReadOffset != 0 || h.Overflow {
		t.Errorf("offsets after ClearAll = %+v", h)
	}
	if h.TotalWritten != 12 || h.FlushCount != 1 {
		t.Errorf("counters after ClearAll = %+v", h)
	}
	for i, c := range region[format.BufferHeaderSize:] {
		if c != 0 {
			t.Fatalf("data byte %d = %#x after ClearAll", i, c)
		}
	}
	if err := b.Validate(); err != nil {
		t.Errorf("Validate = %v", err)
	}
}

func TestResetStats(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 100)
	mustWrite(t, b, 1)
	if b.Stats().WriteCalls != 1 {
		t.Fatal("write not counted")
	}
	b.ResetStats()
	if b.Stats() != (Stats{}) {
		t.Errorf("stats after reset = %+v", b.Stats())
	}
}

func TestDump(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 100)
	mustWrite(t, b, 0xABC, 0x11223344)

	var out strings.Builder
	if err := b.Dump(&out); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"Magic:         0x574C4F47 (VALID)",
		"Write Offset:  8",
		"8/100 B (8.0%)",
		"0000: 06 01 C0 AB 44 33 22 11",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("dump missing %q:\n%s", want, text)
		}
	}
}

func TestWarmRestartFromMappedRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlm.bin")

	m, err := mmapfile.Open(path, format.BufferHeaderSize+256, 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	b := openTestBuffer(t, m.Data(), 200)
	b.Init(false)
	mustWrite(t, b, 3, 1, 2, 3)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m, err = mmapfile.Open(path, format.BufferHeaderSize+256, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m.Close()

	b = openTestBuffer(t, m.Data(), 200)
	if res := b.Init(false); !res.Warm {
		t.Fatalf("restart not warm: %v", res.Reason)
	}
	if b.Usage() != 16 {
		t.Errorf("usage after restart = %d, want 16", b.Usage())
	}
}
