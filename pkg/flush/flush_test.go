package flush

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/eunmann/fwlog/internal/logctx"
	"github.com/eunmann/fwlog/pkg/format"
	"github.com/eunmann/fwlog/pkg/ringbuf"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Write(ctx context.Context, offset uint32, data []byte) error {
	// Copy so assertions see the bytes as they were at call time.
	return m.Called(offset, append([]byte(nil), data...)).Error(0)
}

func (m *mockSink) Erase(offset, size uint32) error {
	return m.Called(offset, size).Error(0)
}

func (m *mockSink) PartitionInfo() (format.PartitionEntry, error) {
	args := m.Called()
	return args.Get(0).(format.PartitionEntry), args.Error(1)
}

func testCtx() context.Context {
	return logctx.WithLogger(context.Background(), zerolog.Nop())
}

func newBuffer(t *testing.T, dataSize int) *ringbuf.Buffer {
	t.Helper()
	nop := zerolog.Nop()
	b, err := ringbuf.New(make([]byte, format.BufferHeaderSize+dataSize), ringbuf.Options{Logger: &nop})
	require.NoError(t, err)
	b.Init(true)
	return b
}

// fill writes n single-parameter records (8 bytes each) and returns the
// expected pending bytes.
func fill(t *testing.T, b *ringbuf.Buffer, n int) []byte {
	t.Helper()
	var want []byte
	for i := 0; i < n; i++ {
		hdr := format.EncodeRecord(uint32(i), 10, format.LevelWarn, 1)
		_, err := b.Write(hdr, []uint32{uint32(i)})
		require.NoError(t, err)
		want = format.AppendRecord(want, hdr, []uint32{uint32(i)})
	}
	return want
}

func partition(size uint32) format.PartitionEntry {
	return format.PartitionEntry{Offset: 0x1A00, Size: size, Type: format.PartitionTypeLog}
}

func TestFlushEmptyTouchesNothing(t *testing.T) {
	sink := &mockSink{}
	f := NewFlusher(newBuffer(t, 256), sink, Options{})

	res, err := f.Flush(testCtx())
	require.NoError(t, err)
	assert.Zero(t, res.Bytes)
	sink.AssertNotCalled(t, "PartitionInfo")
	sink.AssertNotCalled(t, "Write", mock.Anything, mock.Anything)
}

func TestFlushWritesAndClears(t *testing.T) {
	b := newBuffer(t, 256)
	want := fill(t, b, 4)

	sink := &mockSink{}
	sink.On("PartitionInfo").Return(partition(0x1000), nil)
	sink.On("Write", uint32(0x40), want).Return(nil).Once()

	f := NewFlusher(b, sink, Options{Cursor: 0x40})
	res, err := f.Flush(testCtx())
	require.NoError(t, err)

	assert.Equal(t, Result{Bytes: 32, Offset: 0x40}, res)
	assert.Equal(t, uint32(0x60), f.Cursor())
	assert.Zero(t, b.Usage())
	assert.Equal(t, uint32(1), b.Header().FlushCount)
	sink.AssertExpectations(t)
}

func TestFlushLogsCarryPartition(t *testing.T) {
	b := newBuffer(t, 256)
	want := fill(t, b, 2)

	sink := &mockSink{}
	sink.On("PartitionInfo").Return(partition(0x1000), nil)
	sink.On("Write", uint32(0), want).Return(nil).Once()

	var buf bytes.Buffer
	ctx := logctx.WithLogger(context.Background(), zerolog.New(&buf))
	_, err := NewFlusher(b, sink, Options{}).Flush(ctx)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"partition":"0x001a00"`)
	assert.Contains(t, out, `"flush_seq":1`)
	assert.Contains(t, out, `"event":"flush_completed"`)
}

func TestFlushFailureRetainsBuffer(t *testing.T) {
	b := newBuffer(t, 256)
	fill(t, b, 3)
	before := b.Header()

	sink := &mockSink{}
	sink.On("PartitionInfo").Return(partition(0x1000), nil)
	sink.On("Write", mock.Anything, mock.Anything).Return(errors.New("write failed after 4 attempts"))

	f := NewFlusher(b, sink, Options{Cursor: 8})
	_, err := f.Flush(testCtx())
	require.Error(t, err)

	assert.Equal(t, before, b.Header())
	assert.Equal(t, 24, b.Usage())
	assert.Equal(t, uint32(8), f.Cursor())
}

func TestFlushStorageUnavailable(t *testing.T) {
	b := newBuffer(t, 256)
	fill(t, b, 1)

	unavailable := errors.New("storage not initialized")
	sink := &mockSink{}
	sink.On("PartitionInfo").Return(format.PartitionEntry{}, unavailable)

	f := NewFlusher(b, sink, Options{})
	_, err := f.Flush(testCtx())
	assert.ErrorIs(t, err, unavailable)
	assert.Equal(t, 8, b.Usage())
	sink.AssertNotCalled(t, "Write", mock.Anything, mock.Anything)
}

func TestFlushBatchLimit(t *testing.T) {
	b := newBuffer(t, 256)
	want := fill(t, b, 4)

	sink := &mockSink{}
	sink.On("PartitionInfo").Return(partition(0x1000), nil)
	sink.On("Write", uint32(0), want[:16]).Return(nil).Once()
	sink.On("Write", uint32(16), want[16:]).Return(nil).Once()

	f := NewFlusher(b, sink, Options{Batch: 16})
	res, err := f.Flush(testCtx())
	require.NoError(t, err)
	assert.Equal(t, 16, res.Bytes)
	assert.Equal(t, 16, b.Usage())

	total, err := f.Drain(testCtx())
	require.NoError(t, err)
	assert.Equal(t, 16, total)
	assert.Zero(t, b.Usage())
	sink.AssertExpectations(t)
}

func TestFlushWrapsCursor(t *testing.T) {
	b := newBuffer(t, 256)
	want := fill(t, b, 2)

	sink := &mockSink{}
	sink.On("PartitionInfo").Return(partition(64), nil)
	sink.On("Erase", uint32(0), uint32(64)).Return(nil).Once()
	sink.On("Write", uint32(0), want).Return(nil).Once()

	f := NewFlusher(b, sink, Options{Cursor: 56})
	res, err := f.Flush(testCtx())
	require.NoError(t, err)

	assert.True(t, res.Wrapped)
	assert.Equal(t, uint32(0), res.Offset)
	assert.Equal(t, uint32(16), f.Cursor())
	sink.AssertExpectations(t)
}

func TestFlushEraseFailure(t *testing.T) {
	b := newBuffer(t, 256)
	fill(t, b, 2)

	sink := &mockSink{}
	sink.On("PartitionInfo").Return(partition(64), nil)
	sink.On("Erase", mock.Anything, mock.Anything).Return(errors.New("erase timeout"))

	f := NewFlusher(b, sink, Options{Cursor: 60})
	_, err := f.Flush(testCtx())
	require.Error(t, err)
	assert.Equal(t, 16, b.Usage())
	assert.Equal(t, uint32(60), f.Cursor())
	sink.AssertNotCalled(t, "Write", mock.Anything, mock.Anything)
}

func TestFlushRejectsCursorPastPartition(t *testing.T) {
	b := newBuffer(t, 256)
	fill(t, b, 1)

	sink := &mockSink{}
	sink.On("PartitionInfo").Return(partition(64), nil)

	f := NewFlusher(b, sink, Options{Cursor: 65})
	_, err := f.Flush(testCtx())
	assert.ErrorIs(t, err, ErrCursorRange)
}

func TestDrainStopsOnCanceledContext(t *testing.T) {
	b := newBuffer(t, 256)
	fill(t, b, 2)

	ctx, cancel := context.WithCancel(testCtx())
	cancel()

	f := NewFlusher(b, &mockSink{}, Options{})
	total, err := f.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, total)
}
