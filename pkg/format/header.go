package format

import "encoding/binary"

const (
	// BufferMagic identifies an initialized ring-buffer header ("WLOG").
	BufferMagic uint32 = 0x574C4F47
	// BufferVersion is the current header layout version.
	BufferVersion uint32 = 0x00020000

	// BufferHeaderSize is the fixed size of the header region.
	BufferHeaderSize = 64
	// checksumOffset is where the trailing checksum word starts; every
	// byte before it is covered by the checksum.
	checksumOffset = BufferHeaderSize - 4
)

// BufferHeader is the persistent state of the ring buffer.
//
// Layout (64 bytes):
//
//	0  magic           u32
//	4  version         u32
//	8  write offset    u16
//	10 read offset     u16
//	12 total written   u32
//	16 flush count     u32
//	20 last flush time u32
//	24 overflow flag   u8
//	25 reserved        35 bytes, zero
//	60 checksum        u32
type BufferHeader struct {
	Magic         uint32
	Version       uint32
	WriteOffset   uint16
	ReadOffset    uint16
	TotalWritten  uint32
	FlushCount    uint32
	LastFlushTime uint32
	Overflow      bool
	Checksum      uint32
}

// NewBufferHeader returns a zeroed header stamped with the current magic
// and version and a matching checksum.
func NewBufferHeader() BufferHeader {
	h := BufferHeader{Magic: BufferMagic, Version: BufferVersion}
	h.Seal()
	return h
}

// EncodeBufferHeader writes h into buf, which must be at least
// BufferHeaderSize bytes. The stored checksum is h.Checksum as given.
func EncodeBufferHeader(buf []byte, h BufferHeader) {
	body := h.encodeBody()
	copy(buf[:checksumOffset], body[:])
	binary.LittleEndian.PutUint32(buf[checksumOffset:], h.Checksum)
}

// DecodeBufferHeader reads a header from buf.
func DecodeBufferHeader(buf []byte) (BufferHeader, error) {
	if len(buf) < BufferHeaderSize {
		return BufferHeader{}, ErrInvalidHeader
	}
	return BufferHeader{
		Magic:         binary.LittleEndian.Uint32(buf[0:4]),
		Version:       binary.LittleEndian.Uint32(buf[4:8]),
		WriteOffset:   binary.LittleEndian.Uint16(buf[8:10]),
		ReadOffset:    binary.LittleEndian.Uint16(buf[10:12]),
		TotalWritten:  binary.LittleEndian.Uint32(buf[12:16]),
		FlushCount:    binary.LittleEndian.Uint32(buf[16:20]),
		LastFlushTime: binary.LittleEndian.Uint32(buf[20:24]),
		Overflow:      buf[24] != 0,
		Checksum:      binary.LittleEndian.Uint32(buf[checksumOffset:]),
	}, nil
}

// Seal recomputes the checksum over the header body.
func (h *BufferHeader) Seal() {
	body := h.encodeBody()
	h.Checksum = Checksum(body[:])
}

// ValidateBufferHeader checks magic, version, offset range against dataSize and the
// checksum over raw, the header bytes exactly as stored. Checking the raw
// bytes rather than the decoded struct means a flipped bit in the reserved
// area is caught too.
func ValidateBufferHeader(raw []byte, dataSize int) error {
	h, err := DecodeBufferHeader(raw)
	if err != nil {
		return err
	}
	if h.Magic != BufferMagic {
		return ErrMagicMismatch
	}
	if h.Version != BufferVersion {
		return ErrVersionMismatch
	}
	if int(h.WriteOffset) >= dataSize || int(h.ReadOffset) >= dataSize {
		return ErrBoundsCheck
	}
	if Checksum(raw[:checksumOffset]) != h.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// Checksum is the additive byte sum used to detect torn or corrupted
// headers. It is not tamper-proof.
func Checksum(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return sum
}

func (h BufferHeader) encodeBody() [checksumOffset]byte {
	var b [checksumOffset]byte
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint16(b[8:10], h.WriteOffset)
	binary.LittleEndian.PutUint16(b[10:12], h.ReadOffset)
	binary.LittleEndian.PutUint32(b[12:16], h.TotalWritten)
	binary.LittleEndian.PutUint32(b[16:20], h.FlushCount)
	binary.LittleEndian.PutUint32(b[20:24], h.LastFlushTime)
	if h.Overflow {
		b[24] = 1
	}
	return b
}
