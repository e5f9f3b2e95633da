// Package format defines the binary layouts shared by the log pipeline:
// the 32-bit record header, the persistent ring-buffer header and the
// partition table read from external storage.
//
// All multi-byte fields are little-endian.
package format

import "fmt"

// Level is the severity carried in the low two bits of a record header.
// Lower values are more severe.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERR"
	case LevelWarn:
		return "WRN"
	case LevelInfo:
		return "INF"
	case LevelDebug:
		return "DBG"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// ParseLevel accepts the short names produced by String as well as the
// long forms "error", "warn", "info" and "debug".
func ParseLevel(s string) (Level, error) {
	switch s {
	case "ERR", "err", "error", "ERROR":
		return LevelError, nil
	case "WRN", "wrn", "warn", "WARN", "warning":
		return LevelWarn, nil
	case "INF", "inf", "info", "INFO":
		return LevelInfo, nil
	case "DBG", "dbg", "debug", "DEBUG":
		return LevelDebug, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// Record header bit layout:
//
//	31          20 19          8 7          2 1     0
//	+-------------+-------------+------------+-------+
//	|  source id  |    line     | param count| level |
//	+-------------+-------------+------------+-------+
const (
	sourceShift = 20
	lineShift   = 8
	countShift  = 2

	sourceMask = 0xFFF
	lineMask   = 0xFFF
	countMask  = 0x3F
	levelMask  = 0x3

	// MaxSourceID is the largest encodable source identifier.
	MaxSourceID = sourceMask
	// MaxLine is the largest encodable line number.
	MaxLine = lineMask
	// MaxParamCount is the largest parameter count the header can describe.
	MaxParamCount = countMask
	// MaxParams is the number of parameters a single record may carry.
	MaxParams = 16

	// WordSize is the size of one header or parameter word.
	WordSize = 4
	// ErasedWord is what a header slot reads back as on erased flash.
	ErasedWord uint32 = 0xFFFFFFFF
)

// RecordHeader is the decoded form of a record header word.
type RecordHeader struct {
	SourceID   uint16
	Line       uint16
	ParamCount uint8
	Level      Level
}

// EncodeRecord packs the header fields into one word. Values wider than
// their field are truncated to the field width.
func EncodeRecord(sourceID, line uint32, level Level, paramCount uint32) uint32 {
	return (sourceID&sourceMask)<<sourceShift |
		(line&lineMask)<<lineShift |
		(paramCount&countMask)<<countShift |
		uint32(level)&levelMask
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(word uint32) RecordHeader {
	return RecordHeader{
		SourceID:   uint16(word >> sourceShift & sourceMask),
		Line:       uint16(word >> lineShift & lineMask),
		ParamCount: uint8(word >> countShift & countMask),
		Level:      Level(word & levelMask),
	}
}

// Encode packs h into a header word.
func (h RecordHeader) Encode() uint32 {
	return EncodeRecord(uint32(h.SourceID), uint32(h.Line), h.Level, uint32(h.ParamCount))
}

// Size returns the number of bytes the record described by h occupies.
func (h RecordHeader) Size() int {
	return RecordSize(int(h.ParamCount))
}

func (h RecordHeader) String() string {
	return fmt.Sprintf("%s src=%d line=%d params=%d", h.Level, h.SourceID, h.Line, h.ParamCount)
}

// RecordSize returns the encoded size of a record with n parameters.
func RecordSize(n int) int {
	return WordSize + WordSize*n
}
