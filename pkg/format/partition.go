package format

import (
	"encoding/binary"
	"fmt"
)

const (
	// PartitionMagic identifies a partition table ("PART").
	PartitionMagic uint32 = 0x50415254
	// MaxPartitions is the number of entry slots in a table.
	MaxPartitions = 16
	// PartitionTypeLog tags the partition reserved for flushed logs.
	PartitionTypeLog uint8 = 5

	partitionEntrySize = 12
	partitionHdrSize   = 8
	// PartitionTableSize is the encoded size of a full table.
	PartitionTableSize = partitionHdrSize + MaxPartitions*partitionEntrySize
)

// DiskType is the device a partition entry lives on.
type DiskType uint8

const (
	DiskNone DiskType = iota
	DiskEEPROM
	DiskFlash
)

// PartitionEntry describes one region of external storage.
type PartitionEntry struct {
	Offset   uint32
	Size     uint32
	Type     uint8
	DiskType DiskType
	ID       uint8
}

// End returns the first byte past the partition.
func (e PartitionEntry) End() uint64 {
	return uint64(e.Offset) + uint64(e.Size)
}

// PartitionTable is the table provided by the platform.
//
// Layout: magic u32 | entry_count u16 | reserved u16 | 16 x entry, where an
// entry is offset u32 | size u32 | type u8 | disk u8 | id u8 | reserved u8.
type PartitionTable struct {
	Magic   uint32
	Entries []PartitionEntry
}

// EncodePartitionTable returns the wire form of t. Entries past
// MaxPartitions are dropped.
func EncodePartitionTable(t PartitionTable) []byte {
	buf := make([]byte, PartitionTableSize)
	n := min(len(t.Entries), MaxPartitions)
	binary.LittleEndian.PutUint32(buf[0:4], t.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(n))
	for i := 0; i < n; i++ {
		e := t.Entries[i]
		b := buf[partitionHdrSize+i*partitionEntrySize:]
		binary.LittleEndian.PutUint32(b[0:4], e.Offset)
		binary.LittleEndian.PutUint32(b[4:8], e.Size)
		b[8] = e.Type
		b[9] = byte(e.DiskType)
		b[10] = e.ID
	}
	return buf
}

// DecodePartitionTable parses and validates a table.
func DecodePartitionTable(buf []byte) (PartitionTable, error) {
	if len(buf) < PartitionTableSize {
		return PartitionTable{}, fmt.Errorf("%w: %d bytes, want %d", ErrPartitionTable, len(buf), PartitionTableSize)
	}
	t := PartitionTable{Magic: binary.LittleEndian.Uint32(buf[0:4])}
	count := int(binary.LittleEndian.Uint16(buf[4:6]))
	if count > MaxPartitions {
		return PartitionTable{}, fmt.Errorf("%w: entry count %d", ErrPartitionTable, count)
	}
	t.Entries = make([]PartitionEntry, count)
	for i := range t.Entries {
		b := buf[partitionHdrSize+i*partitionEntrySize:]
		t.Entries[i] = PartitionEntry{
			Offset:   binary.LittleEndian.Uint32(b[0:4]),
			Size:     binary.LittleEndian.Uint32(b[4:8]),
			Type:     b[8],
			DiskType: DiskType(b[9]),
			ID:       b[10],
		}
	}
	if err := t.Validate(); err != nil {
		return PartitionTable{}, err
	}
	return t, nil
}

// Validate checks the magic and that the table holds 1..MaxPartitions entries.
func (t PartitionTable) Validate() error {
	if t.Magic != PartitionMagic {
		return fmt.Errorf("%w: magic %#08x", ErrPartitionTable, t.Magic)
	}
	if len(t.Entries) == 0 || len(t.Entries) > MaxPartitions {
		return fmt.Errorf("%w: entry count %d", ErrPartitionTable, len(t.Entries))
	}
	return nil
}

// Find returns the first entry of the given type.
func (t PartitionTable) Find(typ uint8) (PartitionEntry, bool) {
	for _, e := range t.Entries {
		if e.Type == typ {
			return e, true
		}
	}
	return PartitionEntry{}, false
}
