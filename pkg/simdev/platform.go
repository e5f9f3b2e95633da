package simdev

import (
	"fmt"
	"os"

	"github.com/eunmann/fwlog/pkg/fileutil"
	"github.com/eunmann/fwlog/pkg/format"
	"github.com/eunmann/fwlog/pkg/storage"
)

const (
	// DefaultLogOffset is where the default table places the log partition.
	DefaultLogOffset = 0x1A00
	// DefaultLogSize is the default log partition size.
	DefaultLogSize = 0x1000
)

// Platform plays the board's boot-info block: it reports which external
// memory was detected and hands out the partition table stored at
// TablePath.
type Platform struct {
	Detected  storage.DeviceType
	TablePath string
}

// DeviceType implements storage.StatusSource.
func (p *Platform) DeviceType() storage.DeviceType {
	return p.Detected
}

// PartitionTable implements storage.PartitionSource.
func (p *Platform) PartitionTable() ([]byte, error) {
	raw, err := os.ReadFile(p.TablePath)
	if err != nil {
		return nil, fmt.Errorf("read partition table: %w", err)
	}
	return raw, nil
}

// DefaultTable returns a table holding a single log partition on the given
// device.
func DefaultTable(dev storage.DeviceType, offset, size uint32) format.PartitionTable {
	disk := format.DiskNone
	switch dev {
	case storage.DeviceEEPROM:
		disk = format.DiskEEPROM
	case storage.DeviceFlash:
		disk = format.DiskFlash
	}
	return format.PartitionTable{
		Magic: format.PartitionMagic,
		Entries: []format.PartitionEntry{{
			Offset:   offset,
			Size:     size,
			Type:     format.PartitionTypeLog,
			DiskType: disk,
		}},
	}
}

// WriteTable validates t and stores it at path atomically.
func WriteTable(path string, t format.PartitionTable) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(path, format.EncodePartitionTable(t))
}
