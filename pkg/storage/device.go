package storage

import "fmt"

// DeviceType is the kind of external memory attached to the system.
type DeviceType uint8

const (
	DeviceNone DeviceType = iota
	DeviceEEPROM
	DeviceFlash
)

func (t DeviceType) String() string {
	switch t {
	case DeviceNone:
		return "none"
	case DeviceEEPROM:
		return "eeprom"
	case DeviceFlash:
		return "flash"
	default:
		return fmt.Sprintf("DeviceType(%d)", uint8(t))
	}
}

// ParseDeviceType parses the names produced by String.
func ParseDeviceType(s string) (DeviceType, error) {
	switch s {
	case "none", "":
		return DeviceNone, nil
	case "eeprom":
		return DeviceEEPROM, nil
	case "flash":
		return DeviceFlash, nil
	}
	return DeviceNone, fmt.Errorf("unknown device type %q", s)
}

// Device is a physical storage driver addressed by absolute offset.
//
// A flash Device's Write must leave the target range holding exactly the
// given bytes, erasing internally as the part requires.
type Device interface {
	Read(off uint32, p []byte) error
	Write(off uint32, p []byte) error
	Erase(off, size uint32) error
	Size() uint32
}

// StatusSource reports which external memory the platform detected.
type StatusSource interface {
	DeviceType() DeviceType
}

// PartitionSource supplies the platform's partition table.
type PartitionSource interface {
	PartitionTable() ([]byte, error)
}
