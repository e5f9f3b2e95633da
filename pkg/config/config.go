// Package config loads the YAML configuration for the logging pipeline and
// its simulated storage.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/eunmann/fwlog/pkg/format"
	"github.com/eunmann/fwlog/pkg/ringbuf"
	"github.com/eunmann/fwlog/pkg/simdev"
	"github.com/eunmann/fwlog/pkg/storage"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the top-level configuration.
type Config struct {
	Buffer  BufferConfig  `yaml:"buffer"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// BufferConfig describes the retained RAM region.
type BufferConfig struct {
	// RegionPath is the file mapped as the buffer's backing memory.
	RegionPath string `yaml:"region_path"`
	// RegionSize includes the 64-byte header.
	RegionSize     int `yaml:"region_size"`
	FlushThreshold int `yaml:"flush_threshold"`
	// FlushBatch caps bytes per flush; 0 flushes everything pending.
	FlushBatch int `yaml:"flush_batch"`
}

// StorageConfig describes the external memory and its partition table.
type StorageConfig struct {
	Device          string          `yaml:"device"`
	Dir             string          `yaml:"dir"`
	EEPROMSize      int             `yaml:"eeprom_size"`
	FlashSize       int             `yaml:"flash_size"`
	FlashEraseBlock int             `yaml:"flash_erase_block"`
	WriteAttempts   int             `yaml:"write_attempts"`
	Partition       PartitionConfig `yaml:"partition"`
}

// PartitionConfig places the log partition when a table is generated.
type PartitionConfig struct {
	Offset uint32 `yaml:"offset"`
	Size   uint32 `yaml:"size"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
	Human bool `yaml:"human"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Buffer: BufferConfig{
			RegionPath:     "fwlog-data/ram.bin",
			RegionSize:     4096,
			FlushThreshold: 3008,
		},
		Storage: StorageConfig{
			Device:          "eeprom",
			Dir:             "fwlog-data",
			EEPROMSize:      simdev.EEPROMSize,
			FlashSize:       simdev.FlashSize,
			FlashEraseBlock: simdev.FlashEraseBlock,
			WriteAttempts:   storage.DefaultWriteAttempts,
			Partition: PartitionConfig{
				Offset: simdev.DefaultLogOffset,
				Size:   simdev.DefaultLogSize,
			},
		},
	}
}

// Load reads YAML from r over the defaults. A nil or empty reader yields
// the defaults. Unknown keys are rejected. The result is validated.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from path. A missing file yields the
// defaults.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	return Load(f)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	data := c.Buffer.RegionSize - format.BufferHeaderSize
	if data < format.WordSize || data > ringbuf.MaxDataSize {
		return fmt.Errorf("%w: buffer.region_size %d", ErrInvalid, c.Buffer.RegionSize)
	}
	if c.Buffer.FlushThreshold < 0 || c.Buffer.FlushThreshold > data {
		return fmt.Errorf("%w: buffer.flush_threshold %d outside [0, %d]", ErrInvalid, c.Buffer.FlushThreshold, data)
	}
	if c.Buffer.FlushBatch < 0 {
		return fmt.Errorf("%w: buffer.flush_batch %d", ErrInvalid, c.Buffer.FlushBatch)
	}
	if c.Buffer.RegionPath == "" {
		return fmt.Errorf("%w: buffer.region_path is empty", ErrInvalid)
	}

	dev, err := c.DeviceType()
	if err != nil {
		return fmt.Errorf("%w: storage.device: %w", ErrInvalid, err)
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("%w: storage.dir is empty", ErrInvalid)
	}
	if c.Storage.EEPROMSize <= 0 {
		return fmt.Errorf("%w: storage.eeprom_size %d", ErrInvalid, c.Storage.EEPROMSize)
	}
	if c.Storage.FlashEraseBlock <= 0 || c.Storage.FlashSize <= 0 || c.Storage.FlashSize%c.Storage.FlashEraseBlock != 0 {
		return fmt.Errorf("%w: storage.flash_size %d must be a positive multiple of flash_erase_block %d",
			ErrInvalid, c.Storage.FlashSize, c.Storage.FlashEraseBlock)
	}
	if c.Storage.WriteAttempts < 1 {
		return fmt.Errorf("%w: storage.write_attempts %d", ErrInvalid, c.Storage.WriteAttempts)
	}

	p := c.Storage.Partition
	if p.Size == 0 {
		return fmt.Errorf("%w: storage.partition.size is zero", ErrInvalid)
	}
	if limit := c.DeviceSize(dev); limit > 0 && uint64(p.Offset)+uint64(p.Size) > uint64(limit) {
		return fmt.Errorf("%w: partition %#x+%#x exceeds %d byte %s", ErrInvalid, p.Offset, p.Size, limit, dev)
	}
	return nil
}

// DeviceType parses Storage.Device.
func (c *Config) DeviceType() (storage.DeviceType, error) {
	return storage.ParseDeviceType(c.Storage.Device)
}

// DeviceSize returns the configured capacity of dev, or 0 for none.
func (c *Config) DeviceSize(dev storage.DeviceType) int {
	switch dev {
	case storage.DeviceEEPROM:
		return c.Storage.EEPROMSize
	case storage.DeviceFlash:
		return c.Storage.FlashSize
	}
	return 0
}

// EEPROMPath is the simulated EEPROM image.
func (c *Config) EEPROMPath() string { return filepath.Join(c.Storage.Dir, "eeprom.img") }

// FlashPath is the simulated flash image.
func (c *Config) FlashPath() string { return filepath.Join(c.Storage.Dir, "flash.img") }

// TablePath is the stored partition table.
func (c *Config) TablePath() string { return filepath.Join(c.Storage.Dir, "partitions.bin") }

// CursorPath holds the flusher's partition cursor between runs.
func (c *Config) CursorPath() string { return filepath.Join(c.Storage.Dir, "cursor") }
