// Package storage is the external-storage abstraction for flushed logs.
//
// Init runs a one-shot discovery: detect the attached device, read and
// validate the partition table, and locate the log partition. After that,
// Read, Write and Erase take offsets relative to the log partition and are
// bounds-checked against its size. Only Write retries.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/eunmann/fwlog/pkg/format"
	"github.com/eunmann/fwlog/pkg/logging"
	"github.com/rs/zerolog"
)

var (
	// ErrNotInitialized indicates an operation before a successful Init.
	ErrNotInitialized = errors.New("storage not initialized")
	// ErrNoDevice indicates no usable external memory.
	ErrNoDevice = errors.New("no external storage device")
	// ErrNoPartition indicates the partition table has no log partition.
	ErrNoPartition = errors.New("log partition not found")
	// ErrOutOfBounds indicates a range outside the log partition.
	ErrOutOfBounds = errors.New("range outside log partition")
	// ErrEmpty indicates a zero-length read or write.
	ErrEmpty = errors.New("empty transfer")
	// ErrWriteFailed indicates a write that failed on every attempt.
	ErrWriteFailed = errors.New("storage write failed")
	// ErrReadFailed indicates a failed device read.
	ErrReadFailed = errors.New("storage read failed")
	// ErrEraseFailed indicates a failed device erase.
	ErrEraseFailed = errors.New("storage erase failed")
)

// DefaultWriteAttempts is one write plus three retries.
const DefaultWriteAttempts = 4

// Config wires a Storage to its platform collaborators.
type Config struct {
	Status     StatusSource
	Partitions PartitionSource
	EEPROM     Device
	Flash      Device
	// WriteAttempts bounds how many times Write calls the device.
	// Zero selects DefaultWriteAttempts.
	WriteAttempts int
	Logger        *zerolog.Logger
}

// Storage is the partition-aware access path to external memory.
type Storage struct {
	mu       sync.Mutex
	cfg      Config
	attempts int
	log      zerolog.Logger

	typ   DeviceType
	dev   Device
	part  format.PartitionEntry
	ready bool
}

// New returns an uninitialized Storage.
func New(cfg Config) *Storage {
	attempts := cfg.WriteAttempts
	if attempts <= 0 {
		attempts = DefaultWriteAttempts
	}
	log := logging.WithComponent("storage")
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Storage{cfg: cfg, attempts: attempts, log: log}
}

// Init discovers the device and log partition. A failure leaves the
// Storage unavailable; there is no retry, since missing hardware or
// partitions are deployment errors.
func (s *Storage) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ready = false
	s.dev = nil
	s.part = format.PartitionEntry{}
	s.typ = DeviceNone
	if s.cfg.Status != nil {
		s.typ = s.cfg.Status.DeviceType()
	}

	switch s.typ {
	case DeviceEEPROM:
		s.dev = s.cfg.EEPROM
	case DeviceFlash:
		s.dev = s.cfg.Flash
	}
	if s.dev == nil {
		return fmt.Errorf("%w: detected %s", ErrNoDevice, s.typ)
	}

	if s.cfg.Partitions == nil {
		return fmt.Errorf("%w: no partition source", format.ErrPartitionTable)
	}
	raw, err := s.cfg.Partitions.PartitionTable()
	if err != nil {
		return fmt.Errorf("%w: read: %w", format.ErrPartitionTable, err)
	}
	table, err := format.DecodePartitionTable(raw)
	if err != nil {
		return err
	}

	part, ok := table.Find(format.PartitionTypeLog)
	if !ok {
		return ErrNoPartition
	}
	if part.Size == 0 || part.End() > uint64(s.dev.Size()) {
		return fmt.Errorf("%w: partition %#x+%#x on %d byte %s",
			ErrOutOfBounds, part.Offset, part.Size, s.dev.Size(), s.typ)
	}

	s.part = part
	s.ready = true

	logging.StorageReady(s.log).
		Str("device", s.typ.String()).
		Hex("offset", part.Offset).
		Bytes("size", int64(part.Size)).
		Log("log partition found")
	return nil
}

// checkRange validates offset/size against the log partition and returns
// the absolute device offset. Callers hold s.mu.
func (s *Storage) checkRange(offset uint32, size int) (uint32, error) {
	if !s.ready {
		return 0, ErrNotInitialized
	}
	if size == 0 {
		return 0, ErrEmpty
	}
	if uint64(offset)+uint64(size) > uint64(s.part.Size) {
		return 0, fmt.Errorf("%w: %#x+%d > %d", ErrOutOfBounds, offset, size, s.part.Size)
	}
	return s.part.Offset + offset, nil
}

// Write stores data at offset within the log partition. A failing device
// write is retried back-to-back up to the configured attempt bound before
// ErrWriteFailed is returned. Cancelling ctx does not cut the retries
// short.
func (s *Storage) Write(ctx context.Context, offset uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	abs, err := s.checkRange(offset, len(data))
	if err != nil {
		return err
	}

	attempt := 0
	_, err = backoff.Retry(context.WithoutCancel(ctx), func() (struct{}, error) {
		attempt++
		return struct{}{}, s.dev.Write(abs, data)
	},
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(s.attempts)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			s.log.Warn().Err(err).
				Int("attempt", attempt).
				Int("max_attempts", s.attempts).
				Uint32("offset", offset).
				Int("size", len(data)).
				Msg("storage write failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrWriteFailed, attempt, err)
	}
	return nil
}

// Read fills data from offset within the log partition. It is attempted
// once.
func (s *Storage) Read(offset uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	abs, err := s.checkRange(offset, len(data))
	if err != nil {
		return err
	}
	if err := s.dev.Read(abs, data); err != nil {
		return fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	return nil
}

// Erase prepares a range of the log partition for writing. EEPROM needs no
// erase, so this is a no-op there.
func (s *Storage) Erase(offset, size uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return ErrNotInitialized
	}
	if s.typ == DeviceEEPROM {
		return nil
	}
	abs, err := s.checkRange(offset, int(size))
	if err != nil {
		return err
	}
	if err := s.dev.Erase(abs, size); err != nil {
		return fmt.Errorf("%w: %w", ErrEraseFailed, err)
	}
	return nil
}

// IsAvailable reports whether Init succeeded.
func (s *Storage) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// PartitionInfo returns the log partition found by Init.
func (s *Storage) PartitionInfo() (format.PartitionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return format.PartitionEntry{}, ErrNotInitialized
	}
	return s.part, nil
}

// Type returns the device type detected by the last Init.
func (s *Storage) Type() DeviceType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typ
}
