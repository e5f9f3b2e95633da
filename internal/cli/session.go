package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eunmann/fwlog/pkg/config"
	"github.com/eunmann/fwlog/pkg/fileutil"
	"github.com/eunmann/fwlog/pkg/flush"
	"github.com/eunmann/fwlog/pkg/mmapfile"
	"github.com/eunmann/fwlog/pkg/pipeline"
	"github.com/eunmann/fwlog/pkg/ringbuf"
	"github.com/eunmann/fwlog/pkg/simdev"
	"github.com/eunmann/fwlog/pkg/storage"
	"github.com/rs/zerolog"
)

// session is one process's view of the simulated board: the mapped RAM
// region, the attached device and the objects wired on top of them.
type session struct {
	cfg     *config.Config
	log     zerolog.Logger
	region  *mmapfile.File
	buf     *ringbuf.Buffer
	initRes ringbuf.InitResult
	device  io.Closer
	dev     storage.DeviceType
	st      *storage.Storage
	flusher *flush.Flusher
	pipe    *pipeline.Pipeline
	cursor  uint32
}

type openOpts struct {
	forceClear bool
	// noStorage skips device and partition setup entirely.
	noStorage bool
}

func openSession(cfg *config.Config, log zerolog.Logger, opts openOpts) (*session, error) {
	s := &session{cfg: cfg, log: log}

	for _, dir := range []string{cfg.Storage.Dir, filepath.Dir(cfg.Buffer.RegionPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	if err := fileutil.CleanupTmpFiles(cfg.Storage.Dir); err != nil {
		log.Warn().Err(err).Msg("tmp cleanup failed")
	}

	region, err := mmapfile.Open(cfg.Buffer.RegionPath, cfg.Buffer.RegionSize, 0)
	if err != nil {
		return nil, fmt.Errorf("map RAM region: %w", err)
	}
	s.region = region

	buf, err := ringbuf.New(region.Data(), ringbuf.Options{FlushThreshold: cfg.Buffer.FlushThreshold})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.buf = buf
	s.initRes = buf.Init(opts.forceClear)

	if opts.noStorage {
		s.pipe = pipeline.New(buf, nil)
		return s, nil
	}

	if err := s.openStorage(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) openStorage() error {
	dev, err := s.cfg.DeviceType()
	if err != nil {
		return err
	}
	s.dev = dev

	if path, size := s.imagePath(dev), s.cfg.DeviceSize(dev); path != "" &&
		fileutil.Exists(path) && !fileutil.SizeMatches(path, int64(size)) {
		s.log.Warn().Str("image", path).Int("configured_size", size).
			Msg("device image size differs from configuration")
	}

	var eeprom, flash storage.Device
	switch dev {
	case storage.DeviceEEPROM:
		e, err := simdev.OpenEEPROM(s.imagePath(dev), s.cfg.Storage.EEPROMSize)
		if err != nil {
			return err
		}
		eeprom, s.device = e, e
	case storage.DeviceFlash:
		f, err := simdev.OpenFlash(s.imagePath(dev), s.cfg.Storage.FlashSize, s.cfg.Storage.FlashEraseBlock)
		if err != nil {
			return err
		}
		flash, s.device = f, f
	}

	plat := &simdev.Platform{Detected: dev, TablePath: s.cfg.TablePath()}
	s.st = storage.New(storage.Config{
		Status:        plat,
		Partitions:    plat,
		EEPROM:        eeprom,
		Flash:         flash,
		WriteAttempts: s.cfg.Storage.WriteAttempts,
	})

	// A board without usable storage still logs to RAM; flushes fail and
	// the records wait in the buffer.
	if err := s.st.Init(); err != nil {
		s.log.Warn().Err(err).Str("device", dev.String()).Msg("storage unavailable, logging to RAM only")
	}

	s.cursor, err = loadCursor(s.cfg.CursorPath())
	if err != nil {
		return err
	}
	s.flusher = flush.NewFlusher(s.buf, s.st, flush.Options{
		Cursor: s.cursor,
		Batch:  s.cfg.Buffer.FlushBatch,
	})
	s.pipe = pipeline.New(s.buf, s.flusher)
	return nil
}

func (s *session) imagePath(dev storage.DeviceType) string {
	switch dev {
	case storage.DeviceEEPROM:
		return s.cfg.EEPROMPath()
	case storage.DeviceFlash:
		return s.cfg.FlashPath()
	}
	return ""
}

// Close persists the flush cursor, syncs the region and releases every
// mapping.
func (s *session) Close() error {
	var errs []error
	if s.flusher != nil && s.flusher.Cursor() != s.cursor {
		errs = append(errs, saveCursor(s.cfg.CursorPath(), s.flusher.Cursor()))
	}
	if s.device != nil {
		errs = append(errs, s.device.Close())
	}
	if s.region != nil {
		errs = append(errs, s.region.Sync(), s.region.Close())
	}
	return errors.Join(errs...)
}

func loadCursor(path string) (uint32, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %s: %w", path, err)
	}
	return uint32(v), nil
}

func saveCursor(path string, cursor uint32) error {
	return fileutil.WriteFileAtomic(path, []byte(strconv.FormatUint(uint64(cursor), 10)+"\n"))
}
