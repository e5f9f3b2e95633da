package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eunmann/fwlog/internal/logctx"
	"github.com/eunmann/fwlog/pkg/fileutil"
	"github.com/eunmann/fwlog/pkg/format"
	"github.com/eunmann/fwlog/pkg/humanfmt"
	"github.com/eunmann/fwlog/pkg/simdev"
	"github.com/eunmann/fwlog/pkg/storage"
	"golang.org/x/sync/errgroup"
)

func runInit(ctx context.Context, args []string, stdout io.Writer) error {
	fs, c := newFlagSet("init")
	force := fs.Bool("force", false, "discard the RAM buffer, rewrite the partition table and wipe the log partition")
	device := fs.String("device", "", "override storage.device (none, eeprom, flash)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cfg, err := c.setup(ctx, "init")
	if err != nil {
		return err
	}
	if *device != "" {
		cfg.Storage.Device = *device
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	dev, _ := cfg.DeviceType()

	if *force || !fileutil.Exists(cfg.TablePath()) {
		p := cfg.Storage.Partition
		if err := simdev.WriteTable(cfg.TablePath(), simdev.DefaultTable(dev, p.Offset, p.Size)); err != nil {
			return fmt.Errorf("write partition table: %w", err)
		}
	}
	if *force {
		if err := saveCursor(cfg.CursorPath(), 0); err != nil {
			return err
		}
	}

	s, err := openSession(cfg, logctx.FromContext(ctx), openOpts{forceClear: *force})
	if err != nil {
		return err
	}
	defer s.Close()

	switch {
	case s.initRes.Warm:
		fmt.Fprintln(stdout, "buffer: warm start, pending records kept")
	case s.initRes.Reason != nil:
		fmt.Fprintf(stdout, "buffer: cold start (%v)\n", s.initRes.Reason)
	default:
		fmt.Fprintln(stdout, "buffer: cleared")
	}
	fmt.Fprintf(stdout, "buffer: %s used, flush at %s\n",
		humanfmt.Usage(int64(s.buf.Usage()), int64(s.buf.DataSize())), humanfmt.Bytes(int64(s.buf.Threshold())))

	part, err := s.st.PartitionInfo()
	if err != nil {
		fmt.Fprintf(stdout, "storage: unavailable (%v)\n", err)
		return nil
	}
	if *force {
		if err := wipePartition(ctx, s.st, part.Size); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "storage: %s, log partition 0x%X+%s, cursor 0x%X\n",
		s.dev, part.Offset, humanfmt.Bytes(int64(part.Size)), s.flusher.Cursor())
	return nil
}

// wipePartition returns the log partition to the erased pattern. Erase is
// enough on flash; EEPROM has no erase, so it is overwritten.
func wipePartition(ctx context.Context, st *storage.Storage, size uint32) error {
	if err := st.Erase(0, size); err != nil {
		return err
	}
	if st.Type() == storage.DeviceEEPROM {
		return st.Write(ctx, 0, bytes.Repeat([]byte{simdev.ErasedByte}, int(size)))
	}
	return nil
}

func runEmit(ctx context.Context, args []string, stdout io.Writer) error {
	fs, c := newFlagSet("emit")
	source := fs.Uint("source", 0, "source identifier (0-4095)")
	line := fs.Uint("line", 0, "line number (0-4095)")
	levelName := fs.String("level", "info", "error, warn, info or debug")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level, err := format.ParseLevel(*levelName)
	if err != nil {
		return err
	}
	if *source > format.MaxSourceID {
		return fmt.Errorf("--source %d exceeds %d", *source, format.MaxSourceID)
	}
	if *line > format.MaxLine {
		return fmt.Errorf("--line %d exceeds %d", *line, format.MaxLine)
	}
	params, err := parseWords(fs.Args())
	if err != nil {
		return err
	}

	ctx, cfg, err := c.setup(ctx, "emit")
	if err != nil {
		return err
	}
	s, err := openSession(cfg, logctx.FromContext(ctx), openOpts{})
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := s.pipe.Emit(ctx, uint32(*source), uint32(*line), level, params...)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stored %s record, %s pending (%s)\n",
		humanfmt.Bytes(int64(format.RecordSize(len(params)-out.Dropped))),
		humanfmt.Bytes(int64(s.buf.Usage())), out.Status)
	if out.Dropped > 0 {
		fmt.Fprintf(stdout, "dropped %d parameters over the limit of %d\n", out.Dropped, format.MaxParams)
	}
	if out.Flushed > 0 {
		fmt.Fprintf(stdout, "flushed %s, cursor 0x%X\n", humanfmt.Bytes(int64(out.Flushed)), s.flusher.Cursor())
	}
	if out.FlushErr != nil {
		fmt.Fprintf(stdout, "flush failed, records kept in RAM: %v\n", out.FlushErr)
	}
	return nil
}

func parseWords(args []string) ([]uint32, error) {
	words := make([]uint32, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", a, err)
		}
		words = append(words, uint32(v))
	}
	return words, nil
}

func runFlush(ctx context.Context, args []string, stdout io.Writer) error {
	fs, c := newFlagSet("flush")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cfg, err := c.setup(ctx, "flush")
	if err != nil {
		return err
	}
	s, err := openSession(cfg, logctx.FromContext(ctx), openOpts{})
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.pipe.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush after %s: %w", humanfmt.Bytes(int64(n)), err)
	}
	fmt.Fprintf(stdout, "flushed %s, cursor 0x%X\n", humanfmt.Bytes(int64(n)), s.flusher.Cursor())
	return nil
}

func runDump(ctx context.Context, args []string, stdout io.Writer) error {
	fs, c := newFlagSet("dump")
	clearAfter := fs.Bool("clear", false, "discard pending records after printing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cfg, err := c.setup(ctx, "dump")
	if err != nil {
		return err
	}
	s, err := openSession(cfg, logctx.FromContext(ctx), openOpts{noStorage: true})
	if err != nil {
		return err
	}
	defer s.Close()

	if !s.initRes.Warm {
		fmt.Fprintf(stdout, "buffer was reinitialized: %v\n", s.initRes.Reason)
	}
	if err := s.buf.Dump(stdout); err != nil {
		return err
	}
	if *clearAfter {
		n := s.buf.Usage()
		s.buf.ClearAll()
		fmt.Fprintf(stdout, "discarded %s\n", humanfmt.Bytes(int64(n)))
	}
	return nil
}

func runScan(ctx context.Context, args []string, stdout io.Writer) error {
	fs, c := newFlagSet("scan")
	all := fs.Bool("all", false, "scan the whole partition instead of stopping at the flush cursor")
	limit := fs.Int("limit", 0, "stop after this many records (0 = no limit)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cfg, err := c.setup(ctx, "scan")
	if err != nil {
		return err
	}
	s, err := openSession(cfg, logctx.FromContext(ctx), openOpts{})
	if err != nil {
		return err
	}
	defer s.Close()

	part, err := s.st.PartitionInfo()
	if err != nil {
		return err
	}
	size := part.Size
	if cur := s.flusher.Cursor(); !*all && cur > 0 {
		size = cur
	}
	data := make([]byte, size)
	if err := s.st.Read(0, data); err != nil {
		return err
	}

	sc := format.NewScanner(data)
	count := 0
	for sc.Next() {
		rec := sc.Record()
		writeRecord(stdout, sc.Offset()-rec.Size(), rec)
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}
	fmt.Fprintf(stdout, "%d records\n", count)
	if err := sc.Err(); err != nil {
		if errors.Is(err, format.ErrTruncatedRecord) {
			fmt.Fprintf(stdout, "stream ends mid-record: %v\n", err)
			return nil
		}
		return err
	}
	return nil
}

func writeRecord(w io.Writer, off int, rec format.Record) {
	var sb strings.Builder
	for i, p := range rec.Params {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "0x%08X", p)
	}
	fmt.Fprintf(w, "%04X  %s  src=%-4d line=%-4d [%s]\n", off, rec.Level, rec.SourceID, rec.Line, sb.String())
}

func runStress(ctx context.Context, args []string, stdout io.Writer) error {
	fs, c := newFlagSet("stress")
	workers := fs.Int("workers", 4, "concurrent emitters")
	records := fs.Int("records", 1000, "records per emitter")
	params := fs.Int("params", 2, "parameter words per record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workers < 1 || *records < 0 || *params < 0 || *params > format.MaxParams {
		return fmt.Errorf("--workers must be >= 1, --records >= 0 and --params in [0, %d]", format.MaxParams)
	}

	ctx, cfg, err := c.setup(ctx, "stress")
	if err != nil {
		return err
	}
	s, err := openSession(cfg, logctx.FromContext(ctx), openOpts{})
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		mu                          sync.Mutex
		emitted, flushed, flushErrs int
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			wctx := logctx.WithInt(gctx, "worker", w)
			words := make([]uint32, *params)
			for i := 0; i < *records; i++ {
				if err := wctx.Err(); err != nil {
					return err
				}
				for j := range words {
					words[j] = uint32(i)
				}
				out, err := s.pipe.Emit(wctx, uint32(w), uint32(i)&format.MaxLine, format.LevelDebug, words...)
				if err != nil {
					return err
				}
				mu.Lock()
				emitted++
				flushed += out.Flushed
				if out.FlushErr != nil {
					flushErrs++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st := s.buf.Stats()
	fmt.Fprintf(stdout, "emitted %d records in %s\n", emitted, humanfmt.Duration(time.Since(start)))
	fmt.Fprintf(stdout, "flushed %s, %d flush failures, %d overflows, peak usage %s\n",
		humanfmt.Bytes(int64(flushed)), flushErrs, st.OverflowCount,
		humanfmt.Usage(int64(st.PeakUsage), int64(s.buf.DataSize())))
	return nil
}
