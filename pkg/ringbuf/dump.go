package ringbuf

import (
	"bufio"
	"fmt"
	"io"

	"github.com/eunmann/fwlog/pkg/format"
	"github.com/eunmann/fwlog/pkg/humanfmt"
)

// DumpWindow is the most pending bytes Dump prints.
const DumpWindow = 256

// Dump writes a human-readable view of the header and the first
// DumpWindow pending bytes to w. The output is for debugging and has no
// stable format.
func (b *Buffer) Dump(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.hdr
	usage := b.usage()
	valid := "VALID"
	if h.Magic != format.BufferMagic {
		valid = "INVALID"
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "===== RAM LOG BUFFER DUMP =====")
	fmt.Fprintf(bw, "Magic:         0x%08X (%s)\n", h.Magic, valid)
	fmt.Fprintf(bw, "Version:       0x%08X\n", h.Version)
	fmt.Fprintf(bw, "Write Offset:  %d\n", h.WriteOffset)
	fmt.Fprintf(bw, "Read Offset:   %d\n", h.ReadOffset)
	fmt.Fprintf(bw, "Usage:         %s, threshold %d\n", humanfmt.Usage(int64(usage), int64(len(b.data))), b.threshold)
	fmt.Fprintf(bw, "Total Written: %s\n", humanfmt.Bytes(int64(h.TotalWritten)))
	fmt.Fprintf(bw, "Flush Count:   %d\n", h.FlushCount)
	fmt.Fprintf(bw, "Last Flush:    %d\n", h.LastFlushTime)
	fmt.Fprintf(bw, "Overflow:      %t\n", h.Overflow)
	fmt.Fprintf(bw, "Checksum:      0x%08X\n", h.Checksum)
	fmt.Fprintln(bw, "-------------------------------")

	if n := min(usage, DumpWindow); n > 0 {
		fmt.Fprintf(bw, "Data (first %d bytes):\n", n)
		r := int(h.ReadOffset)
		for row := 0; row < n; row += 16 {
			fmt.Fprintf(bw, "%04X:", row)
			for i := row; i < row+16 && i < n; i++ {
				fmt.Fprintf(bw, " %02X", b.data[(r+i)%len(b.data)])
			}
			fmt.Fprintln(bw)
		}
	}
	fmt.Fprintln(bw, "===============================")
	return bw.Flush()
}
