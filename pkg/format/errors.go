package format

import "errors"

var (
	// ErrInvalidHeader indicates a buffer header region of the wrong size.
	ErrInvalidHeader = errors.New("invalid buffer header")
	// ErrMagicMismatch indicates the magic number doesn't match.
	ErrMagicMismatch = errors.New("magic number mismatch")
	// ErrVersionMismatch indicates an unsupported header version.
	ErrVersionMismatch = errors.New("unsupported header version")
	// ErrChecksumMismatch indicates the stored header checksum is stale or corrupt.
	ErrChecksumMismatch = errors.New("header checksum mismatch")
	// ErrBoundsCheck indicates an offset outside the data region.
	ErrBoundsCheck = errors.New("offset out of bounds")
	// ErrTruncatedRecord indicates a record header announced more parameter
	// words than the stream holds.
	ErrTruncatedRecord = errors.New("truncated record")
	// ErrPartitionTable indicates a missing or malformed partition table.
	ErrPartitionTable = errors.New("invalid partition table")
)
