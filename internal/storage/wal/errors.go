package wal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL indicates the journal cannot be parsed
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates the journal holds no events
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates the journal is closed
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSeqGap indicates sequence numbers are not contiguous
	ErrSeqGap = errors.New("wal: sequence gap")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed event
	Expected uint32 // Expected checksum
	Actual   uint32 // Actual checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

// Is lets errors.Is match ErrChecksumMismatch
func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError represents journal corruption at a known position
type CorruptionError struct {
	Line  int   // 1-based line number of the broken record
	Cause error // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match ErrCorruptedWAL
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}
