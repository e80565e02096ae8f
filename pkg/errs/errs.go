// Package errs collects the typed error kinds shared by every layer of
// the metadata engine, per the core's error handling design: read errors
// propagate, write errors poison the batcher, and nothing in the core
// retries.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// BadChecksum is returned when a decoded block's stored CRC disagrees
// with the CRC computed over its contents.
type BadChecksum struct {
	BlockNr uint64
}

func (e *BadChecksum) Error() string {
	return fmt.Sprintf("bad checksum on block %d", e.BlockNr)
}

// ShortBuffer is returned by a codec when the supplied byte slice is too
// small to hold the structure being unpacked.
type ShortBuffer struct {
	Want, Got int
}

func (e *ShortBuffer) Error() string {
	return fmt.Sprintf("short buffer: want %d bytes, got %d", e.Want, e.Got)
}

// BadMagic is returned when a block's magic number does not match the
// schema expected for its role.
type BadMagic struct {
	Want, Got uint32
}

func (e *BadMagic) Error() string {
	return fmt.Sprintf("bad magic: want %#x, got %#x", e.Want, e.Got)
}

// VersionMismatch is returned when a superblock's version field is not
// one this engine understands.
type VersionMismatch struct {
	Want, Got uint32
}

func (e *VersionMismatch) Error() string {
	return fmt.Sprintf("version mismatch: want %d, got %d", e.Want, e.Got)
}

// NotFound is returned by a lookup that fails to find the requested key.
var NotFound = errors.New("not found")

// OutOfSpace is returned by a space map that cannot satisfy an
// allocation request.
var OutOfSpace = errors.New("out of space")

// Corrupt is returned for structural damage that a checksum failure
// alone doesn't describe, such as a self-reference mismatch or an
// internal node whose subtree cannot be trusted.
type Corrupt struct {
	Reason string
}

func (e *Corrupt) Error() string {
	return fmt.Sprintf("corrupt metadata: %s", e.Reason)
}

// Poisoned is returned by every operation on a write batcher that has
// previously failed a write; the caller must abandon the transaction.
var Poisoned = errors.New("write batcher is poisoned")

// IoError wraps an underlying I/O failure with the block number it was
// operating on, per the core's "per-block error" contract for read_many
// and write_block.
type IoError struct {
	BlockNr uint64
	Err     error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error on block %d: %v", e.BlockNr, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// Wrap attaches a block number to an underlying I/O error, or returns nil
// unchanged.
func Wrap(blockNr uint64, err error) error {
	if err == nil {
		return nil
	}
	return &IoError{BlockNr: blockNr, Err: err}
}
