// Package ioengine moves fixed-size blocks to and from a metadata
// device. It ships three interchangeable backends -- a synchronous
// worker pool, a single-threaded completion-queue engine, and a
// spindle-aware prefetching wrapper -- all satisfying the same Engine
// contract, so upper layers never need to know which one they were
// handed.
package ioengine

import (
	"github.com/dmthin/tpmeta/pkg/block"
)

// Result is the outcome of one block read within a ReadMany batch: every
// index gets either a Block or an Err, never both, so a partial batch
// failure never silently drops a request.
type Result struct {
	Block *block.Block
	Err   error
}

// Engine is the capability set every I/O backend exposes to upper
// layers. Choice of backend is made once at construction and is
// invisible past this interface.
type Engine interface {
	// ReadBlock reads a single block.
	ReadBlock(bnr uint64) (*block.Block, error)

	// ReadMany reads a batch of blocks, returning one Result per input
	// block number in the same order they were requested. A failure on
	// one block never prevents the others in the batch from being
	// returned.
	ReadMany(bnrs []uint64) ([]Result, error)

	// WriteBlock writes a single block. The engine does not synchronize
	// concurrent writers; the write batcher is the sole writer by
	// construction.
	WriteBlock(b *block.Block) error

	// Flush blocks until every write previously submitted through this
	// engine is durable.
	Flush() error

	// NrBlocks returns the size of the underlying device in metadata
	// blocks.
	NrBlocks() uint64

	// BatchSize returns the engine's preferred concurrency width; callers
	// use this to size their own work units (e.g. the write batcher's
	// flush threshold).
	BatchSize() int
}

// Config enumerates the construction-time choices for an Engine, mirroring
// the collaborator configuration surface the outer CLI tools fill in.
type Config struct {
	Path      string
	AsyncIO   bool
	CacheHint int64 // MiB of read-ahead cache for the spindle wrapper, 0 disables it
	NrThreads int   // 0 picks the default of max(8, 2*NumCPU)
	Exclusive bool
	Writable  bool
}

// Open constructs the configured backend, optionally wrapped in a
// spindle-aware prefetch layer.
func Open(cfg Config) (Engine, error) {
	var eng Engine
	var err error

	if cfg.AsyncIO {
		eng, err = NewAsyncEngine(cfg)
	} else {
		eng, err = NewSyncEngine(cfg)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheHint > 0 {
		eng = NewSpindleEngine(eng, cfg.CacheHint)
	}

	return eng, nil
}
