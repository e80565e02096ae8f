package ioengine

import (
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dmthin/tpmeta/pkg/block"
	"github.com/dmthin/tpmeta/pkg/errs"
)

// MinWorkers is the smallest synchronous worker pool this engine will
// ever construct, regardless of how few CPUs the host reports.
const MinWorkers = 8

// defaultNrThreads mirrors the original engine's thread count policy:
// at least MinWorkers, scaling up to twice the logical CPU count.
func defaultNrThreads() int {
	n := runtime.NumCPU() * 2
	if n < MinWorkers {
		return MinWorkers
	}
	return n
}

// SyncEngine is a fixed-size worker pool backend. Each worker shares one
// underlying file handle (opened O_DIRECT|O_EXCL where the platform
// supports it) and requests are load-balanced across workers by an
// errgroup-bounded fan-out, so independent ReadBlock calls may freely
// interleave while a ReadMany batch still returns in request order.
type SyncEngine struct {
	mu        sync.Mutex
	f         *os.File
	nrBlocks  uint64
	nrThreads int
}

// NewSyncEngine opens cfg.Path and returns a synchronous pool-backed
// Engine.
func NewSyncEngine(cfg Config) (*SyncEngine, error) {
	flags := os.O_RDWR
	if !cfg.Writable {
		flags = os.O_RDONLY
	}

	f, err := openDirect(cfg.Path, flags, cfg.Exclusive)
	if err != nil {
		return nil, errors.Wrap(err, "opening metadata device")
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat metadata device")
	}

	nrThreads := cfg.NrThreads
	if nrThreads <= 0 {
		nrThreads = defaultNrThreads()
	}

	return &SyncEngine{
		f:         f,
		nrBlocks:  uint64(fi.Size()) / block.Size,
		nrThreads: nrThreads,
	}, nil
}

// openDirect opens path with O_DIRECT where the platform supports it,
// falling back to a plain open when O_DIRECT is rejected (e.g. on
// filesystems or platforms that don't support unbuffered I/O).
func openDirect(path string, flags int, exclusive bool) (*os.File, error) {
	sysFlags := flags | unix.O_DIRECT
	if exclusive {
		sysFlags |= unix.O_EXCL
	}

	fd, err := unix.Open(path, sysFlags, 0644)
	if err == unix.EINVAL {
		sysFlags &^= unix.O_DIRECT
		fd, err = unix.Open(path, sysFlags, 0644)
	}
	if err != nil {
		return nil, err
	}

	return os.NewFile(uintptr(fd), path), nil
}

func (e *SyncEngine) NrBlocks() uint64 { return e.nrBlocks }
func (e *SyncEngine) BatchSize() int   { return e.nrThreads }

func (e *SyncEngine) readAt(bnr uint64) (*block.Block, error) {
	b := block.New(bnr)
	_, err := e.f.ReadAt(b.Data[:], int64(bnr)*block.Size)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ReadBlock reads a single block synchronously.
func (e *SyncEngine) ReadBlock(bnr uint64) (*block.Block, error) {
	b, err := e.readAt(bnr)
	if err != nil {
		return nil, errs.Wrap(bnr, err)
	}
	return b, nil
}

// ReadMany fans a batch of reads out across the worker pool (bounded by
// BatchSize) and gathers results back in request order. A failure on one
// block number never prevents the others from completing.
func (e *SyncEngine) ReadMany(bnrs []uint64) ([]Result, error) {
	results := make([]Result, len(bnrs))

	var g errgroup.Group
	g.SetLimit(e.nrThreads)

	for i, bnr := range bnrs {
		i, bnr := i, bnr
		g.Go(func() error {
			b, err := e.readAt(bnr)
			if err != nil {
				results[i] = Result{Err: errs.Wrap(bnr, err)}
				return nil
			}
			results[i] = Result{Block: b}
			return nil
		})
	}

	_ = g.Wait() // per-index errors are carried in results, never aborts the batch
	return results, nil
}

// WriteBlock writes a single block. The engine performs no locking
// across writers; the write batcher is the sole writer by construction.
func (e *SyncEngine) WriteBlock(b *block.Block) error {
	_, err := e.f.WriteAt(b.Data[:], int64(b.Number)*block.Size)
	if err != nil {
		return errs.Wrap(b.Number, err)
	}
	return nil
}

// Flush blocks until every previously submitted write is durable.
func (e *SyncEngine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Sync()
}

// Close releases the underlying file handle.
func (e *SyncEngine) Close() error {
	return e.f.Close()
}
