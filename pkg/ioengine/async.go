package ioengine

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/djherbis/buffer"
	"github.com/djherbis/nio"
	"github.com/pkg/errors"

	"github.com/dmthin/tpmeta/pkg/block"
	"github.com/dmthin/tpmeta/pkg/errs"
)

// MaxConcurrentIO bounds how many operations the async engine will have
// in flight at once, matching the completion-ring depth used by the
// reference engine's async backend.
const MaxConcurrentIO = 1024

// writeRequest is one entry in the async engine's completion pipeline:
// the block number it targets, followed immediately by its payload.
type writeRequest struct {
	bnr uint64
}

// AsyncEngine is a single-threaded, completion-based backend. Reads are
// submitted as a batch and gathered in original request order; writes
// are pushed into a bounded in-memory pipe drained by one background
// goroutine, so a burst of WriteBlock calls never blocks its caller past
// MaxConcurrentIO operations of backlog. There is no preemption within
// the engine itself -- every ReadMany and Flush is the caller's explicit
// suspension point.
type AsyncEngine struct {
	f        *os.File
	nrBlocks uint64

	sem chan struct{} // bounds in-flight operations to MaxConcurrentIO

	pw      *io.PipeWriter
	drained chan error
	mu      sync.Mutex
	closed  bool
}

// NewAsyncEngine opens cfg.Path and starts the background completion
// drain loop.
func NewAsyncEngine(cfg Config) (*AsyncEngine, error) {
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

	// The pipe is buffered through djherbis/nio so a burst of writes can
	// be queued without forcing the submitter to wait on the disk.
	pr, pw := nio.Pipe(buffer.New(int64(MaxConcurrentIO) * block.Size))

	e := &AsyncEngine{
		f:        f,
		nrBlocks: uint64(fi.Size()) / block.Size,
		sem:      make(chan struct{}, MaxConcurrentIO),
		pw:       pw,
		drained:  make(chan error, 1),
	}

	go e.drain(pr)

	return e, nil
}

// drain is the engine's single completion-processing goroutine: it reads
// (block number, payload) pairs off the pipe and performs the actual
// pwrite, in submission order.
func (e *AsyncEngine) drain(pr io.ReadCloser) {
	defer pr.Close()

	hdr := make([]byte, 8)
	payload := make([]byte, block.Size)

	for {
		if _, err := io.ReadFull(pr, hdr); err != nil {
			if err == io.EOF || err == io.ErrClosedPipe {
				e.drained <- nil
			} else {
				e.drained <- err
			}
			return
		}

		bnr := binary.LittleEndian.Uint64(hdr)

		if _, err := io.ReadFull(pr, payload); err != nil {
			e.drained <- err
			return
		}

		_, err := e.f.WriteAt(payload, int64(bnr)*block.Size)
		<-e.sem
		if err != nil {
			e.drained <- err
			return
		}
	}
}

func (e *AsyncEngine) NrBlocks() uint64 { return e.nrBlocks }
func (e *AsyncEngine) BatchSize() int   { return MaxConcurrentIO }

// ReadBlock reads a single block.
func (e *AsyncEngine) ReadBlock(bnr uint64) (*block.Block, error) {
	b := block.New(bnr)
	if _, err := e.f.ReadAt(b.Data[:], int64(bnr)*block.Size); err != nil {
		return nil, errs.Wrap(bnr, err)
	}
	return b, nil
}

// ReadMany submits a batch of reads (bounded by MaxConcurrentIO in
// flight) and returns results in original request order, the cooperative
// suspension point the async profile relies on.
func (e *AsyncEngine) ReadMany(bnrs []uint64) ([]Result, error) {
	results := make([]Result, len(bnrs))
	var wg sync.WaitGroup

	for i, bnr := range bnrs {
		i, bnr := i, bnr
		e.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-e.sem }()
			b, err := e.ReadBlock(bnr)
			if err != nil {
				results[i] = Result{Err: err}
				return
			}
			results[i] = Result{Block: b}
		}()
	}

	wg.Wait()
	return results, nil
}

// WriteBlock queues a block onto the completion pipeline. It blocks only
// if MaxConcurrentIO writes are already in flight.
func (e *AsyncEngine) WriteBlock(b *block.Block) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errs.Poisoned
	}
	e.mu.Unlock()

	e.sem <- struct{}{}

	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint64(hdr, b.Number)

	if _, err := e.pw.Write(hdr); err != nil {
		<-e.sem
		return errs.Wrap(b.Number, err)
	}
	if _, err := e.pw.Write(b.Data[:]); err != nil {
		<-e.sem
		return errs.Wrap(b.Number, err)
	}

	return nil
}

// Flush blocks until every block queued through WriteBlock has reached
// disk and is durable. It works by acquiring every slot of the in-flight
// semaphore: that can only succeed once nothing is still mid-write, since
// every in-flight operation holds exactly one slot until it completes.
func (e *AsyncEngine) Flush() error {
	for i := 0; i < MaxConcurrentIO; i++ {
		e.sem <- struct{}{}
	}
	for i := 0; i < MaxConcurrentIO; i++ {
		<-e.sem
	}
	return e.f.Sync()
}

// Close stops the completion loop and releases the underlying file.
func (e *AsyncEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	_ = e.pw.Close()
	<-e.drained
	return e.f.Close()
}
