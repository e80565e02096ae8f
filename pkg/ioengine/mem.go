package ioengine

import (
	"sync"

	"github.com/dmthin/tpmeta/pkg/block"
	"github.com/dmthin/tpmeta/pkg/errs"
)

// MemEngine is an in-memory Engine backed by a slice of blocks, used by
// the test suites of every layer built on top of ioengine (B-tree, space
// map, batcher, superblock) so they can exercise commit logic without a
// real metadata device. It mirrors the reference engine's test-only
// "ramdisk" backend.
type MemEngine struct {
	mu     sync.RWMutex
	blocks [][block.Size]byte
	batch  int
}

// NewMemEngine allocates an engine with nrBlocks zeroed blocks.
func NewMemEngine(nrBlocks uint64) *MemEngine {
	return &MemEngine{
		blocks: make([][block.Size]byte, nrBlocks),
		batch:  MinWorkers,
	}
}

func (e *MemEngine) NrBlocks() uint64 { return uint64(len(e.blocks)) }
func (e *MemEngine) BatchSize() int   { return e.batch }
func (e *MemEngine) Flush() error     { return nil }

// Grow extends the device by n zeroed blocks, simulating the backing
// file growing as new blocks are allocated.
func (e *MemEngine) Grow(n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocks = append(e.blocks, make([][block.Size]byte, n)...)
}

func (e *MemEngine) ReadBlock(bnr uint64) (*block.Block, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if bnr >= uint64(len(e.blocks)) {
		return nil, errs.Wrap(bnr, errs.NotFound)
	}
	b := block.New(bnr)
	b.Data = e.blocks[bnr]
	return b, nil
}

func (e *MemEngine) ReadMany(bnrs []uint64) ([]Result, error) {
	results := make([]Result, len(bnrs))
	for i, bnr := range bnrs {
		b, err := e.ReadBlock(bnr)
		results[i] = Result{Block: b, Err: err}
	}
	return results, nil
}

func (e *MemEngine) WriteBlock(b *block.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b.Number >= uint64(len(e.blocks)) {
		return errs.Wrap(b.Number, errs.NotFound)
	}
	e.blocks[b.Number] = b.Data
	return nil
}
