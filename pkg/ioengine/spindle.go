package ioengine

import (
	"container/list"
	"sort"
	"sync"

	"github.com/dmthin/tpmeta/pkg/block"
)

// SpindleEngine wraps another Engine with a prefetch policy suited to
// rotational media: pending reads are sorted and coalesced into
// contiguous runs before being handed to the backend, and the most
// recently used blocks are kept in a bounded cache to amortize repeat
// seeks. Writes pass straight through to the backend.
type SpindleEngine struct {
	backend  Engine
	capacity int // blocks

	mu    sync.Mutex
	cache map[uint64]*list.Element
	order *list.List // front = most recently used
}

type cacheEntry struct {
	bnr   uint64
	block *block.Block
}

// NewSpindleEngine wraps backend with a read cache sized to hold roughly
// cacheMiB megabytes of blocks.
func NewSpindleEngine(backend Engine, cacheMiB int64) *SpindleEngine {
	capacity := int((cacheMiB * 1024 * 1024) / block.Size)
	if capacity < 1 {
		capacity = 1
	}
	return &SpindleEngine{
		backend:  backend,
		capacity: capacity,
		cache:    make(map[uint64]*list.Element),
		order:    list.New(),
	}
}

func (e *SpindleEngine) NrBlocks() uint64 { return e.backend.NrBlocks() }
func (e *SpindleEngine) BatchSize() int   { return e.backend.BatchSize() }
func (e *SpindleEngine) Flush() error     { return e.backend.Flush() }

func (e *SpindleEngine) cacheGet(bnr uint64) (*block.Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	el, ok := e.cache[bnr]
	if !ok {
		return nil, false
	}
	e.order.MoveToFront(el)
	return el.Value.(*cacheEntry).block, true
}

func (e *SpindleEngine) cachePut(b *block.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if el, ok := e.cache[b.Number]; ok {
		el.Value.(*cacheEntry).block = b
		e.order.MoveToFront(el)
		return
	}

	el := e.order.PushFront(&cacheEntry{bnr: b.Number, block: b})
	e.cache[b.Number] = el

	for e.order.Len() > e.capacity {
		back := e.order.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*cacheEntry)
		delete(e.cache, entry.bnr)
		e.order.Remove(back)
	}
}

func (e *SpindleEngine) cacheInvalidate(bnr uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.cache[bnr]; ok {
		delete(e.cache, bnr)
		e.order.Remove(el)
	}
}

// ReadBlock serves from cache when possible, otherwise reads through.
func (e *SpindleEngine) ReadBlock(bnr uint64) (*block.Block, error) {
	if b, ok := e.cacheGet(bnr); ok {
		return b, nil
	}
	b, err := e.backend.ReadBlock(bnr)
	if err != nil {
		return nil, err
	}
	e.cachePut(b)
	return b, nil
}

// coalescedRun is one contiguous run of block numbers to fetch together.
type coalescedRun struct {
	bnrs    []uint64
	indices []int // position of each bnr within the original request
}

// ReadMany sorts the requested block numbers, coalesces adjacent ones
// into runs, serves whatever is already cached, and fetches the rest
// from the backend in a single ReadMany call covering every run.
func (e *SpindleEngine) ReadMany(bnrs []uint64) ([]Result, error) {
	results := make([]Result, len(bnrs))

	type indexed struct {
		bnr uint64
		idx int
	}
	sorted := make([]indexed, len(bnrs))
	for i, bnr := range bnrs {
		sorted[i] = indexed{bnr: bnr, idx: i}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].bnr < sorted[j].bnr })

	var runs []coalescedRun
	var missIdx []int
	var missBnrs []uint64

	for i := 0; i < len(sorted); {
		bnr, idx := sorted[i].bnr, sorted[i].idx
		if b, ok := e.cacheGet(bnr); ok {
			results[idx] = Result{Block: b}
			i++
			continue
		}

		run := coalescedRun{bnrs: []uint64{bnr}, indices: []int{idx}}
		j := i + 1
		for j < len(sorted) && sorted[j].bnr == sorted[j-1].bnr+1 {
			if _, ok := e.cacheGet(sorted[j].bnr); ok {
				break
			}
			run.bnrs = append(run.bnrs, sorted[j].bnr)
			run.indices = append(run.indices, sorted[j].idx)
			j++
		}
		runs = append(runs, run)
		i = j
	}

	for _, run := range runs {
		missBnrs = append(missBnrs, run.bnrs...)
		missIdx = append(missIdx, run.indices...)
	}

	if len(missBnrs) > 0 {
		fetched, err := e.backend.ReadMany(missBnrs)
		if err != nil {
			return nil, err
		}
		for i, r := range fetched {
			results[missIdx[i]] = r
			if r.Block != nil {
				e.cachePut(r.Block)
			}
		}
	}

	return results, nil
}

// WriteBlock passes through to the backend unchanged and drops any
// stale cached copy of the block being overwritten.
func (e *SpindleEngine) WriteBlock(b *block.Block) error {
	e.cacheInvalidate(b.Number)
	return e.backend.WriteBlock(b)
}
