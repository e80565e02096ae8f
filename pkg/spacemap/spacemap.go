package spacemap

import (
	"encoding/binary"
	"sort"

	"github.com/dmthin/tpmeta/pkg/block"
	"github.com/dmthin/tpmeta/pkg/btree"
	"github.com/dmthin/tpmeta/pkg/codec"
	"github.com/dmthin/tpmeta/pkg/errs"
	"github.com/dmthin/tpmeta/pkg/ioengine"
)

// writeRaw copies buf into a fresh Block addressed at bnr and hands it to
// eng. It does not stamp anything itself: callers run codec.Stamp on buf
// first so the block's self-reference and checksum match its contents.
func writeRaw(eng ioengine.Engine, bnr uint64, buf []byte) error {
	blk := block.New(bnr)
	copy(blk.Data[:], buf)
	if err := eng.WriteBlock(blk); err != nil {
		return errs.Wrap(bnr, err)
	}
	return nil
}

// SpaceMap is the persisted, two-tier reference-count store: a bitmap
// holds counts of 0-2 in two bits each, and an escape value of 3 sends a
// lookup to the overflow B-tree, which holds the real 32-bit count.
// Both the metadata and the data space map use this same type; only the
// block range they track differs.
type SpaceMap struct {
	eng          ioengine.Engine
	bitmapBlocks []uint64
	index        []codec.IndexEntry
	nrBlocks     uint64
	nrAllocated  uint64
	overflow     *btree.Tree
	overflowRoot uint64
}

// OverflowValueSize is the width of an overflow-tree leaf value: a full
// 32-bit reference count, widened to 8 bytes to match the tree's uniform
// value size.
const OverflowValueSize = 8

func encodeCount(n uint64) []byte {
	buf := make([]byte, OverflowValueSize)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}

func decodeCount(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// Create formats a fresh space map over the given engine: bitmapBlockNrs
// names the blocks, in order, that will hold the bitmap, and nrBlocks is
// the size of the address space being tracked.
//
// selfTracks says whether bitmapBlockNrs live inside the very address
// space this map tracks -- true for a metadata space map, which tracks
// the metadata device's own blocks including its own bitmap, producing
// the fixed point described in the data model. It is false for a data
// space map: its bitmap lives in metadata-device blocks even though it
// tracks data-device blocks, an unrelated numbering space, so those
// blocks must never be marked referenced here -- the metadata space map
// that actually allocated them already did.
func Create(eng ioengine.Engine, bitmapBlockNrs []uint64, nrBlocks uint64, selfTracks bool) (*SpaceMap, error) {
	sm := &SpaceMap{
		eng:          eng,
		bitmapBlocks: append([]uint64(nil), bitmapBlockNrs...),
		index:        make([]codec.IndexEntry, len(bitmapBlockNrs)),
		nrBlocks:     nrBlocks,
	}

	for i, bnr := range sm.bitmapBlocks {
		buf := make([]byte, block.Size)
		if _, err := codec.Stamp(codec.SeedBitmap, bnr, buf); err != nil {
			return nil, err
		}
		if err := writeRaw(eng, bnr, buf); err != nil {
			return nil, err
		}
		sm.index[i] = codec.IndexEntry{
			BlockNr:        bnr,
			NrFree:         uint32(sm.entriesInBlock(i)),
			NoneFreeBefore: 0,
		}
	}

	if selfTracks {
		for _, bnr := range sm.bitmapBlocks {
			if bnr >= nrBlocks {
				continue
			}
			if err := sm.Inc(bnr); err != nil {
				return nil, err
			}
		}
	}

	sm.overflow = btree.New(eng, sm, OverflowValueSize)
	root, err := sm.overflow.Create()
	if err != nil {
		return nil, err
	}
	sm.overflowRoot = root

	return sm, nil
}

// Open reconstructs a SpaceMap's in-memory bookkeeping from a Root
// record previously written by WriteRoot, for tools that operate on an
// existing image rather than formatting a new one. bitmapBlockNrs must
// list the map's bitmap blocks in the same order Create originally
// used; for the metadata space map these are always blocks
// 1..bitmapBlocksNeeded(nrBlocks) immediately after the superblock, so
// a caller can always recompute them from NrMetadataBlocks alone.
//
// Unlike Create, Open does not re-derive the index's NrFree/
// NoneFreeBefore hints from the actual bitmap contents -- it seeds them
// optimistically (as if nothing were allocated yet) since nothing
// persists them. That makes Alloc on a reopened map unsafe. Open exists
// for read/rewrite tools such as the damage generator that call
// Get/SetCount; note that SetCount with a count of 3 or more inserts into
// the overflow tree, and that insert allocates through this map.
func Open(eng ioengine.Engine, bitmapBlockNrs []uint64, nrBlocks uint64, root codec.SMRoot) *SpaceMap {
	sm := &SpaceMap{
		eng:          eng,
		bitmapBlocks: append([]uint64(nil), bitmapBlockNrs...),
		index:        make([]codec.IndexEntry, len(bitmapBlockNrs)),
		nrBlocks:     nrBlocks,
		nrAllocated:  root.NrAllocated,
		overflowRoot: root.RefCountRoot,
	}
	for i, bnr := range sm.bitmapBlocks {
		sm.index[i] = codec.IndexEntry{
			BlockNr:        bnr,
			NrFree:         uint32(sm.entriesInBlock(i)),
			NoneFreeBefore: 0,
		}
	}
	sm.overflow = btree.New(eng, sm, OverflowValueSize)
	return sm
}

// entriesInBlock returns how many of bitmap block i's 2-bit slots fall
// within the tracked address space (every block but possibly the last is
// full).
func (sm *SpaceMap) entriesInBlock(i int) int {
	total := codec.BitmapEntriesPerBlock
	start := uint64(i) * uint64(total)
	if start >= sm.nrBlocks {
		return 0
	}
	remaining := sm.nrBlocks - start
	if remaining < uint64(total) {
		return int(remaining)
	}
	return total
}

// BitmapBlocksNeeded returns how many bitmap blocks are required to
// track nrBlocks entries at codec.BitmapEntriesPerBlock each, the same
// sizing formula Create's callers use to build bitmapBlockNrs.
func BitmapBlocksNeeded(nrBlocks uint64) uint64 {
	per := uint64(codec.BitmapEntriesPerBlock)
	if nrBlocks == 0 {
		return 1
	}
	return (nrBlocks + per - 1) / per
}

// NrBlocks returns the size of the tracked address space.
func (sm *SpaceMap) NrBlocks() uint64 { return sm.nrBlocks }

// NrAllocated returns how many tracked blocks currently have a non-zero
// reference count.
func (sm *SpaceMap) NrAllocated() uint64 { return sm.nrAllocated }

// OverflowRoot returns the current root of the overflow refcount tree,
// for inclusion in a Space Map Root record.
func (sm *SpaceMap) OverflowRoot() uint64 { return sm.overflowRoot }

// Root returns the current Space Map Root record describing this space
// map: its size, how much of it is allocated, the first bitmap block
// (standing in for a bitmap-index tree root, since the index is kept
// only in memory and is not persisted as its own tree), and the
// overflow tree's root.
func (sm *SpaceMap) Root() codec.SMRoot {
	var bitmapRoot uint64
	if len(sm.bitmapBlocks) > 0 {
		bitmapRoot = sm.bitmapBlocks[0]
	}
	return codec.SMRoot{
		NrBlocks:     sm.nrBlocks,
		NrAllocated:  sm.nrAllocated,
		BitmapRoot:   bitmapRoot,
		RefCountRoot: sm.overflowRoot,
	}
}

// WriteRoot packs this space map's current Root record and writes it to
// rootBnr, for the superblock's data/metadata space-map root fields to
// point at.
func (sm *SpaceMap) WriteRoot(rootBnr uint64) error {
	buf := make([]byte, block.Size)
	copy(buf[codec.HeaderSize:], codec.PackSMRoot(sm.Root()))
	if _, err := codec.Stamp(codec.SeedSMRoot, rootBnr, buf); err != nil {
		return err
	}
	return writeRaw(sm.eng, rootBnr, buf)
}

// ReadRoot reads and validates the Space Map Root record stored at bnr.
func ReadRoot(eng ioengine.Engine, bnr uint64) (codec.SMRoot, error) {
	blk, err := eng.ReadBlock(bnr)
	if err != nil {
		return codec.SMRoot{}, errs.Wrap(bnr, err)
	}
	buf := blk.Bytes()
	if err := codec.Verify(codec.SeedSMRoot, bnr, buf); err != nil {
		return codec.SMRoot{}, err
	}
	return codec.UnpackSMRoot(buf[codec.HeaderSize:])
}

func (sm *SpaceMap) locate(b uint64) (blockIdx int, entryIdx int) {
	blockIdx = int(b / uint64(codec.BitmapEntriesPerBlock))
	entryIdx = int(b % uint64(codec.BitmapEntriesPerBlock))
	return
}

func (sm *SpaceMap) readBitmap(b uint64) (uint8, []byte, uint64, error) {
	blockIdx, entryIdx := sm.locate(b)
	if blockIdx >= len(sm.bitmapBlocks) {
		return 0, nil, 0, errs.Wrap(b, errs.NotFound)
	}
	bnr := sm.bitmapBlocks[blockIdx]
	blk, err := sm.eng.ReadBlock(bnr)
	if err != nil {
		return 0, nil, 0, errs.Wrap(bnr, err)
	}
	buf := blk.Bytes()
	if err := codec.Verify(codec.SeedBitmap, bnr, buf); err != nil {
		return 0, nil, 0, err
	}
	payload := buf[codec.HeaderSize:]
	return codec.GetBitmapEntry(payload, entryIdx), buf, bnr, nil
}

func (sm *SpaceMap) writeBitmap(b uint64, val uint8, buf []byte, bnr uint64) error {
	_, entryIdx := sm.locate(b)
	payload := buf[codec.HeaderSize:]
	codec.SetBitmapEntry(payload, entryIdx, val)
	if _, err := codec.Stamp(codec.SeedBitmap, bnr, buf); err != nil {
		return err
	}
	return writeRaw(sm.eng, bnr, buf)
}

// SetCount forces block b's reference count to rc, bypassing the normal
// inc/dec bookkeeping. It exists for the damage generator, which needs
// to write an inconsistent refcount deliberately; ordinary callers
// should use Inc/Dec.
func (sm *SpaceMap) SetCount(b uint64, rc uint32) error {
	if b >= sm.nrBlocks {
		return errs.Wrap(b, errs.NotFound)
	}
	v, buf, bnr, err := sm.readBitmap(b)
	if err != nil {
		return err
	}

	wasZero := v == 0
	nowZero := rc == 0
	if wasZero && !nowZero {
		sm.nrAllocated++
		sm.markAllocated(b)
	} else if !wasZero && nowZero {
		sm.nrAllocated--
		sm.markFree(b)
	}

	if rc < codec.BitmapOverflow {
		return sm.writeBitmap(b, uint8(rc), buf, bnr)
	}

	root, err := sm.overflow.Insert(sm.overflowRoot, b, encodeCount(uint64(rc)))
	if err != nil {
		return err
	}
	sm.overflowRoot = root
	return sm.writeBitmap(b, codec.BitmapOverflow, buf, bnr)
}

// Get returns the current reference count of block b.
func (sm *SpaceMap) Get(b uint64) (uint32, error) {
	if b >= sm.nrBlocks {
		return 0, errs.Wrap(b, errs.NotFound)
	}
	v, _, _, err := sm.readBitmap(b)
	if err != nil {
		return 0, err
	}
	if v < codec.BitmapOverflow {
		return uint32(v), nil
	}
	raw, err := sm.overflow.Lookup(sm.overflowRoot, b)
	if err != nil {
		return 0, err
	}
	return uint32(decodeCount(raw)), nil
}

// Inc increments the reference count of block b by one, escalating to
// the overflow tree when the count would cross above 2.
func (sm *SpaceMap) Inc(b uint64) error {
	if b >= sm.nrBlocks {
		return errs.Wrap(b, errs.NotFound)
	}
	v, buf, bnr, err := sm.readBitmap(b)
	if err != nil {
		return err
	}

	switch {
	case v < 2:
		if v == 0 {
			sm.nrAllocated++
			sm.markAllocated(b)
		}
		return sm.writeBitmap(b, v+1, buf, bnr)

	case v == 2:
		root, err := sm.overflow.Insert(sm.overflowRoot, b, encodeCount(3))
		if err != nil {
			return err
		}
		sm.overflowRoot = root
		return sm.writeBitmap(b, codec.BitmapOverflow, buf, bnr)

	default:
		raw, err := sm.overflow.Lookup(sm.overflowRoot, b)
		if err != nil {
			return err
		}
		count := decodeCount(raw)
		root, err := sm.overflow.Insert(sm.overflowRoot, b, encodeCount(count+1))
		if err != nil {
			return err
		}
		sm.overflowRoot = root
		return nil
	}
}

// Dec decrements the reference count of block b by one. Dropping from
// the overflow range back to 2 rewrites the bitmap entry and leaves the
// stale overflow entry in place -- it is never consulted again once the
// bitmap no longer reads 3.
func (sm *SpaceMap) Dec(b uint64) error {
	if b >= sm.nrBlocks {
		return errs.Wrap(b, errs.NotFound)
	}
	v, buf, bnr, err := sm.readBitmap(b)
	if err != nil {
		return err
	}

	switch {
	case v == 0:
		return &errs.Corrupt{Reason: "decrementing a zero reference count"}

	case v <= 2:
		if v == 1 {
			sm.nrAllocated--
			sm.markFree(b)
		}
		return sm.writeBitmap(b, v-1, buf, bnr)

	default:
		raw, err := sm.overflow.Lookup(sm.overflowRoot, b)
		if err != nil {
			return err
		}
		count := decodeCount(raw)
		if count-1 == 2 {
			return sm.writeBitmap(b, 2, buf, bnr)
		}
		root, err := sm.overflow.Insert(sm.overflowRoot, b, encodeCount(count-1))
		if err != nil {
			return err
		}
		sm.overflowRoot = root
		return nil
	}
}

// Alloc returns the first unallocated block, walking index entries
// sorted by ascending none_free_before and scanning each candidate
// bitmap from its hint, per the data model's alloc algorithm.
func (sm *SpaceMap) Alloc() (uint64, error) {
	order := make([]int, len(sm.index))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return sm.index[order[i]].NoneFreeBefore < sm.index[order[j]].NoneFreeBefore
	})

	for _, bi := range order {
		ie := &sm.index[bi]
		if ie.NrFree == 0 {
			continue
		}
		bnr := sm.bitmapBlocks[bi]
		blk, err := sm.eng.ReadBlock(bnr)
		if err != nil {
			return 0, errs.Wrap(bnr, err)
		}
		buf := blk.Bytes()
		if err := codec.Verify(codec.SeedBitmap, bnr, buf); err != nil {
			return 0, err
		}
		payload := buf[codec.HeaderSize:]

		limit := sm.entriesInBlock(bi)
		for e := int(ie.NoneFreeBefore); e < limit; e++ {
			if codec.GetBitmapEntry(payload, e) != 0 {
				continue
			}
			codec.SetBitmapEntry(payload, e, 1)
			if _, err := codec.Stamp(codec.SeedBitmap, bnr, buf); err != nil {
				return 0, err
			}
			if err := writeRaw(sm.eng, bnr, buf); err != nil {
				return 0, err
			}

			b := uint64(bi)*uint64(codec.BitmapEntriesPerBlock) + uint64(e)
			ie.NrFree--
			if e == int(ie.NoneFreeBefore) {
				ie.NoneFreeBefore++
			}
			sm.nrAllocated++
			return b, nil
		}
	}

	return 0, errs.OutOfSpace
}

// markAllocated and markFree keep the index's NrFree hint in sync with a
// bitmap entry leaving or rejoining the free (all-zero) state; they never
// touch NoneFreeBefore, which only ever advances inside Alloc.
func (sm *SpaceMap) markAllocated(b uint64) {
	bi, _ := sm.locate(b)
	if bi < len(sm.index) && sm.index[bi].NrFree > 0 {
		sm.index[bi].NrFree--
	}
}

func (sm *SpaceMap) markFree(b uint64) {
	bi, _ := sm.locate(b)
	if bi < len(sm.index) {
		sm.index[bi].NrFree++
	}
}
