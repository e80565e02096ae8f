// Package btree implements the copy-on-write, 64-bit-keyed ordered map
// used for both the thin mapping tree and the space map's overflow
// refcount tree. Every mutation allocates fresh blocks along the
// traversed path and leaves the old ones in place until the caller
// commits a new root, so concurrent readers pinning the old root always
// see a consistent snapshot.
package btree

import (
	"encoding/binary"
	"sort"

	"github.com/dmthin/tpmeta/pkg/block"
	"github.com/dmthin/tpmeta/pkg/codec"
	"github.com/dmthin/tpmeta/pkg/errs"
	"github.com/dmthin/tpmeta/pkg/ioengine"
)

// Allocator is the space-map-shaped capability a tree needs in order to
// mutate: it allocates fresh block numbers for new nodes and adjusts
// reference counts as old nodes are replaced. spacemap.SpaceMap
// satisfies this interface, both for the trees built on top of it and
// for its own overflow tree.
type Allocator interface {
	Alloc() (uint64, error)
	Inc(bnr uint64) error
	Dec(bnr uint64) error
}

// Visitor is called once per leaf entry during a Walk, in ascending key
// order. Returning stop=true aborts the remainder of the walk without
// it being treated as an error.
type Visitor func(key uint64, value []byte) (stop bool, err error)

// Tree is an ordered map from 64-bit keys to ValueSize-byte values,
// persisted as a chain of fixed-size nodes reachable from a root block
// number that the caller (typically the write batcher) owns.
type Tree struct {
	eng       ioengine.Engine
	alloc     Allocator
	valueSize uint32
}

// New returns a Tree reading and writing nodes through eng, allocating
// new blocks through alloc, whose leaves hold valueSize-byte values.
func New(eng ioengine.Engine, alloc Allocator, valueSize uint32) *Tree {
	return &Tree{eng: eng, alloc: alloc, valueSize: valueSize}
}

const ptrSize = 8 // internal node child pointers are always 8-byte block numbers

func maxEntries(valueSize uint32) int {
	return (block.Size - codec.NodeHeaderSize) / (ptrSize + int(valueSize))
}

// node is the in-memory decoded form of one B-tree block.
type node struct {
	bnr       uint64
	nodeType  uint32
	valueSize uint32
	keys      []uint64
	values    [][]byte
}

func (n *node) clone() *node {
	c := &node{
		bnr:       n.bnr,
		nodeType:  n.nodeType,
		valueSize: n.valueSize,
		keys:      append([]uint64(nil), n.keys...),
		values:    make([][]byte, len(n.values)),
	}
	for i, v := range n.values {
		c.values[i] = append([]byte(nil), v...)
	}
	return c
}

func encodeBnr(bnr uint64) []byte {
	buf := make([]byte, ptrSize)
	binary.LittleEndian.PutUint64(buf, bnr)
	return buf
}

func decodeBnr(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

func (t *Tree) readNode(bnr uint64) (*node, error) {
	b, err := t.eng.ReadBlock(bnr)
	if err != nil {
		return nil, errs.Wrap(bnr, err)
	}

	buf := b.Bytes()
	if err := codec.Verify(codec.SeedBtreeNode, bnr, buf); err != nil {
		return nil, err
	}

	hdr, err := codec.UnpackNodeHeader(buf)
	if err != nil {
		return nil, err
	}

	n := &node{
		bnr:       bnr,
		nodeType:  hdr.NodeType,
		valueSize: hdr.ValueSize,
		keys:      make([]uint64, hdr.NrEntries),
		values:    make([][]byte, hdr.NrEntries),
	}

	off := codec.NodeHeaderSize
	for i := range n.keys {
		n.keys[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	for i := range n.values {
		n.values[i] = append([]byte(nil), buf[off:off+int(hdr.ValueSize)]...)
		off += int(hdr.ValueSize)
	}

	return n, nil
}

// writeNewNode allocates a fresh block number, serializes n into it, and
// returns the new block number. The caller is responsible for decrementing
// whatever block n replaced, if any.
func (t *Tree) writeNewNode(n *node) (uint64, error) {
	bnr, err := t.alloc.Alloc()
	if err != nil {
		return 0, err
	}

	buf := make([]byte, block.Size)
	hdr := codec.NodeHeader{
		NodeType:   n.nodeType,
		NrEntries:  uint32(len(n.keys)),
		MaxEntries: uint32(maxEntries(n.valueSize)),
		ValueSize:  n.valueSize,
	}
	if err := codec.PackNodeHeader(buf, hdr); err != nil {
		return 0, err
	}

	off := codec.NodeHeaderSize
	for _, k := range n.keys {
		binary.LittleEndian.PutUint64(buf[off:off+8], k)
		off += 8
	}
	for _, v := range n.values {
		copy(buf[off:off+int(n.valueSize)], v)
		off += int(n.valueSize)
	}

	if _, err := codec.Stamp(codec.SeedBtreeNode, bnr, buf); err != nil {
		return 0, err
	}

	b := block.New(bnr)
	copy(b.Data[:], buf)
	if err := t.eng.WriteBlock(b); err != nil {
		return 0, errs.Wrap(bnr, err)
	}

	return bnr, nil
}

// Create allocates and writes a fresh, empty leaf node and returns its
// block number, for use as a brand-new tree's root.
func (t *Tree) Create() (uint64, error) {
	n := &node{nodeType: codec.NodeLeaf, valueSize: t.valueSize}
	return t.writeNewNode(n)
}

// searchRightmost returns the rightmost index i such that keys[i] <=
// target, or -1 if target is smaller than every key.
func searchRightmost(keys []uint64, target uint64) int {
	i := sort.Search(len(keys), func(i int) bool { return keys[i] > target })
	return i - 1
}

// Lookup descends from root to the leaf that would hold key and returns
// its value, or NotFound if no such entry exists.
func (t *Tree) Lookup(root uint64, key uint64) ([]byte, error) {
	bnr := root
	for {
		n, err := t.readNode(bnr)
		if err != nil {
			return nil, err
		}

		if n.nodeType == codec.NodeLeaf {
			i := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] >= key })
			if i < len(n.keys) && n.keys[i] == key {
				return n.values[i], nil
			}
			return nil, errs.NotFound
		}

		idx := searchRightmost(n.keys, key)
		if idx < 0 {
			return nil, errs.NotFound
		}
		bnr = decodeBnr(n.values[idx])
	}
}

// Walk performs an in-order depth-first traversal from root, invoking
// visit once per leaf entry in ascending key order.
func (t *Tree) Walk(root uint64, visit Visitor) error {
	_, err := t.walk(root, visit)
	return err
}

// walk returns (stop, err); stop propagates upward so an ancestor can
// also short-circuit without visiting remaining siblings.
func (t *Tree) walk(bnr uint64, visit Visitor) (bool, error) {
	n, err := t.readNode(bnr)
	if err != nil {
		return false, err
	}

	if n.nodeType == codec.NodeLeaf {
		for i, k := range n.keys {
			stop, err := visit(k, n.values[i])
			if err != nil {
				return false, err
			}
			if stop {
				return true, nil
			}
		}
		return false, nil
	}

	for _, v := range n.values {
		stop, err := t.walk(decodeBnr(v), visit)
		if err != nil {
			return false, err
		}
		if stop {
			return true, nil
		}
	}

	return false, nil
}

// promotion describes a new right sibling produced by a split, to be
// inserted into the parent (or used to build a new root).
type promotion struct {
	key uint64
	bnr uint64
}

// Insert adds or overwrites the entry for key in the tree rooted at
// root, returning the new root block number. Every allocation along the
// path increments the space map through the Allocator; every node it
// replaces is decremented.
func (t *Tree) Insert(root uint64, key uint64, value []byte) (uint64, error) {
	newBnr, _, promo, err := t.insert(root, key, value)
	if err != nil {
		return 0, err
	}
	if promo == nil {
		return newBnr, nil
	}

	left, err := t.readNode(newBnr)
	if err != nil {
		return 0, err
	}

	rootNode := &node{
		nodeType:  codec.NodeInternal,
		valueSize: ptrSize,
		keys:      []uint64{left.keys[0], promo.key},
		values:    [][]byte{encodeBnr(newBnr), encodeBnr(promo.bnr)},
	}
	return t.writeNewNode(rootNode)
}

func (t *Tree) insert(bnr uint64, key uint64, value []byte) (newBnr uint64, minKey uint64, promo *promotion, err error) {
	n, err := t.readNode(bnr)
	if err != nil {
		return 0, 0, nil, err
	}

	if n.nodeType == codec.NodeLeaf {
		return t.insertLeaf(n, key, value)
	}

	idx := searchRightmost(n.keys, key)
	if idx < 0 {
		idx = 0 // key smaller than everything: still goes down the leftmost child
	}

	childNewBnr, childMinKey, childPromo, err := t.insert(decodeBnr(n.values[idx]), key, value)
	if err != nil {
		return 0, 0, nil, err
	}

	newNode := n.clone()
	newNode.values[idx] = encodeBnr(childNewBnr)
	newNode.keys[idx] = childMinKey

	if childPromo != nil {
		insertAt := idx + 1
		newNode.keys = append(newNode.keys, 0)
		newNode.values = append(newNode.values, nil)
		copy(newNode.keys[insertAt+1:], newNode.keys[insertAt:])
		copy(newNode.values[insertAt+1:], newNode.values[insertAt:])
		newNode.keys[insertAt] = childPromo.key
		newNode.values[insertAt] = encodeBnr(childPromo.bnr)
	}

	if err := t.alloc.Dec(bnr); err != nil {
		return 0, 0, nil, err
	}

	if len(newNode.keys) <= maxEntries(newNode.valueSize) {
		wrote, err := t.writeNewNode(newNode)
		if err != nil {
			return 0, 0, nil, err
		}
		return wrote, newNode.keys[0], nil, nil
	}

	return t.splitAndWrite(newNode)
}

func (t *Tree) insertLeaf(n *node, key uint64, value []byte) (newBnr uint64, minKey uint64, promo *promotion, err error) {
	newNode := n.clone()

	i := sort.Search(len(newNode.keys), func(i int) bool { return newNode.keys[i] >= key })
	if i < len(newNode.keys) && newNode.keys[i] == key {
		newNode.values[i] = append([]byte(nil), value...)
	} else {
		newNode.keys = append(newNode.keys, 0)
		newNode.values = append(newNode.values, nil)
		copy(newNode.keys[i+1:], newNode.keys[i:])
		copy(newNode.values[i+1:], newNode.values[i:])
		newNode.keys[i] = key
		newNode.values[i] = append([]byte(nil), value...)
	}

	if err := t.alloc.Dec(n.bnr); err != nil {
		return 0, 0, nil, err
	}

	if len(newNode.keys) <= maxEntries(newNode.valueSize) {
		wrote, err := t.writeNewNode(newNode)
		if err != nil {
			return 0, 0, nil, err
		}
		return wrote, newNode.keys[0], nil, nil
	}

	return t.splitAndWrite(newNode)
}

// splitAndWrite partitions an overfull node by median, writes both
// halves as fresh blocks, and returns the left half as the "in place"
// replacement plus a promotion describing the new right sibling.
func (t *Tree) splitAndWrite(n *node) (newBnr uint64, minKey uint64, promo *promotion, err error) {
	mid := len(n.keys) / 2

	left := &node{nodeType: n.nodeType, valueSize: n.valueSize, keys: n.keys[:mid], values: n.values[:mid]}
	right := &node{nodeType: n.nodeType, valueSize: n.valueSize, keys: n.keys[mid:], values: n.values[mid:]}

	leftBnr, err := t.writeNewNode(left)
	if err != nil {
		return 0, 0, nil, err
	}
	rightBnr, err := t.writeNewNode(right)
	if err != nil {
		return 0, 0, nil, err
	}

	return leftBnr, left.keys[0], &promotion{key: right.keys[0], bnr: rightBnr}, nil
}
