// Package spacemap implements the reference-count store described by the
// data model: a two-tier bitmap-plus-overflow-tree representation for
// persisted metadata and data space maps, and an array-backed in-core
// variant for synthetic generation and checking.
package spacemap

import (
	"github.com/dmthin/tpmeta/pkg/errs"
)

// Core is the in-core, unpersisted space map: same get/inc/dec/alloc
// contract as the persisted space map, backed by a flat array instead of
// bitmap blocks. The generator and damage packages work on the persisted
// SpaceMap, not on Core.
type Core interface {
	Get(b uint64) (uint32, error)
	Inc(b uint64) error
	Dec(b uint64) error
	Alloc() (uint64, error)
	NrAllocated() uint64
	NrBlocks() uint64
}

// NewCore returns a Core holding nrBlocks entries, each capable of
// counting up to maxCount. The element width -- u8, u16 or u32 -- is
// chosen once at construction so the common case (small reference
// counts) doesn't pay for 32-bit counters it never needs.
func NewCore(nrBlocks uint64, maxCount uint32) Core {
	switch {
	case maxCount <= 0xff:
		return &coreSpaceMap8{counts: make([]uint8, nrBlocks)}
	case maxCount <= 0xffff:
		return &coreSpaceMap16{counts: make([]uint16, nrBlocks)}
	default:
		return &coreSpaceMap32{counts: make([]uint32, nrBlocks)}
	}
}

type coreSpaceMap8 struct {
	counts      []uint8
	nrAllocated uint64
	cursor      uint64
}

func (c *coreSpaceMap8) NrBlocks() uint64    { return uint64(len(c.counts)) }
func (c *coreSpaceMap8) NrAllocated() uint64 { return c.nrAllocated }

func (c *coreSpaceMap8) Get(b uint64) (uint32, error) {
	if b >= uint64(len(c.counts)) {
		return 0, errs.Wrap(b, errs.NotFound)
	}
	return uint32(c.counts[b]), nil
}

func (c *coreSpaceMap8) Inc(b uint64) error {
	if b >= uint64(len(c.counts)) {
		return errs.Wrap(b, errs.NotFound)
	}
	if c.counts[b] == 0 {
		c.nrAllocated++
	}
	if c.counts[b] == 0xff {
		return &errs.Corrupt{Reason: "reference count overflowed its element width"}
	}
	c.counts[b]++
	return nil
}

func (c *coreSpaceMap8) Dec(b uint64) error {
	if b >= uint64(len(c.counts)) {
		return errs.Wrap(b, errs.NotFound)
	}
	if c.counts[b] == 0 {
		return &errs.Corrupt{Reason: "decrementing a zero reference count"}
	}
	c.counts[b]--
	if c.counts[b] == 0 {
		c.nrAllocated--
	}
	return nil
}

func (c *coreSpaceMap8) Alloc() (uint64, error) {
	n := uint64(len(c.counts))
	for i := uint64(0); i < n; i++ {
		b := (c.cursor + i) % n
		if c.counts[b] == 0 {
			c.counts[b] = 1
			c.nrAllocated++
			c.cursor = b + 1
			return b, nil
		}
	}
	return 0, errs.OutOfSpace
}

type coreSpaceMap16 struct {
	counts      []uint16
	nrAllocated uint64
	cursor      uint64
}

func (c *coreSpaceMap16) NrBlocks() uint64    { return uint64(len(c.counts)) }
func (c *coreSpaceMap16) NrAllocated() uint64 { return c.nrAllocated }

func (c *coreSpaceMap16) Get(b uint64) (uint32, error) {
	if b >= uint64(len(c.counts)) {
		return 0, errs.Wrap(b, errs.NotFound)
	}
	return uint32(c.counts[b]), nil
}

func (c *coreSpaceMap16) Inc(b uint64) error {
	if b >= uint64(len(c.counts)) {
		return errs.Wrap(b, errs.NotFound)
	}
	if c.counts[b] == 0 {
		c.nrAllocated++
	}
	if c.counts[b] == 0xffff {
		return &errs.Corrupt{Reason: "reference count overflowed its element width"}
	}
	c.counts[b]++
	return nil
}

func (c *coreSpaceMap16) Dec(b uint64) error {
	if b >= uint64(len(c.counts)) {
		return errs.Wrap(b, errs.NotFound)
	}
	if c.counts[b] == 0 {
		return &errs.Corrupt{Reason: "decrementing a zero reference count"}
	}
	c.counts[b]--
	if c.counts[b] == 0 {
		c.nrAllocated--
	}
	return nil
}

func (c *coreSpaceMap16) Alloc() (uint64, error) {
	n := uint64(len(c.counts))
	for i := uint64(0); i < n; i++ {
		b := (c.cursor + i) % n
		if c.counts[b] == 0 {
			c.counts[b] = 1
			c.nrAllocated++
			c.cursor = b + 1
			return b, nil
		}
	}
	return 0, errs.OutOfSpace
}

type coreSpaceMap32 struct {
	counts      []uint32
	nrAllocated uint64
	cursor      uint64
}

func (c *coreSpaceMap32) NrBlocks() uint64    { return uint64(len(c.counts)) }
func (c *coreSpaceMap32) NrAllocated() uint64 { return c.nrAllocated }

func (c *coreSpaceMap32) Get(b uint64) (uint32, error) {
	if b >= uint64(len(c.counts)) {
		return 0, errs.Wrap(b, errs.NotFound)
	}
	return c.counts[b], nil
}

func (c *coreSpaceMap32) Inc(b uint64) error {
	if b >= uint64(len(c.counts)) {
		return errs.Wrap(b, errs.NotFound)
	}
	if c.counts[b] == 0 {
		c.nrAllocated++
	}
	if c.counts[b] == 0xffffffff {
		return &errs.Corrupt{Reason: "reference count overflowed its element width"}
	}
	c.counts[b]++
	return nil
}

func (c *coreSpaceMap32) Dec(b uint64) error {
	if b >= uint64(len(c.counts)) {
		return errs.Wrap(b, errs.NotFound)
	}
	if c.counts[b] == 0 {
		return &errs.Corrupt{Reason: "decrementing a zero reference count"}
	}
	c.counts[b]--
	if c.counts[b] == 0 {
		c.nrAllocated--
	}
	return nil
}

func (c *coreSpaceMap32) Alloc() (uint64, error) {
	n := uint64(len(c.counts))
	for i := uint64(0); i < n; i++ {
		b := (c.cursor + i) % n
		if c.counts[b] == 0 {
			c.counts[b] = 1
			c.nrAllocated++
			c.cursor = b + 1
			return b, nil
		}
	}
	return 0, errs.OutOfSpace
}
