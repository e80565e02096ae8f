// Package batcher drives the commit lifecycle of a metadata transaction:
// it tracks role-tagged blocks as the B-tree and space-map layers
// produce them, flushes the I/O engine once enough have accumulated, and
// owns the superblock-last commit barrier. Any write failure poisons the
// batcher so every subsequent call fails fast rather than risking a
// torn transaction.
package batcher

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/dmthin/tpmeta/pkg/errs"
	"github.com/dmthin/tpmeta/pkg/ioengine"
	"github.com/dmthin/tpmeta/pkg/superblock"
)

// Role tags the kind of block a batcher operation produced, mirroring
// the roles named in the write batcher's contract.
type Role int

const (
	RoleLeaf Role = iota
	RoleInternal
	RoleBitmap
	RoleIndex
	RoleOverflow
	RoleSuperblock
)

func (r Role) String() string {
	switch r {
	case RoleLeaf:
		return "leaf"
	case RoleInternal:
		return "internal"
	case RoleBitmap:
		return "bitmap"
	case RoleIndex:
		return "index"
	case RoleOverflow:
		return "overflow"
	case RoleSuperblock:
		return "superblock"
	default:
		return "unknown"
	}
}

// State is the batcher's transaction state. Only Idle->Building and
// Committed->Building are valid transitions into a new transaction;
// Poisoned is terminal until the caller starts over with a fresh
// Batcher.
type State int

const (
	Idle State = iota
	Building
	Flushing
	Committed
	Poisoned
)

// Batcher accumulates role-tagged block writes produced elsewhere (by
// the B-tree and space-map layers, which write through the same engine)
// and decides when to flush, finally committing a new superblock only
// once everything else is durable.
type Batcher struct {
	eng       ioengine.Engine
	batchSize int
	state     State
	pending   int
	counts    map[Role]int
}

// New returns a Batcher driving eng, flushing automatically once
// batchSize blocks have been tracked since the last flush.
func New(eng ioengine.Engine, batchSize int) *Batcher {
	if batchSize <= 0 {
		batchSize = eng.BatchSize()
	}
	return &Batcher{
		eng:       eng,
		batchSize: batchSize,
		state:     Idle,
		counts:    make(map[Role]int),
	}
}

// State returns the batcher's current state.
func (b *Batcher) State() State { return b.state }

// Counts returns how many blocks of each role have been tracked across
// the lifetime of this batcher (not reset by Flush), for reporting.
func (b *Batcher) Counts() map[Role]int {
	out := make(map[Role]int, len(b.counts))
	for r, n := range b.counts {
		out[r] = n
	}
	return out
}

// Begin starts a new transaction. It is the only way out of Idle or
// Committed; starting from Building, Flushing or Poisoned is an error.
func (b *Batcher) Begin() error {
	switch b.state {
	case Idle, Committed:
		b.state = Building
		b.pending = 0
		return nil
	case Poisoned:
		return errs.Poisoned
	default:
		return pkgerrors.Errorf("batcher: cannot begin from state %d", b.state)
	}
}

// Track records that a role-tagged block numbered bnr has already been
// written through the engine (by the B-tree or space-map layer acting as
// this transaction's producer), and flushes once batchSize blocks have
// accumulated since the last flush.
func (b *Batcher) Track(role Role, bnr uint64) error {
	if b.state == Poisoned {
		return errs.Poisoned
	}
	if b.state != Building {
		return pkgerrors.Errorf("batcher: Track called in state %d, not Building", b.state)
	}

	b.counts[role]++
	b.pending++

	if b.pending >= b.batchSize {
		if err := b.flush(); err != nil {
			return b.poison(err)
		}
	}
	return nil
}

// Flush hands every block tracked since the last flush to the engine's
// durability barrier. Batcher exposes this directly so a caller can force
// a flush point without waiting for batchSize to be reached.
func (b *Batcher) Flush() error {
	if b.state == Poisoned {
		return errs.Poisoned
	}
	if b.state != Building {
		return pkgerrors.Errorf("batcher: Flush called in state %d, not Building", b.state)
	}
	if err := b.flush(); err != nil {
		return b.poison(err)
	}
	return nil
}

func (b *Batcher) flush() error {
	b.state = Flushing
	if err := b.eng.Flush(); err != nil {
		return errs.Wrap(0, err)
	}
	b.pending = 0
	b.state = Building
	return nil
}

// Commit is the transaction's commit barrier: it flushes every
// non-superblock block tracked so far, writes and flushes the new
// superblock last, tracks it under RoleSuperblock, and marks the
// transaction Committed. Any failure along the way poisons the batcher
// and leaves the on-disk superblock from the previous transaction
// untouched, since Write is only ever called here, last.
func (b *Batcher) Commit(sb *superblock.Superblock) error {
	if b.state == Poisoned {
		return errs.Poisoned
	}
	if b.state != Building {
		return pkgerrors.Errorf("batcher: Commit called in state %d, not Building", b.state)
	}

	if err := b.flush(); err != nil {
		return b.poison(err)
	}

	b.state = Flushing
	if err := superblock.Write(b.eng, sb); err != nil {
		return b.poison(err)
	}

	b.counts[RoleSuperblock]++
	b.pending = 0
	b.state = Committed
	return nil
}

// poison marks the batcher permanently failed and returns the triggering
// error wrapped for context; every subsequent call returns Poisoned.
func (b *Batcher) poison(err error) error {
	b.state = Poisoned
	return pkgerrors.Wrap(err, "write batcher poisoned")
}
