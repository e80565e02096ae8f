// Package restore implements the write-side counterpart to a metadata
// dump: a Restorer accepts the same visitor-shaped calls a dump's
// MetadataVisitor would receive, and turns them back into a formatted
// metadata device via the write batcher, the two space maps, and the
// mapping-tree hierarchy.
package restore

import (
	"encoding/binary"

	pkgerrors "github.com/pkg/errors"

	"github.com/google/uuid"

	"github.com/dmthin/tpmeta/pkg/batcher"
	"github.com/dmthin/tpmeta/pkg/btree"
	"github.com/dmthin/tpmeta/pkg/codec"
	"github.com/dmthin/tpmeta/pkg/ioengine"
	"github.com/dmthin/tpmeta/pkg/spacemap"
	"github.com/dmthin/tpmeta/pkg/superblock"
)

const topTreeValueSize = 8 // block-number pointer to a per-device mapping tree

// Restorer rebuilds a metadata device from a stream of superblock,
// device, range and ref callbacks, the same shape a dump tool's
// MetadataVisitor would be driven by in reverse. It composes the
// mapping tree as a two-level structure: a top tree keyed by thin-device
// id, whose leaves are the block numbers of each device's own mapping
// tree keyed by logical block, per the data model's multi-level tree
// description.
type Restorer struct {
	eng     ioengine.Engine
	batcher *batcher.Batcher

	metaSM *spacemap.SpaceMap
	dataSM *spacemap.SpaceMap

	topRoot     uint64
	detailsRoot uint64
	topTree     *btree.Tree
	detailsTree *btree.Tree

	txnID         uint64
	uuid          uuid.UUID
	dataBlockSize uint32

	curDevice     uint64
	curDeviceRoot uint64
	curMapping    *btree.Tree
	haveDevice    bool
}

// New returns a Restorer driving eng through a fresh Batcher flushing
// every batchSize blocks.
func New(eng ioengine.Engine, batchSize int) *Restorer {
	return &Restorer{
		eng:     eng,
		batcher: batcher.New(eng, batchSize),
	}
}

// Superblock begins a new transaction: it formats fresh metadata and
// data space maps and an empty top mapping tree and device-details tree,
// recording the transaction id and data geometry for the final commit.
func (r *Restorer) Superblock(txnID uint64, id uuid.UUID, dataBlockSize uint32, nrDataBlocks uint64) error {
	if err := r.batcher.Begin(); err != nil {
		return err
	}

	nrMetaBlocks := r.eng.NrBlocks()
	nrMetaBitmapBlocks := bitmapBlocksNeeded(nrMetaBlocks)
	metaBitmapNrs := make([]uint64, nrMetaBitmapBlocks)
	for i := range metaBitmapNrs {
		metaBitmapNrs[i] = uint64(1 + i)
	}

	metaSM, err := spacemap.Create(r.eng, metaBitmapNrs, nrMetaBlocks, true)
	if err != nil {
		return pkgerrors.Wrap(err, "restore: formatting metadata space map")
	}
	if err := metaSM.Inc(superblock.Location); err != nil {
		return pkgerrors.Wrap(err, "restore: reserving superblock location")
	}
	for _, bnr := range metaBitmapNrs {
		if err := r.batcher.Track(batcher.RoleBitmap, bnr); err != nil {
			return err
		}
	}

	nrDataBitmapBlocks := bitmapBlocksNeeded(nrDataBlocks)
	dataBitmapNrs := make([]uint64, nrDataBitmapBlocks)
	for i := range dataBitmapNrs {
		bnr, err := metaSM.Alloc()
		if err != nil {
			return err
		}
		dataBitmapNrs[i] = bnr
	}
	dataSM, err := spacemap.Create(r.eng, dataBitmapNrs, nrDataBlocks, false)
	if err != nil {
		return pkgerrors.Wrap(err, "restore: formatting data space map")
	}
	for _, bnr := range dataBitmapNrs {
		if err := r.batcher.Track(batcher.RoleBitmap, bnr); err != nil {
			return err
		}
	}

	r.topTree = btree.New(r.eng, metaSM, topTreeValueSize)
	topRoot, err := r.topTree.Create()
	if err != nil {
		return err
	}
	if err := r.batcher.Track(batcher.RoleLeaf, topRoot); err != nil {
		return err
	}

	r.detailsTree = btree.New(r.eng, metaSM, codec.DeviceDetailsSize)
	detailsRoot, err := r.detailsTree.Create()
	if err != nil {
		return err
	}
	if err := r.batcher.Track(batcher.RoleLeaf, detailsRoot); err != nil {
		return err
	}

	r.metaSM = metaSM
	r.dataSM = dataSM
	r.topRoot = topRoot
	r.detailsRoot = detailsRoot
	r.txnID = txnID
	r.uuid = id
	r.dataBlockSize = dataBlockSize

	return nil
}

// Device opens a thin device within the current transaction: a fresh,
// empty per-device mapping tree is created, ready for MapRange calls.
func (r *Restorer) Device(thinID uint64, details codec.DeviceDetails) error {
	if r.metaSM == nil {
		return pkgerrors.New("restore: Device called before Superblock")
	}
	if r.haveDevice {
		return pkgerrors.New("restore: Device called before the previous device was closed")
	}

	r.curMapping = btree.New(r.eng, r.metaSM, codec.MappingValueSize)
	root, err := r.curMapping.Create()
	if err != nil {
		return err
	}
	if err := r.batcher.Track(batcher.RoleLeaf, root); err != nil {
		return err
	}

	r.curDevice = thinID
	r.curDeviceRoot = root
	r.haveDevice = true

	detailsRoot, err := r.detailsTree.Insert(r.detailsRoot, thinID, codec.PackDeviceDetails(details))
	if err != nil {
		return err
	}
	r.detailsRoot = detailsRoot
	return r.batcher.Track(batcher.RoleLeaf, detailsRoot)
}

// MapRange inserts length consecutive logical-to-data mappings starting
// at beginLogical/beginData into the current device's mapping tree, and
// takes a data space map reference on each data block mapped.
func (r *Restorer) MapRange(beginLogical, beginData, length uint64, t uint32) error {
	if !r.haveDevice {
		return pkgerrors.New("restore: MapRange called outside a Device")
	}

	for i := uint64(0); i < length; i++ {
		value := codec.PackMappingValue(codec.MappingValue{Time: t, DataBlock: beginData + i})
		buf := make([]byte, codec.MappingValueSize)
		binary.LittleEndian.PutUint64(buf, value)

		root, err := r.curMapping.Insert(r.curDeviceRoot, beginLogical+i, buf)
		if err != nil {
			return err
		}
		r.curDeviceRoot = root

		if err := r.dataSM.Inc(beginData + i); err != nil {
			return err
		}
	}

	return r.batcher.Track(batcher.RoleLeaf, r.curDeviceRoot)
}

// Ref takes an extra data space map reference on dataBlock without
// adding a mapping entry, for a later device sharing a block that an
// earlier snapshot already mapped.
func (r *Restorer) Ref(dataBlock uint64) error {
	return r.dataSM.Inc(dataBlock)
}

// EndDevice closes the current device, publishing its mapping tree's
// final root into the top tree under its thin-device id.
func (r *Restorer) EndDevice() error {
	if !r.haveDevice {
		return pkgerrors.New("restore: EndDevice called outside a Device")
	}

	ptr := make([]byte, topTreeValueSize)
	binary.LittleEndian.PutUint64(ptr, r.curDeviceRoot)

	topRoot, err := r.topTree.Insert(r.topRoot, r.curDevice, ptr)
	if err != nil {
		return err
	}
	r.topRoot = topRoot
	r.haveDevice = false

	return r.batcher.Track(batcher.RoleInternal, topRoot)
}

// EndSuperblock finishes the transaction: it writes both space maps'
// root records, builds the final superblock, and commits it as the
// batcher's barrier, after which the metadata device is durable and
// consistent.
func (r *Restorer) EndSuperblock() error {
	if r.haveDevice {
		return pkgerrors.New("restore: EndSuperblock called with a device still open")
	}

	metaRootBnr, err := r.metaSM.Alloc()
	if err != nil {
		return err
	}
	dataRootBnr, err := r.metaSM.Alloc()
	if err != nil {
		return err
	}
	if err := r.metaSM.WriteRoot(metaRootBnr); err != nil {
		return err
	}
	if err := r.dataSM.WriteRoot(dataRootBnr); err != nil {
		return err
	}

	sb := &superblock.Superblock{
		TransactionID:        r.txnID,
		UUID:                 r.uuid,
		MappingRoot:          r.topRoot,
		DeviceDetailsRoot:    r.detailsRoot,
		DataSpaceMapRoot:     dataRootBnr,
		MetadataSpaceMapRoot: metaRootBnr,
		DataBlockSize:        r.dataBlockSize,
		NrMetadataBlocks:     r.eng.NrBlocks(),
	}

	return r.batcher.Commit(sb)
}

func bitmapBlocksNeeded(nrBlocks uint64) uint64 {
	per := uint64(codec.BitmapEntriesPerBlock)
	if nrBlocks == 0 {
		return 1
	}
	return (nrBlocks + per - 1) / per
}
