// Package generator implements the two synthetic-metadata operations a
// repair or test tool drives directly against a metadata device without
// going through the dump/restore XML path: formatting a brand-new, empty
// image, and flipping the needs_check flag as a one-shot transition.
package generator

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/google/uuid"

	"github.com/dmthin/tpmeta/pkg/btree"
	"github.com/dmthin/tpmeta/pkg/codec"
	"github.com/dmthin/tpmeta/pkg/ioengine"
	"github.com/dmthin/tpmeta/pkg/spacemap"
	"github.com/dmthin/tpmeta/pkg/superblock"
)

// Op selects which metadata operation GenerateMetadata performs.
type Op int

const (
	// OpFormat lays down a fresh, empty superblock plus empty mapping,
	// device-details and space-map structures. Its content generator is
	// intentionally a no-op beyond that: there is nothing upstream of
	// this package describing devices or mappings to populate it with,
	// so formatting an empty image is the whole of it.
	OpFormat Op = iota
	// OpSetNeedsCheck reads the current superblock, sets needs_check,
	// and writes it back.
	OpSetNeedsCheck
)

// MaxConcurrentIO is the metadata generator's concurrency cap. The async
// engine's actual in-flight bound is ioengine.MaxConcurrentIO, which has
// the same value; nothing in this package reads this constant.
const MaxConcurrentIO = 1024

// Options configures one GenerateMetadata call.
type Options struct {
	AsyncIO       bool
	CacheHint     int64
	NrThreads     int
	Op            Op
	DataBlockSize uint32
	NrDataBlocks  uint64
	Output        string
}

// GenerateMetadata opens the configured metadata device and performs the
// requested operation, choosing the synchronous or asynchronous I/O
// engine the same way the CLI's engine selection does.
func GenerateMetadata(opts Options) error {
	eng, err := ioengine.Open(ioengine.Config{
		Path:      opts.Output,
		AsyncIO:   opts.AsyncIO,
		CacheHint: opts.CacheHint,
		NrThreads: opts.NrThreads,
		Exclusive: true,
		Writable:  true,
	})
	if err != nil {
		return pkgerrors.Wrap(err, "generator: opening metadata device")
	}

	switch opts.Op {
	case OpFormat:
		return format(eng, opts)
	case OpSetNeedsCheck:
		return superblock.SetNeedsCheck(eng)
	default:
		return pkgerrors.Errorf("generator: unknown op %d", opts.Op)
	}
}

// format lays down a fresh metadata space map (tracking the metadata
// device's own blocks, including its own bitmap -- the fixed point
// described in the data model), a fresh data space map (tracking the
// separate data device, stored inside the metadata device), and empty
// mapping and device-details trees, then commits the resulting
// superblock.
func format(eng ioengine.Engine, opts Options) error {
	nrMetaBlocks := eng.NrBlocks()
	if nrMetaBlocks < 4 {
		return pkgerrors.New("generator: metadata device too small to format")
	}

	nrMetaBitmapBlocks := bitmapBlocksNeeded(nrMetaBlocks)
	metaBitmapNrs := make([]uint64, nrMetaBitmapBlocks)
	for i := range metaBitmapNrs {
		metaBitmapNrs[i] = uint64(1 + i) // block 0 is the superblock
	}

	metaSM, err := spacemap.Create(eng, metaBitmapNrs, nrMetaBlocks, true)
	if err != nil {
		return pkgerrors.Wrap(err, "generator: formatting metadata space map")
	}
	if err := metaSM.Inc(superblock.Location); err != nil {
		return pkgerrors.Wrap(err, "generator: reserving superblock location")
	}

	dataSM, err := createDataSpaceMap(eng, metaSM, opts.NrDataBlocks)
	if err != nil {
		return pkgerrors.Wrap(err, "generator: formatting data space map")
	}

	metaRootBnr, err := metaSM.Alloc()
	if err != nil {
		return pkgerrors.Wrap(err, "generator: allocating metadata space-map root block")
	}
	dataRootBnr, err := metaSM.Alloc()
	if err != nil {
		return pkgerrors.Wrap(err, "generator: allocating data space-map root block")
	}
	if err := metaSM.WriteRoot(metaRootBnr); err != nil {
		return pkgerrors.Wrap(err, "generator: writing metadata space-map root")
	}
	if err := dataSM.WriteRoot(dataRootBnr); err != nil {
		return pkgerrors.Wrap(err, "generator: writing data space-map root")
	}

	mappingRoot, err := btree.New(eng, metaSM, codec.MappingValueSize).Create()
	if err != nil {
		return pkgerrors.Wrap(err, "generator: creating empty mapping tree")
	}
	detailsRoot, err := btree.New(eng, metaSM, codec.DeviceDetailsSize).Create()
	if err != nil {
		return pkgerrors.Wrap(err, "generator: creating empty device-details tree")
	}

	sb := &superblock.Superblock{
		TransactionID:        1,
		UUID:                 uuid.New(),
		MappingRoot:          mappingRoot,
		DeviceDetailsRoot:    detailsRoot,
		DataSpaceMapRoot:     dataRootBnr,
		MetadataSpaceMapRoot: metaRootBnr,
		DataBlockSize:        opts.DataBlockSize,
		NrMetadataBlocks:     nrMetaBlocks,
	}

	return superblock.Write(eng, sb)
}

// createDataSpaceMap allocates nrDataBitmapBlocks physical blocks from
// the already-formatted metadata space map to hold the data space map's
// bitmap, then creates the data space map over them. The two address
// spaces never overlap: metaSM indexes metadata-device blocks, dataSM
// indexes data-device blocks, and only dataSM's own bitmap storage is
// carved out of the metadata device.
func createDataSpaceMap(eng ioengine.Engine, metaSM *spacemap.SpaceMap, nrDataBlocks uint64) (*spacemap.SpaceMap, error) {
	nrDataBitmapBlocks := bitmapBlocksNeeded(nrDataBlocks)
	dataBitmapNrs := make([]uint64, nrDataBitmapBlocks)
	for i := range dataBitmapNrs {
		bnr, err := metaSM.Alloc()
		if err != nil {
			return nil, err
		}
		dataBitmapNrs[i] = bnr
	}
	return spacemap.Create(eng, dataBitmapNrs, nrDataBlocks, false)
}

func bitmapBlocksNeeded(nrBlocks uint64) uint64 {
	per := uint64(codec.BitmapEntriesPerBlock)
	if nrBlocks == 0 {
		return 1
	}
	return (nrBlocks + per - 1) / per
}
