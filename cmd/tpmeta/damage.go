package main

import (
	"github.com/spf13/cobra"

	"github.com/dmthin/tpmeta/pkg/damage"
	"github.com/dmthin/tpmeta/pkg/ioengine"
	"github.com/dmthin/tpmeta/pkg/spacemap"
	"github.com/dmthin/tpmeta/pkg/superblock"
)

var (
	flagNrBlocks uint32
	flagExpectRC uint32
	flagActualRC uint32
)

var damageCmd = &cobra.Command{
	Use:   "damage",
	Short: "generate synthetic corruption in a metadata image",
}

var createMetadataLeaksCmd = &cobra.Command{
	Use:   "create-metadata-leaks <device>",
	Short: "rewrite blocks at one reference count to another, leaving trees walkable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCreateMetadataLeaks(args[0])
	},
}

func init() {
	createMetadataLeaksCmd.Flags().Uint32Var(&flagNrBlocks, "nr-blocks", 1, "number of blocks to rewrite")
	createMetadataLeaksCmd.Flags().Uint32Var(&flagExpectRC, "expected-rc", 1, "reference count a block must currently have to be targeted")
	createMetadataLeaksCmd.Flags().Uint32Var(&flagActualRC, "actual-rc", 0, "reference count to rewrite targeted blocks to")
	addEngineFlags(createMetadataLeaksCmd.Flags())
}

func runCreateMetadataLeaks(path string) error {
	eng, err := ioengine.Open(ioengine.Config{
		Path:      path,
		AsyncIO:   flagAsyncIO || engineAsyncIO(),
		CacheHint: engineCacheHint(),
		NrThreads: engineNrThreads(),
		Exclusive: engineExclusive(),
		Writable:  true,
	})
	if err != nil {
		return err
	}

	sb, err := superblock.Read(eng)
	if err != nil {
		return err
	}

	metaBitmapNrs := make([]uint64, spacemap.BitmapBlocksNeeded(sb.NrMetadataBlocks))
	for i := range metaBitmapNrs {
		metaBitmapNrs[i] = uint64(1 + i)
	}
	root, err := spacemap.ReadRoot(eng, sb.MetadataSpaceMapRoot)
	if err != nil {
		return err
	}
	sm := spacemap.Open(eng, metaBitmapNrs, sb.NrMetadataBlocks, root)

	n, err := damage.Generate(sm, damage.Op{
		CreateMetadataLeaks: true,
		NrBlocks:            flagNrBlocks,
		ExpectedRC:          flagExpectRC,
		ActualRC:            flagActualRC,
	})
	if err != nil {
		return err
	}

	if err := sm.WriteRoot(sb.MetadataSpaceMapRoot); err != nil {
		return err
	}

	sb.SetNeedsCheck()
	if err := superblock.Write(eng, sb); err != nil {
		return err
	}

	rep.Infof("damaged %d block(s) in %s, needs_check set", n, path)
	return nil
}
