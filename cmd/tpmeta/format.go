package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dmthin/tpmeta/pkg/generator"
)

var (
	flagDataBlockSize uint32
	flagNrDataBlocks  uint64
	flagAsyncIO       bool
)

func addEngineFlags(flags *pflag.FlagSet) {
	flags.BoolVar(&flagAsyncIO, "async-io", false, "use the single-threaded async I/O engine instead of the sync worker pool")
}

var formatCmd = &cobra.Command{
	Use:   "format <device>",
	Short: "format a fresh, empty metadata image",
	Long: `format lays down a new superblock over <device> with empty mapping,
device-details and space-map trees, ready for a restore to populate.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFormat(args[0])
	},
}

func runFormat(path string) error {
	opts := generator.Options{
		AsyncIO:       flagAsyncIO || engineAsyncIO(),
		CacheHint:     engineCacheHint(),
		NrThreads:     engineNrThreads(),
		Op:            generator.OpFormat,
		DataBlockSize: flagDataBlockSize,
		NrDataBlocks:  flagNrDataBlocks,
		Output:        path,
	}
	if err := generator.GenerateMetadata(opts); err != nil {
		return err
	}
	rep.Infof("formatted %s: %d data blocks at %d sectors each", path, flagNrDataBlocks, flagDataBlockSize)
	return nil
}

var setNeedsCheckCmd = &cobra.Command{
	Use:   "set-needs-check <device>",
	Short: "set the needs_check flag on an existing metadata image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := generator.Options{
			AsyncIO: flagAsyncIO || engineAsyncIO(),
			Op:      generator.OpSetNeedsCheck,
			Output:  args[0],
		}
		return generator.GenerateMetadata(opts)
	},
}

func init() {
	formatCmd.Flags().Uint32Var(&flagDataBlockSize, "data-block-size", 128, "data block size in 512-byte sectors")
	formatCmd.Flags().Uint64Var(&flagNrDataBlocks, "nr-data-blocks", 0, "number of data blocks the image should track")
	addEngineFlags(formatCmd.Flags())
	addEngineFlags(setNeedsCheckCmd.Flags())
}
