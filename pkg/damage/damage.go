// Package damage generates synthetic corruption in an otherwise valid
// metadata image, for exercising repair tools against known-bad inputs
// without needing a real failure to reproduce one.
package damage

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/dmthin/tpmeta/pkg/spacemap"
)

// Op selects a damage operation and its parameters.
type Op struct {
	// CreateMetadataLeaks picks blocks currently at ExpectedRC and
	// rewrites their reference count to ActualRC, leaving the trees
	// themselves structurally walkable -- only their accounting in the
	// space map disagrees with what a consistency check would expect.
	CreateMetadataLeaks bool
	NrBlocks            uint32
	ExpectedRC          uint32
	ActualRC            uint32
}

// Generate applies op against sm, returning how many blocks were
// actually damaged (which may be fewer than op.NrBlocks if the metadata
// space map doesn't have that many blocks at ExpectedRC).
func Generate(sm *spacemap.SpaceMap, op Op) (int, error) {
	if !op.CreateMetadataLeaks {
		return 0, pkgerrors.New("damage: no operation selected")
	}
	return createMetadataLeaks(sm, op.NrBlocks, op.ExpectedRC, op.ActualRC)
}

// createMetadataLeaks scans the space map's tracked range in block-number
// order and rewrites up to nrBlocks entries found at expectedRC to
// actualRC.
func createMetadataLeaks(sm *spacemap.SpaceMap, nrBlocks uint32, expectedRC, actualRC uint32) (int, error) {
	var damaged uint32
	for b := uint64(0); b < sm.NrBlocks() && damaged < nrBlocks; b++ {
		rc, err := sm.Get(b)
		if err != nil {
			return int(damaged), err
		}
		if rc != expectedRC {
			continue
		}
		if err := sm.SetCount(b, actualRC); err != nil {
			return int(damaged), err
		}
		damaged++
	}
	return int(damaged), nil
}
