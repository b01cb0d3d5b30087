package assemble

import (
	"github.com/apexsims/steer/types"
)

// Range is a half-open interval of global atom indices belonging to one
// molecule, as provided by the topology collaborator.
type Range struct {
	Begin int
	End   int
}

// Contains reports whether the global index lies inside the range.
func (r Range) Contains(global int) bool { return global >= r.Begin && global < r.End }

// BuildMoleculeBlocks intersects the tracked set with the topology's
// molecule table. The result is an offset array into the tracked-atom order:
// block m spans tracked positions [blocks[m], blocks[m+1]). Molecules with
// no tracked atoms are dropped. Built once at session start.
func BuildMoleculeBlocks(set *TrackedSet, mols []Range) []int {
	blocks := []int{0}
	for _, mol := range mols {
		count := 0
		for i := 0; i < set.Len(); i++ {
			if mol.Contains(set.GlobalIndex(i)) {
				count++
			}
		}
		if count > 0 {
			blocks = append(blocks, blocks[len(blocks)-1]+count)
		}
	}
	return blocks
}

// Unwrap removes whole-molecule drift from the assembled positions: when
// every atom of a molecule has drifted past a periodic boundary in the same
// direction, the common extreme shift is removed so the molecule is reported
// near the central box while staying contiguous. Coordinator only.
//
// The removed images are also subtracted from the shift history, so running
// Unwrap again without new shift data is a no-op.
func (a *Assembly) Unwrap(box types.Box) {
	blocks := a.molIndex
	if len(blocks) < 2 {
		blocks = []int{0, len(a.positions)}
	}

	for m := 0; m+1 < len(blocks); m++ {
		lo, hi := blocks[m], blocks[m+1]
		if lo >= hi {
			continue
		}

		smallest := a.shifts[lo]
		largest := a.shifts[lo]
		for i := lo + 1; i < hi; i++ {
			for d := 0; d < 3; d++ {
				if a.shifts[i][d] < smallest[d] {
					smallest[d] = a.shifts[i][d]
				}
				if a.shifts[i][d] > largest[d] {
					largest[d] = a.shifts[i][d]
				}
			}
		}

		var drift types.IVec3
		for d := 0; d < 3; d++ {
			if smallest[d] > 0 {
				drift[d] = smallest[d]
			}
			if largest[d] < 0 {
				drift[d] = largest[d]
			}
		}
		if drift == (types.IVec3{}) {
			continue
		}

		for i := lo; i < hi; i++ {
			a.positions[i] = box.RemoveShift(a.positions[i], drift)
			for d := 0; d < 3; d++ {
				a.shifts[i][d] -= drift[d]
			}
			a.old[i] = a.positions[i]
		}
	}
}
