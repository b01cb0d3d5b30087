package assemble

import (
	"fmt"

	"github.com/apexsims/steer/collective"
	"github.com/apexsims/steer/types"
)

// Assembly gathers each worker's fragment of the tracked positions into one
// ordered array and maintains the accumulated periodic-shift history that
// keeps the reported trajectory continuous from session start.
//
// All ranks call Gather in lock-step; the shift history and unwrapped
// positions live on the coordinator only.
type Assembly struct {
	comm collective.Comm
	set  *TrackedSet

	scratch []float64 // 3N reduce buffer, rebuilt each pass

	// Coordinator-only state.
	positions []types.Vec3 // assembled, shift-corrected
	old       []types.Vec3 // previous corrected positions, never reset
	shifts    []types.IVec3
	accrued   []types.IVec3 // shift increments from the last pass

	molIndex []int // molecule block offsets into the tracked array
}

// NewAssembly prepares the gather buffers. x0 is the full initial position
// array, required on the coordinator to seed the continuity reference; the
// seed is then broadcast so a later coordinator handoff stays possible.
func NewAssembly(comm collective.Comm, set *TrackedSet, x0 []types.Vec3) (*Assembly, error) {
	n := set.Len()
	a := &Assembly{
		comm:      comm,
		set:       set,
		scratch:   make([]float64, 3*n),
		positions: make([]types.Vec3, n),
		old:       make([]types.Vec3, n),
		shifts:    make([]types.IVec3, n),
		accrued:   make([]types.IVec3, n),
	}

	if comm.Rank() == 0 {
		if len(x0) <= set.GlobalIndex(n-1) {
			return nil, fmt.Errorf("initial positions cover %d atoms, tracked set needs %d",
				len(x0), set.GlobalIndex(n-1)+1)
		}
		for i := 0; i < n; i++ {
			a.old[i] = x0[set.GlobalIndex(i)]
		}
	}
	if err := comm.Broadcast(&a.old); err != nil {
		return nil, fmt.Errorf("seeding old positions failed: %w", err)
	}
	return a, nil
}

// SetMolecules installs the molecule table built by BuildMoleculeBlocks.
// Without it, Unwrap treats the whole tracked set as one molecule.
func (a *Assembly) SetMolecules(blocks []int) { a.molIndex = blocks }

// Gather assembles the tracked positions: every rank contributes its owned
// atoms from localX (indexed by process-local atom index), the fragments are
// sum-reduced, and the coordinator updates shift history and the corrected
// position array.
//
// Call on every communication step while connected, and additionally on
// every repartition step so the collective mapping stays seeded while the
// client is away.
func (a *Assembly) Gather(localX []types.Vec3, box types.Box) error {
	for i := range a.scratch {
		a.scratch[i] = 0
	}
	for k, local := range a.set.localIdx {
		slot := a.set.collectiveIdx[k]
		a.scratch[3*slot+0] = localX[local][0]
		a.scratch[3*slot+1] = localX[local][1]
		a.scratch[3*slot+2] = localX[local][2]
	}
	if err := a.comm.ReduceSum(a.scratch); err != nil {
		return fmt.Errorf("position gather failed: %w", err)
	}
	if a.comm.Rank() != 0 {
		return nil
	}

	for i := range a.positions {
		raw := types.Vec3{a.scratch[3*i], a.scratch[3*i+1], a.scratch[3*i+2]}
		a.accrued[i] = a.updateShift(i, raw, box)
		a.positions[i] = box.ApplyShift(raw, a.shifts[i])
		a.old[i] = a.positions[i]
	}
	return nil
}

// updateShift detects boundary crossings of atom i since the last pass and
// folds them into the accumulated shift. Atoms are assumed not to travel
// more than half a box length between passes.
func (a *Assembly) updateShift(i int, raw types.Vec3, box types.Box) types.IVec3 {
	var accrued types.IVec3
	cur := box.ApplyShift(raw, a.shifts[i])
	for d := 0; d < 3; d++ {
		edge := box[d][d]
		if edge == 0 {
			continue
		}
		delta := cur[d] - a.old[i][d]
		for delta > 0.5*edge {
			a.shifts[i][d]--
			accrued[d]--
			delta -= edge
		}
		for delta < -0.5*edge {
			a.shifts[i][d]++
			accrued[d]++
			delta += edge
		}
	}
	return accrued
}

// Positions returns the assembled, shift-corrected tracked positions.
// Coordinator only; the slice is reused across passes.
func (a *Assembly) Positions() []types.Vec3 { return a.positions }

// Shifts returns the accumulated shift counts. Coordinator only.
func (a *Assembly) Shifts() []types.IVec3 { return a.shifts }
