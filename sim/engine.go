// Package sim defines the interfaces the steering core expects from its
// host simulation: the physics engine owning positions and forces, and the
// topology/partition collaborators. A small deterministic free-flight engine
// is provided for the CLI demo and end-to-end tests.
package sim

import (
	"github.com/apexsims/steer/assemble"
	"github.com/apexsims/steer/types"
)

// Engine is the steering core's view of the physics engine. Indices are
// process-local; on a worker they cover only the locally owned fragment.
type Engine interface {
	// Positions returns the local position array. The steering core only
	// reads it.
	Positions() []types.Vec3
	// AddForce adds an external force in internal units to a local atom for
	// the current step, on top of the engine's own forces.
	AddForce(local int, f types.Vec3)
	// Box returns the current periodic box.
	Box() types.Box
	// Energies returns the current energy terms, and whether authoritative
	// values are available this step. When false the previous client-visible
	// values stay on display.
	Energies(step int64) (types.EnergyBlock, bool)
}

// Topology is the steering core's view of the system topology.
type Topology interface {
	// TotalAtoms returns the number of atoms in the whole system.
	TotalAtoms() int
	// Molecules returns the molecule table as global atom ranges.
	Molecules() []assemble.Range
}
