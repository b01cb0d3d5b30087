package sim

import (
	"fmt"

	"github.com/apexsims/steer/assemble"
	"github.com/apexsims/steer/types"
)

// FreeFlight is a minimal deterministic engine: unit-mass particles in a
// periodic orthogonal box, advanced by symplectic Euler steps. It exists so
// the steering core can be driven end-to-end without a real physics engine.
type FreeFlight struct {
	box types.Box
	dt  float64

	x []types.Vec3
	v []types.Vec3
	f []types.Vec3 // external forces for the current step

	mols []assemble.Range
}

// NewFreeFlight creates an engine with the given initial state. Positions
// must lie inside the box. One molecule spanning all atoms is assumed unless
// SetMolecules is called.
func NewFreeFlight(box types.Box, dt float64, x, v []types.Vec3) (*FreeFlight, error) {
	if len(x) != len(v) {
		return nil, fmt.Errorf("positions and velocities differ in length: %d vs %d", len(x), len(v))
	}
	if dt <= 0 {
		return nil, fmt.Errorf("time step must be positive, got %g", dt)
	}
	e := &FreeFlight{
		box:  box,
		dt:   dt,
		x:    append([]types.Vec3(nil), x...),
		v:    append([]types.Vec3(nil), v...),
		f:    make([]types.Vec3, len(x)),
		mols: []assemble.Range{{Begin: 0, End: len(x)}},
	}
	return e, nil
}

// SetMolecules overrides the single-molecule default topology.
func (e *FreeFlight) SetMolecules(mols []assemble.Range) { e.mols = mols }

// Positions implements Engine.
func (e *FreeFlight) Positions() []types.Vec3 { return e.x }

// AddForce implements Engine.
func (e *FreeFlight) AddForce(local int, f types.Vec3) {
	e.f[local] = e.f[local].Add(f)
}

// Box implements Engine.
func (e *FreeFlight) Box() types.Box { return e.box }

// Energies implements Engine. Free flight has only kinetic energy; values
// are authoritative on every step.
func (e *FreeFlight) Energies(step int64) (types.EnergyBlock, bool) {
	var ekin float64
	for _, v := range e.v {
		ekin += 0.5 * (v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	}
	return types.EnergyBlock{
		Step:  int32(step),
		Total: float32(ekin),
	}, true
}

// Step advances one time step and wraps positions back into the box. The
// external forces accumulated since the last step are consumed.
func (e *FreeFlight) Step() {
	for i := range e.x {
		for d := 0; d < 3; d++ {
			e.v[i][d] += e.f[i][d] * e.dt
			e.x[i][d] += e.v[i][d] * e.dt

			edge := e.box[d][d]
			for e.x[i][d] >= edge {
				e.x[i][d] -= edge
			}
			for e.x[i][d] < 0 {
				e.x[i][d] += edge
			}
		}
		e.f[i] = types.Vec3{}
	}
}

// TotalAtoms implements Topology.
func (e *FreeFlight) TotalAtoms() int { return len(e.x) }

// Molecules implements Topology.
func (e *FreeFlight) Molecules() []assemble.Range { return e.mols }

var (
	_ Engine   = (*FreeFlight)(nil)
	_ Topology = (*FreeFlight)(nil)
)
