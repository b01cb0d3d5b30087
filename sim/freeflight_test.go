package sim

import (
	"math"
	"testing"

	"github.com/apexsims/steer/types"
)

func box(edge float64) types.Box {
	return types.Box{{edge, 0, 0}, {0, edge, 0}, {0, 0, edge}}
}

func TestNewFreeFlightValidation(t *testing.T) {
	if _, err := NewFreeFlight(box(10), 0.1, make([]types.Vec3, 2), make([]types.Vec3, 3)); err == nil {
		t.Error("expected error for mismatched array lengths")
	}
	if _, err := NewFreeFlight(box(10), 0, make([]types.Vec3, 2), make([]types.Vec3, 2)); err == nil {
		t.Error("expected error for zero time step")
	}
}

func TestStepIntegratesAndWraps(t *testing.T) {
	e, err := NewFreeFlight(box(10), 1.0,
		[]types.Vec3{{9.5, 5, 5}},
		[]types.Vec3{{1, 0, 0}})
	if err != nil {
		t.Fatalf("NewFreeFlight: %v", err)
	}
	e.Step()
	got := e.Positions()[0]
	if math.Abs(got[0]-0.5) > 1e-12 {
		t.Errorf("x = %v, want 0.5 after wrapping", got[0])
	}
}

func TestAddForceConsumedOnce(t *testing.T) {
	e, err := NewFreeFlight(box(100), 1.0,
		[]types.Vec3{{50, 50, 50}},
		[]types.Vec3{{0, 0, 0}})
	if err != nil {
		t.Fatalf("NewFreeFlight: %v", err)
	}
	e.AddForce(0, types.Vec3{2, 0, 0})
	e.Step()
	if v := e.v[0][0]; math.Abs(v-2) > 1e-12 {
		t.Errorf("velocity after forced step = %v, want 2", v)
	}
	// The force does not carry into the next step.
	e.Step()
	if v := e.v[0][0]; math.Abs(v-2) > 1e-12 {
		t.Errorf("velocity after free step = %v, want unchanged 2", v)
	}
}

func TestEnergiesKinetic(t *testing.T) {
	e, err := NewFreeFlight(box(10), 0.1,
		make([]types.Vec3, 2),
		[]types.Vec3{{1, 0, 0}, {0, 2, 0}})
	if err != nil {
		t.Fatalf("NewFreeFlight: %v", err)
	}
	block, ok := e.Energies(12)
	if !ok {
		t.Fatal("energies should always be authoritative")
	}
	if block.Step != 12 {
		t.Errorf("step = %d, want 12", block.Step)
	}
	if want := float32(0.5*1 + 0.5*4); block.Total != want {
		t.Errorf("total energy = %v, want %v", block.Total, want)
	}
}

func TestDefaultTopologySpansAllAtoms(t *testing.T) {
	e, err := NewFreeFlight(box(10), 0.1, make([]types.Vec3, 4), make([]types.Vec3, 4))
	if err != nil {
		t.Fatalf("NewFreeFlight: %v", err)
	}
	mols := e.Molecules()
	if len(mols) != 1 || mols[0].Begin != 0 || mols[0].End != 4 {
		t.Errorf("default molecules = %v, want one range over all atoms", mols)
	}
	if e.TotalAtoms() != 4 {
		t.Errorf("total atoms = %d, want 4", e.TotalAtoms())
	}
}
