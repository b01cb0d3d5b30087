package types

// EnergyBlock is the fixed-layout snapshot of named energy terms reported to
// the steering client. Energies are in internal units (kJ/mol, temperature in
// K); the client displays them as-is.
//
// The block is updated opportunistically: when no authoritative values are
// available for a step, the previous values are kept so the client-visible
// series is stale-but-monotonic rather than gappy.
type EnergyBlock struct {
	Step        int32
	Temperature float32
	Total       float32
	Potential   float32
	VanDerWaals float32
	Coulomb     float32
	Bonds       float32
	Angles      float32
	Dihedrals   float32
	Impropers   float32
}
