package wire

// Unit conversion between the simulation's internal units (nm, kJ/mol) and
// the client protocol's units (Angstrom, kcal/mol).
const (
	// AngstromPerNm scales internal lengths to client lengths.
	AngstromPerNm = 10.0
	// JoulePerCal is the thermochemical calorie.
	JoulePerCal = 4.184
	// ForceClientToInternal converts a client force in kcal/mol/A to the
	// internal kJ/mol/nm.
	ForceClientToInternal = JoulePerCal * AngstromPerNm
	// ForceInternalToClient is the inverse conversion.
	ForceInternalToClient = 1.0 / ForceClientToInternal
)
