// Package types holds the shared leaf types of the steering core: cartesian
// and integer vectors, the periodic simulation box, and the energy record
// exchanged with the client. It has no internal dependencies.
package types

// Vec3 is a cartesian vector in internal units (lengths in nm, forces in
// kJ/mol/nm).
type Vec3 [3]float64

// IVec3 is an integer triple, used for accumulated periodic shift counts.
type IVec3 [3]int

// Add returns v + w.
func (v Vec3) Add(w Vec3) Vec3 {
	return Vec3{v[0] + w[0], v[1] + w[1], v[2] + w[2]}
}

// Sub returns v - w.
func (v Vec3) Sub(w Vec3) Vec3 {
	return Vec3{v[0] - w[0], v[1] - w[1], v[2] - w[2]}
}

// Box holds the periodic cell vectors as rows: b[i][j] is the j-th cartesian
// component of cell vector i. Only the lower triangle may be non-zero; a
// purely diagonal box is orthogonal.
type Box [3][3]float64

// Triclinic reports whether the box has any off-diagonal components.
func (b Box) Triclinic() bool {
	return b[1][0] != 0 || b[2][0] != 0 || b[2][1] != 0
}

// ApplyShift adds shift periodic images to x: x + shift[0]*b0 + shift[1]*b1
// + shift[2]*b2.
func (b Box) ApplyShift(x Vec3, shift IVec3) Vec3 {
	tx, ty, tz := float64(shift[0]), float64(shift[1]), float64(shift[2])
	return Vec3{
		x[0] + tx*b[0][0] + ty*b[1][0] + tz*b[2][0],
		x[1] + ty*b[1][1] + tz*b[2][1],
		x[2] + tz*b[2][2],
	}
}

// RemoveShift subtracts shift periodic images from x, using the triclinic
// formula when the box has off-diagonal components.
func (b Box) RemoveShift(x Vec3, shift IVec3) Vec3 {
	tx, ty, tz := float64(shift[0]), float64(shift[1]), float64(shift[2])
	if b.Triclinic() {
		return Vec3{
			x[0] - tx*b[0][0] - ty*b[1][0] - tz*b[2][0],
			x[1] - ty*b[1][1] - tz*b[2][1],
			x[2] - tz*b[2][2],
		}
	}
	return Vec3{
		x[0] - tx*b[0][0],
		x[1] - ty*b[1][1],
		x[2] - tz*b[2][2],
	}
}
