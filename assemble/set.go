// Package assemble collects the tracked atoms' positions from every worker
// into one ordered array on the coordinator and keeps molecules visually
// whole across periodic boundaries.
package assemble

import (
	"fmt"
	"sort"
)

// Resolver maps a global atom index to a process-local one. The second
// return is false when the atom is not owned by this process.
type Resolver func(global int) (local int, ok bool)

// IdentityResolver is the single-process resolver: every atom is local and
// global and local indices coincide.
func IdentityResolver(global int) (int, bool) { return global, true }

// TrackedSet is the ordered set of atoms eligible for position reporting and
// external forces, together with this process's locally owned slice of it.
type TrackedSet struct {
	global []int // strictly increasing global atom indices

	// Local ownership, rebuilt whenever the partition changes.
	localIdx      []int // process-local index of each owned tracked atom
	collectiveIdx []int // slot of each owned atom in the assembled array
}

// NewTrackedSet validates the index list and builds the set. The list must
// be strictly increasing; anything else is a configuration error, reported
// before any session state is created.
func NewTrackedSet(global []int) (*TrackedSet, error) {
	if len(global) == 0 {
		return nil, fmt.Errorf("tracked atom set is empty")
	}
	for i := 0; i+1 < len(global); i++ {
		if global[i] >= global[i+1] {
			return nil, fmt.Errorf("tracked atom index list is not sorted at position %d (%d >= %d)",
				i, global[i], global[i+1])
		}
	}
	set := &TrackedSet{global: append([]int(nil), global...)}
	set.Rebuild(IdentityResolver)
	return set, nil
}

// Len returns the total number of tracked atoms.
func (s *TrackedSet) Len() int { return len(s.global) }

// GlobalIndex returns the global atom index at tracked position i.
func (s *TrackedSet) GlobalIndex(i int) int { return s.global[i] }

// FindTracked returns the tracked position of a global atom index, or
// (-1, false) when the atom is not in the set.
func (s *TrackedSet) FindTracked(global int) (int, bool) {
	i := sort.SearchInts(s.global, global)
	if i < len(s.global) && s.global[i] == global {
		return i, true
	}
	return -1, false
}

// Rebuild recomputes the locally owned subset from the current ownership
// partition. Must be called on every rank after each repartition.
func (s *TrackedSet) Rebuild(resolve Resolver) {
	s.localIdx = s.localIdx[:0]
	s.collectiveIdx = s.collectiveIdx[:0]
	for slot, g := range s.global {
		if local, ok := resolve(g); ok {
			s.localIdx = append(s.localIdx, local)
			s.collectiveIdx = append(s.collectiveIdx, slot)
		}
	}
}

// LocalCount returns the number of tracked atoms owned by this process.
func (s *TrackedSet) LocalCount() int { return len(s.localIdx) }
