// Package forcelog detects changes in the applied external-force set and
// appends a compact diff-style record for each step where something changed.
//
// Detection and logging are split: the Tracker always runs (its result also
// drives the synchronization layer's changed/unchanged signal), while the
// file output is optional.
package forcelog

import (
	"bufio"
	"fmt"
	"os"

	"github.com/apexsims/steer/iox"
	"github.com/apexsims/steer/types"
)

// Tracker retains the previous force assignment one version deep and
// compares a new assignment against it: count, per-atom global index, and
// per-atom vector, component-wise.
type Tracker struct {
	prevIdx []int32
	prevF   []types.Vec3
}

// Changed reports whether the assignment differs from the committed one.
func (t *Tracker) Changed(idx []int32, f []types.Vec3) bool {
	if len(idx) != len(t.prevIdx) {
		return true
	}
	for i := range idx {
		if idx[i] != t.prevIdx[i] {
			return true
		}
	}
	for i := range f {
		if t.VecChanged(i, f) {
			return true
		}
	}
	return false
}

// VecChanged reports whether the i-th force vector differs from the
// committed one at the same position.
func (t *Tracker) VecChanged(i int, f []types.Vec3) bool {
	if i >= len(t.prevF) {
		return true
	}
	return f[i] != t.prevF[i]
}

// Commit stores the assignment as the new comparison baseline.
func (t *Tracker) Commit(idx []int32, f []types.Vec3) {
	t.prevIdx = append(t.prevIdx[:0], idx...)
	t.prevF = append(t.prevF[:0], f...)
}

// Log is the change-tracked force log. A nil output file is valid: change
// detection still runs, its result is just not persisted.
type Log struct {
	tracker Tracker
	out     *bufio.Writer
	file    *os.File
}

// Discard returns a Log that detects changes but writes nothing.
func Discard() *Log { return &Log{} }

// Create opens the log file and writes the descriptive header block. Used
// when starting a fresh run.
func Create(path string, trackedAtoms, totalAtoms int) (*Log, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("cannot create force log %q: %w", path, err)
	}
	l := &Log{out: bufio.NewWriter(f), file: f}
	writeHeader(l.out, trackedAtoms, totalAtoms)
	if err := l.out.Flush(); err != nil {
		iox.DiscardClose(f)
		return nil, fmt.Errorf("cannot write force log header: %w", err)
	}
	return l, nil
}

// Append opens an existing log file for appending. The header block is not
// repeated.
func Append(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot append force log %q: %w", path, err)
	}
	return &Log{out: bufio.NewWriter(f), file: f}, nil
}

// writeHeader writes the fixed column description, once at file creation.
func writeHeader(out *bufio.Writer, trackedAtoms, totalAtoms int) {
	fmt.Fprintf(out, "# Steering pull forces\n")
	fmt.Fprintf(out, "# Can display and manipulate %d (of a total of %d) atoms.\n", trackedAtoms, totalAtoms)
	fmt.Fprintf(out, "# column 1    : time (ps)\n")
	fmt.Fprintf(out, "# column 2    : total number of atoms feeling a steering force at that time\n")
	fmt.Fprintf(out, "# cols. 3.-6  : global atom number of pulled atom, x-force, y-force, z-force (kJ/mol/nm)\n")
	fmt.Fprintf(out, "# then follow : atom-ID, f[x], f[y], f[z] for more atoms if multiple forces changed at once\n")
	fmt.Fprintf(out, "# The force on any atom is always equal to the last value for that atom-ID found in the data.\n")
}

// Observe compares the assignment against the previous step's, appends one
// log line when anything differs (atoms are listed only if their own vector
// changed, with 1-based global indices), and commits the new state. The
// changed result is returned for reuse by the caller; globalIdx holds
// 0-based global atom numbers and forces internal units.
func (l *Log) Observe(time float64, globalIdx []int32, forces []types.Vec3) (bool, error) {
	changed := l.tracker.Changed(globalIdx, forces)
	if !changed {
		return false, nil
	}
	if l.out != nil {
		fmt.Fprintf(l.out, "%14.6e%6d", time, len(globalIdx))
		for i := range forces {
			if l.tracker.VecChanged(i, forces) {
				fmt.Fprintf(l.out, "%9d", globalIdx[i]+1)
				fmt.Fprintf(l.out, "%12.4e%12.4e%12.4e", forces[i][0], forces[i][1], forces[i][2])
			}
		}
		if _, err := fmt.Fprintln(l.out); err != nil {
			return true, fmt.Errorf("force log write failed: %w", err)
		}
	}
	l.tracker.Commit(globalIdx, forces)
	return true, nil
}

// Flush forces buffered lines to disk. Called on client disconnect.
func (l *Log) Flush() error {
	if l.out == nil {
		return nil
	}
	return l.out.Flush()
}

// Close flushes and closes the underlying file. Idempotent for the
// detection-only log.
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.out.Flush(); err != nil {
		iox.DiscardClose(l.file)
		return err
	}
	err := l.file.Close()
	l.file = nil
	l.out = nil
	return err
}
