// Package runtime drives the steering core through the host simulation's
// step loop. One Driver exists per process; the coordinator's driver owns
// the session while worker drivers only hold the replicated state fanned out
// by the synchronization layer.
package runtime

import (
	"fmt"

	"github.com/apexsims/steer/assemble"
	"github.com/apexsims/steer/collective"
	"github.com/apexsims/steer/log"
	"github.com/apexsims/steer/session"
	"github.com/apexsims/steer/sim"
	"github.com/apexsims/steer/types"
	"github.com/apexsims/steer/wire"
)

// Options configures a Driver.
type Options struct {
	// Comm is this process's collective handle; rank 0 is the coordinator.
	Comm collective.Comm
	// Session is the coordinator's session. Must be nil on workers.
	Session *session.Session
	// Set is the tracked atom set.
	Set *assemble.TrackedSet
	// Assembly is the position assembly built over Set.
	Assembly *assemble.Assembly
	// Engine is the host physics engine.
	Engine sim.Engine
	// Resolve maps global to process-local atom indices under the current
	// ownership partition.
	Resolve assemble.Resolver
	// Logger; defaults to a nop logger.
	Logger *log.Logger
	// Stop preempts the blocking wait-for-connection phase, e.g. on an
	// operator interrupt.
	Stop <-chan struct{}
}

// Driver runs the communication cycle on one process.
type Driver struct {
	comm    collective.Comm
	sess    *session.Session
	set     *assemble.TrackedSet
	asm     *assemble.Assembly
	engine  sim.Engine
	resolve assemble.Resolver
	logger  *log.Logger
	stop    <-chan struct{}

	rep replica

	// Coordinator-only: operator-initiated stop, folded into the next
	// flags broadcast so all ranks agree on the final step.
	stopRequested bool
}

// replica is the session state every process holds a synchronized copy of.
type replica struct {
	Connected     bool
	Period        int
	ForcesEnabled bool

	// Current force assignment: tracked-set-local indices and forces in
	// internal units. Reused across steps until a change is broadcast.
	Count   int
	Indices []int32
	Forces  []types.Vec3
}

// New validates the wiring and builds the driver. The communication period
// starts at 1 on every rank until the first synchronization adopts the
// coordinator's request.
func New(opts Options) (*Driver, error) {
	root := opts.Comm.Rank() == 0
	if root && opts.Session == nil {
		return nil, fmt.Errorf("coordinator driver needs a session")
	}
	if !root && opts.Session != nil {
		return nil, fmt.Errorf("worker rank %d must not own a session", opts.Comm.Rank())
	}
	if opts.Resolve == nil {
		opts.Resolve = assemble.IdentityResolver
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	d := &Driver{
		comm:    opts.Comm,
		sess:    opts.Session,
		set:     opts.Set,
		asm:     opts.Assembly,
		engine:  opts.Engine,
		resolve: opts.Resolve,
		logger:  opts.Logger,
		stop:    opts.Stop,
	}
	d.rep.Period = 1

	// Workers learn once at startup whether force injection is on.
	if root {
		d.rep.ForcesEnabled = d.sess.ForcesAllowed()
	}
	if err := d.comm.Broadcast(&d.rep.ForcesEnabled); err != nil {
		return nil, fmt.Errorf("broadcasting session capabilities failed: %w", err)
	}
	return d, nil
}

// Start runs the pre-loop phase: the coordinator optionally blocks for a
// client, then all ranks run the initial synchronization. Collective; every
// rank must call it once before Step.
func (d *Driver) Start() error {
	if d.root() && d.sess.WaitForClient() {
		d.sess.BlockConnect(d.stop)
	}
	_, err := d.syncState(0)
	return err
}

// Step runs one simulation step's worth of steering work. Collective:
// every rank calls it with the same step number. repartitioned marks steps
// on which atom ownership changed (Repartition must have been called).
// Returns whether a permitted termination request asks the host loop to
// stop at its next safe point.
func (d *Driver) Step(step int64, t float64, repartitioned bool) (stopRequested bool, err error) {
	if d.root() {
		if !d.sess.Connected() {
			if d.sess.WaitForClient() {
				d.sess.BlockConnect(d.stop)
			} else {
				d.sess.TryConnect()
			}
		}
		if d.sess.Connected() {
			d.sess.Drain()
		}
	}

	commStep := d.rep.Period > 0 && step%int64(d.rep.Period) == 0

	if commStep {
		stopRequested, err = d.syncState(t)
		if err != nil {
			return false, err
		}
	}

	// Positions move on every communication step while connected, and on
	// every repartition step regardless, keeping the continuity reference
	// seeded while the client is away.
	if (commStep && d.rep.Connected) || repartitioned {
		if err := d.asm.Gather(d.engine.Positions(), d.engine.Box()); err != nil {
			return false, err
		}
		if commStep && d.rep.Connected && d.root() {
			d.asm.Unwrap(d.engine.Box())
		}
	}

	if d.root() {
		e, have := d.engine.Energies(step)
		if have {
			d.sess.UpdateEnergies(int32(step), &e)
		} else {
			d.sess.UpdateEnergies(int32(step), nil)
		}
		if commStep && d.rep.Connected {
			d.sess.SendFrame(d.asm.Positions())
		}
	}

	d.applyForces()
	return stopRequested, nil
}

// Repartition installs a new ownership partition on this rank. Call on
// every rank before the Step that carries repartitioned=true.
func (d *Driver) Repartition(resolve assemble.Resolver) {
	d.resolve = resolve
	d.set.Rebuild(resolve)
}

// RequestStop asks every rank to stop at the next synchronization point.
// Coordinator only; workers learn of it through the flags broadcast.
func (d *Driver) RequestStop() { d.stopRequested = true }

// Period returns the currently adopted communication period.
func (d *Driver) Period() int { return d.rep.Period }

// Connected returns this rank's replicated view of the connection state.
func (d *Driver) Connected() bool { return d.rep.Connected }

// ForceCount returns the number of externally forced atoms on this rank.
func (d *Driver) ForceCount() int { return d.rep.Count }

// applyForces adds the replicated external forces to the engine's local
// atoms. Runs on every rank, every step; the assignment persists until a
// new one is broadcast.
func (d *Driver) applyForces() {
	if !d.rep.ForcesEnabled {
		return
	}
	for i := 0; i < d.rep.Count; i++ {
		global := d.set.GlobalIndex(int(d.rep.Indices[i]))
		if local, ok := d.resolve(global); ok {
			d.engine.AddForce(local, d.rep.Forces[i])
		}
	}
}

func (d *Driver) root() bool { return d.comm.Rank() == 0 }

// stagedToInternal converts a staged client batch to internal units.
func stagedToInternal(f []float32) []types.Vec3 {
	out := make([]types.Vec3, len(f)/3)
	for i := range out {
		out[i] = types.Vec3{
			float64(f[3*i+0]) * wire.ForceClientToInternal,
			float64(f[3*i+1]) * wire.ForceClientToInternal,
			float64(f[3*i+2]) * wire.ForceClientToInternal,
		}
	}
	return out
}
