package runtime

// sessionFlags is the first broadcast of every synchronization: connection
// state plus a permitted termination request. Workers act on nothing else
// until these are agreed.
type sessionFlags struct {
	Connected bool
	Stop      bool
}

// syncState replicates the coordinator's session state to all ranks in a
// fixed order: flags, then the communication period, then the signed force
// count and, only for a fresh batch, the force arrays. Every rank observes
// identical state when it returns. Collective.
func (d *Driver) syncState(t float64) (stopRequested bool, err error) {
	var flags sessionFlags
	if d.root() {
		flags.Connected = d.sess.Connected()
		flags.Stop = d.sess.TerminationRequested() || d.stopRequested
	}
	if err := d.comm.Broadcast(&flags); err != nil {
		return false, err
	}
	d.rep.Connected = flags.Connected
	if flags.Stop {
		return true, nil
	}
	if !flags.Connected {
		return false, nil
	}

	period := d.rep.Period
	if d.root() {
		period = d.sess.PeriodRequest()
		if period <= 0 {
			period = 1
		}
	}
	if err := d.comm.Broadcast(&period); err != nil {
		return false, err
	}
	if period != d.rep.Period {
		d.rep.Period = period
		d.logger.Info("communication period adopted", map[string]any{"period": period})
	}

	if !d.rep.ForcesEnabled {
		return false, nil
	}

	// The sign of the broadcast count decides whether arrays follow: a fresh
	// batch travels as +N plus both arrays, an unchanged assignment travels
	// as -N alone and every rank keeps its existing copy.
	var signed int32
	if d.root() {
		idx, f, fresh := d.sess.StagedForces()
		if fresh {
			signed = int32(len(idx))
			d.rep.Indices = append(d.rep.Indices[:0], idx...)
			d.rep.Forces = stagedToInternal(f)
			d.observeForces(t)
		} else {
			signed = -int32(d.rep.Count)
		}
	}
	if err := d.comm.Broadcast(&signed); err != nil {
		return false, err
	}
	if signed < 0 {
		return false, nil
	}
	if err := d.comm.Broadcast(&d.rep.Indices); err != nil {
		return false, err
	}
	if err := d.comm.Broadcast(&d.rep.Forces); err != nil {
		return false, err
	}
	d.rep.Count = len(d.rep.Indices)
	return false, nil
}

// observeForces feeds the fresh assignment to the change-tracked force log
// in global 0-based indices. Log write failures degrade to a warning; the
// assignment itself is unaffected.
func (d *Driver) observeForces(t float64) {
	globals := make([]int32, len(d.rep.Indices))
	for i, li := range d.rep.Indices {
		globals[i] = int32(d.set.GlobalIndex(int(li)))
	}
	if _, err := d.sess.ForceLog().Observe(t, globals, d.rep.Forces); err != nil {
		d.logger.Warn("writing the steering force log failed", map[string]any{"error": err.Error()})
	}
}
