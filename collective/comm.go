// Package collective provides the broadcast/reduce primitives the
// distributed synchronization layer is written against. Rank 0 is always the
// coordinator; all ranks must invoke the same collective calls in the same
// order on the same step.
package collective

// Comm is one process's handle on the collective group.
type Comm interface {
	// Rank returns this process's rank; rank 0 is the coordinator.
	Rank() int
	// Size returns the number of participating processes.
	Size() int
	// Broadcast distributes v from the coordinator to every rank. On the
	// coordinator v is the source value; on every other rank v must be a
	// pointer that receives the coordinator's value.
	Broadcast(v any) error
	// ReduceSum element-wise sums buf across all ranks and replicates the
	// result back into buf on every rank.
	ReduceSum(buf []float64) error
}

// Self is the trivial single-process communicator.
type Self struct{}

// Rank implements Comm.
func (Self) Rank() int { return 0 }

// Size implements Comm.
func (Self) Size() int { return 1 }

// Broadcast implements Comm. With one rank the value is already everywhere.
func (Self) Broadcast(any) error { return nil }

// ReduceSum implements Comm.
func (Self) ReduceSum([]float64) error { return nil }

var _ Comm = Self{}
