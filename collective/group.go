package collective

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// chanDepth bounds how many collective payloads a slow rank may fall behind
// before the coordinator blocks.
const chanDepth = 16

// Group is an in-process collective over goroutine ranks. Broadcast payloads
// pass through a msgpack encode/decode round so every rank owns an
// independent replica, matching the isolation of separate processes.
type Group struct {
	size    int
	bcast   []chan []byte
	gather  chan []float64
	scatter []chan []float64
}

// NewGroup creates a communicator group of the given size and returns one
// handle per rank. Handle 0 is the coordinator.
func NewGroup(size int) []Comm {
	if size < 1 {
		panic(fmt.Sprintf("collective: group size %d", size))
	}
	g := &Group{
		size:    size,
		bcast:   make([]chan []byte, size),
		gather:  make(chan []float64, size),
		scatter: make([]chan []float64, size),
	}
	for i := 0; i < size; i++ {
		g.bcast[i] = make(chan []byte, chanDepth)
		g.scatter[i] = make(chan []float64, 1)
	}
	comms := make([]Comm, size)
	for i := 0; i < size; i++ {
		comms[i] = &groupRank{g: g, rank: i}
	}
	return comms
}

type groupRank struct {
	g    *Group
	rank int
}

func (r *groupRank) Rank() int { return r.rank }
func (r *groupRank) Size() int { return r.g.size }

// Broadcast implements Comm.
func (r *groupRank) Broadcast(v any) error {
	if r.rank == 0 {
		payload, err := msgpack.Marshal(v)
		if err != nil {
			return fmt.Errorf("broadcast encode failed: %w", err)
		}
		for i := 1; i < r.g.size; i++ {
			r.g.bcast[i] <- payload
		}
		return nil
	}
	payload := <-r.g.bcast[r.rank]
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("broadcast decode failed: %w", err)
	}
	return nil
}

// ReduceSum implements Comm. Worker contributions are summed on the
// coordinator and the total is scattered back.
func (r *groupRank) ReduceSum(buf []float64) error {
	if r.rank != 0 {
		contrib := make([]float64, len(buf))
		copy(contrib, buf)
		r.g.gather <- contrib
		copy(buf, <-r.g.scatter[r.rank])
		return nil
	}
	for i := 1; i < r.g.size; i++ {
		contrib := <-r.g.gather
		if len(contrib) != len(buf) {
			return fmt.Errorf("reduce length mismatch: %d vs %d", len(contrib), len(buf))
		}
		for j := range buf {
			buf[j] += contrib[j]
		}
	}
	for i := 1; i < r.g.size; i++ {
		total := make([]float64, len(buf))
		copy(total, buf)
		r.g.scatter[i] <- total
	}
	return nil
}

var _ Comm = (*groupRank)(nil)
