// Package replay collects driven trajectories: an in-process bounded buffer
// for sampling, and a remote sink that ships signed batches over HTTP.
package replay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/fonpr/fonpr-agent/internal/driver"
	"github.com/fonpr/fonpr-agent/internal/metrics"
)

// DefaultCapacity is the buffer size used when none is given.
const DefaultCapacity = 100000

// Buffer is a bounded FIFO of trajectories. When full, the oldest entry is
// evicted. Safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	items []driver.Trajectory
	head  int // index of the oldest item once the ring is full
	size  int
	rng   *rand.Rand
}

// NewBuffer returns a buffer holding at most capacity trajectories.
// rng may be nil.
func NewBuffer(capacity int, rng *rand.Rand) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Buffer{size: capacity, rng: rng}
}

// Add appends t, evicting the oldest trajectory if the buffer is full.
func (b *Buffer) Add(t driver.Trajectory) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) < b.size {
		b.items = append(b.items, t)
	} else {
		b.items[b.head] = t
		b.head = (b.head + 1) % b.size
	}
	metrics.ReplaySize.Set(float64(len(b.items)))
}

// Observe implements driver.Observer.
func (b *Buffer) Observe(ctx context.Context, t driver.Trajectory) error {
	b.Add(t)
	return nil
}

// Len returns the number of trajectories held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Items returns the held trajectories, oldest first.
func (b *Buffer) Items() []driver.Trajectory {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]driver.Trajectory, 0, len(b.items))
	out = append(out, b.items[b.head:]...)
	return append(out, b.items[:b.head]...)
}

// Sample draws n trajectories uniformly with replacement.
func (b *Buffer) Sample(n int) ([]driver.Trajectory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil, fmt.Errorf("replay buffer is empty")
	}
	out := make([]driver.Trajectory, n)
	for i := range out {
		out[i] = b.items[b.rng.IntN(len(b.items))]
	}
	return out, nil
}

// Fanout forwards each trajectory to every observer, in order. All observers
// see the trajectory even if an earlier one fails.
type Fanout []driver.Observer

// Observe implements driver.Observer.
func (f Fanout) Observe(ctx context.Context, t driver.Trajectory) error {
	var errs []error
	for _, o := range f {
		if o == nil {
			continue
		}
		if err := o.Observe(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
