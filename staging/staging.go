// Package staging manages the rotating slot pool used by the CPU-staged
// transfer tier. A slot is one unit of intermediate storage (a GL pixel
// buffer or a mappable GPU buffer); the pipeline rotates over the slots so
// that a pack started this frame is unpacked a frame later, keeping the
// GPU and CPU out of lockstep.
package staging

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDegrade is returned by Acquire under PolicyDegrade when every slot is
// still in flight. The caller is expected to skip the frame rather than
// stall.
var ErrDegrade = errors.New("staging: all slots in flight")

// ErrTimeout is returned by Acquire under PolicyBlock when no slot settled
// within the wait bound.
var ErrTimeout = errors.New("staging: acquire timeout")

// State is the lifecycle state of a single slot.
type State int

const (
	// Free means the slot holds no pending data and may be packed into.
	Free State = iota

	// InFlight means an asynchronous pack targeting the slot has been
	// issued and not yet completed.
	InFlight

	// Filled means the pack completed and the slot holds readable data
	// that has not been consumed yet.
	Filled
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case InFlight:
		return "in-flight"
	case Filled:
		return "filled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Policy selects the behavior when Acquire finds no usable slot.
type Policy int

const (
	// PolicyBlock waits, up to the acquire bound, for a slot to leave the
	// in-flight state.
	PolicyBlock Policy = iota

	// PolicyDegrade fails the acquire with ErrDegrade immediately.
	PolicyDegrade
)

// ValidCount reports whether n is an allowed slot count. Two slots give
// single-frame latency; four absorb deeper queue depths.
func ValidCount(n int) bool { return n == 2 || n == 4 }

// Pipeline tracks slot states and hands them out in rotation order.
// Safe for concurrent use.
type Pipeline struct {
	mu      sync.Mutex
	slots   []State
	cursor  int
	settled chan struct{} // closed and replaced when a slot leaves InFlight
}

// NewPipeline creates a pipeline with n slots, all Free.
func NewPipeline(n int) (*Pipeline, error) {
	if !ValidCount(n) {
		return nil, fmt.Errorf("staging: slot count %d, want 2 or 4", n)
	}
	return &Pipeline{
		slots:   make([]State, n),
		settled: make(chan struct{}),
	}, nil
}

// Len returns the slot count.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// State returns the current state of slot i.
func (p *Pipeline) State(i int) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[i]
}

// Acquire returns the next slot in rotation and marks it InFlight. A Filled
// slot that was never unpacked is reclaimed silently; only in-flight slots
// are skipped. When every slot is in flight, PolicyDegrade returns
// ErrDegrade immediately and PolicyBlock waits up to timeout for one to
// settle, then fails with ErrTimeout. The wait is always bounded; a
// non-positive timeout under PolicyBlock fails without waiting.
func (p *Pipeline) Acquire(policy Policy, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	for {
		for off := 0; off < len(p.slots); off++ {
			i := (p.cursor + off) % len(p.slots)
			if p.slots[i] == InFlight {
				continue
			}
			p.slots[i] = InFlight
			p.cursor = (i + 1) % len(p.slots)
			p.mu.Unlock()
			return i, nil
		}
		if policy == PolicyDegrade {
			p.mu.Unlock()
			return -1, ErrDegrade
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			p.mu.Unlock()
			return -1, fmt.Errorf("%w: all %d slots in flight past %v",
				ErrTimeout, len(p.slots), timeout)
		}
		settled := p.settled
		p.mu.Unlock()
		select {
		case <-settled:
		case <-time.After(wait):
			return -1, fmt.Errorf("%w: all %d slots in flight past %v",
				ErrTimeout, len(p.slots), timeout)
		}
		p.mu.Lock()
	}
}

// wake announces that a slot left the in-flight state. Callers hold p.mu.
func (p *Pipeline) wake() {
	close(p.settled)
	p.settled = make(chan struct{})
}

// Complete marks an in-flight slot as Filled.
func (p *Pipeline) Complete(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slots[i] == InFlight {
		p.slots[i] = Filled
		p.wake()
	}
}

// Release returns a slot to Free regardless of its state.
func (p *Pipeline) Release(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slots[i] != Free {
		p.slots[i] = Free
		p.wake()
	}
}

// Reset frees every slot and rewinds the rotation cursor. Used after a
// resize or a device loss, when in-flight contents are meaningless.
func (p *Pipeline) Reset(n int) error {
	if !ValidCount(n) {
		return fmt.Errorf("staging: slot count %d, want 2 or 4", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = make([]State, n)
	p.cursor = 0
	p.wake()
	return nil
}
