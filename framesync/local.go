package framesync

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Local is an in-process implementation of FrameSync and Registry. It serves
// single-process producer/consumer pipelines and gives engine tests a
// deterministic substitute for the cross-process primitives.
//
// One Local carries the producer-side state. Each additional consumer should
// obtain its own view with Listener so that "frame already observed"
// bookkeeping stays per-consumer.
type Local struct {
	core *localCore

	mu   sync.Mutex
	seen map[string]uint64
}

type localCore struct {
	clock Clock

	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	meta       Metadata
	registered bool
	counter    uint64
	signal     chan struct{} // closed and replaced on every new frame
	writeLock  chan struct{} // one-slot token channel
}

// NewLocal creates an in-process FrameSync/Registry backed by the wall
// clock.
func NewLocal() *Local {
	return NewLocalWithClock(RealClock{})
}

// NewLocalWithClock creates a Local driven by the given clock.
func NewLocalWithClock(clock Clock) *Local {
	core := &localCore{
		clock:   clock,
		entries: make(map[string]*localEntry),
	}
	return &Local{core: core, seen: make(map[string]uint64)}
}

// Listener returns a new consumer view sharing this Local's counters and
// locks but with independent last-observed bookkeeping.
func (l *Local) Listener() *Local {
	return &Local{core: l.core, seen: make(map[string]uint64)}
}

func (c *localCore) entry(name string) *localEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		e = &localEntry{
			signal:    make(chan struct{}),
			writeLock: make(chan struct{}, 1),
		}
		e.writeLock <- struct{}{}
		c.entries[name] = e
	}
	return e
}

// SignalNewFrame implements FrameSync.
func (l *Local) SignalNewFrame(name string) {
	e := l.core.entry(name)
	l.core.mu.Lock()
	e.counter++
	close(e.signal)
	e.signal = make(chan struct{})
	l.core.mu.Unlock()
}

// WaitFrame implements FrameSync. A zero timeout polls: it returns NewFrame
// if an unobserved frame is pending and NoChange otherwise, without
// blocking.
func (l *Local) WaitFrame(name string, timeout time.Duration) (Outcome, error) {
	e := l.core.entry(name)

	l.core.mu.Lock()
	counter := e.counter
	signal := e.signal
	l.core.mu.Unlock()

	l.mu.Lock()
	seen := l.seen[name]
	if counter > seen {
		l.seen[name] = counter
		l.mu.Unlock()
		return NewFrame, nil
	}
	l.mu.Unlock()

	if timeout <= 0 {
		return NoChange, nil
	}

	select {
	case <-signal:
		l.core.mu.Lock()
		counter = e.counter
		l.core.mu.Unlock()
		l.mu.Lock()
		l.seen[name] = counter
		l.mu.Unlock()
		return NewFrame, nil
	case <-l.core.clock.After(timeout):
		return TimedOut, nil
	}
}

// TryLockWrite implements FrameSync.
func (l *Local) TryLockWrite(name string, timeout time.Duration) (WriteToken, error) {
	e := l.core.entry(name)
	select {
	case <-e.writeLock:
		return &localToken{entry: e}, nil
	default:
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: write lock for %q held", ErrTimeout, name)
	}
	select {
	case <-e.writeLock:
		return &localToken{entry: e}, nil
	case <-l.core.clock.After(timeout):
		return nil, fmt.Errorf("%w: write lock for %q held past %v", ErrTimeout, name, timeout)
	}
}

type localToken struct {
	entry *localEntry
	once  sync.Once
}

func (t *localToken) Unlock() {
	t.once.Do(func() {
		t.entry.writeLock <- struct{}{}
	})
}

// RegisterProducer implements Registry.
func (l *Local) RegisterProducer(name string, meta Metadata) error {
	e := l.core.entry(name)
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	if e.registered {
		return fmt.Errorf("%w: %q", ErrNameConflict, name)
	}
	if meta.PID == 0 {
		meta.PID = os.Getpid()
	}
	e.meta = meta
	e.registered = true
	return nil
}

// LookupProducer implements Registry.
func (l *Local) LookupProducer(name string) (Metadata, error) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	e, ok := l.core.entries[name]
	if !ok || !e.registered {
		return Metadata{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.meta, nil
}

// UnregisterProducer implements Registry.
func (l *Local) UnregisterProducer(name string) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	if e, ok := l.core.entries[name]; ok {
		e.registered = false
		e.meta = Metadata{}
	}
}
