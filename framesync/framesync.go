// Package framesync defines the cross-process frame-counter, write-mutex
// and producer-registry services texshare consumes, and provides an
// in-process implementation for single-process pipelines and tests.
//
// The real cross-process primitives (named mutexes, shared counters) are
// external collaborators; texshare only depends on the interfaces here.
package framesync

import (
	"errors"
	"time"
)

// Errors returned by frame synchronization and registry lookups.
var (
	// ErrTimeout is returned when a lock or frame wait exceeds its bound.
	ErrTimeout = errors.New("framesync: timeout")

	// ErrNotFound is returned when no producer is registered under a name.
	ErrNotFound = errors.New("framesync: producer not found")

	// ErrNameConflict is returned when a second producer registers a name
	// that is already owned.
	ErrNameConflict = errors.New("framesync: name already registered")
)

// Outcome reports the result of waiting for a frame.
type Outcome int

const (
	// NewFrame means a frame was signalled since the last wait.
	NewFrame Outcome = iota

	// NoChange means no new frame was signalled; the consumer should keep
	// using the previous frame's data.
	NoChange

	// TimedOut means the bounded wait elapsed with no signal.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case NewFrame:
		return "new frame"
	case NoChange:
		return "no change"
	default:
		return "timeout"
	}
}

// WriteToken represents a held cross-process write lock. Release is
// idempotent.
type WriteToken interface {
	Unlock()
}

// FrameSync is the frame-counter and write-mutex service. Producers signal
// a new frame only after their copy is fully flushed; consumers observe the
// signal before reading. All blocking calls take a bounded timeout and
// report timeout as a distinguishable outcome.
type FrameSync interface {
	// SignalNewFrame increments the frame counter for name.
	SignalNewFrame(name string)

	// WaitFrame waits up to timeout for a frame newer than the last one
	// this caller observed.
	WaitFrame(name string, timeout time.Duration) (Outcome, error)

	// TryLockWrite acquires the exclusive write lock for name, waiting up
	// to timeout. Returns ErrTimeout if the lock is held past the bound.
	TryLockWrite(name string, timeout time.Duration) (WriteToken, error)
}

// Metadata describes a registered producer.
type Metadata struct {
	Width  int
	Height int
	Format uint32
	PID    int
}

// Registry is the process-wide named-resource registry. Exactly one active
// producer owns a name at a time.
type Registry interface {
	RegisterProducer(name string, meta Metadata) error
	LookupProducer(name string) (Metadata, error)
	UnregisterProducer(name string)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall-clock implementation of Clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
