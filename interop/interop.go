// Package interop manages the lifecycle of the shared GPU surface behind a
// named channel: opening it, serializing access to it, and tearing it down.
// A Link owns one surface and moves through a small state machine; the
// transfer engine drives it and never touches the surface outside a held
// access token.
package interop

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/texshare/pixel"
)

// Errors returned by link operations.
var (
	// ErrLinkUnavailable is returned when the link has no usable surface,
	// either because it was never opened or because opening failed.
	ErrLinkUnavailable = errors.New("interop: link unavailable")

	// ErrBusy is returned by a zero-timeout Lock while another token is
	// outstanding.
	ErrBusy = errors.New("interop: link busy")

	// ErrTimeout is returned when Lock cannot acquire within its bound.
	ErrTimeout = errors.New("interop: lock timeout")

	// ErrDeviceLost is returned after the owning device is lost. It is
	// sticky until the link is reopened.
	ErrDeviceLost = errors.New("interop: device lost")
)

// State is the lifecycle state of a Link.
type State int

const (
	// StateClosed means no surface is held.
	StateClosed State = iota

	// StateOpening means a surface is being created or attached.
	StateOpening

	// StateLinked means the surface is ready and unlocked.
	StateLinked

	// StateLocked means one access token is outstanding.
	StateLocked
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateLinked:
		return "linked"
	case StateLocked:
		return "locked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Surface is a shared texture owned by a link. Implementations wrap either
// a GL texture or a device texture, plus the CPU-visible fallback used in
// tests.
type Surface interface {
	Desc() pixel.Desc
	Close()
}

// Link binds a shared name to one surface and serializes access to it.
// Safe for concurrent use.
type Link struct {
	name string

	mu      sync.Mutex
	state   State
	lost    bool
	surface Surface
	gen     uint64

	// lockCh holds one token when the surface is unlocked.
	lockCh chan struct{}
}

// NewLink creates a closed link for name.
func NewLink(name string) *Link {
	l := &Link{name: name, lockCh: make(chan struct{}, 1)}
	l.lockCh <- struct{}{}
	return l
}

// Name returns the shared name the link serves.
func (l *Link) Name() string { return l.name }

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Surface returns the held surface, or nil when closed. The caller must
// hold an access token before using it.
func (l *Link) Surface() Surface {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.surface
}

// Open creates the link's surface via open and moves to StateLinked.
// Opening an already linked link is an error; reopening after Close or a
// device loss is how recovery works, and clears the sticky lost flag.
func (l *Link) Open(open func() (Surface, error)) error {
	l.mu.Lock()
	if l.state != StateClosed {
		l.mu.Unlock()
		return fmt.Errorf("%w: open in state %s", ErrLinkUnavailable, l.state)
	}
	l.state = StateOpening
	l.mu.Unlock()

	surf, err := open()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = StateClosed
		return fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
	}
	if surf == nil {
		l.state = StateClosed
		return fmt.Errorf("%w: open returned no surface", ErrLinkUnavailable)
	}
	l.surface = surf
	l.state = StateLinked
	l.lost = false
	return nil
}

// Lock acquires the link's single access token. With a zero timeout a held
// token fails immediately with ErrBusy. A positive timeout bounds the wait:
// Lock parks until the holder releases or the timeout elapses, then fails
// with ErrTimeout. Lock never queues unboundedly; a lock attempt while the
// token is held always resolves within the given timeout. The caller must
// Release the token on every path.
func (l *Link) Lock(timeout time.Duration) (*AccessToken, error) {
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDeviceLost, l.name)
	}
	if l.state != StateLinked && l.state != StateLocked {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %q is %s", ErrLinkUnavailable, l.name, l.state)
	}
	l.mu.Unlock()

	if timeout <= 0 {
		select {
		case <-l.lockCh:
		default:
			return nil, fmt.Errorf("%w: %q", ErrBusy, l.name)
		}
	} else {
		select {
		case <-l.lockCh:
		case <-time.After(timeout):
			return nil, fmt.Errorf("%w: %q after %v", ErrTimeout, l.name, timeout)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// The link may have closed or lost its device while we waited.
	if l.state != StateLinked || l.lost {
		l.lockCh <- struct{}{}
		if l.lost {
			return nil, fmt.Errorf("%w: %q", ErrDeviceLost, l.name)
		}
		return nil, fmt.Errorf("%w: %q is %s", ErrLinkUnavailable, l.name, l.state)
	}
	l.state = StateLocked
	l.gen++
	return &AccessToken{link: l, gen: l.gen}, nil
}

// MarkDeviceLost flags the link's device as gone. Every subsequent Lock
// fails with ErrDeviceLost until Close and Open rebuild the surface.
func (l *Link) MarkDeviceLost() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lost = true
}

// Lost reports whether the device-lost flag is set.
func (l *Link) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// Close releases the surface and returns to StateClosed. Idempotent. An
// outstanding token's Release becomes a no-op.
func (l *Link) Close() {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	wasLocked := l.state == StateLocked
	surf := l.surface
	l.surface = nil
	l.state = StateClosed
	l.mu.Unlock()

	if wasLocked {
		// Reclaim the token so a reopened link starts unlocked.
		l.lockCh <- struct{}{}
	}
	if surf != nil {
		surf.Close()
	}
}

// AccessToken represents exclusive access to a link's surface.
type AccessToken struct {
	link *Link
	gen  uint64
	once sync.Once
}

// Release returns the token. Idempotent, and a no-op when the link was
// closed underneath the holder.
func (t *AccessToken) Release() {
	t.once.Do(func() {
		l := t.link
		l.mu.Lock()
		stillMine := l.state == StateLocked && l.gen == t.gen
		if stillMine {
			l.state = StateLinked
		}
		l.mu.Unlock()
		if stillMine {
			l.lockCh <- struct{}{}
		}
	})
}
