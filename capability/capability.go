// Package capability probes the active graphics context for the extension
// tiers texshare can use. The resulting Set is computed once per process and
// cached; everything downstream (tier selection, staging, swizzle) consumes
// it rather than querying driver state again.
//
// Probing an invalid or absent context is not an error: it yields the zero
// Set, which steers callers to the CPU memory-share tier.
package capability

import "sync"

// Set records which extension tiers the local graphics context supports.
// The zero value means "no GPU capability at all" and is a valid, usable
// result.
type Set struct {
	// Interop reports direct GPU-resource interop between the shared
	// resource and a local texture (no CPU involvement).
	Interop bool

	// AsyncReadback reports buffer-object readback support (GL pixel
	// buffer objects, or WebGPU staging buffers).
	AsyncReadback bool

	// ChannelSwap reports native BGRA/RGBA channel-order support, so a
	// swap costs nothing on upload or download.
	ChannelSwap bool

	// BlitCopy reports framebuffer blit / copy-image extension support
	// used for the texture-to-texture copy with optional flip.
	BlitCopy bool

	// VSyncControl reports swap-interval control support.
	VSyncControl bool
}

// GPUShare reports whether any GPU-resource sharing path exists. When false
// only the memory-share tier can work.
func (s Set) GPUShare() bool {
	return s.Interop || s.AsyncReadback || s.BlitCopy
}

// Probe computes a capability Set for the active context. Implementations
// must be side-effect free beyond reading driver state and must return the
// zero Set (not an error) for an invalid context.
type Probe interface {
	Probe() (Set, error)
}

// Cache wraps a Probe and memoizes its result for the process lifetime.
// Retest recomputes, which is needed after a context change or device loss.
type Cache struct {
	probe Probe

	mu    sync.Mutex
	set   Set
	valid bool
}

// NewCache creates a caching wrapper around probe.
func NewCache(probe Probe) *Cache {
	return &Cache{probe: probe}
}

// Get returns the cached Set, probing on first use. retest bypasses the
// cache and stores the fresh result.
func (c *Cache) Get(retest bool) (Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && !retest {
		return c.set, nil
	}
	set, err := c.probe.Probe()
	if err != nil {
		// An unreadable context degrades to the zero Set; the error is
		// still reported so callers can log it.
		set = Set{}
	}
	c.set = set
	c.valid = true
	return set, err
}

// Invalidate drops the cached result. The next Get probes again.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
