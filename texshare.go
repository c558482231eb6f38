package texshare

import (
	"github.com/gogpu/texshare/capability"
	"github.com/gogpu/texshare/framesync"
	"github.com/gogpu/texshare/pixel"
	"github.com/gogpu/texshare/staging"
	"github.com/gogpu/texshare/transfer"
)

// LocalTexture names the caller-owned side of a transfer: a GL texture name,
// a device texture, or a CPU pixel buffer. Exactly one field must be set.
type LocalTexture = transfer.LocalTexture

// Desc describes a texture's width, height and pixel format.
type Desc = pixel.Desc

// Result reports what a receive did.
type Result = transfer.Result

// Re-exported pixel formats.
const (
	RGBA8   = pixel.RGBA8
	BGRA8   = pixel.BGRA8
	RGBA16F = pixel.RGBA16F
)

// Re-exported frame-wait outcomes and staging policies.
const (
	FrameNone      = transfer.FrameNone
	FrameNew       = transfer.FrameNew
	FrameUnchanged = transfer.FrameUnchanged

	PolicyBlock   = staging.PolicyBlock
	PolicyDegrade = staging.PolicyDegrade
)

// defaultSync backs Senders and Receivers created without WithFrameSync.
// It is process-wide so unrelated packages in one process can pair up by
// name, mirroring how named OS primitives behave across processes.
var defaultSync = framesync.NewLocal()

// defaultCaps memoizes the default capability probe for the process.
var defaultCaps = capability.NewCache(capability.GLProbe{})

// ProbeCapabilities reports what the local graphics stack supports. The
// result is cached for the process; retest forces a fresh probe, which is
// needed after a context change or device loss.
func ProbeCapabilities(retest bool) (capability.Set, error) {
	return defaultCaps.Get(retest)
}

// resolveCaps picks the capability set for a new Sender or Receiver:
// pinned set, custom probe, or the process-wide default probe. A failed
// probe degrades to the zero Set so the memory tier still works.
func resolveCaps(o *options) capability.Set {
	if o.caps != nil {
		return *o.caps
	}
	cache := defaultCaps
	if o.probe != nil {
		cache = capability.NewCache(o.probe)
	}
	set, err := cache.Get(false)
	if err != nil {
		Logger().Debug("capability probe failed", "error", err)
	}
	return set
}

// buildEngine assembles the transfer engine for one Sender or Receiver
// and reports the capability set it was built with. Receivers get their
// own frame-sync view so "frame already observed" bookkeeping never
// aliases the producer's.
func buildEngine(o *options, receiver bool) (*transfer.Engine, capability.Set, error) {
	sync := o.sync
	reg := o.registry
	if sync == nil {
		if receiver {
			sync = defaultSync.Listener()
		} else {
			sync = defaultSync
		}
	}
	if reg == nil {
		if lr, ok := sync.(framesync.Registry); ok {
			reg = lr
		} else {
			reg = defaultSync
		}
	}
	caps := resolveCaps(o)
	engine, err := transfer.NewEngine(transfer.Config{
		Caps:        caps,
		Sync:        sync,
		Registry:    reg,
		Device:      o.device,
		Queue:       o.queue,
		Order:       o.order,
		Policy:      o.policy,
		BufferCount: o.bufCount,
		MemshareDir: o.shmDir,
		LockTimeout: o.lockTimeout,
	})
	if err != nil {
		return nil, capability.Set{}, err
	}
	return engine, caps, nil
}
