package texshare

import (
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/texshare/capability"
	"github.com/gogpu/texshare/framesync"
	"github.com/gogpu/texshare/staging"
	"github.com/gogpu/texshare/transfer"
	"github.com/gogpu/wgpu/hal"
)

// Option configures a Sender or Receiver during creation.
// Use functional options to customize behavior.
//
// Example:
//
//	// Default: probe capabilities, in-process sync, shared memory under /dev/shm
//	s, err := texshare.NewSender("cam0")
//
//	// Custom GPU device (dependency injection)
//	s, err := texshare.NewSender("cam0", texshare.WithDevice(dev, queue))
type Option func(*options)

// options holds optional configuration shared by Sender and Receiver.
type options struct {
	caps        *capability.Set
	probe       capability.Probe
	sync        framesync.FrameSync
	registry    framesync.Registry
	device      hal.Device
	queue       hal.Queue
	order       []transfer.Tier
	policy      staging.Policy
	bufCount    int
	shmDir      string
	lockTimeout time.Duration
	vsync       bool
}

// defaultOptions returns the default options.
func defaultOptions() options {
	return options{
		policy:   staging.PolicyBlock,
		bufCount: 0, // engine picks its default
	}
}

// WithCapabilities pins the capability set instead of probing.
// Useful for tests and for forcing a specific transport tier.
func WithCapabilities(set capability.Set) Option {
	return func(o *options) {
		c := set
		o.caps = &c
	}
}

// WithCapabilityProbe sets the probe used to discover capabilities.
// Ignored when WithCapabilities is also given.
func WithCapabilityProbe(p capability.Probe) Option {
	return func(o *options) {
		o.probe = p
	}
}

// WithFrameSync sets the frame synchronization backend.
// Sender and Receiver pairs must share a compatible backend; by default
// both use a process-wide in-process implementation.
func WithFrameSync(fs framesync.FrameSync) Option {
	return func(o *options) {
		o.sync = fs
	}
}

// WithRegistry sets the producer name registry.
func WithRegistry(r framesync.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithDevice sets the GPU device and queue used for device-texture
// transfers and compute-based channel swapping.
func WithDevice(d hal.Device, q hal.Queue) Option {
	return func(o *options) {
		o.device = d
		o.queue = q
	}
}

// WithDeviceProvider extracts the device and queue from a
// gpucontext.DeviceProvider, such as a gogpu application context. The
// provider must also implement HalDevice() any and HalQueue() any
// returning wgpu/hal types; providers that do not are ignored and the
// GPU-backed tiers stay off.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) {
		type halProvider interface {
			HalDevice() any
			HalQueue() any
		}
		hp, ok := p.(halProvider)
		if !ok {
			return
		}
		d, dok := hp.HalDevice().(hal.Device)
		q, qok := hp.HalQueue().(hal.Queue)
		if dok && qok && d != nil && q != nil {
			o.device = d
			o.queue = q
		}
	}
}

// WithTierOrder overrides the transport tier precedence. Tiers are tried
// in the given order; the first one both sides can serve wins.
func WithTierOrder(order ...transfer.Tier) Option {
	return func(o *options) {
		o.order = order
	}
}

// WithBufferCount sets the number of staging slots used by the staged
// tier. Valid counts are 2 and 4.
func WithBufferCount(n int) Option {
	return func(o *options) {
		o.bufCount = n
	}
}

// WithFallbackPolicy sets the behavior when all staging slots are in
// flight: block until one frees, or drop the frame.
func WithFallbackPolicy(p staging.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithMemshareDir sets the directory holding shared-memory blocks.
// Defaults to /dev/shm when present, the system temp directory otherwise.
func WithMemshareDir(dir string) Option {
	return func(o *options) {
		o.shmDir = dir
	}
}

// WithLockTimeout bounds how long a frame copy waits for the per-name
// write mutex before giving up.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.lockTimeout = d
	}
}

// WithVSync records a preference for pacing frame publication to the
// display refresh. It only takes effect when the capability probe reports
// swap-interval control; driving the swap interval itself stays with the
// host's windowing layer.
func WithVSync(enabled bool) Option {
	return func(o *options) {
		o.vsync = enabled
	}
}
