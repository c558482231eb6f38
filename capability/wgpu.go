package capability

import "github.com/gogpu/wgpu/hal"

// WGPUProbe derives a capability Set from a WebGPU device. WebGPU exposes a
// uniform feature floor, so most flags follow directly from having a usable
// device at all.
type WGPUProbe struct {
	Device hal.Device
}

// Probe implements Probe. A nil device yields the zero Set.
func (p WGPUProbe) Probe() (Set, error) {
	if p.Device == nil {
		return Set{}, nil
	}
	return Set{
		// Texture-to-texture copies between processes still need a
		// platform shared handle; within one device they always work.
		Interop: true,
		// Staging buffers with MapRead are part of the WebGPU baseline.
		AsyncReadback: true,
		// BGRA8Unorm is a guaranteed format.
		ChannelSwap: true,
		BlitCopy:    true,
		// Presentation cadence belongs to the surface owner, not texshare.
		VSyncControl: false,
	}, nil
}
