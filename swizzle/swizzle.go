// Package swizzle reorders red and blue channels on the GPU for peers whose
// upload path cannot consume the published channel order. The shader treats
// the image as a flat u32 array, so it only applies to 8-bit four-channel
// formats.
package swizzle

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/texshare/pixel"
)

const shaderWGSL = `
struct Params {
    pixel_count: u32,
    _pad0: u32,
    _pad1: u32,
    _pad2: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read_write> pixels: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= params.pixel_count) {
        return;
    }
    let p = pixels[i];
    pixels[i] = (p & 0xFF00FF00u) | ((p & 0x00FF0000u) >> 16u) | ((p & 0x000000FFu) << 16u);
}
`

const dispatchTimeout = 5 * time.Second

// workgroupSize must match the shader's @workgroup_size.
const workgroupSize = 64

// Swizzler owns the compiled channel-swap pipeline for one device.
type Swizzler struct {
	device hal.Device
	queue  hal.Queue

	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
}

// New compiles the shader and builds the pipeline on device.
func New(device hal.Device, queue hal.Queue) (*Swizzler, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("swizzle: nil device or queue")
	}

	spirvBytes, err := naga.Compile(shaderWGSL)
	if err != nil {
		return nil, fmt.Errorf("swizzle: compile shader: %w", err)
	}
	spirv := make([]uint32, len(spirvBytes)/4)
	for i := range spirv {
		spirv[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	s := &Swizzler{device: device, queue: queue}

	s.shader, err = device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "swizzle_rb",
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("swizzle: create shader module: %w", err)
	}

	s.bindLayout, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "swizzle_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("swizzle: create bind group layout: %w", err)
	}

	s.pipeLayout, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "swizzle_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{s.bindLayout},
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("swizzle: create pipeline layout: %w", err)
	}

	s.pipeline, err = device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   "swizzle_pipeline",
		Layout:  s.pipeLayout,
		Compute: hal.ComputeState{Module: s.shader, EntryPoint: "main"},
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("swizzle: create compute pipeline: %w", err)
	}
	return s, nil
}

// Apply swaps the red and blue channels of pix in place on the GPU.
func (s *Swizzler) Apply(pix []byte, desc pixel.Desc) error {
	if desc.Format.BytesPerPixel() != 4 {
		return fmt.Errorf("%w: swizzle needs a 4-byte format, got %s", pixel.ErrFormatUnsupported, desc.Format)
	}
	if len(pix) != desc.ByteLen() {
		return fmt.Errorf("%w: %d bytes, want %d", pixel.ErrSizeMismatch, len(pix), desc.ByteLen())
	}
	count := uint32(desc.Width * desc.Height)
	bufSize := uint64(len(pix))

	storageBuf, err := s.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "swizzle_pixels", Size: bufSize,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("swizzle: create storage buffer: %w", err)
	}
	defer s.device.DestroyBuffer(storageBuf)

	stagingBuf, err := s.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "swizzle_staging", Size: bufSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("swizzle: create staging buffer: %w", err)
	}
	defer s.device.DestroyBuffer(stagingBuf)

	const paramSize = 16
	params := make([]byte, paramSize)
	binary.LittleEndian.PutUint32(params, count)
	uniformBuf, err := s.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "swizzle_params", Size: paramSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("swizzle: create uniform buffer: %w", err)
	}
	defer s.device.DestroyBuffer(uniformBuf)

	s.queue.WriteBuffer(storageBuf, 0, pix)
	s.queue.WriteBuffer(uniformBuf, 0, params)

	bg, err := s.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label: "swizzle_bind", Layout: s.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: uniformBuf.NativeHandle(), Offset: 0, Size: paramSize}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: storageBuf.NativeHandle(), Offset: 0, Size: bufSize}},
		},
	})
	if err != nil {
		return fmt.Errorf("swizzle: create bind group: %w", err)
	}
	defer s.device.DestroyBindGroup(bg)

	encoder, err := s.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "swizzle_encoder"})
	if err != nil {
		return fmt.Errorf("swizzle: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("swizzle"); err != nil {
		return fmt.Errorf("swizzle: begin encoding: %w", err)
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "swizzle_pass"})
	pass.SetPipeline(s.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch((count+workgroupSize-1)/workgroupSize, 1, 1)
	pass.End()

	encoder.CopyBufferToBuffer(storageBuf, stagingBuf, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: bufSize},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("swizzle: end encoding: %w", err)
	}
	defer s.device.FreeCommandBuffer(cmdBuf)

	fence, err := s.device.CreateFence()
	if err != nil {
		return fmt.Errorf("swizzle: create fence: %w", err)
	}
	defer s.device.DestroyFence(fence)

	if err := s.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("swizzle: submit: %w", err)
	}
	ok, err := s.device.Wait(fence, 1, dispatchTimeout)
	if err != nil || !ok {
		return fmt.Errorf("swizzle: wait dispatch: ok=%v err=%w", ok, err)
	}
	return s.queue.ReadBuffer(stagingBuf, 0, pix)
}

// Close destroys the pipeline objects. Safe on a partially built swizzler.
func (s *Swizzler) Close() {
	if s == nil || s.device == nil {
		return
	}
	if s.pipeline != nil {
		s.device.DestroyComputePipeline(s.pipeline)
		s.pipeline = nil
	}
	if s.pipeLayout != nil {
		s.device.DestroyPipelineLayout(s.pipeLayout)
		s.pipeLayout = nil
	}
	if s.bindLayout != nil {
		s.device.DestroyBindGroupLayout(s.bindLayout)
		s.bindLayout = nil
	}
	if s.shader != nil {
		s.device.DestroyShaderModule(s.shader)
		s.shader = nil
	}
}

// SwapCPU is the CPU reference for Apply: it swaps red and blue in place.
func SwapCPU(pix []byte, desc pixel.Desc) error {
	if desc.Format.BytesPerPixel() != 4 {
		return fmt.Errorf("%w: swizzle needs a 4-byte format, got %s", pixel.ErrFormatUnsupported, desc.Format)
	}
	if len(pix) != desc.ByteLen() {
		return fmt.Errorf("%w: %d bytes, want %d", pixel.ErrSizeMismatch, len(pix), desc.ByteLen())
	}
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
	return nil
}
