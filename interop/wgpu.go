package interop

import (
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/texshare/pixel"
)

const readbackTimeout = 5 * time.Second

// DeviceSurface wraps a device texture as a link surface.
type DeviceSurface struct {
	device hal.Device
	tex    hal.Texture
	desc   pixel.Desc
	owned  bool
}

// NewDeviceSurface creates a texture usable as both copy source and
// destination and wraps it.
func NewDeviceSurface(device hal.Device, desc pixel.Desc) (*DeviceSurface, error) {
	if !desc.Valid() {
		return nil, fmt.Errorf("%w: %s", pixel.ErrFormatUnsupported, desc)
	}
	tex, err := device.CreateTexture(&hal.TextureDescriptor{
		Label: "texshare_surface",
		Size: hal.Extent3D{
			Width:              uint32(desc.Width),
			Height:             uint32(desc.Height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format.TextureFormat(),
		Usage:         gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("interop: create surface texture: %w", err)
	}
	return &DeviceSurface{device: device, tex: tex, desc: desc, owned: true}, nil
}

// AdoptDeviceTexture wraps a caller-owned texture without taking ownership.
func AdoptDeviceTexture(device hal.Device, tex hal.Texture, desc pixel.Desc) *DeviceSurface {
	return &DeviceSurface{device: device, tex: tex, desc: desc}
}

// Texture returns the wrapped device texture.
func (s *DeviceSurface) Texture() hal.Texture { return s.tex }

func (s *DeviceSurface) Desc() pixel.Desc { return s.desc }

func (s *DeviceSurface) Close() {
	if s.owned && s.tex != nil {
		s.device.DestroyTexture(s.tex)
	}
	s.tex = nil
}

// UploadDeviceTexture writes tightly packed rows into tex.
func UploadDeviceTexture(queue hal.Queue, tex hal.Texture, desc pixel.Desc, src []byte) error {
	if len(src) != desc.ByteLen() {
		return fmt.Errorf("%w: src %d bytes, want %d", pixel.ErrSizeMismatch, len(src), desc.ByteLen())
	}
	queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
		src,
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(desc.Pitch()),
			RowsPerImage: uint32(desc.Height),
		},
		&hal.Extent3D{
			Width:              uint32(desc.Width),
			Height:             uint32(desc.Height),
			DepthOrArrayLayers: 1,
		},
	)
	return nil
}

// ReadDeviceTexture copies tex through a one-shot staging buffer into dst
// as tightly packed rows, waiting for the GPU to finish.
func ReadDeviceTexture(device hal.Device, queue hal.Queue, tex hal.Texture, desc pixel.Desc, dst []byte) error {
	if len(dst) != desc.ByteLen() {
		return fmt.Errorf("%w: dst %d bytes, want %d", pixel.ErrSizeMismatch, len(dst), desc.ByteLen())
	}

	// BytesPerRow must be 256-byte aligned for the copy.
	tight := uint32(desc.Pitch())
	const pitchAlignment = 256
	aligned := (tight + pitchAlignment - 1) &^ (pitchAlignment - 1)
	size := uint64(aligned) * uint64(desc.Height)

	buf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "texshare_readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("interop: create readback buffer: %w", err)
	}
	defer device.DestroyBuffer(buf)

	encoder, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "texshare_readback",
	})
	if err != nil {
		return fmt.Errorf("interop: create encoder: %w", err)
	}
	if err := encoder.BeginEncoding("texshare_readback"); err != nil {
		return fmt.Errorf("interop: begin encoding: %w", err)
	}
	encoder.CopyTextureToBuffer(tex, buf, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  aligned,
			RowsPerImage: uint32(desc.Height),
		},
		TextureBase: hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
		Size: hal.Extent3D{
			Width:              uint32(desc.Width),
			Height:             uint32(desc.Height),
			DepthOrArrayLayers: 1,
		},
	}})
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("interop: end encoding: %w", err)
	}
	defer device.FreeCommandBuffer(cmd)

	fence, err := device.CreateFence()
	if err != nil {
		return fmt.Errorf("interop: create fence: %w", err)
	}
	defer device.DestroyFence(fence)

	if err := queue.Submit([]hal.CommandBuffer{cmd}, fence, 1); err != nil {
		return fmt.Errorf("interop: submit: %w", err)
	}
	ok, err := device.Wait(fence, 1, readbackTimeout)
	if err != nil || !ok {
		return fmt.Errorf("interop: wait readback: ok=%v err=%w", ok, err)
	}

	if aligned == tight {
		return queue.ReadBuffer(buf, 0, dst)
	}
	scratch := make([]byte, size)
	if err := queue.ReadBuffer(buf, 0, scratch); err != nil {
		return fmt.Errorf("interop: readback: %w", err)
	}
	return pixel.RemovePadding(dst, scratch, desc, int(aligned))
}
