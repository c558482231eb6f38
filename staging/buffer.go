package staging

import (
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/texshare/pixel"
)

// copyPitchAlignment is what CopyTextureToBuffer requires of BytesPerRow.
const copyPitchAlignment = 256

// fenceTimeout bounds the wait for an in-flight pack during Unpack.
const fenceTimeout = 5 * time.Second

func alignPitch(pitch uint32) uint32 {
	return (pitch + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
}

type bufferSlot struct {
	buf   hal.Buffer
	fence hal.Fence
	cmd   hal.CommandBuffer
}

// BufferArena backs staging slots with mappable GPU buffers. Pack records
// and submits an asynchronous texture-to-buffer copy; Unpack waits on the
// slot's fence and reads the bytes back, stripping row padding.
type BufferArena struct {
	device hal.Device
	queue  hal.Queue

	desc         pixel.Desc
	tightPitch   uint32
	alignedPitch uint32
	slots        []bufferSlot
}

// NewBufferArena creates an arena bound to a device and queue. Slots are
// allocated on the first Ensure call.
func NewBufferArena(device hal.Device, queue hal.Queue) *BufferArena {
	return &BufferArena{device: device, queue: queue}
}

// Ensure sizes the arena for n slots of desc, reallocating only when the
// shape actually changed. A reallocation drops any in-flight contents.
func (a *BufferArena) Ensure(n int, desc pixel.Desc) error {
	if !ValidCount(n) {
		return fmt.Errorf("staging: slot count %d, want 2 or 4", n)
	}
	if !desc.Valid() {
		return fmt.Errorf("%w: %s", pixel.ErrFormatUnsupported, desc)
	}
	if desc == a.desc && len(a.slots) == n {
		return nil
	}
	a.destroySlots()

	tight := uint32(desc.Pitch())
	aligned := alignPitch(tight)
	size := uint64(aligned) * uint64(desc.Height)

	slots := make([]bufferSlot, 0, n)
	for i := 0; i < n; i++ {
		buf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
			Label: fmt.Sprintf("texshare_staging_%d", i),
			Size:  size,
			Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			for _, s := range slots {
				a.device.DestroyBuffer(s.buf)
			}
			return fmt.Errorf("staging: create buffer %d: %w", i, err)
		}
		slots = append(slots, bufferSlot{buf: buf})
	}
	a.desc = desc
	a.tightPitch = tight
	a.alignedPitch = aligned
	a.slots = slots
	return nil
}

// Pack submits an asynchronous copy of tex into slot i. srcUsage describes
// the texture's usage before the copy; the texture is transitioned back to
// it afterwards so the owner's next pass sees a consistent layout.
func (a *BufferArena) Pack(i int, tex hal.Texture, srcUsage gputypes.TextureUsage) error {
	if i < 0 || i >= len(a.slots) {
		return fmt.Errorf("staging: slot %d out of range", i)
	}
	s := &a.slots[i]
	a.settleSlot(s)

	encoder, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "texshare_pack",
	})
	if err != nil {
		return fmt.Errorf("staging: create encoder: %w", err)
	}
	if err := encoder.BeginEncoding("texshare_pack"); err != nil {
		return fmt.Errorf("staging: begin encoding: %w", err)
	}

	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: srcUsage,
			NewUsage: gputypes.TextureUsageCopySrc,
		},
	}})
	encoder.CopyTextureToBuffer(tex, s.buf, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  a.alignedPitch,
			RowsPerImage: uint32(a.desc.Height),
		},
		TextureBase: hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
		Size: hal.Extent3D{
			Width:              uint32(a.desc.Width),
			Height:             uint32(a.desc.Height),
			DepthOrArrayLayers: 1,
		},
	}})
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageCopySrc,
			NewUsage: srcUsage,
		},
	}})

	cmd, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("staging: end encoding: %w", err)
	}

	fence, err := a.device.CreateFence()
	if err != nil {
		a.device.FreeCommandBuffer(cmd)
		return fmt.Errorf("staging: create fence: %w", err)
	}
	if err := a.queue.Submit([]hal.CommandBuffer{cmd}, fence, 1); err != nil {
		a.device.FreeCommandBuffer(cmd)
		a.device.DestroyFence(fence)
		return fmt.Errorf("staging: submit: %w", err)
	}
	s.cmd = cmd
	s.fence = fence
	return nil
}

// Unpack waits for slot i's pack to finish and copies the tightly packed
// pixel rows into dst, which must hold exactly Desc.ByteLen bytes.
func (a *BufferArena) Unpack(i int, dst []byte) error {
	if i < 0 || i >= len(a.slots) {
		return fmt.Errorf("staging: slot %d out of range", i)
	}
	if len(dst) != a.desc.ByteLen() {
		return fmt.Errorf("%w: dst %d bytes, want %d", pixel.ErrSizeMismatch, len(dst), a.desc.ByteLen())
	}
	s := &a.slots[i]
	if s.fence != nil {
		ok, err := a.device.Wait(s.fence, 1, fenceTimeout)
		if err != nil || !ok {
			a.settleSlot(s)
			return fmt.Errorf("staging: wait pack: ok=%v err=%w", ok, err)
		}
	}
	a.settleSlot(s)

	size := uint64(a.alignedPitch) * uint64(a.desc.Height)
	if a.alignedPitch == a.tightPitch {
		return a.queue.ReadBuffer(s.buf, 0, dst)
	}
	scratch := make([]byte, size)
	if err := a.queue.ReadBuffer(s.buf, 0, scratch); err != nil {
		return fmt.Errorf("staging: readback: %w", err)
	}
	return pixel.RemovePadding(dst, scratch, a.desc, int(a.alignedPitch))
}

func (a *BufferArena) settleSlot(s *bufferSlot) {
	if s.cmd != nil {
		a.device.FreeCommandBuffer(s.cmd)
		s.cmd = nil
	}
	if s.fence != nil {
		a.device.DestroyFence(s.fence)
		s.fence = nil
	}
}

func (a *BufferArena) destroySlots() {
	for i := range a.slots {
		a.settleSlot(&a.slots[i])
		a.device.DestroyBuffer(a.slots[i].buf)
	}
	a.slots = nil
	a.desc = pixel.Desc{}
}

// Close releases every slot's GPU resources.
func (a *BufferArena) Close() {
	if a == nil {
		return
	}
	a.destroySlots()
}
