package staging

import (
	"fmt"
	"unsafe"

	"github.com/go-gl/gl/v3.2-core/gl"

	"github.com/gogpu/texshare/pixel"
)

// PBOArena backs staging slots with GL pixel buffer objects. Pack issues an
// asynchronous ReadPixels into the slot's buffer through a read framebuffer;
// Unpack maps the buffer and copies the rows out. Mapping a buffer whose
// transfer has not landed is where the driver stalls, which is why the
// pipeline reads a slot packed one rotation earlier.
//
// All methods must run on the thread owning the GL context.
type PBOArena struct {
	desc pixel.Desc
	pbos []uint32
	fbo  uint32
}

// NewPBOArena creates an empty arena. Slots are allocated on the first
// Ensure call, which must happen with a current GL context.
func NewPBOArena() *PBOArena {
	return &PBOArena{}
}

// Ensure sizes the arena for n slots of desc, reallocating only when the
// shape actually changed.
func (a *PBOArena) Ensure(n int, desc pixel.Desc) error {
	if !ValidCount(n) {
		return fmt.Errorf("staging: slot count %d, want 2 or 4", n)
	}
	if !desc.Valid() {
		return fmt.Errorf("%w: %s", pixel.ErrFormatUnsupported, desc)
	}
	if desc == a.desc && len(a.pbos) == n {
		return nil
	}
	a.destroy()

	if a.fbo == 0 {
		gl.GenFramebuffers(1, &a.fbo)
	}
	a.pbos = make([]uint32, n)
	gl.GenBuffers(int32(n), &a.pbos[0])
	for _, id := range a.pbos {
		gl.BindBuffer(gl.PIXEL_PACK_BUFFER, id)
		gl.BufferData(gl.PIXEL_PACK_BUFFER, desc.ByteLen(), nil, gl.STREAM_READ)
	}
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	a.desc = desc
	return nil
}

// Pack starts an asynchronous readback of texID into slot i. The call
// returns as soon as the transfer is queued.
func (a *PBOArena) Pack(i int, texID uint32) error {
	if i < 0 || i >= len(a.pbos) {
		return fmt.Errorf("staging: slot %d out of range", i)
	}

	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, a.fbo)
	gl.FramebufferTexture2D(gl.READ_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, texID, 0)
	if status := gl.CheckFramebufferStatus(gl.READ_FRAMEBUFFER); status != gl.FRAMEBUFFER_COMPLETE {
		gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
		return fmt.Errorf("staging: read framebuffer incomplete: 0x%x", status)
	}

	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, a.pbos[i])
	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)
	// With a pack buffer bound, the pixels argument is a buffer offset.
	gl.ReadPixels(0, 0, int32(a.desc.Width), int32(a.desc.Height),
		a.desc.Format.GLFormat(), a.desc.Format.GLType(), nil)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
	return nil
}

// Unpack maps slot i and copies its contents into dst, which must hold
// exactly Desc.ByteLen bytes. Blocks until the slot's transfer completes.
func (a *PBOArena) Unpack(i int, dst []byte) error {
	if i < 0 || i >= len(a.pbos) {
		return fmt.Errorf("staging: slot %d out of range", i)
	}
	if len(dst) != a.desc.ByteLen() {
		return fmt.Errorf("%w: dst %d bytes, want %d", pixel.ErrSizeMismatch, len(dst), a.desc.ByteLen())
	}

	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, a.pbos[i])
	ptr := gl.MapBuffer(gl.PIXEL_PACK_BUFFER, gl.READ_ONLY)
	if ptr == nil {
		gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
		return fmt.Errorf("staging: map slot %d failed", i)
	}
	copy(dst, unsafe.Slice((*byte)(ptr), len(dst)))
	gl.UnmapBuffer(gl.PIXEL_PACK_BUFFER)
	gl.BindBuffer(gl.PIXEL_PACK_BUFFER, 0)
	return nil
}

func (a *PBOArena) destroy() {
	if len(a.pbos) > 0 {
		gl.DeleteBuffers(int32(len(a.pbos)), &a.pbos[0])
		a.pbos = nil
	}
	a.desc = pixel.Desc{}
}

// Close releases the buffers and the read framebuffer.
func (a *PBOArena) Close() {
	if a == nil {
		return
	}
	a.destroy()
	if a.fbo != 0 {
		gl.DeleteFramebuffers(1, &a.fbo)
		a.fbo = 0
	}
}
