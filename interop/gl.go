package interop

import (
	"fmt"
	"unsafe"

	"github.com/go-gl/gl/v3.2-core/gl"

	"github.com/gogpu/texshare/pixel"
)

// GLSurface wraps a GL texture as a link surface. All methods that touch
// GL state must run on the thread owning the context.
type GLSurface struct {
	tex   uint32
	desc  pixel.Desc
	owned bool
}

// NewGLSurface allocates a texture sized for desc and wraps it.
func NewGLSurface(desc pixel.Desc) (*GLSurface, error) {
	if !desc.Valid() {
		return nil, fmt.Errorf("%w: %s", pixel.ErrFormatUnsupported, desc)
	}
	var tex uint32
	gl.GenTextures(1, &tex)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.NEAREST)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
	gl.TexImage2D(gl.TEXTURE_2D, 0, glInternalFormat(desc.Format),
		int32(desc.Width), int32(desc.Height), 0,
		desc.Format.GLFormat(), desc.Format.GLType(), nil)
	gl.BindTexture(gl.TEXTURE_2D, 0)
	return &GLSurface{tex: tex, desc: desc, owned: true}, nil
}

// AdoptGLTexture wraps a caller-owned texture without taking ownership.
// Close leaves the texture alive.
func AdoptGLTexture(tex uint32, desc pixel.Desc) *GLSurface {
	return &GLSurface{tex: tex, desc: desc}
}

// TextureID returns the wrapped texture name.
func (s *GLSurface) TextureID() uint32 { return s.tex }

func (s *GLSurface) Desc() pixel.Desc { return s.desc }

func (s *GLSurface) Close() {
	if s.owned && s.tex != 0 {
		gl.DeleteTextures(1, &s.tex)
	}
	s.tex = 0
}

func glInternalFormat(f pixel.Format) int32 {
	if f == pixel.RGBA16F {
		return gl.RGBA16F
	}
	return gl.RGBA8
}

// BlitGLTextures copies src into dst through a framebuffer blit. Both
// textures must match desc. With invert the copy flips vertically, which a
// blit does for free by reversing the destination Y range.
func BlitGLTextures(src, dst uint32, desc pixel.Desc, invert bool) error {
	var fbos [2]uint32
	gl.GenFramebuffers(2, &fbos[0])
	defer gl.DeleteFramebuffers(2, &fbos[0])

	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, fbos[0])
	gl.FramebufferTexture2D(gl.READ_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, src, 0)
	gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, fbos[1])
	gl.FramebufferTexture2D(gl.DRAW_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, dst, 0)

	if status := gl.CheckFramebufferStatus(gl.READ_FRAMEBUFFER); status != gl.FRAMEBUFFER_COMPLETE {
		unbindFramebuffers()
		return fmt.Errorf("interop: read framebuffer incomplete: 0x%x", status)
	}
	if status := gl.CheckFramebufferStatus(gl.DRAW_FRAMEBUFFER); status != gl.FRAMEBUFFER_COMPLETE {
		unbindFramebuffers()
		return fmt.Errorf("interop: draw framebuffer incomplete: 0x%x", status)
	}

	w, h := int32(desc.Width), int32(desc.Height)
	dstY0, dstY1 := int32(0), h
	if invert {
		dstY0, dstY1 = h, 0
	}
	gl.BlitFramebuffer(0, 0, w, h, 0, dstY0, w, dstY1, gl.COLOR_BUFFER_BIT, gl.NEAREST)
	unbindFramebuffers()
	return nil
}

func unbindFramebuffers() {
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
	gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, 0)
}

// ReadGLTexture reads tex into dst as tightly packed rows.
func ReadGLTexture(tex uint32, desc pixel.Desc, dst []byte) error {
	if len(dst) != desc.ByteLen() {
		return fmt.Errorf("%w: dst %d bytes, want %d", pixel.ErrSizeMismatch, len(dst), desc.ByteLen())
	}
	var fbo uint32
	gl.GenFramebuffers(1, &fbo)
	defer gl.DeleteFramebuffers(1, &fbo)

	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, fbo)
	gl.FramebufferTexture2D(gl.READ_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, tex, 0)
	if status := gl.CheckFramebufferStatus(gl.READ_FRAMEBUFFER); status != gl.FRAMEBUFFER_COMPLETE {
		gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
		return fmt.Errorf("interop: read framebuffer incomplete: 0x%x", status)
	}
	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)
	gl.ReadPixels(0, 0, int32(desc.Width), int32(desc.Height),
		desc.Format.GLFormat(), desc.Format.GLType(), unsafe.Pointer(&dst[0]))
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, 0)
	return nil
}

// WriteGLTexture uploads tightly packed rows from src into tex.
func WriteGLTexture(tex uint32, desc pixel.Desc, src []byte) error {
	if len(src) != desc.ByteLen() {
		return fmt.Errorf("%w: src %d bytes, want %d", pixel.ErrSizeMismatch, len(src), desc.ByteLen())
	}
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, int32(desc.Width), int32(desc.Height),
		desc.Format.GLFormat(), desc.Format.GLType(), gl.Ptr(src))
	gl.BindTexture(gl.TEXTURE_2D, 0)
	return nil
}
