package transfer

import (
	"fmt"

	"github.com/gogpu/texshare/interop"
	"github.com/gogpu/texshare/pixel"
)

// directTier copies straight between the local texture and the published
// shared surface. It serves GL textures through framebuffer blits and CPU
// pixel buffers through plain copies; device textures have no
// texture-to-texture path and fall through to the staged tier.
type directTier struct{}

func (directTier) tier() Tier { return TierDirect }

func (directTier) available(e *Engine, req Request) bool {
	if req.Texture.kind() == kindDevice {
		return false
	}
	return e.caps.Interop || e.caps.BlitCopy
}

// borrowed wraps a surface the link must not tear down: consumers attach to
// the producer's surface but never own it.
type borrowed struct{ interop.Surface }

func (borrowed) Close() {}

func (directTier) openSend(e *Engine, req Request) (sendChannel, error) {
	link := interop.NewLink(req.Name)
	err := link.Open(func() (interop.Surface, error) {
		if req.Texture.kind() == kindGL {
			return interop.NewGLSurface(req.Desc)
		}
		return interop.NewPixelSurface(req.Desc)
	})
	if err != nil {
		return nil, err
	}
	interop.Publish(req.Name, link.Surface())
	return &directSend{e: e, link: link, name: req.Name, desc: req.Desc}, nil
}

func (directTier) openRecv(e *Engine, req Request) (recvChannel, error) {
	surf, ok := interop.Lookup(req.Name)
	if !ok {
		return nil, fmt.Errorf("%w: no published surface for %q", interop.ErrLinkUnavailable, req.Name)
	}
	if err := surf.Desc().Check(req.Desc); err != nil {
		return nil, err
	}
	link := interop.NewLink(req.Name)
	if err := link.Open(func() (interop.Surface, error) { return borrowed{surf}, nil }); err != nil {
		return nil, err
	}
	return &directRecv{e: e, link: link, desc: req.Desc}, nil
}

type directSend struct {
	e    *Engine
	link *interop.Link
	name string
	desc pixel.Desc
}

func (c *directSend) send(req Request) error {
	tok, err := c.link.Lock(c.e.lockTimeout)
	if err != nil {
		return err
	}
	defer tok.Release()

	switch s := c.link.Surface().(type) {
	case *interop.GLSurface:
		if err := interop.BlitGLTextures(req.Texture.GLTexture, s.TextureID(), c.desc, req.Invert); err != nil {
			// A failed blit means the GL context behind the link is gone.
			c.link.MarkDeviceLost()
			return fmt.Errorf("%w: %v", interop.ErrDeviceLost, err)
		}
		return nil
	case *interop.PixelSurface:
		return pixel.Copy(s.Bytes(), req.Texture.Pixels, c.desc, pixel.CopyOptions{Invert: req.Invert})
	default:
		return fmt.Errorf("%w: unexpected surface for %q", interop.ErrLinkUnavailable, c.name)
	}
}

func (c *directSend) close() {
	interop.Retract(c.name)
	c.link.Close()
}

type directRecv struct {
	e       *Engine
	link    *interop.Link
	desc    pixel.Desc
	scratch []byte
}

func (c *directRecv) receive(req Request) error {
	tok, err := c.link.Lock(c.e.lockTimeout)
	if err != nil {
		return err
	}
	defer tok.Release()

	surf := c.link.Surface()
	swap := surf.Desc().Format != req.Desc.Format

	switch s := surf.(type) {
	case *interop.GLSurface:
		switch req.Texture.kind() {
		case kindGL:
			if err := interop.BlitGLTextures(s.TextureID(), req.Texture.GLTexture, c.desc, req.Invert); err != nil {
				return c.deviceLost(err)
			}
			return nil
		case kindCPU:
			if !req.Invert {
				// ReadPixels converts the channel order on the way out.
				if err := interop.ReadGLTexture(s.TextureID(), req.Desc, req.Texture.Pixels); err != nil {
					return c.deviceLost(err)
				}
				return nil
			}
			c.ensureScratch()
			if err := interop.ReadGLTexture(s.TextureID(), req.Desc, c.scratch); err != nil {
				return c.deviceLost(err)
			}
			return pixel.Copy(req.Texture.Pixels, c.scratch, req.Desc, pixel.CopyOptions{Invert: true})
		}
	case *interop.PixelSurface:
		switch req.Texture.kind() {
		case kindCPU:
			return pixel.Copy(req.Texture.Pixels, s.Bytes(), req.Desc,
				pixel.CopyOptions{Invert: req.Invert, SwapRB: swap})
		case kindGL:
			src := s.Bytes()
			if req.Invert || swap {
				c.ensureScratch()
				if err := pixel.Copy(c.scratch, src, req.Desc,
					pixel.CopyOptions{Invert: req.Invert, SwapRB: swap}); err != nil {
					return err
				}
				src = c.scratch
			}
			return interop.WriteGLTexture(req.Texture.GLTexture, req.Desc, src)
		}
	}
	return fmt.Errorf("%w: no direct path for this texture", ErrCapabilityUnavailable)
}

// deviceLost flags the link after a failed blit or readback; the engine
// reattaches to the published surface on the next receive.
func (c *directRecv) deviceLost(err error) error {
	c.link.MarkDeviceLost()
	return fmt.Errorf("%w: %v", interop.ErrDeviceLost, err)
}

func (c *directRecv) ensureScratch() {
	if len(c.scratch) != c.desc.ByteLen() {
		c.scratch = make([]byte, c.desc.ByteLen())
	}
}

func (c *directRecv) close() {
	c.link.Close()
}
