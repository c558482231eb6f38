package transfer

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/texshare/interop"
	"github.com/gogpu/texshare/pixel"
	"github.com/gogpu/texshare/staging"
	"github.com/gogpu/texshare/swizzle"
)

// stagedTier routes GPU textures through rotating staging slots: the frame
// is packed into a slot, read back to CPU memory, and published on a shared
// pixel surface. It is the path for device textures and for GL peers
// without a blit-capable interop.
type stagedTier struct{}

func (stagedTier) tier() Tier { return TierStaged }

func (stagedTier) available(e *Engine, req Request) bool {
	if !e.caps.AsyncReadback {
		return false
	}
	if req.Texture.kind() == kindDevice {
		return e.device != nil && e.queue != nil
	}
	return true
}

func (stagedTier) openSend(e *Engine, req Request) (sendChannel, error) {
	pipe, err := staging.NewPipeline(e.bufCount)
	if err != nil {
		return nil, err
	}
	c := &stagedSend{
		e:       e,
		name:    req.Name,
		desc:    req.Desc,
		pipe:    pipe,
		scratch: make([]byte, req.Desc.ByteLen()),
	}
	switch req.Texture.kind() {
	case kindDevice:
		c.bufArena = staging.NewBufferArena(e.device, e.queue)
		if err := c.bufArena.Ensure(e.bufCount, req.Desc); err != nil {
			return nil, err
		}
	case kindGL:
		c.pboArena = staging.NewPBOArena()
		if err := c.pboArena.Ensure(e.bufCount, req.Desc); err != nil {
			return nil, err
		}
	}

	c.link = interop.NewLink(req.Name)
	if err := c.link.Open(func() (interop.Surface, error) {
		return interop.NewPixelSurface(req.Desc)
	}); err != nil {
		c.closeArenas()
		return nil, err
	}
	interop.Publish(req.Name, c.link.Surface())
	return c, nil
}

func (stagedTier) openRecv(e *Engine, req Request) (recvChannel, error) {
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
	return &stagedRecv{e: e, link: link, desc: req.Desc}, nil
}

type stagedSend struct {
	e    *Engine
	name string
	desc pixel.Desc

	link     *interop.Link
	pipe     *staging.Pipeline
	bufArena *staging.BufferArena
	pboArena *staging.PBOArena
	scratch  []byte
}

func (c *stagedSend) send(req Request) error {
	src := req.Texture.Pixels
	if req.Texture.kind() != kindCPU {
		slot, err := c.pipe.Acquire(c.e.fallbackPolicy(), c.e.lockTimeout)
		if err != nil {
			return err
		}
		if err := c.pack(slot, req); err != nil {
			c.pipe.Release(slot)
			return c.deviceLost(err)
		}
		c.pipe.Complete(slot)
		err = c.unpack(slot, c.scratch)
		c.pipe.Release(slot)
		if err != nil {
			return c.deviceLost(err)
		}
		src = c.scratch
	}

	tok, err := c.link.Lock(c.e.lockTimeout)
	if err != nil {
		return err
	}
	defer tok.Release()
	surf, ok := c.link.Surface().(*interop.PixelSurface)
	if !ok {
		return fmt.Errorf("%w: unexpected surface for %q", interop.ErrLinkUnavailable, c.name)
	}
	return pixel.Copy(surf.Bytes(), src, c.desc, pixel.CopyOptions{Invert: req.Invert})
}

func (c *stagedSend) pack(slot int, req Request) error {
	if c.bufArena != nil {
		return c.bufArena.Pack(slot, req.Texture.Texture, gputypes.TextureUsageRenderAttachment)
	}
	return c.pboArena.Pack(slot, req.Texture.GLTexture)
}

func (c *stagedSend) unpack(slot int, dst []byte) error {
	if c.bufArena != nil {
		return c.bufArena.Unpack(slot, dst)
	}
	return c.pboArena.Unpack(slot, dst)
}

// deviceLost flags the link after a failed pack or readback. Those only
// fail when the device or context behind the channel is gone, so the link
// is marked and the engine rebinds on the next send.
func (c *stagedSend) deviceLost(err error) error {
	c.link.MarkDeviceLost()
	return fmt.Errorf("%w: %v", interop.ErrDeviceLost, err)
}

func (c *stagedSend) closeArenas() {
	if c.bufArena != nil {
		c.bufArena.Close()
	}
	if c.pboArena != nil {
		c.pboArena.Close()
	}
}

func (c *stagedSend) close() {
	interop.Retract(c.name)
	c.link.Close()
	c.closeArenas()
}

type stagedRecv struct {
	e       *Engine
	link    *interop.Link
	desc    pixel.Desc
	scratch []byte
}

func (c *stagedRecv) receive(req Request) error {
	tok, err := c.link.Lock(c.e.lockTimeout)
	if err != nil {
		return err
	}
	defer tok.Release()

	surf := c.link.Surface()
	var src []byte
	switch s := surf.(type) {
	case *interop.PixelSurface:
		src = s.Bytes()
	case *interop.GLSurface:
		c.ensureScratch()
		if err := interop.ReadGLTexture(s.TextureID(), c.desc, c.scratch); err != nil {
			c.link.MarkDeviceLost()
			return fmt.Errorf("%w: %v", interop.ErrDeviceLost, err)
		}
		src = c.scratch
	default:
		return fmt.Errorf("%w: no staged path for this surface", ErrCapabilityUnavailable)
	}
	return deliver(c.e, req, c.desc, surf.Desc().Format, src)
}

func (c *stagedRecv) ensureScratch() {
	if len(c.scratch) != c.desc.ByteLen() {
		c.scratch = make([]byte, c.desc.ByteLen())
	}
}

func (c *stagedRecv) close() {
	c.link.Close()
}

// deliver copies tightly packed src rows into the request's local texture,
// applying flip and channel swap as needed.
func deliver(e *Engine, req Request, desc pixel.Desc, srcFormat pixel.Format, src []byte) error {
	swap := srcFormat != req.Desc.Format

	switch req.Texture.kind() {
	case kindCPU:
		return pixel.Copy(req.Texture.Pixels, src, req.Desc,
			pixel.CopyOptions{Invert: req.Invert, SwapRB: swap})

	case kindGL:
		if req.Invert || swap {
			tmp := make([]byte, desc.ByteLen())
			if err := pixel.Copy(tmp, src, desc,
				pixel.CopyOptions{Invert: req.Invert, SwapRB: swap}); err != nil {
				return err
			}
			src = tmp
		}
		return interop.WriteGLTexture(req.Texture.GLTexture, req.Desc, src)

	case kindDevice:
		if e.queue == nil {
			return fmt.Errorf("%w: no device queue", ErrCapabilityUnavailable)
		}
		if req.Invert || swap {
			tmp := make([]byte, desc.ByteLen())
			if err := pixel.Copy(tmp, src, desc,
				pixel.CopyOptions{Invert: req.Invert, SwapRB: swap && e.swz == nil}); err != nil {
				return err
			}
			src = tmp
			if swap && e.swz != nil {
				if err := e.swz.Apply(src, desc); err != nil {
					// GPU swizzle failed; do it on the CPU instead.
					if cpuErr := swizzle.SwapCPU(src, desc); cpuErr != nil {
						return cpuErr
					}
				}
			}
		}
		return interop.UploadDeviceTexture(e.queue, req.Texture.Texture, req.Desc, src)
	}
	return fmt.Errorf("%w: no delivery path for this texture", ErrCapabilityUnavailable)
}
